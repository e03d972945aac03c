package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Blyss1987/openvpn/internal/model"
	"github.com/Blyss1987/openvpn/internal/tlscrypt"
)

func TestNewConfig(t *testing.T) {
	t.Run("default constructor does not fail", func(t *testing.T) {
		c := NewConfig()
		if c.logger == nil {
			t.Errorf("logger should not be nil")
		}
		if c.openvpnOptions == nil {
			t.Errorf("openvpn options should not be nil")
		}
	})

	t.Run("WithLogger sets the logger", func(t *testing.T) {
		testLogger := model.NewTestLogger()
		c := NewConfig(WithLogger(testLogger))
		if c.Logger() != model.Logger(testLogger) {
			t.Errorf("expected logger to be set to the configured one")
		}
	})

	t.Run("WithConfigFile sets OpenVPNOptions after parsing the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sample.ovpn")
		if err := os.WriteFile(path, []byte(sampleConfigFile), 0600); err != nil {
			t.Fatal(err)
		}
		c := NewConfig(WithConfigFile(path))
		opts := c.OpenVPNOptions()
		if len(opts.CA) == 0 || len(opts.Cert) == 0 || len(opts.Key) == 0 {
			t.Error("expected inline ca, cert and key")
		}
		if len(opts.TLSCrypt) == 0 {
			t.Error("expected inline tls-crypt key")
		}
		if opts.KeyDirection == nil || *opts.KeyDirection != 1 {
			t.Error("expected key-direction 1")
		}
		if c.ReplayWindow() != 64 {
			t.Errorf("expected replay window 64, got %d", c.ReplayWindow())
		}
		if c.ReplayTime() != 30*time.Second {
			t.Errorf("expected replay time 30s, got %v", c.ReplayTime())
		}
		if c.TranWindow() != 120*time.Second {
			t.Errorf("expected tran window 120s, got %v", c.TranWindow())
		}
	})

	t.Run("WithConfigFile with a bad file leaves defaults and warns", func(t *testing.T) {
		testLogger := model.NewTestLogger()
		c := NewConfig(WithLogger(testLogger), WithConfigFile("/nonexistent/file.ovpn"))
		if c.ReplayWindow() != defaultReplayWindow {
			t.Errorf("expected default replay window, got %d", c.ReplayWindow())
		}
		if len(testLogger.Lines()) == 0 {
			t.Error("expected a warning to be logged")
		}
	})
}

func TestConfigDefaults(t *testing.T) {
	c := NewConfig()
	if c.ReplayWindow() != defaultReplayWindow {
		t.Errorf("expected default replay window, got %d", c.ReplayWindow())
	}
	if c.ReplayTime() != defaultReplayTime {
		t.Errorf("expected default replay time, got %v", c.ReplayTime())
	}
	if c.TranWindow() != defaultTranWindow {
		t.Errorf("expected default tran window, got %v", c.TranWindow())
	}
	if dir := c.OpenVPNOptions().TLSCryptDirection(); dir != tlscrypt.KeyDirectionBidirectional {
		t.Errorf("expected bidirectional key direction, got %v", dir)
	}
}

func TestConfigSources(t *testing.T) {
	t.Run("inline material produces inline sources", func(t *testing.T) {
		opts := &OpenVPNOptions{
			CA:   []byte("ca bytes"),
			Cert: []byte("cert bytes"),
			Key:  []byte("key bytes"),
		}
		c := NewConfig(WithOpenVPNOptions(opts))
		if !c.CASource().IsInline() || !c.CertSource().IsInline() || !c.KeySource().IsInline() {
			t.Error("expected inline sources")
		}
	})

	t.Run("file references produce file sources", func(t *testing.T) {
		opts := &OpenVPNOptions{CAFile: "/etc/vpn/ca.crt"}
		c := NewConfig(WithOpenVPNOptions(opts))
		src := c.CASource()
		if src.IsInline() || src.IsZero() {
			t.Error("expected a file source")
		}
	})

	t.Run("missing material produces a zero source", func(t *testing.T) {
		c := NewConfig()
		if !c.CASource().IsZero() {
			t.Error("expected a zero source")
		}
	})
}

var sampleConfigFile = `
key-direction 1
replay-window 64 30
tran-window 120
<ca>
dummy
</ca>
<cert>
dummy
</cert>
<key>
dummy
</key>
<tls-crypt>
dummy
</tls-crypt>
`
