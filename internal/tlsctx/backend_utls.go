package tlsctx

import (
	"crypto/x509"
	"fmt"

	tls "github.com/refraction-networking/utls"
)

// HandshakeConfig is the assembled handshake configuration handed to the
// control-channel state machine that owns the handshake.
type HandshakeConfig struct {
	// TLS is the library configuration for the handshake.
	TLS *tls.Config
}

// utlsBackend is the TLS backend compiled into this build. It sits on
// top of uTLS so the handshake layer can parrot reference fingerprints.
type utlsBackend struct{}

// DefaultBackend returns the backend compiled into this build.
func DefaultBackend() Backend {
	return &utlsBackend{}
}

// Init implements [Backend]. uTLS has no global state to initialize.
func (*utlsBackend) Init() error {
	return nil
}

// Name implements [Backend].
func (*utlsBackend) Name() string {
	return "utls"
}

// CipherSuites implements [Backend]. The order is the library's own
// preference order.
func (*utlsBackend) CipherSuites() []CipherSuite {
	var out []CipherSuite
	for _, s := range tls.CipherSuites() {
		out = append(out, CipherSuite{ID: s.ID, Name: s.Name})
	}
	return out
}

// HandshakeConfig implements [Backend]. It mirrors the reference client
// setup: ServerName verification is replaced by verification against the
// pinned CA, since a VPN gateway's name is not known a priori.
func (b *utlsBackend) HandshakeConfig(ctx *Context) (*HandshakeConfig, error) {
	cert := tls.Certificate{
		Certificate: ctx.chainDER,
		Leaf:        ctx.leaf,
	}
	switch {
	case ctx.signer != nil:
		cert.PrivateKey = ctx.signer
	default:
		cert.PrivateKey = ctx.key
	}

	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		// crypto/tls wants either ServerName or InsecureSkipVerify set...
		InsecureSkipVerify: true,
		// ...but we pass our own verification function that checks
		// against the CA and ignores the ServerName.
		VerifyPeerCertificate: peerVerifierFor(ctx),
		// disable DynamicRecordSizing to lower distinguishability.
		DynamicRecordSizingDisabled: true,
		MinVersion:                  tls.VersionTLS12,
		MaxVersion:                  tls.VersionTLS13,
	} //#nosec G402

	if ctx.opts.DisableSessionCache {
		conf.SessionTicketsDisabled = true
		conf.ClientSessionCache = nil
	}
	if ctx.role == RoleServer {
		conf.ClientAuth = tls.RequireAndVerifyClientCert
		conf.ClientCAs = ctx.ca
	}
	return &HandshakeConfig{TLS: conf}, nil
}

// peerVerifierFor returns the VerifyPeerCertificate callback validating
// the peer chain against the context's trust anchors, without the
// CommonName check that makes no sense for a VPN gateway.
func peerVerifierFor(ctx *Context) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	roots := ctx.ca
	depth := ctx.opts.VerifyDepth
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("%w: nothing to verify", ErrCertificateParse)
		}
		if depth > 0 && len(rawCerts) > depth+1 {
			return fmt.Errorf("%w: peer chain longer than verify depth %d", ErrCertificateParse, depth)
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("%w: %s", ErrCertificateParse, err)
		}
		opts := x509.VerifyOptions{DNSName: "", Roots: roots}
		if len(rawCerts) > 1 {
			opts.Intermediates = x509.NewCertPool()
			for _, der := range rawCerts[1:] {
				cert, err := x509.ParseCertificate(der)
				if err != nil {
					return fmt.Errorf("%w: %s", ErrCertificateParse, err)
				}
				opts.Intermediates.AddCert(cert)
			}
		}
		if _, err := leaf.Verify(opts); err != nil {
			return fmt.Errorf("%w: %s", ErrCertificateParse, err)
		}
		return nil
	}
}
