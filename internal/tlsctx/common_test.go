package tlsctx

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apex/log"

	"github.com/Blyss1987/openvpn/internal/runtimex"
)

// testPKI is a throwaway CA plus a leaf certificate/key pair generated
// for a single test.
type testPKI struct {
	caPEM   []byte
	certPEM []byte
	keyPEM  []byte
	keyDER  []byte
	leaf    *x509.Certificate
	caCert  *x509.Certificate
	key     *ecdsa.PrivateKey
}

func makeTestPKI(t *testing.T) *testPKI {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	runtimex.PanicOnError(err, "cannot generate CA key")
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test vpn ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	runtimex.PanicOnError(err, "cannot create CA certificate")
	caCert, err := x509.ParseCertificate(caDER)
	runtimex.PanicOnError(err, "cannot parse CA certificate")

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	runtimex.PanicOnError(err, "cannot generate leaf key")
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "test vpn client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, caCert, &leafKey.PublicKey, caKey)
	runtimex.PanicOnError(err, "cannot create leaf certificate")
	leaf, err := x509.ParseCertificate(leafDER)
	runtimex.PanicOnError(err, "cannot parse leaf certificate")

	keyDER, err := x509.MarshalPKCS8PrivateKey(leafKey)
	runtimex.PanicOnError(err, "cannot marshal leaf key")

	return &testPKI{
		caPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}),
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER}),
		keyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		keyDER:  keyDER,
		leaf:    leaf,
		caCert:  caCert,
		key:     leafKey,
	}
}

// writeTemp writes data to a fresh file below the test's temp dir.
func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func makeTestContext(t *testing.T, role Role) *Context {
	t.Helper()
	ctx, err := NewContext(role, log.Log)
	if err != nil {
		t.Fatal(err)
	}
	return ctx
}

// oakleyGroup1Prime is the RFC 2409 768-bit MODP prime, used to build a
// syntactically valid DH PARAMETERS block.
const oakleyGroup1Prime = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A63A3620FFFFFFFFFFFFFFFF"

func makeDHParamsPEM(t *testing.T) []byte {
	t.Helper()
	p, ok := new(big.Int).SetString(oakleyGroup1Prime, 16)
	if !ok {
		t.Fatal("cannot parse prime")
	}
	der, err := asn1.Marshal(pkcs3DHParams{P: p, G: big.NewInt(2)})
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "DH PARAMETERS", Bytes: der})
}
