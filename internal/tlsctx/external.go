package tlsctx

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"io"
)

// ExternalKeyAuthority performs private-key operations on our behalf:
// a management channel or a hardware token that holds the key we never
// see. This package only defines the binding call; the authority's own
// protocol lives elsewhere.
type ExternalKeyAuthority interface {
	// Bind asks the authority to accept the certificate whose key it is
	// expected to hold. A rejection aborts the delegation.
	Bind(cert *x509.Certificate) error

	// Sign signs the digest with the delegated private key.
	Sign(digest []byte, opts crypto.SignerOpts) ([]byte, error)
}

// externalSigner adapts an [ExternalKeyAuthority] to crypto.Signer so the
// TLS library drives the delegation transparently.
type externalSigner struct {
	public    crypto.PublicKey
	authority ExternalKeyAuthority
}

var _ crypto.Signer = &externalSigner{}

// Public implements crypto.Signer.
func (s *externalSigner) Public() crypto.PublicKey {
	return s.public
}

// Sign implements crypto.Signer. The rand argument is unused: randomness,
// if the scheme needs any, is the authority's business.
func (s *externalSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return s.authority.Sign(digest, opts)
}

// BindExternalKey binds the context's private-key operations to an
// external authority instead of an in-memory key; all subsequent signing
// is delegated. The certificate becomes the context's endpoint
// certificate. Fails with [ErrExternalKeyBind] when the authority rejects
// the certificate.
func (c *Context) BindExternalKey(cert *x509.Certificate, authority ExternalKeyAuthority) error {
	if c.destroyed {
		return ErrDestroyed
	}
	if cert == nil || authority == nil {
		return fmt.Errorf("%w: nil certificate or authority", ErrExternalKeyBind)
	}
	if err := authority.Bind(cert); err != nil {
		return fmt.Errorf("%w: %s", ErrExternalKeyBind, err)
	}
	c.leaf = cert
	c.chainDER = [][]byte{cert.Raw}
	c.signer = &externalSigner{public: cert.PublicKey, authority: authority}
	c.key = nil
	return nil
}
