package tlsctx

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// DHParams are classic Diffie-Hellman group parameters, loaded on server
// contexts for ephemeral-DH cipher suites.
type DHParams struct {
	// P is the prime modulus.
	P *big.Int

	// G is the generator.
	G *big.Int
}

// Bits returns the size of the prime modulus in bits.
func (dh *DHParams) Bits() int {
	return dh.P.BitLen()
}

// pkcs3DHParams is the ASN.1 structure inside a "DH PARAMETERS" block.
type pkcs3DHParams struct {
	P *big.Int
	G *big.Int
}

// LoadDHParams loads DH parameters from a PEM source. Server-only:
// clients never present DH parameters. Absence of valid parameters when
// a cipher suite needs them is a fatal configuration error surfaced by
// [Context.HandshakeConfig], never silently ignored.
func (c *Context) LoadDHParams(source Source) error {
	if c.destroyed {
		return ErrDestroyed
	}
	if c.role != RoleServer {
		return fmt.Errorf("%w: DH parameters are only meaningful on a server context", ErrParameterLoad)
	}
	data, err := source.bytes()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrParameterLoad, err)
	}

	block := findPEMBlock(data, "DH PARAMETERS")
	if block == nil {
		return fmt.Errorf("%w: no DH PARAMETERS block in %s", ErrParameterLoad, source)
	}
	var params pkcs3DHParams
	if rest, err := asn1.Unmarshal(block.Bytes, &params); err != nil || len(rest) != 0 {
		return fmt.Errorf("%w: malformed DH PARAMETERS in %s", ErrParameterLoad, source)
	}
	if params.P.Sign() <= 0 || params.G.Sign() <= 0 || params.P.Bit(0) == 0 {
		return fmt.Errorf("%w: implausible DH group in %s", ErrParameterLoad, source)
	}
	c.dh = &DHParams{P: params.P, G: params.G}
	c.logger.Debugf("tlsctx: loaded %d bit DH parameters from %s", c.dh.Bits(), source)
	return nil
}

// LoadCertificateChain loads the endpoint certificate and any chain
// certificates from a PEM source. Multiple certificates are installed in
// file order as the chain, leaf first. Returns the parsed leaf for
// callers that need the public key (e.g. external-key delegation).
//
// On failure the context is left as it was: uninitialized if no prior
// load succeeded, unchanged otherwise.
func (c *Context) LoadCertificateChain(source Source) (*x509.Certificate, error) {
	if c.destroyed {
		return nil, ErrDestroyed
	}
	data, err := source.bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCertificateParse, err)
	}

	var (
		chain [][]byte
		leaf  *x509.Certificate
	)
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrCertificateParse, source, err)
		}
		if leaf == nil {
			leaf = cert
		}
		chain = append(chain, block.Bytes)
	}
	if leaf == nil {
		return nil, fmt.Errorf("%w: no certificate in %s", ErrCertificateParse, source)
	}

	c.leaf = leaf
	c.chainDER = chain
	return leaf, nil
}

// LoadCA installs the trust anchors from a PEM source.
func (c *Context) LoadCA(source Source) error {
	if c.destroyed {
		return ErrDestroyed
	}
	data, err := source.bytes()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCertificateParse, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return fmt.Errorf("%w: no CA certificate in %s", ErrCertificateParse, source)
	}
	c.ca = pool
	return nil
}

// LoadPrivateKey loads the endpoint private key from a PEM source. When
// the key is encrypted, the password callback from [Options] is invoked
// lazily; without a callback the load fails with [ErrPasswordRequired],
// which callers can distinguish from other [ErrKeyLoad] failures to
// prompt the operator.
func (c *Context) LoadPrivateKey(source Source) error {
	if c.destroyed {
		return ErrDestroyed
	}
	data, err := source.bytes()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrKeyLoad, err)
	}

	block := findPrivateKeyBlock(data)
	if block == nil {
		return fmt.Errorf("%w: no private key block in %s", ErrKeyLoad, source)
	}

	der := block.Bytes
	//nolint:staticcheck // legacy RFC 1423 keys remain in the field
	if x509.IsEncryptedPEMBlock(block) {
		if c.opts.PasswordCallback == nil {
			return fmt.Errorf("%w: %s is encrypted", ErrPasswordRequired, source)
		}
		password, err := c.opts.PasswordCallback()
		if err != nil {
			return fmt.Errorf("%w: password callback: %s", ErrKeyLoad, err)
		}
		defer wipe(password)
		//nolint:staticcheck
		der, err = x509.DecryptPEMBlock(block, password)
		if err != nil {
			return fmt.Errorf("%w: cannot decrypt %s", ErrKeyLoad, source)
		}
	}
	c.retainSensitive(der)

	key, err := parsePrivateKeyDER(block.Type, der)
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrKeyLoad, source, err)
	}
	if c.leaf != nil && !keyMatchesCertificate(key, c.leaf) {
		return fmt.Errorf("%w: key in %s does not match the loaded certificate", ErrKeyLoad, source)
	}
	c.key = key
	c.signer = nil
	return nil
}

// LoadPKCS12 loads a combined certificate/key/CA bundle. The passphrase
// comes from the password callback; an unset callback means an empty
// passphrase. When includeCA is true the embedded CA certificates are
// also installed as trust anchors.
func (c *Context) LoadPKCS12(source Source, includeCA bool) error {
	if c.destroyed {
		return ErrDestroyed
	}
	data, err := source.bytes()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPKCS12Parse, err)
	}

	password := []byte{}
	if c.opts.PasswordCallback != nil {
		password, err = c.opts.PasswordCallback()
		if err != nil {
			return fmt.Errorf("%w: password callback: %s", ErrPKCS12Parse, err)
		}
		defer wipe(password)
	}

	key, leaf, caCerts, err := pkcs12.DecodeChain(data, string(password))
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrPKCS12Parse, source, err)
	}

	c.leaf = leaf
	c.chainDER = [][]byte{leaf.Raw}
	c.key = key
	c.signer = nil
	if includeCA && len(caCerts) > 0 {
		if c.ca == nil {
			c.ca = x509.NewCertPool()
		}
		for _, cert := range caCerts {
			c.ca.AddCert(cert)
			c.chainDER = append(c.chainDER, cert.Raw)
		}
	}
	return nil
}

// findPEMBlock returns the first PEM block of the wanted type.
func findPEMBlock(data []byte, wanted string) *pem.Block {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil
		}
		if block.Type == wanted {
			return block
		}
	}
}

// findPrivateKeyBlock returns the first PEM block that looks like a
// private key, whatever its flavor.
func findPrivateKeyBlock(data []byte) *pem.Block {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil
		}
		switch block.Type {
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			return block
		}
	}
}

// parsePrivateKeyDER tries the key encodings in the order the PEM type
// suggests, falling back to the others.
func parsePrivateKeyDER(pemType string, der []byte) (crypto.PrivateKey, error) {
	switch pemType {
	case "RSA PRIVATE KEY":
		if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
			return key, nil
		}
	case "EC PRIVATE KEY":
		if key, err := x509.ParseECPrivateKey(der); err == nil {
			return key, nil
		}
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unsupported key encoding")
}

// keyMatchesCertificate reports whether the private key belongs to the
// certificate's public key.
func keyMatchesCertificate(key crypto.PrivateKey, cert *x509.Certificate) bool {
	type publicKeyer interface {
		Public() crypto.PublicKey
	}
	pk, ok := key.(publicKeyer)
	if !ok {
		return false
	}
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		priv, ok := pk.Public().(*rsa.PublicKey)
		return ok && pub.Equal(priv)
	case *ecdsa.PublicKey:
		priv, ok := pk.Public().(*ecdsa.PublicKey)
		return ok && pub.Equal(priv)
	case ed25519.PublicKey:
		priv, ok := pk.Public().(ed25519.PublicKey)
		return ok && pub.Equal(priv)
	default:
		return false
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
