// Package tlsctx implements the backend-agnostic TLS context used by the
// control-channel state machine: it loads certificates, private keys and
// DH parameters from files or inline strings, optionally delegates
// private-key operations to an external authority, and assembles the
// handshake configuration for the TLS library compiled into this build.
//
// The backend is selected at build time, never at runtime: production code
// uses the uTLS backend, tests may substitute a mock. A context is either
// uninitialized or fully initialized; a partially loaded context cannot be
// used for a handshake.
package tlsctx

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/Blyss1987/openvpn/internal/model"
	"github.com/Blyss1987/openvpn/internal/runtimex"
)

var (
	// ErrBackendInit is returned when the TLS backend cannot initialize.
	ErrBackendInit = errors.New("tlsctx: backend init error")

	// ErrParameterLoad is returned when DH parameters cannot be loaded.
	ErrParameterLoad = errors.New("tlsctx: cannot load DH parameters")

	// ErrCertificateParse is returned when certificate material is malformed.
	ErrCertificateParse = errors.New("tlsctx: cannot parse certificate")

	// ErrKeyLoad is returned when the private key cannot be loaded.
	ErrKeyLoad = errors.New("tlsctx: cannot load private key")

	// ErrPasswordRequired is the distinguishable sub-case of [ErrKeyLoad]
	// raised when the key is encrypted and no password callback was set.
	ErrPasswordRequired = fmt.Errorf("%w: password required", ErrKeyLoad)

	// ErrPKCS12Parse is returned when a PKCS#12 bundle cannot be decoded.
	ErrPKCS12Parse = errors.New("tlsctx: cannot parse PKCS#12 bundle")

	// ErrExternalKeyBind is returned when the external key authority
	// rejects the certificate.
	ErrExternalKeyBind = errors.New("tlsctx: cannot bind external key")

	// ErrNotInitialized is returned when a handshake configuration is
	// requested from a context that is not fully initialized.
	ErrNotInitialized = errors.New("tlsctx: context not initialized")

	// ErrDestroyed is returned when a destroyed context is used.
	ErrDestroyed = errors.New("tlsctx: context destroyed")
)

// Role is the endpoint role of a TLS context.
type Role int

const (
	// RoleClient initiates the handshake.
	RoleClient = Role(iota)

	// RoleServer answers the handshake and requires DH parameters for
	// classic ephemeral-DH cipher suites.
	RoleServer
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// PasswordCallback returns the passphrase protecting an encrypted private
// key or PKCS#12 bundle. It is invoked lazily, only when the material
// turns out to be encrypted. Callbacks are per-context values, not global
// state, so sessions with different credential sources never interfere.
type PasswordCallback func() ([]byte, error)

// Options are the library-level options applied to a context.
type Options struct {
	// DisableSessionCache disables TLS session caching/resumption.
	DisableSessionCache bool

	// VerifyDepth bounds the peer certificate chain length; zero means
	// the backend default.
	VerifyDepth int

	// PasswordCallback decrypts protected key material; may be nil.
	PasswordCallback PasswordCallback
}

// Context is the TLS context for one tunnel endpoint. It is owned
// exclusively by the control-channel state machine for its lifetime: one
// per tunnel session, created at session start and destroyed at teardown
// or renegotiation-triggered replacement. Contexts for independent
// sessions share no mutable state.
type Context struct {
	role    Role
	backend Backend
	opts    Options
	logger  model.Logger

	// ca is the trust anchor pool for peer verification.
	ca *x509.CertPool

	// leaf is the parsed endpoint certificate.
	leaf *x509.Certificate

	// chainDER is the leaf-first DER certificate chain.
	chainDER [][]byte

	// key is the in-memory private key, mutually exclusive with signer.
	key crypto.PrivateKey

	// signer delegates private-key operations to an external authority.
	signer crypto.Signer

	// dh holds the server's DH parameters.
	dh *DHParams

	// sensitive tracks buffers holding key material, wiped on Destroy.
	sensitive [][]byte

	destroyed bool
}

// NewContext allocates an uninitialized context for the given role using
// the backend compiled into this build. Fails with [ErrBackendInit] when
// the backend cannot initialize.
func NewContext(role Role, logger model.Logger) (*Context, error) {
	return NewContextWithBackend(role, DefaultBackend(), logger)
}

// NewContextWithBackend is like [NewContext] with an explicit backend;
// used by tests to substitute a mock.
func NewContextWithBackend(role Role, backend Backend, logger model.Logger) (*Context, error) {
	runtimex.Assert(backend != nil, "passed nil backend")
	if err := backend.Init(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBackendInit, err)
	}
	return &Context{
		role:    role,
		backend: backend,
		logger:  logger,
	}, nil
}

// Role returns the endpoint role of this context.
func (c *Context) Role() Role {
	return c.role
}

// SetOptions applies session-cache, verification-depth and callback
// settings. Calling it again overwrites the previous options; loaders
// invoked before SetOptions see zero-valued options.
func (c *Context) SetOptions(opts Options) error {
	if c.destroyed {
		return ErrDestroyed
	}
	c.opts = opts
	return nil
}

// IsInitialized reports whether the context holds a complete credential
// set: a certificate plus either an in-memory key or an external-key
// delegation. Pure query, no side effects.
func (c *Context) IsInitialized() bool {
	if c == nil || c.destroyed {
		return false
	}
	return c.leaf != nil && (c.key != nil || c.signer != nil)
}

// HandshakeConfig assembles the backend handshake configuration from a
// fully initialized context. Partially loaded contexts are rejected,
// preserving the invariant that they can never reach a handshake.
func (c *Context) HandshakeConfig() (*HandshakeConfig, error) {
	if c.destroyed {
		return nil, ErrDestroyed
	}
	if !c.IsInitialized() {
		return nil, ErrNotInitialized
	}
	return c.backend.HandshakeConfig(c)
}

// Leaf returns the parsed endpoint certificate, or nil when no
// certificate was loaded. Callers that delegate private-key operations
// need the leaf to extract the public key.
func (c *Context) Leaf() *x509.Certificate {
	return c.leaf
}

// Authorities returns the trust anchor pool, or nil when no CA material
// was loaded.
func (c *Context) Authorities() *x509.CertPool {
	return c.ca
}

// DH returns the loaded DH parameters, or nil.
func (c *Context) DH() *DHParams {
	return c.dh
}

// EnumerateCiphers returns the names of the backend's compiled-in cipher
// suites in the backend's preference order. Informational, consumed by
// operator tooling.
func (c *Context) EnumerateCiphers() []string {
	suites := c.backend.CipherSuites()
	names := make([]string, 0, len(suites))
	for _, s := range suites {
		names = append(names, s.Name)
	}
	return names
}

// HighestPreferenceCipher returns the cipher the backend prefers most.
// Preference is the backend's priority order, not key length.
func (c *Context) HighestPreferenceCipher() string {
	suites := c.backend.CipherSuites()
	if len(suites) == 0 {
		return ""
	}
	return suites[0].Name
}

// Destroy releases the context and wipes any in-memory key material.
// Safe to call on an uninitialized or already-destroyed context.
func (c *Context) Destroy() {
	if c == nil || c.destroyed {
		return
	}
	c.destroyed = true
	for _, buf := range c.sensitive {
		for i := range buf {
			buf[i] = 0
		}
	}
	c.sensitive = nil
	c.key = nil
	c.signer = nil
	c.leaf = nil
	c.chainDER = nil
	c.ca = nil
	c.dh = nil
	c.opts = Options{}
}

// retainSensitive records a buffer holding key material so Destroy can
// wipe it before the memory is released.
func (c *Context) retainSensitive(buf []byte) {
	c.sensitive = append(c.sensitive, buf)
}

// CipherSuite describes one compiled-in cipher suite of the backend.
type CipherSuite struct {
	// ID is the IANA cipher suite identifier.
	ID uint16

	// Name is the standard name of the suite.
	Name string
}

// Backend is the library-specific part of the TLS context. There is one
// concrete implementation compiled into the build plus a mock for tests;
// selection never happens at runtime.
type Backend interface {
	// Init performs any static initialization the library needs.
	Init() error

	// Name returns the backend name for diagnostics.
	Name() string

	// HandshakeConfig assembles the library handshake configuration from
	// an initialized context.
	HandshakeConfig(ctx *Context) (*HandshakeConfig, error)

	// CipherSuites enumerates the compiled-in cipher suites in the
	// backend's preference order.
	CipherSuites() []CipherSuite
}
