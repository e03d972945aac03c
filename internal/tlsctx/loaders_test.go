package tlsctx

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

func TestLoadCertificateChain_FileAndInlineIdentical(t *testing.T) {
	pki := makeTestPKI(t)

	sources := map[string]Source{
		"file":   FileSource(writeTemp(t, "cert.pem", pki.certPEM)),
		"inline": InlineSource(pki.certPEM),
	}
	for name, source := range sources {
		t.Run(name, func(t *testing.T) {
			ctx := makeTestContext(t, RoleClient)
			leaf, err := ctx.LoadCertificateChain(source)
			if err != nil {
				t.Fatalf("expected nil, got %v", err)
			}
			if !leaf.Equal(pki.leaf) {
				t.Error("returned leaf does not match the loaded certificate")
			}
			if ctx.IsInitialized() {
				t.Error("certificate alone must not initialize the context")
			}
		})
	}
}

func TestLoadCertificateChain_ChainOrder(t *testing.T) {
	pki := makeTestPKI(t)

	// leaf first, then the CA: both must be installed in file order
	combined := append(append([]byte{}, pki.certPEM...), pki.caPEM...)
	ctx := makeTestContext(t, RoleClient)
	leaf, err := ctx.LoadCertificateChain(InlineSource(combined))
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if !leaf.Equal(pki.leaf) {
		t.Error("leaf must be the first certificate in the file")
	}
	if len(ctx.chainDER) != 2 {
		t.Errorf("expected chain of 2, got %d", len(ctx.chainDER))
	}
}

func TestLoadCertificateChain_Malformed(t *testing.T) {
	ctx := makeTestContext(t, RoleClient)
	_, err := ctx.LoadCertificateChain(InlineSource([]byte("not a pem")))
	if !errors.Is(err, ErrCertificateParse) {
		t.Errorf("expected ErrCertificateParse, got %v", err)
	}
	if ctx.IsInitialized() {
		t.Error("failed load must leave the context uninitialized")
	}
}

func TestLoadCertificateChain_FailureLeavesPriorLoadIntact(t *testing.T) {
	pki := makeTestPKI(t)
	ctx := makeTestContext(t, RoleClient)
	if _, err := ctx.LoadCertificateChain(InlineSource(pki.certPEM)); err != nil {
		t.Fatal(err)
	}
	if _, err := ctx.LoadCertificateChain(InlineSource([]byte("garbage"))); err == nil {
		t.Fatal("expected error")
	}
	if !ctx.Leaf().Equal(pki.leaf) {
		t.Error("failed load must leave the earlier certificate unchanged")
	}
}

func TestLoadPrivateKey_FileAndInlineIdentical(t *testing.T) {
	pki := makeTestPKI(t)

	sources := map[string]Source{
		"file":   FileSource(writeTemp(t, "key.pem", pki.keyPEM)),
		"inline": InlineSource(pki.keyPEM),
	}
	for name, source := range sources {
		t.Run(name, func(t *testing.T) {
			ctx := makeTestContext(t, RoleClient)
			if _, err := ctx.LoadCertificateChain(InlineSource(pki.certPEM)); err != nil {
				t.Fatal(err)
			}
			if err := ctx.LoadPrivateKey(source); err != nil {
				t.Fatalf("expected nil, got %v", err)
			}
			if !ctx.IsInitialized() {
				t.Error("certificate plus key must initialize the context")
			}
		})
	}
}

func TestLoadPrivateKey_MismatchedKey(t *testing.T) {
	pki := makeTestPKI(t)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	otherDER, err := x509.MarshalPKCS8PrivateKey(other)
	if err != nil {
		t.Fatal(err)
	}
	otherPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: otherDER})

	ctx := makeTestContext(t, RoleClient)
	if _, err := ctx.LoadCertificateChain(InlineSource(pki.certPEM)); err != nil {
		t.Fatal(err)
	}
	if err := ctx.LoadPrivateKey(InlineSource(otherPEM)); !errors.Is(err, ErrKeyLoad) {
		t.Errorf("expected ErrKeyLoad, got %v", err)
	}
	if ctx.IsInitialized() {
		t.Error("mismatched key must not initialize the context")
	}
}

func TestLoadPrivateKey_EncryptedLazyCallback(t *testing.T) {
	pki := makeTestPKI(t)

	//nolint:staticcheck // exercising the legacy encrypted-PEM path
	block, err := x509.EncryptPEMBlock(rand.Reader, "EC PRIVATE KEY",
		mustECDER(t, pki.key), []byte("hunter2"), x509.PEMCipherAES256)
	if err != nil {
		t.Fatal(err)
	}
	encryptedPEM := pem.EncodeToMemory(block)

	t.Run("no callback", func(t *testing.T) {
		ctx := makeTestContext(t, RoleClient)
		err := ctx.LoadPrivateKey(InlineSource(encryptedPEM))
		if !errors.Is(err, ErrPasswordRequired) {
			t.Errorf("expected ErrPasswordRequired, got %v", err)
		}
		// the password sub-case still is a key load failure
		if !errors.Is(err, ErrKeyLoad) {
			t.Errorf("expected error to wrap ErrKeyLoad, got %v", err)
		}
	})

	t.Run("with callback", func(t *testing.T) {
		called := false
		ctx := makeTestContext(t, RoleClient)
		if err := ctx.SetOptions(Options{PasswordCallback: func() ([]byte, error) {
			called = true
			return []byte("hunter2"), nil
		}}); err != nil {
			t.Fatal(err)
		}
		if err := ctx.LoadPrivateKey(InlineSource(encryptedPEM)); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
		if !called {
			t.Error("password callback was not invoked")
		}
	})

	t.Run("callback not invoked for plaintext key", func(t *testing.T) {
		ctx := makeTestContext(t, RoleClient)
		if err := ctx.SetOptions(Options{PasswordCallback: func() ([]byte, error) {
			t.Error("callback invoked for an unencrypted key")
			return nil, nil
		}}); err != nil {
			t.Fatal(err)
		}
		if err := ctx.LoadPrivateKey(InlineSource(pki.keyPEM)); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		ctx := makeTestContext(t, RoleClient)
		if err := ctx.SetOptions(Options{PasswordCallback: func() ([]byte, error) {
			return []byte("wrong"), nil
		}}); err != nil {
			t.Fatal(err)
		}
		err := ctx.LoadPrivateKey(InlineSource(encryptedPEM))
		if !errors.Is(err, ErrKeyLoad) {
			t.Errorf("expected ErrKeyLoad, got %v", err)
		}
	})
}

func TestLoadCA(t *testing.T) {
	pki := makeTestPKI(t)

	for name, source := range map[string]Source{
		"file":   FileSource(writeTemp(t, "ca.pem", pki.caPEM)),
		"inline": InlineSource(pki.caPEM),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := makeTestContext(t, RoleClient)
			if err := ctx.LoadCA(source); err != nil {
				t.Fatalf("expected nil, got %v", err)
			}
			if ctx.Authorities() == nil {
				t.Error("expected a trust anchor pool")
			}
		})
	}

	t.Run("malformed", func(t *testing.T) {
		ctx := makeTestContext(t, RoleClient)
		if err := ctx.LoadCA(InlineSource([]byte("junk"))); !errors.Is(err, ErrCertificateParse) {
			t.Errorf("expected ErrCertificateParse, got %v", err)
		}
	})
}

func TestLoadDHParams(t *testing.T) {
	dhPEM := makeDHParamsPEM(t)

	t.Run("server accepts", func(t *testing.T) {
		ctx := makeTestContext(t, RoleServer)
		if err := ctx.LoadDHParams(InlineSource(dhPEM)); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
		if got := ctx.DH().Bits(); got != 768 {
			t.Errorf("expected 768 bit group, got %d", got)
		}
	})

	t.Run("file and inline identical", func(t *testing.T) {
		ctx := makeTestContext(t, RoleServer)
		if err := ctx.LoadDHParams(FileSource(writeTemp(t, "dh.pem", dhPEM))); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	})

	t.Run("client rejects", func(t *testing.T) {
		ctx := makeTestContext(t, RoleClient)
		if err := ctx.LoadDHParams(InlineSource(dhPEM)); !errors.Is(err, ErrParameterLoad) {
			t.Errorf("expected ErrParameterLoad, got %v", err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		ctx := makeTestContext(t, RoleServer)
		err := ctx.LoadDHParams(InlineSource([]byte("-----BEGIN DH PARAMETERS-----\naaaa\n-----END DH PARAMETERS-----\n")))
		if !errors.Is(err, ErrParameterLoad) {
			t.Errorf("expected ErrParameterLoad, got %v", err)
		}
	})

	t.Run("missing file is an error, not a no-op", func(t *testing.T) {
		ctx := makeTestContext(t, RoleServer)
		if err := ctx.LoadDHParams(FileSource("/nonexistent/dh.pem")); !errors.Is(err, ErrParameterLoad) {
			t.Errorf("expected ErrParameterLoad, got %v", err)
		}
	})
}

func TestLoadPKCS12(t *testing.T) {
	pki := makeTestPKI(t)
	bundle, err := pkcs12.Modern.Encode(pki.key, pki.leaf, []*x509.Certificate{pki.caCert}, "sesame")
	if err != nil {
		t.Fatal(err)
	}

	withPassword := Options{PasswordCallback: func() ([]byte, error) {
		return []byte("sesame"), nil
	}}

	t.Run("with CA", func(t *testing.T) {
		ctx := makeTestContext(t, RoleClient)
		if err := ctx.SetOptions(withPassword); err != nil {
			t.Fatal(err)
		}
		if err := ctx.LoadPKCS12(InlineSource(bundle), true); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
		if !ctx.IsInitialized() {
			t.Error("bundle must fully initialize the context")
		}
		if ctx.Authorities() == nil {
			t.Error("includeCA must install the embedded trust anchors")
		}
	})

	t.Run("without CA", func(t *testing.T) {
		ctx := makeTestContext(t, RoleClient)
		if err := ctx.SetOptions(withPassword); err != nil {
			t.Fatal(err)
		}
		if err := ctx.LoadPKCS12(InlineSource(bundle), false); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
		if ctx.Authorities() != nil {
			t.Error("embedded CA must not be installed when includeCA is false")
		}
	})

	t.Run("from file", func(t *testing.T) {
		ctx := makeTestContext(t, RoleClient)
		if err := ctx.SetOptions(withPassword); err != nil {
			t.Fatal(err)
		}
		if err := ctx.LoadPKCS12(FileSource(writeTemp(t, "bundle.p12", bundle)), true); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		ctx := makeTestContext(t, RoleClient)
		if err := ctx.SetOptions(Options{PasswordCallback: func() ([]byte, error) {
			return []byte("wrong"), nil
		}}); err != nil {
			t.Fatal(err)
		}
		if err := ctx.LoadPKCS12(InlineSource(bundle), true); !errors.Is(err, ErrPKCS12Parse) {
			t.Errorf("expected ErrPKCS12Parse, got %v", err)
		}
	})

	t.Run("truncated bundle", func(t *testing.T) {
		ctx := makeTestContext(t, RoleClient)
		if err := ctx.SetOptions(withPassword); err != nil {
			t.Fatal(err)
		}
		if err := ctx.LoadPKCS12(InlineSource(bundle[:10]), true); !errors.Is(err, ErrPKCS12Parse) {
			t.Errorf("expected ErrPKCS12Parse, got %v", err)
		}
	})
}

func TestSource_EmptyAndMissing(t *testing.T) {
	ctx := makeTestContext(t, RoleClient)
	if _, err := ctx.LoadCertificateChain(Source{}); err == nil {
		t.Error("expected error for zero source")
	}
	if _, err := ctx.LoadCertificateChain(FileSource("/nonexistent/cert.pem")); !errors.Is(err, ErrCertificateParse) {
		t.Error("expected ErrCertificateParse for missing file")
	}
	if got := InlineSource([]byte("x")).String(); got != InlineTag {
		t.Errorf("inline source must stringify to the sentinel, got %q", got)
	}
	if !bytes.Equal([]byte(InlineTag), []byte(NewSource(InlineTag, []byte("x")).path)) {
		t.Error("NewSource must honor the inline sentinel")
	}
}

func mustECDER(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return der
}
