package config

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Blyss1987/openvpn/internal/runtimex"
	"github.com/Blyss1987/openvpn/internal/tlscrypt"
)

// ErrBadConfig is the generic error returned for invalid config files
var ErrBadConfig = errors.New("openvpn: bad config")

// OpenVPNOptions make the relevant openvpn configuration options accessible to the
// different modules that need it.
type OpenVPNOptions struct {
	// These options have the same name of OpenVPN options referenced in the official documentation:
	CA       []byte
	CAFile   string
	Cert     []byte
	CertFile string
	Key      []byte
	KeyFile  string

	// PKCS12 is the decoded bundle; inline blocks carry it base64-encoded.
	PKCS12     []byte
	PKCS12File string

	TLSCrypt     []byte
	TLSCryptFile string

	// KeyDirection is the key-direction for tls-crypt. When unset, we
	// operate in bidirectional mode.
	KeyDirection *int

	// ReplayWindow is the anti-replay window width in packets; zero
	// means the built-in default.
	ReplayWindow int

	// ReplayTime is the long-form timestamp tolerance; zero means the
	// built-in default.
	ReplayTime time.Duration

	// TranWindow is the key transition window during which the previous
	// key epoch keeps receiving; zero means the built-in default.
	TranWindow time.Duration
}

// ReadConfigFile expects a string with a path to a valid config file,
// and returns a pointer to a Options struct after parsing the file, and an
// error if the operation could not be completed.
func ReadConfigFile(filePath string) (*OpenVPNOptions, error) {
	lines, err := getLinesFromFile(filePath)
	dir, _ := filepath.Split(filePath)
	if err != nil {
		return nil, err
	}
	return getOptionsFromLines(lines, dir)
}

// HasCredentials returns true when we have certificate material from any
// source: inline blocks, file references, or a PKCS#12 bundle.
func (o *OpenVPNOptions) HasCredentials() bool {
	if len(o.PKCS12) != 0 || o.PKCS12File != "" {
		return true
	}
	cert := len(o.Cert) != 0 || o.CertFile != ""
	key := len(o.Key) != 0 || o.KeyFile != ""
	return cert && key
}

// TLSCryptDirection maps the configured key-direction onto the wrapper's
// key layout. An unset key-direction means bidirectional mode.
func (o *OpenVPNOptions) TLSCryptDirection() tlscrypt.KeyDirection {
	if o.KeyDirection == nil {
		return tlscrypt.KeyDirectionBidirectional
	}
	if *o.KeyDirection == 0 {
		return tlscrypt.KeyDirectionNormal
	}
	return tlscrypt.KeyDirectionInverse
}

func setKeyDirection(o *OpenVPNOptions, dir int) error {
	if dir != 0 && dir != 1 {
		return fmt.Errorf("%w: key-direction must be 0 or 1", ErrBadConfig)
	}
	if o.KeyDirection != nil && *o.KeyDirection != dir {
		return fmt.Errorf("%w: conflicting key-direction values", ErrBadConfig)
	}
	o.KeyDirection = &dir
	return nil
}

func parseKeyDirection(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) != 1 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "key-direction expects one arg")
	}
	dir, err := strconv.Atoi(p[0])
	if err != nil {
		return o, fmt.Errorf("%w: key-direction must be 0 or 1", ErrBadConfig)
	}
	if err := setKeyDirection(o, dir); err != nil {
		return o, err
	}
	return o, nil
}

func parseReplayWindow(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) < 1 || len(p) > 2 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "replay-window expects one or two args")
	}
	n, err := strconv.Atoi(p[0])
	if err != nil || n <= 0 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "replay-window width must be a positive integer")
	}
	o.ReplayWindow = n
	if len(p) == 2 {
		secs, err := strconv.Atoi(p[1])
		if err != nil || secs <= 0 {
			return o, fmt.Errorf("%w: %s", ErrBadConfig, "replay-window time must be a positive integer")
		}
		o.ReplayTime = time.Duration(secs) * time.Second
	}
	return o, nil
}

func parseTranWindow(p []string, o *OpenVPNOptions) (*OpenVPNOptions, error) {
	if len(p) != 1 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "tran-window expects one arg")
	}
	secs, err := strconv.Atoi(p[0])
	if err != nil || secs <= 0 {
		return o, fmt.Errorf("%w: %s", ErrBadConfig, "tran-window must be a positive integer")
	}
	o.TranWindow = time.Duration(secs) * time.Second
	return o, nil
}

// parseCredentialFile resolves a credential file reference against the
// config basedir and rejects paths escaping it, so a hostile config file
// cannot point us at arbitrary files via relative paths.
func parseCredentialFile(what string, p []string, basedir string) (string, error) {
	if len(p) != 1 {
		return "", fmt.Errorf("%w: %s expects one arg", ErrBadConfig, what)
	}
	path := toAbs(p[0], basedir)
	if !filepath.IsAbs(p[0]) {
		sub, err := isSubdir(basedir, path)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrBadConfig, err)
		}
		if !sub {
			return "", fmt.Errorf("%w: %s file escapes the config directory", ErrBadConfig, what)
		}
	}
	if !existsFile(path) {
		return "", fmt.Errorf("%w: %s file not found: %s", ErrBadConfig, what, path)
	}
	return path, nil
}

func parseCA(p []string, o *OpenVPNOptions, basedir string) (*OpenVPNOptions, error) {
	path, err := parseCredentialFile("ca", p, basedir)
	if err != nil {
		return o, err
	}
	o.CAFile = path
	return o, nil
}

func parseCert(p []string, o *OpenVPNOptions, basedir string) (*OpenVPNOptions, error) {
	path, err := parseCredentialFile("cert", p, basedir)
	if err != nil {
		return o, err
	}
	o.CertFile = path
	return o, nil
}

func parseKey(p []string, o *OpenVPNOptions, basedir string) (*OpenVPNOptions, error) {
	path, err := parseCredentialFile("key", p, basedir)
	if err != nil {
		return o, err
	}
	o.KeyFile = path
	return o, nil
}

func parsePKCS12(p []string, o *OpenVPNOptions, basedir string) (*OpenVPNOptions, error) {
	path, err := parseCredentialFile("pkcs12", p, basedir)
	if err != nil {
		return o, err
	}
	o.PKCS12File = path
	return o, nil
}

func parseTLSCrypt(p []string, o *OpenVPNOptions, basedir string) (*OpenVPNOptions, error) {
	path, err := parseCredentialFile("tls-crypt", p, basedir)
	if err != nil {
		return o, err
	}
	o.TLSCryptFile = path
	return o, nil
}

var pMap = map[string]interface{}{
	"key-direction": parseKeyDirection,
	"replay-window": parseReplayWindow,
	"tran-window":   parseTranWindow,
}

var pMapDir = map[string]interface{}{
	"ca":        parseCA,
	"cert":      parseCert,
	"key":       parseKey,
	"pkcs12":    parsePKCS12,
	"tls-crypt": parseTLSCrypt,
}

func parseOption(opt *OpenVPNOptions, dir, key string, p []string, lineno int) (*OpenVPNOptions, error) {
	switch key {
	case "key-direction", "replay-window", "tran-window":
		fn := pMap[key].(func([]string, *OpenVPNOptions) (*OpenVPNOptions, error))
		if updatedOpt, e := fn(p, opt); e != nil {
			return updatedOpt, e
		}
	case "ca", "cert", "key", "pkcs12", "tls-crypt":
		fn := pMapDir[key].(func([]string, *OpenVPNOptions, string) (*OpenVPNOptions, error))
		if updatedOpt, e := fn(p, opt, dir); e != nil {
			return updatedOpt, e
		}
	default:
		log.Printf("warn: unsupported key in line %d\n", lineno)
	}
	return opt, nil
}

// getOptionsFromLines tries to parse all the lines coming from a config file
// and raises validation errors if the values do not conform to the expected
// format. The config file supports inline file inclusion for <ca>, <cert>,
// <key>, <pkcs12> and <tls-crypt>.
func getOptionsFromLines(lines []string, dir string) (*OpenVPNOptions, error) {
	opt := &OpenVPNOptions{}

	// tag and inlineBuf are used to parse inline files.
	// these follow the format used by the reference openvpn implementation.
	// each block (e.g., ca, key, cert, tls-crypt) is marked by a
	// <option> line and closed by a </option> line; lines in between are
	// expected to contain the crypto block.
	tag := ""
	inlineBuf := new(bytes.Buffer)

	for lineno, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}

		// inline certs
		if isClosingTag(l) {
			// we expect an already existing inlineBuf
			e := parseInlineTag(opt, tag, inlineBuf)
			if e != nil {
				return nil, e
			}
			tag = ""
			inlineBuf = new(bytes.Buffer)
			continue
		}
		if tag != "" {
			inlineBuf.Write([]byte(l))
			inlineBuf.Write([]byte("\n"))
			continue
		}
		if isOpeningTag(l) {
			if len(inlineBuf.Bytes()) != 0 {
				// something wrong: an opening tag should not be found
				// when we still have bytes in the inline buffer.
				return opt, fmt.Errorf("%w: %s", ErrBadConfig, "tag not closed")
			}
			tag = parseTag(l)
			continue
		}

		// comments
		if strings.HasPrefix(l, "#") || strings.HasPrefix(l, ";") {
			continue
		}

		// parse parts in the same line
		p := strings.Fields(l)
		if len(p) == 0 {
			continue
		}
		var (
			key   string
			parts []string
		)
		if len(p) == 1 {
			key = p[0]
		} else {
			key, parts = p[0], p[1:]
		}
		var err error
		opt, err = parseOption(opt, dir, key, parts, lineno)
		if err != nil {
			return nil, err
		}
	}
	if tag != "" {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, "tag not closed")
	}
	return opt, nil
}

func isOpeningTag(key string) bool {
	switch key {
	case "<ca>", "<cert>", "<key>", "<pkcs12>", "<tls-crypt>":
		return true
	default:
		return false
	}
}

func isClosingTag(key string) bool {
	switch key {
	case "</ca>", "</cert>", "</key>", "</pkcs12>", "</tls-crypt>":
		return true
	default:
		return false
	}
}

func parseTag(tag string) string {
	switch tag {
	case "<ca>", "</ca>":
		return "ca"
	case "<cert>", "</cert>":
		return "cert"
	case "<key>", "</key>":
		return "key"
	case "<pkcs12>", "</pkcs12>":
		return "pkcs12"
	case "<tls-crypt>", "</tls-crypt>":
		return "tls-crypt"
	default:
		return ""
	}
}

func parseInlineTag(o *OpenVPNOptions, tag string, buf *bytes.Buffer) error {
	b := buf.Bytes()
	if len(b) == 0 {
		return fmt.Errorf("%w: empty inline tag: %d", ErrBadConfig, len(b))
	}
	switch tag {
	case "ca":
		o.CA = b
	case "cert":
		o.Cert = b
	case "key":
		o.Key = b
	case "pkcs12":
		// inline pkcs12 carries the DER bundle base64-encoded
		decoded, err := base64.StdEncoding.DecodeString(
			strings.Join(strings.Fields(string(b)), ""))
		if err != nil {
			return fmt.Errorf("%w: pkcs12 block is not valid base64", ErrBadConfig)
		}
		o.PKCS12 = decoded
	case "tls-crypt":
		o.TLSCrypt = b
	default:
		return fmt.Errorf("%w: unknown tag: %s", ErrBadConfig, tag)
	}
	return nil
}

// existsFile returns true if the file to which the path refers to exists and
// is a regular file.
func existsFile(path string) bool {
	statbuf, err := os.Stat(path)
	return err == nil && statbuf.Mode().IsRegular()
}

func mustClose(c io.Closer) {
	err := c.Close()
	runtimex.PanicOnError(err, "could not close")
}

// getLinesFromFile accepts a path parameter, and return a string array with
// its content and an error if the operation cannot be completed.
func getLinesFromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer mustClose(f)

	lines := make([]string, 0)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	err = scanner.Err()
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// toAbs return an absolute path if the given path is not already absolute; to
// do so, it will append the path to the given basedir.
func toAbs(path, basedir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(basedir, path)
}

// isSubdir checks if a given path is a subdirectory of another. It returns
// true if that's the case, and any error raise during the check.
func isSubdir(parent, sub string) (bool, error) {
	p, err := filepath.Abs(parent)
	if err != nil {
		return false, err
	}
	s, err := filepath.Abs(sub)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(s, p), nil
}
