package tlsctx

import (
	"errors"
	"fmt"
	"os"
)

// InlineTag is the sentinel recognized by every loader: a source whose
// path equals this tag carries its material inline instead of on the
// filesystem, so credentials can be embedded directly in configuration
// without a temporary file.
const InlineTag = "[[INLINE]]"

// ErrEmptySource indicates a loader received a source with no material.
var ErrEmptySource = errors.New("tlsctx: empty credential source")

// Source is a credential source: either a filesystem path or an inline
// string block. Every loader treats the two identically after reading.
type Source struct {
	path   string
	inline []byte
}

// FileSource returns a source reading from the given path.
func FileSource(path string) Source {
	return Source{path: path}
}

// InlineSource returns a source carrying the given material inline.
func InlineSource(material []byte) Source {
	return Source{path: InlineTag, inline: material}
}

// NewSource builds a source from a path plus optional inline material,
// the way configuration hands them to us: when path is [InlineTag] the
// inline material is used, otherwise the path is read.
func NewSource(path string, inline []byte) Source {
	if path == InlineTag {
		return InlineSource(inline)
	}
	return FileSource(path)
}

// IsInline reports whether the source carries inline material.
func (s Source) IsInline() bool {
	return s.path == InlineTag
}

// IsZero reports whether the source was never configured.
func (s Source) IsZero() bool {
	return s.path == "" && len(s.inline) == 0
}

// String names the source for diagnostics without exposing its content.
func (s Source) String() string {
	if s.IsInline() {
		return InlineTag
	}
	return s.path
}

// bytes reads the source material. File reads are synchronous local
// filesystem reads; no other I/O happens in this package.
func (s Source) bytes() ([]byte, error) {
	if s.IsZero() {
		return nil, ErrEmptySource
	}
	if s.IsInline() {
		if len(s.inline) == 0 {
			return nil, ErrEmptySource
		}
		return s.inline, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", s.path, err)
	}
	return data, nil
}
