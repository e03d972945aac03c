// Package bytesx contains extensions to encode and decode binary data.
// Every multi-byte quantity on the wire is big endian.
package bytesx

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
)

// ErrTruncated indicates there are not enough bytes left to decode a value.
var ErrTruncated = errors.New("bytesx: truncated input")

// PutUint32 encodes v in network byte order into buf, which must be at
// least four bytes long.
func PutUint32(buf []byte, v uint32) {
	binary.BigEndian.PutUint32(buf, v)
}

// PutUint64 encodes v in network byte order into buf, which must be at
// least eight bytes long.
func PutUint64(buf []byte, v uint64) {
	binary.BigEndian.PutUint64(buf, v)
}

// ReadUint32 reads a big-endian uint32 from the given buffer.
func ReadUint32(buf *bytes.Buffer) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(buf, b[:]); err != nil {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// ReadUint64 reads a big-endian uint64 from the given buffer.
func ReadUint64(buf *bytes.Buffer) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(buf, b[:]); err != nil {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// HexPrefix returns the hex encoding of at most max leading bytes of data,
// followed by an ellipsis when data was longer. Used for logging.
func HexPrefix(data []byte, max int) string {
	if len(data) <= max {
		return hex.EncodeToString(data)
	}
	return hex.EncodeToString(data[:max]) + "..."
}
