package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

var (
	// ErrBadCompressedLength is returned when the uncompressed-length prefix
	// does not match what the zlib body inflates to.
	ErrBadCompressedLength = errors.New("codec: compressed length prefix does not match body")

	// ErrCorruptCompression is returned for an unreadable zlib body.
	ErrCorruptCompression = errors.New("codec: corrupt zlib stream")
)

// Disabled is the compression threshold meaning "no compression envelope".
const Disabled int32 = -1

// compressor deflates bodies that reach the threshold. It reuses one zlib
// writer and must not be shared between goroutines.
type compressor struct {
	zw  *zlib.Writer
	buf bytes.Buffer
}

func (c *compressor) deflate(body []byte) ([]byte, error) {
	c.buf.Reset()
	if c.zw == nil {
		c.zw = zlib.NewWriter(&c.buf)
	} else {
		c.zw.Reset(&c.buf)
	}
	if _, err := c.zw.Write(body); err != nil {
		return nil, fmt.Errorf("codec: deflate: %w", err)
	}
	if err := c.zw.Close(); err != nil {
		return nil, fmt.Errorf("codec: deflate: %w", err)
	}
	return c.buf.Bytes(), nil
}

// inflate decompresses src, which must expand to exactly size bytes.
func inflate(src []byte, size int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCompression, err)
	}
	defer zr.Close()

	out := make([]byte, size)
	if _, err := io.ReadFull(zr, out); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: body shorter than %d bytes", ErrBadCompressedLength, size)
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptCompression, err)
	}
	// Reading to EOF also verifies the adler32 trailer.
	var extra [1]byte
	switch n, err := zr.Read(extra[:]); {
	case n > 0:
		return nil, fmt.Errorf("%w: body longer than %d bytes", ErrBadCompressedLength, size)
	case errors.Is(err, io.EOF):
		return out, nil
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrCorruptCompression, err)
	}
	return out, nil
}
