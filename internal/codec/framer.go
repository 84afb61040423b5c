// Package codec turns a raw byte stream into protocol packets and back. It
// owns the three layers of the transport envelope: the varint length frame,
// the optional zlib compression envelope and the optional AES/CFB8 stream
// cipher. Each leg of a proxied connection gets its own Reader and Writer so
// that the cipher and threshold of one direction never leak into the other.
package codec

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/MEMOxiiii/odonata-bridge/internal/protocol"
)

// DefaultMaxPacketSize is the largest frame length (a 3-byte varint).
const DefaultMaxPacketSize = 2097151

// MaxUncompressedSize bounds the declared inflated size of a compressed body.
const MaxUncompressedSize = 8 << 20

var (
	// ErrPacketTooLarge is returned for frames longer than the configured maximum.
	ErrPacketTooLarge = errors.New("codec: packet exceeds maximum size")

	// ErrEncryptionActive is returned when encryption is enabled twice on
	// the same Reader or Writer.
	ErrEncryptionActive = errors.New("codec: encryption already enabled")
)

// Decoder accumulates stream bytes and yields complete packets. It is not
// safe for concurrent use; Reader adds the locking.
type Decoder struct {
	maxSize   int
	threshold int32
	stream    cipher.Stream
	encrypted bool
	buf       []byte // plaintext, not yet decoded
}

// NewDecoder returns a Decoder with compression and encryption disabled.
// A maxSize <= 0 selects DefaultMaxPacketSize.
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxPacketSize
	}
	return &Decoder{maxSize: maxSize, threshold: Disabled, stream: plainStream{}}
}

// Feed appends raw stream bytes, decrypting them if encryption is active.
func (d *Decoder) Feed(raw []byte) {
	start := len(d.buf)
	d.buf = append(d.buf, raw...)
	d.stream.XORKeyStream(d.buf[start:], d.buf[start:])
}

// Buffered returns the number of fed bytes that have not been decoded yet.
func (d *Decoder) Buffered() int { return len(d.buf) }

// EnableEncryption switches the decoder to s. Bytes that were fed but not
// yet decoded belong to the encrypted part of the stream, so they are
// decrypted in place.
func (d *Decoder) EnableEncryption(s cipher.Stream) error {
	if d.encrypted {
		return ErrEncryptionActive
	}
	d.stream = s
	d.encrypted = true
	s.XORKeyStream(d.buf, d.buf)
	return nil
}

// SetCompressionThreshold sets the threshold for frames decoded from now on.
// A negative value disables the compression envelope.
func (d *Decoder) SetCompressionThreshold(t int32) {
	if t < 0 {
		t = Disabled
	}
	d.threshold = t
}

// Next decodes one packet. ok is false when more bytes are needed. Any
// error is fatal for the stream.
func (d *Decoder) Next() (pk protocol.Packet, ok bool, err error) {
	length, n, err := protocol.ReadVarInt(d.buf)
	if err != nil {
		return pk, false, fmt.Errorf("codec: frame length: %w", err)
	}
	if n == 0 {
		return pk, false, nil
	}
	if length < 0 || int(length) > d.maxSize {
		return pk, false, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, length, d.maxSize)
	}
	end := n + int(length)
	if len(d.buf) < end {
		return pk, false, nil
	}
	frame := d.buf[n:end]

	pk, err = d.decodeFrame(frame)
	d.consume(end)
	if err != nil {
		return protocol.Packet{}, false, err
	}
	return pk, true, nil
}

func (d *Decoder) consume(n int) {
	rest := len(d.buf) - n
	if rest == 0 {
		d.buf = d.buf[:0]
		return
	}
	copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

func (d *Decoder) decodeFrame(frame []byte) (protocol.Packet, error) {
	body := frame
	if d.threshold >= 0 {
		dataLen, n, err := protocol.ReadVarInt(frame)
		if err != nil {
			return protocol.Packet{}, fmt.Errorf("codec: data length: %w", err)
		}
		if n == 0 {
			return protocol.Packet{}, fmt.Errorf("codec: data length: %w", protocol.ErrShortBuffer)
		}
		body = frame[n:]
		if dataLen != 0 {
			if dataLen < 0 || dataLen > MaxUncompressedSize {
				return protocol.Packet{}, fmt.Errorf("%w: declared %d bytes", ErrPacketTooLarge, dataLen)
			}
			inflated, err := inflate(body, int(dataLen))
			if err != nil {
				return protocol.Packet{}, err
			}
			return splitBody(inflated, false)
		}
	}
	return splitBody(body, true)
}

// splitBody separates the id varint from the payload. shared bodies alias
// the decoder buffer and are copied out.
func splitBody(body []byte, shared bool) (protocol.Packet, error) {
	id, n, err := protocol.ReadVarInt(body)
	if err != nil {
		return protocol.Packet{}, fmt.Errorf("codec: packet id: %w", err)
	}
	if n == 0 {
		return protocol.Packet{}, fmt.Errorf("codec: packet id: %w", protocol.ErrShortBuffer)
	}
	payload := body[n:]
	if shared {
		payload = append([]byte(nil), payload...)
	}
	return protocol.Packet{ID: id, Payload: payload}, nil
}

// Encoder frames packets for one leg. It is not safe for concurrent use.
type Encoder struct {
	threshold int32
	comp      compressor
}

// NewEncoder returns an Encoder with compression disabled.
func NewEncoder() *Encoder { return &Encoder{threshold: Disabled} }

// SetCompressionThreshold sets the threshold for frames encoded from now on.
func (e *Encoder) SetCompressionThreshold(t int32) {
	if t < 0 {
		t = Disabled
	}
	e.threshold = t
}

// Encode returns the plaintext frame for pk.
func (e *Encoder) Encode(pk protocol.Packet) ([]byte, error) {
	bodyLen := pk.Len()
	body := make([]byte, 0, bodyLen)
	body = protocol.AppendVarInt(body, pk.ID)
	body = append(body, pk.Payload...)

	if e.threshold < 0 {
		return frame(nil, body), nil
	}
	if bodyLen < int(e.threshold) {
		inner := make([]byte, 0, 1+bodyLen)
		inner = protocol.AppendVarInt(inner, 0)
		inner = append(inner, body...)
		return frame(nil, inner), nil
	}
	deflated, err := e.comp.deflate(body)
	if err != nil {
		return nil, err
	}
	inner := make([]byte, 0, protocol.VarIntSize(int32(bodyLen))+len(deflated))
	inner = protocol.AppendVarInt(inner, int32(bodyLen))
	inner = append(inner, deflated...)
	return frame(nil, inner), nil
}

func frame(dst, inner []byte) []byte {
	dst = protocol.AppendVarInt(dst, int32(len(inner)))
	return append(dst, inner...)
}

// Reader reads packets from one leg of a connection. ReadPacket is meant to
// be called from a single goroutine; cipher and threshold changes may come
// from any goroutine.
type Reader struct {
	r     io.Reader
	chunk []byte

	mu  sync.Mutex
	dec *Decoder
}

// NewReader returns a Reader decoding frames of at most maxSize bytes.
func NewReader(r io.Reader, maxSize int) *Reader {
	return &Reader{r: r, chunk: make([]byte, 32<<10), dec: NewDecoder(maxSize)}
}

// ReadPacket blocks until a whole packet is available.
func (r *Reader) ReadPacket() (protocol.Packet, error) {
	for {
		r.mu.Lock()
		pk, ok, err := r.dec.Next()
		r.mu.Unlock()
		if err != nil {
			return protocol.Packet{}, err
		}
		if ok {
			return pk, nil
		}

		n, rerr := r.r.Read(r.chunk)
		if n > 0 {
			r.mu.Lock()
			r.dec.Feed(r.chunk[:n])
			r.mu.Unlock()
		}
		if rerr != nil {
			// The final read may still complete a packet.
			r.mu.Lock()
			pk, ok, err := r.dec.Next()
			partial := r.dec.Buffered() > 0
			r.mu.Unlock()
			switch {
			case err != nil:
				return protocol.Packet{}, err
			case ok:
				return pk, nil
			case partial && errors.Is(rerr, io.EOF):
				return protocol.Packet{}, io.ErrUnexpectedEOF
			}
			return protocol.Packet{}, rerr
		}
	}
}

// EnableEncryption activates AES/CFB8 decryption keyed by secret.
func (r *Reader) EnableEncryption(secret []byte) error {
	s, err := NewDecryptStream(secret)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dec.EnableEncryption(s)
}

// SetCompressionThreshold changes the threshold for subsequent frames.
func (r *Reader) SetCompressionThreshold(t int32) {
	r.mu.Lock()
	r.dec.SetCompressionThreshold(t)
	r.mu.Unlock()
}

// Writer writes packets to one leg of a connection. It is safe for
// concurrent use; each packet is written atomically.
type Writer struct {
	mu        sync.Mutex
	w         io.Writer
	enc       *Encoder
	stream    cipher.Stream
	encrypted bool
}

// NewWriter returns a Writer with compression and encryption disabled.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, enc: NewEncoder(), stream: plainStream{}}
}

// WritePacket frames, compresses and encrypts pk and writes it out.
func (w *Writer) WritePacket(pk protocol.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, err := w.enc.Encode(pk)
	if err != nil {
		return err
	}
	w.stream.XORKeyStream(b, b)
	if _, err := w.w.Write(b); err != nil {
		return fmt.Errorf("codec: write packet 0x%02x: %w", pk.ID, err)
	}
	return nil
}

// EnableEncryption activates AES/CFB8 encryption keyed by secret for every
// packet written afterwards.
func (w *Writer) EnableEncryption(secret []byte) error {
	s, err := NewEncryptStream(secret)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.encrypted {
		return ErrEncryptionActive
	}
	w.stream = s
	w.encrypted = true
	return nil
}

// SetCompressionThreshold changes the threshold for subsequent packets.
func (w *Writer) SetCompressionThreshold(t int32) {
	w.mu.Lock()
	w.enc.SetCompressionThreshold(t)
	w.mu.Unlock()
}

// Leg bundles the Reader and Writer of one side of a proxied connection.
type Leg struct {
	In  *Reader
	Out *Writer
}

// NewLeg wraps rw, typically a net.Conn.
func NewLeg(rw io.ReadWriter, maxSize int) *Leg {
	return &Leg{In: NewReader(rw, maxSize), Out: NewWriter(rw)}
}

// EnableEncryption activates the cipher on both halves of the leg.
func (l *Leg) EnableEncryption(secret []byte) error {
	if err := l.In.EnableEncryption(secret); err != nil {
		return err
	}
	return l.Out.EnableEncryption(secret)
}
