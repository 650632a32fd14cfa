// Package migration provides the container that carries snapshot units
// between a source and a destination, over a file or a TCP connection.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
//
// A stream is a MsgManifest, any number of MsgUnit messages in the order
// they were produced, and a MsgDone. The destination of a live migration
// answers with MsgReady once it runs.
package migration

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MsgType identifies a migration protocol message.
type MsgType uint32

const (
	MsgManifest MsgType = 1 // gob-encoded Manifest
	MsgUnit     MsgType = 2 // one pass of one unit
	MsgDone     MsgType = 4 // source signals end of stream
	MsgReady    MsgType = 5 // destination confirms it is running
)

func (t MsgType) String() string {
	switch t {
	case MsgManifest:
		return "manifest"
	case MsgUnit:
		return "unit"
	case MsgDone:
		return "done"
	case MsgReady:
		return "ready"
	}

	return fmt.Sprintf("MsgType(%d)", uint32(t))
}

// PassFinal is the pass number of a unit written by a final or one-shot
// save.
const PassFinal = ^uint32(0)

// MaxPayload bounds the payload a Receiver accepts.
const MaxPayload = 1 << 36

// readChunk is the most a Receiver allocates ahead of the bytes it has
// actually read. The length in a header is not trusted.
const readChunk = 1 << 20

var (
	errUnitPayloadTooShort = errors.New("unit payload too short")
	errUnitNameTooLong     = errors.New("unit name too long")
	errPayloadTooLarge     = errors.New("payload too large")
)

// Sender writes framed messages to an underlying writer (a file or a TCP
// conn).
type Sender struct {
	w   io.Writer
	hdr [12]byte
}

// NewSender wraps w as a migration Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// send writes a single framed message whose payload is the concatenation
// of parts.
func (s *Sender) send(t MsgType, parts ...[]byte) error {
	n := 0
	for _, p := range parts {
		n += len(p)
	}

	binary.BigEndian.PutUint32(s.hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(s.hdr[4:12], uint64(n))

	if _, err := s.w.Write(s.hdr[:]); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	for _, p := range parts {
		if len(p) == 0 {
			continue
		}

		if _, err := s.w.Write(p); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
	}

	return nil
}

// UnitHeader names the unit and pass a MsgUnit carries.
type UnitHeader struct {
	Name    string
	Version uint32
	Pass    uint32
}

func (h UnitHeader) String() string {
	return fmt.Sprintf("%s v%d pass %d", h.Name, h.Version, h.Pass)
}

// SendUnit sends data, the output of one unit pass, as a MsgUnit.
//
// Payload layout: [u32 version][u32 pass][u16 name length][name][data],
// integers big-endian.
func (s *Sender) SendUnit(h UnitHeader, data []byte) error {
	if len(h.Name) > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes", errUnitNameTooLong, len(h.Name))
	}

	hdr := make([]byte, 10, 10+len(h.Name))
	binary.BigEndian.PutUint32(hdr[0:4], h.Version)
	binary.BigEndian.PutUint32(hdr[4:8], h.Pass)
	binary.BigEndian.PutUint16(hdr[8:10], uint16(len(h.Name)))
	hdr = append(hdr, h.Name...)

	return s.send(MsgUnit, hdr, data)
}

// SendDone signals the end of the stream.
func (s *Sender) SendDone() error { return s.send(MsgDone) }

// SendReady signals that the destination VM is running.
func (s *Sender) SendReady() error { return s.send(MsgReady) }

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r   io.Reader
	hdr [12]byte
}

// NewReceiver wraps r as a migration Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(r.hdr[0:4]))
	length := binary.BigEndian.Uint64(r.hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	if length > MaxPayload {
		return 0, nil, fmt.Errorf("%w: type=%v len=%d", errPayloadTooLarge, t, length)
	}

	var payload bytes.Buffer

	payload.Grow(int(min(length, readChunk)))

	for remaining := length; remaining > 0; {
		n, err := io.CopyN(&payload, r.r, int64(min(remaining, readChunk)))
		remaining -= uint64(n)

		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}

			return 0, nil, fmt.Errorf("read payload (type=%v len=%d): %w", t, length, err)
		}
	}

	return t, payload.Bytes(), nil
}

// DecodeUnit splits a MsgUnit payload into its header and unit data.
func DecodeUnit(payload []byte) (UnitHeader, []byte, error) {
	if len(payload) < 10 {
		return UnitHeader{}, nil, fmt.Errorf("%w: %d bytes", errUnitPayloadTooShort, len(payload))
	}

	h := UnitHeader{
		Version: binary.BigEndian.Uint32(payload[0:4]),
		Pass:    binary.BigEndian.Uint32(payload[4:8]),
	}

	n := int(binary.BigEndian.Uint16(payload[8:10]))
	if len(payload) < 10+n {
		return UnitHeader{}, nil, fmt.Errorf("%w: name needs %d bytes, have %d", errUnitPayloadTooShort, n, len(payload)-10)
	}

	h.Name = string(payload[10 : 10+n])

	return h, payload[10+n:], nil
}
