// internal/protocol/frame.go
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Wire framing: a little-endian uint16 payload length followed by that many
// bytes of UTF-8 text. The length field counts the payload only.
const (
	headerSize  = 2
	MaxFrameLen = 65535
)

// Control frames, sent as plain text inside the normal framing.
const (
	PingFrame = "PING"
	EndFrame  = "END"
)

// ErrPeerClosed reports that the peer ended the session with an END frame.
var ErrPeerClosed = errors.New("peer closed the connection")

// ErrFrameTooLarge reports a write whose payload exceeds MaxFrameLen.
var ErrFrameTooLarge = errors.New("frame exceeds max length")

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint16(buf[:headerSize], uint16(len(payload)))
	copy(buf[headerSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// WriteText frames and writes s.
func WriteText(w io.Writer, s string) error {
	return WriteFrame(w, []byte(s))
}

// WriteJSON marshals v and writes it as one frame.
func WriteJSON(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling frame payload: %w", err)
	}
	return WriteFrame(w, data)
}

// ReadFrame reads one raw frame from r. Control frames are not interpreted
// here. A short read on the 2-byte header or the payload surfaces the
// underlying error and the caller is expected to drop the connection.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	payload := make([]byte, int(binary.LittleEndian.Uint16(header[:])))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

// ReadText reads frames until a data frame arrives. PING frames are consumed
// silently and the read retried; an END frame yields ErrPeerClosed.
func ReadText(r io.Reader) (string, error) {
	for {
		raw, err := ReadFrame(r)
		if err != nil {
			return "", err
		}
		switch s := string(raw); s {
		case PingFrame:
			continue
		case EndFrame:
			return "", ErrPeerClosed
		default:
			return s, nil
		}
	}
}
