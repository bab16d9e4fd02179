// Package wire defines the rordb network protocol: every message is a frame
// of [8-byte big-endian length][msgpack payload].
//
// A connection starts with a ConnectRequest answered by a ConnectReply. After
// a successful handshake the client sends OperateRequests, each answered by
// exactly one OperateResult.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	headerSize = 8

	// MaxFrameSize caps payloads in both directions.
	MaxFrameSize = 64 * 1024 * 1024
)

var (
	ErrFrameTooLarge = fmt.Errorf("wire: frame exceeds %d bytes", MaxFrameSize)

	// ErrMalformed wraps payloads that are not a valid message.
	ErrMalformed = errors.New("wire: malformed message")
)

// WriteFrame writes the header and payload with a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint64(buf[:headerSize], uint64(len(payload)))
	copy(buf[headerSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. A clean EOF before the first header byte is
// returned as io.EOF; EOF in the middle of a frame is io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint64(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// Encode returns the payload for msg.
func Encode(msg any) ([]byte, error) {
	return msgpack.Marshal(msg)
}

// Decode fills msg from payload. Errors wrap ErrMalformed.
func Decode(payload []byte, msg any) error {
	err := msgpack.Unmarshal(payload, msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if v, ok := msg.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return nil
}

// WriteMessage encodes msg and writes it as one frame.
func WriteMessage(w io.Writer, msg any) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadMessage reads one frame into msg. Transport errors are returned as is,
// undecodable payloads wrap ErrMalformed.
func ReadMessage(r io.Reader, msg any) error {
	payload, err := ReadFrame(r)
	if err != nil {
		return err
	}
	return Decode(payload, msg)
}
