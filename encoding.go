package rordb

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// appendValue appends the msgpack encoding of v to buf.
func appendValue(buf []byte, v Value) ([]byte, error) {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.Reset(&bb)
	err := v.EncodeMsgpack(enc)
	msgpack.PutEncoder(enc)
	if err != nil {
		return buf, err
	}
	return bb.Buf, nil
}

// decodeValue decodes a value that must occupy the whole of data.
func decodeValue(data []byte, off int64) (Value, error) {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	var v Value
	err := v.DecodeMsgpack(dec)
	msgpack.PutDecoder(dec)
	if err != nil {
		return Value{}, corruptf(data, off, err, "failed to decode value")
	}
	if r.Len() != 0 {
		return Value{}, corruptf(data, off, nil, "%d trailing bytes after value", r.Len())
	}
	return v, nil
}
