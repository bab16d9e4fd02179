package rordb

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Op is the command tag of a log record.
type Op uint32

const (
	OpAdd    Op = 1
	OpDelete Op = 2
)

func (op Op) String() string {
	switch op {
	case OpAdd:
		return "Add"
	case OpDelete:
		return "Delete"
	default:
		return fmt.Sprintf("Op(%d)", uint32(op))
	}
}

const (
	// headerSize is op:32 keyLen:64 valueLen:64, all big-endian.
	headerSize = 4 + 8 + 8

	MaxKeySize   = 64 * 1024
	MaxValueSize = 256 * 1024 * 1024
)

// Record is one logged mutation. Value is ignored for deletes.
type Record struct {
	Op    Op
	Key   string
	Value Value
}

type header struct {
	op       Op
	keyLen   int
	valueLen int
}

func (h header) size() int64 {
	return int64(headerSize + h.keyLen + h.valueLen)
}

func checkKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	}
	if !utf8.ValidString(key) {
		return ErrInvalidKey
	}
	return nil
}

// appendRecord appends the encoded record to buf.
func appendRecord(buf []byte, rec Record) ([]byte, error) {
	if err := checkKey(rec.Key); err != nil {
		return buf, err
	}
	var off int
	off, buf = grow(buf, headerSize)
	buf = append(buf, rec.Key...)

	valueStart := len(buf)
	switch rec.Op {
	case OpAdd:
		var err error
		buf, err = appendValue(buf, rec.Value)
		if err != nil {
			return buf[:off], err
		}
	case OpDelete:
		// no value
	default:
		panic(fmt.Errorf("rordb: cannot encode %v", rec.Op))
	}
	valueLen := len(buf) - valueStart
	if valueLen > MaxValueSize {
		return buf[:off], fmt.Errorf("rordb: encoded value of %q is %d bytes, limit is %d", rec.Key, valueLen, MaxValueSize)
	}

	h := buf[off : off+headerSize]
	putFixedUint32(h[0:4], uint32(rec.Op))
	putFixedUint64(h[4:12], uint64(len(rec.Key)))
	putFixedUint64(h[12:20], uint64(valueLen))
	return buf, nil
}

// decodeHeader parses the fixed header at the start of data. Fewer than
// headerSize bytes is a torn header and is reported as corruption; callers
// check for the clean end of the log themselves.
func decodeHeader(data []byte, off int64) (header, error) {
	if len(data) < headerSize {
		return header{}, corruptf(data, off, nil, "truncated header")
	}
	data = data[:headerSize]
	op := Op(binary.BigEndian.Uint32(data[0:4]))
	keyLen := binary.BigEndian.Uint64(data[4:12])
	valueLen := binary.BigEndian.Uint64(data[12:20])

	if op != OpAdd && op != OpDelete {
		return header{}, corruptf(data, off, nil, "unknown op tag %d", uint32(op))
	}
	if keyLen == 0 || keyLen > MaxKeySize {
		return header{}, corruptf(data, off, nil, "invalid key length %d", keyLen)
	}
	if valueLen > MaxValueSize {
		return header{}, corruptf(data, off, nil, "invalid value length %d", valueLen)
	}
	if op == OpDelete && valueLen != 0 {
		return header{}, corruptf(data, off, nil, "delete record with %d value bytes", valueLen)
	}
	if op == OpAdd && valueLen == 0 {
		return header{}, corruptf(data, off, nil, "add record without a value")
	}
	return header{op: op, keyLen: int(keyLen), valueLen: int(valueLen)}, nil
}

// decodeBody decodes the key and value that follow h. data starts right
// after the header and must hold at least the body; extra bytes are ignored.
func decodeBody(h header, data []byte, off int64) (Record, error) {
	n := h.keyLen + h.valueLen
	if len(data) < n {
		return Record{}, corruptf(data, off, nil, "truncated body: have %d bytes, wanted %d", len(data), n)
	}
	keyBytes := data[:h.keyLen]
	if !utf8.Valid(keyBytes) {
		return Record{}, corruptf(keyBytes, off, nil, "key is not valid UTF-8")
	}
	rec := Record{Op: h.op, Key: string(keyBytes)}
	if h.op == OpAdd {
		v, err := decodeValue(data[h.keyLen:n], off+headerSize+int64(h.keyLen))
		if err != nil {
			return Record{}, err
		}
		rec.Value = v
	}
	return rec, nil
}

// decodeRecord decodes a complete record at the start of data.
func decodeRecord(data []byte, off int64) (Record, header, error) {
	h, err := decodeHeader(data, off)
	if err != nil {
		return Record{}, header{}, err
	}
	rec, err := decodeBody(h, data[headerSize:], off)
	if err != nil {
		return Record{}, header{}, err
	}
	return rec, h, nil
}
