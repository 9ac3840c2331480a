package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version       byte = 1
	kindEntity    byte = 1
	kindTombstone byte = 2

	headerLen = 4 + 1 + 1 + 8 + 8 + 4
)

var (
	ErrCorrupt = errors.New("optisync: corrupt entry")
	magic4     = [...]byte{'O', 'P', 'T', 'S'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Frame is a decoded entity entry.
type Frame struct {
	Version   uint64
	WrittenAt time.Time
	Payload   []byte
	Removed   bool // tombstone: the entity is known not to exist
}

// Entity: magic(4) | ver(1) | kind(1=entity) | version(u64 be) | writtenAt(i64 be, unix nanos) | vlen(u32 be) | payload(vlen)
func EncodeEntity(ver uint64, writtenAt time.Time, payload []byte) []byte {
	return encode(kindEntity, ver, writtenAt, payload)
}

// Tombstone: same layout with kind=2 and vlen=0.
func EncodeTombstone(ver uint64, writtenAt time.Time) []byte {
	return encode(kindTombstone, ver, writtenAt, nil)
}

func encode(kind byte, ver uint64, writtenAt time.Time, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(headerLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kind)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], ver)
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], uint64(writtenAt.UnixNano()))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// DecodeEntity validates framing strictly: trailing bytes are corruption.
// The returned payload aliases b.
func DecodeEntity(b []byte) (Frame, error) {
	if len(b) < headerLen || !hasMagic(b) || b[4] != version {
		return Frame{}, ErrCorrupt
	}
	kind := b[5]
	if kind != kindEntity && kind != kindTombstone {
		return Frame{}, ErrCorrupt
	}

	off := 6

	ver := binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	nanos := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return Frame{}, ErrCorrupt
	}
	if kind == kindTombstone {
		if vlen != 0 {
			return Frame{}, ErrCorrupt
		}
		return Frame{Version: ver, WrittenAt: time.Unix(0, nanos), Removed: true}, nil
	}

	return Frame{
		Version:   ver,
		WrittenAt: time.Unix(0, nanos),
		Payload:   b[off : off+vlen],
	}, nil
}
