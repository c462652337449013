package util

import (
	"encoding/binary"
	"math"
)

// DatagramIterator walks a datagram front to back. Read errors are sticky:
// once a read runs past the end, every later read returns the zero value and
// Err reports ErrDatagramEOF. Callers check Err once after parsing rather
// than after every field.
type DatagramIterator struct {
	dg     *Datagram
	offset int
	err    error
}

// NewIterator starts reading dg from the beginning.
func NewIterator(dg *Datagram) *DatagramIterator {
	return &DatagramIterator{dg: dg}
}

func (i *DatagramIterator) take(n int) []byte {
	if i.err != nil {
		return nil
	}
	if i.offset+n > len(i.dg.buf) {
		i.err = ErrDatagramEOF
		return nil
	}
	b := i.dg.buf[i.offset : i.offset+n]
	i.offset += n
	return b
}

func (i *DatagramIterator) ReadUint8() uint8 {
	if b := i.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (i *DatagramIterator) ReadUint16() uint16 {
	if b := i.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (i *DatagramIterator) ReadUint32() uint32 {
	if b := i.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (i *DatagramIterator) ReadUint64() uint64 {
	if b := i.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (i *DatagramIterator) ReadInt8() int8   { return int8(i.ReadUint8()) }
func (i *DatagramIterator) ReadInt16() int16 { return int16(i.ReadUint16()) }
func (i *DatagramIterator) ReadInt32() int32 { return int32(i.ReadUint32()) }
func (i *DatagramIterator) ReadInt64() int64 { return int64(i.ReadUint64()) }

func (i *DatagramIterator) ReadBool() bool { return i.ReadUint8() != 0 }

func (i *DatagramIterator) ReadFloat64() float64 {
	return math.Float64frombits(i.ReadUint64())
}

// ReadString reads a u16 length-prefixed string.
func (i *DatagramIterator) ReadString() string {
	n := int(i.ReadUint16())
	if b := i.take(n); b != nil {
		return string(b)
	}
	return ""
}

// ReadBlob reads a u16 length-prefixed byte string. The result is a copy.
func (i *DatagramIterator) ReadBlob() []byte {
	n := int(i.ReadUint16())
	if b := i.take(n); b != nil {
		out := make([]byte, n)
		copy(out, b)
		return out
	}
	return nil
}

// ReadData reads n raw bytes. The result is a copy.
func (i *DatagramIterator) ReadData(n int) []byte {
	if b := i.take(n); b != nil {
		out := make([]byte, n)
		copy(out, b)
		return out
	}
	return nil
}

// ReadRemainder returns everything from the current offset to the end.
func (i *DatagramIterator) ReadRemainder() []byte {
	return i.ReadData(len(i.dg.buf) - i.offset)
}

// ReadRecipients reads the u8 recipient count and that many channels.
func (i *DatagramIterator) ReadRecipients() []uint64 {
	n := int(i.ReadUint8())
	out := make([]uint64, 0, n)
	for j := 0; j < n; j++ {
		out = append(out, i.ReadUint64())
	}
	return out
}

// SkipRecipients advances past the recipient list, leaving the iterator at
// the sender field.
func (i *DatagramIterator) SkipRecipients() {
	n := int(i.ReadUint8())
	i.Skip(8 * n)
}

// Skip advances n bytes without reading them.
func (i *DatagramIterator) Skip(n int) {
	i.take(n)
}

// Offset returns the current read position.
func (i *DatagramIterator) Offset() int { return i.offset }

// Seek moves the read position to an absolute offset.
func (i *DatagramIterator) Seek(offset int) {
	if offset < 0 || offset > len(i.dg.buf) {
		i.err = ErrDatagramEOF
		return
	}
	i.offset = offset
}

// Remaining returns the number of unread bytes.
func (i *DatagramIterator) Remaining() int {
	return len(i.dg.buf) - i.offset
}

// Err reports the first read failure, if any.
func (i *DatagramIterator) Err() error { return i.err }
