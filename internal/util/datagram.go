package util

import (
	"encoding/binary"
	"errors"
	"math"
)

// DatagramMaxSize is the largest datagram that fits behind a u16 length
// prefix once the prefix itself is accounted for.
const DatagramMaxSize = math.MaxUint16 - 2

var (
	// ErrDatagramOversized is reported when appending data would push a
	// datagram past DatagramMaxSize.
	ErrDatagramOversized = errors.New("datagram: oversized")

	// ErrDatagramEOF is reported when a read runs past the end of the
	// underlying buffer.
	ErrDatagramEOF = errors.New("datagram: read past end")
)

// Datagram is an append-only byte buffer holding one bus or client message.
// All integers are little-endian; strings and blobs carry a u16 length
// prefix. Append errors are sticky: once an Add overflows, the datagram
// stays in the failed state and Err reports it.
type Datagram struct {
	buf []byte
	err error
}

// NewDatagram returns an empty datagram.
func NewDatagram() *Datagram {
	return &Datagram{buf: make([]byte, 0, 64)}
}

// NewDatagramFromBytes wraps an already-encoded message. The slice is not
// copied; callers hand over ownership.
func NewDatagramFromBytes(b []byte) *Datagram {
	return &Datagram{buf: b}
}

// NewServerDatagram builds a datagram with the standard server envelope:
// recipient count, recipient channels, sender, message type.
func NewServerDatagram(recipients []uint64, sender uint64, msgType uint16) *Datagram {
	dg := NewDatagram()
	dg.AddUint8(uint8(len(recipients)))
	for _, ch := range recipients {
		dg.AddUint64(ch)
	}
	dg.AddUint64(sender)
	dg.AddUint16(msgType)
	return dg
}

// NewClientDatagram builds a datagram for the client wire, which carries
// only a message type ahead of the payload.
func NewClientDatagram(msgType uint16) *Datagram {
	dg := NewDatagram()
	dg.AddUint16(msgType)
	return dg
}

func (d *Datagram) grow(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf)+n > DatagramMaxSize {
		d.err = ErrDatagramOversized
		return nil
	}
	off := len(d.buf)
	d.buf = append(d.buf, make([]byte, n)...)
	return d.buf[off:]
}

func (d *Datagram) AddUint8(v uint8) {
	if b := d.grow(1); b != nil {
		b[0] = v
	}
}

func (d *Datagram) AddUint16(v uint16) {
	if b := d.grow(2); b != nil {
		binary.LittleEndian.PutUint16(b, v)
	}
}

func (d *Datagram) AddUint32(v uint32) {
	if b := d.grow(4); b != nil {
		binary.LittleEndian.PutUint32(b, v)
	}
}

func (d *Datagram) AddUint64(v uint64) {
	if b := d.grow(8); b != nil {
		binary.LittleEndian.PutUint64(b, v)
	}
}

func (d *Datagram) AddInt8(v int8)   { d.AddUint8(uint8(v)) }
func (d *Datagram) AddInt16(v int16) { d.AddUint16(uint16(v)) }
func (d *Datagram) AddInt32(v int32) { d.AddUint32(uint32(v)) }
func (d *Datagram) AddInt64(v int64) { d.AddUint64(uint64(v)) }

func (d *Datagram) AddBool(v bool) {
	if v {
		d.AddUint8(1)
	} else {
		d.AddUint8(0)
	}
}

func (d *Datagram) AddFloat64(v float64) {
	d.AddUint64(math.Float64bits(v))
}

// AddString appends a u16 length-prefixed string.
func (d *Datagram) AddString(s string) {
	if len(s) > math.MaxUint16 {
		d.err = ErrDatagramOversized
		return
	}
	d.AddUint16(uint16(len(s)))
	d.AddData([]byte(s))
}

// AddBlob appends a u16 length-prefixed byte string.
func (d *Datagram) AddBlob(b []byte) {
	if len(b) > math.MaxUint16 {
		d.err = ErrDatagramOversized
		return
	}
	d.AddUint16(uint16(len(b)))
	d.AddData(b)
}

// AddData appends raw bytes with no length prefix.
func (d *Datagram) AddData(b []byte) {
	if buf := d.grow(len(b)); buf != nil {
		copy(buf, b)
	}
}

// AddDatagram appends another datagram's bytes with no length prefix.
func (d *Datagram) AddDatagram(other *Datagram) {
	if other.err != nil {
		d.err = other.err
		return
	}
	d.AddData(other.buf)
}

// AddLocation appends a parent doid and a zone.
func (d *Datagram) AddLocation(parent, zone uint32) {
	d.AddUint32(parent)
	d.AddUint32(zone)
}

// Size returns the current encoded length.
func (d *Datagram) Size() int { return len(d.buf) }

// Bytes returns the encoded message. The slice aliases the internal buffer.
func (d *Datagram) Bytes() []byte { return d.buf }

// Err reports the first append failure, if any.
func (d *Datagram) Err() error { return d.err }
