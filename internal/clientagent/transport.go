package clientagent

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/ksmit799/Ardos-sub000/internal/util"
)

// transport frames client datagrams over a socket. ReadDatagram blocks until
// one whole datagram is available; both directions are safe against partial
// writes but not for concurrent use, which the owning Client serializes.
type transport interface {
	ReadDatagram() ([]byte, error)
	WriteDatagram(data []byte) error
	Close() error
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
}

// tcpTransport speaks the raw dialect: a little-endian u16 length prefix per
// datagram.
type tcpTransport struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

func (t *tcpTransport) ReadDatagram() ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(t.reader, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint16(header[:])
	data := make([]byte, size)
	if _, err := io.ReadFull(t.reader, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (t *tcpTransport) WriteDatagram(data []byte) error {
	if len(data) > util.DatagramMaxSize {
		return util.ErrDatagramOversized
	}
	framed := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(framed, uint16(len(data)))
	copy(framed[2:], data)
	if _, err := t.conn.Write(framed); err != nil {
		return fmt.Errorf("tcp write: %w", err)
	}
	return nil
}

func (t *tcpTransport) Close() error         { return t.conn.Close() }
func (t *tcpTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
func (t *tcpTransport) LocalAddr() net.Addr  { return t.conn.LocalAddr() }

// wsTransport carries one datagram per binary frame; the frame length
// replaces the u16 prefix.
type wsTransport struct {
	conn net.Conn
}

func newWSTransport(conn net.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadDatagram() ([]byte, error) {
	for {
		data, op, err := wsutil.ReadClientData(t.conn)
		if err != nil {
			return nil, err
		}
		switch op {
		case ws.OpBinary:
			if len(data) > util.DatagramMaxSize {
				return nil, util.ErrDatagramOversized
			}
			return data, nil
		case ws.OpClose:
			return nil, io.EOF
		default:
			// Pings are answered by wsutil; ignore the rest.
		}
	}
}

func (t *wsTransport) WriteDatagram(data []byte) error {
	if len(data) > util.DatagramMaxSize {
		return util.ErrDatagramOversized
	}
	if err := wsutil.WriteServerBinary(t.conn, data); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

func (t *wsTransport) Close() error         { return t.conn.Close() }
func (t *wsTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
func (t *wsTransport) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
