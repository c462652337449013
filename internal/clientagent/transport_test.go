package clientagent

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksmit799/Ardos-sub000/internal/util"
)

func TestTCPTransportFraming(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	sender := newTCPTransport(a)
	receiver := newTCPTransport(b)

	payloads := [][]byte{
		{1, 2, 3},
		{},
		{0xFF, 0x00, 0xAA},
	}
	go func() {
		for _, p := range payloads {
			sender.WriteDatagram(p)
		}
	}()

	for _, want := range payloads {
		got, err := receiver.ReadDatagram()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestTCPTransportRejectsOversized(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	sender := newTCPTransport(a)

	err := sender.WriteDatagram(make([]byte, util.DatagramMaxSize+1))
	assert.ErrorIs(t, err, util.ErrDatagramOversized)
}
