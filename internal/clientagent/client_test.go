package clientagent

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksmit799/Ardos-sub000/internal/core"
	"github.com/ksmit799/Ardos-sub000/internal/dc"
	"github.com/ksmit799/Ardos-sub000/internal/messagedirector"
	"github.com/ksmit799/Ardos-sub000/internal/stateserver"
	"github.com/ksmit799/Ardos-sub000/internal/util"
)

const (
	ssControl  uint64    = 4002
	uberdogId  core.Doid = 1000
	avatarDoid core.Doid = 101
	parentDoid core.Doid = 5000
)

func caRegistry() *dc.Registry {
	setX := dc.NewField("setX", dc.Required|dc.Broadcast, dc.Uint32)
	talk := dc.NewField("talk", dc.Broadcast|dc.ClSend, dc.String)
	setSecret := dc.NewField("setSecret", dc.Required, dc.Uint32)
	avatar := dc.NewClass("DistributedAvatar", setX, talk, setSecret)

	login := dc.NewField("login", dc.ClSend|dc.AIRecv, dc.String)
	manager := dc.NewClass("LoginManager", login)

	return dc.NewRegistry(avatar, manager)
}

// fakeTransport is an in-memory transport; the tests drive the client by
// calling handleClientDatagram directly, so ReadDatagram only has to block.
type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	unread chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{unread: make(chan struct{})}
}

func (ft *fakeTransport) ReadDatagram() ([]byte, error) {
	<-ft.unread
	return nil, io.EOF
}

func (ft *fakeTransport) WriteDatagram(data []byte) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.sent = append(ft.sent, append([]byte(nil), data...))
	return nil
}

func (ft *fakeTransport) Close() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if !ft.closed {
		ft.closed = true
		close(ft.unread)
	}
	return nil
}

func (ft *fakeTransport) isClosed() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.closed
}

func (ft *fakeTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5555}
}

func (ft *fakeTransport) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7198}
}

type clientMsg struct {
	msgType uint16
	payload *util.DatagramIterator
}

// drain pops everything written to the client so far.
func (ft *fakeTransport) drain(t *testing.T) []clientMsg {
	t.Helper()
	ft.mu.Lock()
	sent := ft.sent
	ft.sent = nil
	ft.mu.Unlock()

	out := make([]clientMsg, 0, len(sent))
	for _, data := range sent {
		dgi := util.NewIterator(util.NewDatagramFromBytes(data))
		msgType := dgi.ReadUint16()
		require.NoError(t, dgi.Err())
		out = append(out, clientMsg{msgType: msgType, payload: dgi})
	}
	return out
}

type busRecorder struct {
	mu       sync.Mutex
	received []*util.Datagram
}

func (r *busRecorder) HandleDatagram(dg *util.Datagram) {
	r.mu.Lock()
	r.received = append(r.received, dg)
	r.mu.Unlock()
}

func (r *busRecorder) take() []*util.Datagram {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.received
	r.received = nil
	return out
}

type caHarness struct {
	t      *testing.T
	bus    *messagedirector.MessageDirector
	ss     *stateserver.StateServer
	agent  *ClientAgent
	client *Client
	ft     *fakeTransport
	reg    *dc.Registry
}

func newCAHarness(t *testing.T, mutate func(*Config)) *caHarness {
	t.Helper()
	bus := messagedirector.New(nil, nil, zerolog.Nop())
	t.Cleanup(func() { bus.Close() })
	reg := caRegistry()
	ss := stateserver.New(bus, reg, stateserver.Config{Channel: ssControl}, nil, zerolog.Nop())

	manager, _ := reg.ClassByName("LoginManager")
	cfg := Config{
		Version:    "v1.0",
		DCHash:     reg.Hash(),
		ChannelMin: 2000,
		ChannelMax: 2100,
		Interests:  InterestsEnabled,
		Uberdogs: map[core.Doid]Uberdog{
			uberdogId: {Class: manager, Anonymous: true},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	agent := New(bus, reg, cfg, nil, zerolog.Nop())
	ft := newFakeTransport()
	channel, err := agent.allocateChannel()
	require.NoError(t, err)
	client := newClient(agent, ft, channel)
	agent.mu.Lock()
	agent.clients[channel] = client
	agent.mu.Unlock()

	return &caHarness{t: t, bus: bus, ss: ss, agent: agent, client: client, ft: ft, reg: reg}
}

// fromClient feeds one client-wire datagram through the client's handler.
func (h *caHarness) fromClient(dg *util.Datagram) {
	h.t.Helper()
	require.NoError(h.t, dg.Err())
	h.client.mu.Lock()
	if !h.client.closed {
		h.client.handleClientDatagram(dg)
	}
	h.client.mu.Unlock()
	h.bus.Sync()
}

func (h *caHarness) publish(dg *util.Datagram) {
	h.t.Helper()
	require.NoError(h.t, h.bus.PublishDatagram(dg))
	h.bus.Sync()
}

func (h *caHarness) hello() {
	h.t.Helper()
	dg := util.NewClientDatagram(core.ClientHello)
	dg.AddUint32(h.agent.cfg.DCHash)
	dg.AddString(h.agent.cfg.Version)
	h.fromClient(dg)

	msgs := h.ft.drain(h.t)
	require.Len(h.t, msgs, 1)
	require.Equal(h.t, core.ClientHelloResp, msgs[0].msgType)
}

func (h *caHarness) establish() {
	h.t.Helper()
	h.hello()
	set := util.NewServerDatagram([]uint64{h.client.channel}, ssControl, core.ClientAgentSetState)
	set.AddUint16(2)
	h.publish(set)
}

// createAvatar generates a DistributedAvatar with setX=x, setSecret=7.
func (h *caHarness) createAvatar(doId, parent core.Doid, zone core.Zone, x uint32) {
	h.t.Helper()
	dg := util.NewServerDatagram([]uint64{ssControl}, 99, core.StateServerCreateObjectWithRequired)
	dg.AddUint32(doId)
	dg.AddUint32(parent)
	dg.AddUint32(zone)
	dg.AddUint16(0)
	dg.AddUint32(x)
	dg.AddUint32(7)
	h.publish(dg)
}

func (h *caHarness) addInterest(ctx uint32, id uint16, parent core.Doid, zones ...core.Zone) {
	h.t.Helper()
	var dg *util.Datagram
	if len(zones) == 1 {
		dg = util.NewClientDatagram(core.ClientAddInterest)
		dg.AddUint32(ctx)
		dg.AddUint16(id)
		dg.AddUint32(parent)
		dg.AddUint32(zones[0])
	} else {
		dg = util.NewClientDatagram(core.ClientAddInterestMultiple)
		dg.AddUint32(ctx)
		dg.AddUint16(id)
		dg.AddUint32(parent)
		dg.AddUint16(uint16(len(zones)))
		for _, z := range zones {
			dg.AddUint32(z)
		}
	}
	h.fromClient(dg)
}

func requireEject(t *testing.T, msgs []clientMsg, reason uint16) {
	t.Helper()
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.Equal(t, core.ClientEject, last.msgType)
	assert.Equal(t, reason, last.payload.ReadUint16())
}

func TestHelloHandshake(t *testing.T) {
	h := newCAHarness(t, nil)
	h.hello()
	assert.False(t, h.ft.isClosed())
}

func TestHelloBadVersionEjects(t *testing.T) {
	h := newCAHarness(t, nil)

	dg := util.NewClientDatagram(core.ClientHello)
	dg.AddUint32(h.agent.cfg.DCHash)
	dg.AddString("v9.9")
	h.fromClient(dg)

	requireEject(t, h.ft.drain(t), core.EjectBadVersion)
	assert.True(t, h.ft.isClosed())
}

func TestHelloBadHashEjects(t *testing.T) {
	h := newCAHarness(t, nil)

	dg := util.NewClientDatagram(core.ClientHello)
	dg.AddUint32(h.agent.cfg.DCHash + 1)
	dg.AddString(h.agent.cfg.Version)
	h.fromClient(dg)

	requireEject(t, h.ft.drain(t), core.EjectBadDCHash)
}

func TestNoHelloEjects(t *testing.T) {
	h := newCAHarness(t, nil)

	h.fromClient(util.NewClientDatagram(core.ClientHeartbeat))

	requireEject(t, h.ft.drain(t), core.EjectNoHello)
}

func TestAnonymousFieldUpdateEjects(t *testing.T) {
	h := newCAHarness(t, nil)
	h.hello()

	dg := util.NewClientDatagram(core.ClientObjectSetField)
	dg.AddUint32(avatarDoid)
	dg.AddUint16(1) // talk
	dg.AddString("hi")
	h.fromClient(dg)

	requireEject(t, h.ft.drain(t), core.EjectAnonymousViolation)
}

func TestAnonymousUberdogUpdateForwarded(t *testing.T) {
	h := newCAHarness(t, nil)
	h.hello()
	recorder := &busRecorder{}
	h.bus.Subscribe(recorder, uint64(uberdogId))

	dg := util.NewClientDatagram(core.ClientObjectSetField)
	dg.AddUint32(uberdogId)
	dg.AddUint16(3) // login
	dg.AddString("bob")
	h.fromClient(dg)

	received := recorder.take()
	require.Len(t, received, 1)
	dgi := util.NewIterator(received[0])
	dgi.SkipRecipients()
	assert.Equal(t, h.client.channel, dgi.ReadUint64())
	assert.Equal(t, core.StateServerObjectSetField, dgi.ReadUint16())
	assert.Equal(t, uint32(uberdogId), dgi.ReadUint32())
	assert.Equal(t, uint16(3), dgi.ReadUint16())
	assert.Equal(t, "bob", dgi.ReadString())
	assert.False(t, h.ft.isClosed())
}

func TestInterestOpensAndEntersObjects(t *testing.T) {
	h := newCAHarness(t, nil)
	h.createAvatar(parentDoid, 0, 0, 1)
	h.createAvatar(101, parentDoid, 100, 11)
	h.createAvatar(102, parentDoid, 100, 22)
	h.establish()

	h.addInterest(50, 1, parentDoid, 100)

	msgs := h.ft.drain(t)
	entered := make(map[uint32]uint32)
	var done bool
	for _, msg := range msgs {
		switch msg.msgType {
		case core.ClientEnterObjectRequired:
			doId := msg.payload.ReadUint32()
			msg.payload.ReadUint32() // parent
			msg.payload.ReadUint32() // zone
			msg.payload.ReadUint16() // dclass
			entered[doId] = msg.payload.ReadUint32()
		case core.ClientDoneInterestResp:
			assert.Equal(t, uint32(50), msg.payload.ReadUint32())
			assert.Equal(t, uint16(1), msg.payload.ReadUint16())
			done = true
		}
	}
	assert.Equal(t, map[uint32]uint32{101: 11, 102: 22}, entered)
	assert.True(t, done)
}

func TestInterestEmptyZoneCompletesImmediately(t *testing.T) {
	h := newCAHarness(t, nil)
	h.createAvatar(parentDoid, 0, 0, 1)
	h.establish()

	h.addInterest(51, 1, parentDoid, 999)

	msgs := h.ft.drain(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, core.ClientDoneInterestResp, msgs[0].msgType)
}

func TestInterestNarrowingSendsLeaving(t *testing.T) {
	h := newCAHarness(t, nil)
	h.createAvatar(parentDoid, 0, 0, 1)
	h.createAvatar(101, parentDoid, 100, 11)
	h.createAvatar(102, parentDoid, 200, 22)
	h.establish()

	h.addInterest(50, 1, parentDoid, 100, 200)
	h.ft.drain(t)

	// Replacing the interest with only zone 100 retires zone 200.
	h.addInterest(51, 1, parentDoid, 100)

	msgs := h.ft.drain(t)
	var left []uint32
	var reentered, done int
	for _, msg := range msgs {
		switch msg.msgType {
		case core.ClientObjectLeaving:
			left = append(left, msg.payload.ReadUint32())
		case core.ClientEnterObjectRequired:
			reentered++
		case core.ClientDoneInterestResp:
			done++
		}
	}
	assert.Equal(t, []uint32{102}, left)
	// 101 was already seen; no duplicate entry.
	assert.Zero(t, reentered)
	assert.Equal(t, 1, done)
}

func TestRemoveInterest(t *testing.T) {
	h := newCAHarness(t, nil)
	h.createAvatar(parentDoid, 0, 0, 1)
	h.createAvatar(101, parentDoid, 100, 11)
	h.establish()
	h.addInterest(50, 1, parentDoid, 100)
	h.ft.drain(t)

	remove := util.NewClientDatagram(core.ClientRemoveInterest)
	remove.AddUint32(52)
	remove.AddUint16(1)
	h.fromClient(remove)

	msgs := h.ft.drain(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, core.ClientObjectLeaving, msgs[0].msgType)
	assert.Equal(t, uint32(101), msgs[0].payload.ReadUint32())
	assert.Equal(t, core.ClientDoneInterestResp, msgs[1].msgType)
}

func TestSessionObjectDeleteEjects(t *testing.T) {
	h := newCAHarness(t, nil)
	h.createAvatar(parentDoid, 0, 0, 1)
	h.createAvatar(101, parentDoid, 100, 11)
	h.establish()
	h.addInterest(50, 1, parentDoid, 100)
	h.ft.drain(t)

	mark := util.NewServerDatagram([]uint64{h.client.channel}, ssControl,
		core.ClientAgentAddSessionObject)
	mark.AddUint32(101)
	h.publish(mark)

	del := util.NewServerDatagram([]uint64{101}, 99, core.StateServerObjectDeleteRam)
	del.AddUint32(101)
	h.publish(del)

	requireEject(t, h.ft.drain(t), core.EjectSessionObjectDeleted)
}

func TestObjectLeavesInterestAfterMove(t *testing.T) {
	h := newCAHarness(t, nil)
	h.createAvatar(parentDoid, 0, 0, 1)
	h.createAvatar(101, parentDoid, 100, 11)
	h.establish()
	h.addInterest(50, 1, parentDoid, 100)
	h.ft.drain(t)

	move := util.NewServerDatagram([]uint64{101}, 99, core.StateServerObjectSetLocation)
	move.AddLocation(parentDoid, 300)
	h.publish(move)

	msgs := h.ft.drain(t)
	require.NotEmpty(t, msgs)
	assert.Equal(t, core.ClientObjectLeaving, msgs[0].msgType)
	assert.Equal(t, uint32(101), msgs[0].payload.ReadUint32())
	assert.False(t, h.ft.isClosed())
}

func TestBroadcastUpdateForwarded(t *testing.T) {
	h := newCAHarness(t, nil)
	h.createAvatar(parentDoid, 0, 0, 1)
	h.createAvatar(101, parentDoid, 100, 11)
	h.establish()
	h.addInterest(50, 1, parentDoid, 100)
	h.ft.drain(t)

	update := util.NewServerDatagram([]uint64{101}, 99, core.StateServerObjectSetField)
	update.AddUint32(101)
	update.AddUint16(1) // talk
	update.AddString("hello zone")
	h.publish(update)

	msgs := h.ft.drain(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, core.ClientObjectSetField, msgs[0].msgType)
	assert.Equal(t, uint32(101), msgs[0].payload.ReadUint32())
	assert.Equal(t, uint16(1), msgs[0].payload.ReadUint16())
	assert.Equal(t, "hello zone", msgs[0].payload.ReadString())
}

func TestSetFieldWithoutPermissionEjects(t *testing.T) {
	h := newCAHarness(t, nil)
	h.createAvatar(parentDoid, 0, 0, 1)
	h.createAvatar(101, parentDoid, 100, 11)
	h.establish()
	h.addInterest(50, 1, parentDoid, 100)
	h.ft.drain(t)

	dg := util.NewClientDatagram(core.ClientObjectSetField)
	dg.AddUint32(101)
	dg.AddUint16(0) // setX has no clsend
	dg.AddUint32(9)
	h.fromClient(dg)

	requireEject(t, h.ft.drain(t), core.EjectForbiddenField)
}

func TestFieldsSendableOverride(t *testing.T) {
	h := newCAHarness(t, nil)
	h.createAvatar(parentDoid, 0, 0, 1)
	h.createAvatar(101, parentDoid, 100, 11)
	h.establish()
	h.addInterest(50, 1, parentDoid, 100)
	h.ft.drain(t)

	allow := util.NewServerDatagram([]uint64{h.client.channel}, ssControl,
		core.ClientAgentSetFieldsSendable)
	allow.AddUint32(101)
	allow.AddUint16(1)
	allow.AddUint16(0) // setX
	h.publish(allow)

	dg := util.NewClientDatagram(core.ClientObjectSetField)
	dg.AddUint32(101)
	dg.AddUint16(0)
	dg.AddUint32(9)
	h.fromClient(dg)

	assert.False(t, h.ft.isClosed())
	dob, ok := h.ss.Object(101)
	require.True(t, ok)
	value, _ := dob.RequiredField(0)
	assert.Equal(t, []byte{9, 0, 0, 0}, value)
}

func TestRelocateForbiddenEjects(t *testing.T) {
	h := newCAHarness(t, nil)
	h.establish()

	dg := util.NewClientDatagram(core.ClientObjectLocation)
	dg.AddUint32(avatarDoid)
	dg.AddLocation(parentDoid, 100)
	h.fromClient(dg)

	requireEject(t, h.ft.drain(t), core.EjectForbiddenRelocate)
}

func TestInterestsDisabledEjects(t *testing.T) {
	h := newCAHarness(t, func(cfg *Config) {
		cfg.Interests = InterestsDisabled
	})
	h.establish()

	h.addInterest(50, 1, parentDoid, 100)

	requireEject(t, h.ft.drain(t), core.EjectForbiddenInterest)
}

func TestServerEject(t *testing.T) {
	h := newCAHarness(t, nil)
	h.establish()

	eject := util.NewServerDatagram([]uint64{h.client.channel}, ssControl, core.ClientAgentEject)
	eject.AddUint16(core.EjectGeneric)
	eject.AddString("maintenance")
	h.publish(eject)

	msgs := h.ft.drain(t)
	requireEject(t, msgs, core.EjectGeneric)
	assert.True(t, h.ft.isClosed())
}

func TestSendDatagramPassthrough(t *testing.T) {
	h := newCAHarness(t, nil)
	h.establish()

	inner := util.NewClientDatagram(core.ClientObjectSetField)
	inner.AddUint32(uberdogId)
	inner.AddUint16(3)
	inner.AddString("direct")

	send := util.NewServerDatagram([]uint64{h.client.channel}, ssControl, core.ClientAgentSendDatagram)
	send.AddBlob(inner.Bytes())
	h.publish(send)

	msgs := h.ft.drain(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, core.ClientObjectSetField, msgs[0].msgType)
	assert.Equal(t, uint32(uberdogId), msgs[0].payload.ReadUint32())
}

func TestPostRemovesFireOnDisconnect(t *testing.T) {
	h := newCAHarness(t, nil)
	h.establish()
	recorder := &busRecorder{}
	h.bus.Subscribe(recorder, 9000)

	cleanup := util.NewServerDatagram([]uint64{9000}, h.client.channel,
		core.StateServerObjectDeleteRam)
	cleanup.AddUint32(avatarDoid)

	add := util.NewServerDatagram([]uint64{h.client.channel}, ssControl, core.ClientAgentAddPostRemove)
	add.AddBlob(cleanup.Bytes())
	h.publish(add)
	assert.Empty(t, recorder.take())

	h.client.Drop()
	h.bus.Sync()

	received := recorder.take()
	require.Len(t, received, 1)
	dgi := util.NewIterator(received[0])
	dgi.SkipRecipients()
	dgi.ReadUint64()
	assert.Equal(t, core.StateServerObjectDeleteRam, dgi.ReadUint16())
	assert.Equal(t, uint32(avatarDoid), dgi.ReadUint32())
}

func TestGetNetworkAddress(t *testing.T) {
	h := newCAHarness(t, nil)
	h.establish()
	recorder := &busRecorder{}
	h.bus.Subscribe(recorder, 9000)

	query := util.NewServerDatagram([]uint64{h.client.channel}, 9000,
		core.ClientAgentGetNetworkAddress)
	query.AddUint32(3)
	h.publish(query)

	received := recorder.take()
	require.Len(t, received, 1)
	dgi := util.NewIterator(received[0])
	dgi.SkipRecipients()
	assert.Equal(t, h.client.channel, dgi.ReadUint64())
	assert.Equal(t, core.ClientAgentGetNetworkAddressResp, dgi.ReadUint16())
	assert.Equal(t, uint32(3), dgi.ReadUint32())
	assert.Equal(t, "127.0.0.1", dgi.ReadString())
	assert.Equal(t, uint16(5555), dgi.ReadUint16())
	assert.Equal(t, "127.0.0.1", dgi.ReadString())
	assert.Equal(t, uint16(7198), dgi.ReadUint16())
}

func TestHeartbeatTimeoutEjects(t *testing.T) {
	h := newCAHarness(t, func(cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	})
	h.hello()

	require.Eventually(t, h.ft.isClosed, time.Second, 5*time.Millisecond)
	requireEject(t, h.ft.drain(t), core.EjectNoHeartbeat)
}

func TestAuthTimeoutEjects(t *testing.T) {
	h := newCAHarness(t, func(cfg *Config) {
		cfg.AuthTimeout = 20 * time.Millisecond
	})
	h.hello() // anonymous, not established

	require.Eventually(t, h.ft.isClosed, time.Second, 5*time.Millisecond)
}

func TestChannelAllocation(t *testing.T) {
	bus := messagedirector.New(nil, nil, zerolog.Nop())
	defer bus.Close()
	agent := New(bus, caRegistry(), Config{ChannelMin: 10, ChannelMax: 11}, nil, zerolog.Nop())

	first, err := agent.allocateChannel()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), first)
	_, err = agent.allocateChannel()
	require.NoError(t, err)
	_, err = agent.allocateChannel()
	assert.ErrorIs(t, err, ErrChannelsExhausted)

	agent.mu.Lock()
	agent.free = append(agent.free, first)
	agent.mu.Unlock()
	again, err := agent.allocateChannel()
	require.NoError(t, err)
	assert.Equal(t, first, again)
}
