package database

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksmit799/Ardos-sub000/internal/core"
	"github.com/ksmit799/Ardos-sub000/internal/dc"
	"github.com/ksmit799/Ardos-sub000/internal/messagedirector"
	"github.com/ksmit799/Ardos-sub000/internal/util"
)

const (
	dbControl uint64 = 4003
	callerCh  uint64 = 9000
)

func testRegistry() *dc.Registry {
	setName := dc.NewField("setName", dc.Required|dc.Db, dc.String)
	setHp := dc.NewField("setHp", dc.Required|dc.Db|dc.Broadcast, dc.Uint32)
	setGold := dc.NewField("setGold", dc.Ram|dc.Db, dc.Uint32)
	setScratch := dc.NewField("setScratch", dc.Ram, dc.String)
	setTitle := dc.NewField("setTitle", dc.Ram, dc.String).
		WithDefault([]byte{6, 0, 'n', 'e', 'w', 'b', 'i', 'e'})
	toon := dc.NewClass("DistributedToon", setName, setHp, setGold, setScratch, setTitle)
	setModel := dc.NewField("setModel", dc.Required|dc.Db, dc.Uint32)
	doodad := dc.NewClass("DistributedDoodad", setModel)
	return dc.NewRegistry(toon, doodad)
}

type caller struct {
	bus      *messagedirector.MessageDirector
	received []*util.Datagram
}

func (c *caller) HandleDatagram(dg *util.Datagram) {
	c.received = append(c.received, dg)
}

// next pops the oldest response and positions the iterator on the payload.
func (c *caller) next(t *testing.T) (uint16, *util.DatagramIterator) {
	t.Helper()
	c.bus.Sync()
	require.NotEmpty(t, c.received)
	dg := c.received[0]
	c.received = c.received[1:]
	dgi := util.NewIterator(dg)
	dgi.SkipRecipients()
	dgi.ReadUint64()
	msgType := dgi.ReadUint16()
	require.NoError(t, dgi.Err())
	return msgType, dgi
}

type dbHarness struct {
	t       *testing.T
	bus     *messagedirector.MessageDirector
	backend *MemoryBackend
	caller  *caller
}

func newDBHarness(t *testing.T) *dbHarness {
	t.Helper()
	bus := messagedirector.New(nil, nil, zerolog.Nop())
	t.Cleanup(func() { bus.Close() })
	backend := NewMemoryBackend(10000, 10004)
	NewServer(bus, testRegistry(), backend, ServerConfig{Channel: dbControl}, nil, zerolog.Nop())
	c := &caller{bus: bus}
	bus.Subscribe(c, callerCh)
	return &dbHarness{t: t, bus: bus, backend: backend, caller: c}
}

func (h *dbHarness) send(dg *util.Datagram) {
	h.t.Helper()
	require.NoError(h.t, h.bus.PublishDatagram(dg))
	h.bus.Sync()
}

// createToon creates a DistributedToon with setName=name and returns the
// allocated doid.
func (h *dbHarness) createToon(ctx uint32, name string) core.Doid {
	h.t.Helper()
	dg := util.NewServerDatagram([]uint64{dbControl}, callerCh, core.DBServerCreateObject)
	dg.AddUint32(ctx)
	dg.AddUint16(0)
	dg.AddUint16(1)
	dg.AddUint16(0) // setName
	dg.AddString(name)
	h.send(dg)

	msgType, dgi := h.caller.next(h.t)
	require.Equal(h.t, core.DBServerCreateObjectResp, msgType)
	require.Equal(h.t, ctx, dgi.ReadUint32())
	return dgi.ReadUint32()
}

func TestCreateObject(t *testing.T) {
	h := newDBHarness(t)

	doId := h.createToon(1, "Flippy")
	assert.Equal(t, core.Doid(10000), doId)

	rec, err := h.backend.GetObject(nil, doId)
	require.NoError(t, err)
	assert.Equal(t, "DistributedToon", rec.Class)
	assert.Equal(t, []byte{6, 0, 'F', 'l', 'i', 'p', 'p', 'y'}, rec.Fields[0])
	// Unspecified required db fields are default-filled.
	assert.Equal(t, []byte{0, 0, 0, 0}, rec.Fields[1])
	// Non-required fields are not.
	_, ok := rec.Fields[2]
	assert.False(t, ok)

	assert.Equal(t, core.Doid(10001), h.createToon(2, "Second"))
}

func TestCreateUnknownClassFails(t *testing.T) {
	h := newDBHarness(t)

	dg := util.NewServerDatagram([]uint64{dbControl}, callerCh, core.DBServerCreateObject)
	dg.AddUint32(5)
	dg.AddUint16(999)
	dg.AddUint16(0)
	h.send(dg)

	msgType, dgi := h.caller.next(t)
	assert.Equal(t, core.DBServerCreateObjectResp, msgType)
	assert.Equal(t, uint32(5), dgi.ReadUint32())
	assert.Equal(t, uint32(core.InvalidDoid), dgi.ReadUint32())
}

func TestGetAll(t *testing.T) {
	h := newDBHarness(t)
	doId := h.createToon(1, "Flippy")

	query := util.NewServerDatagram([]uint64{core.BChanDBServers}, callerCh, core.DBServerObjectGetAll)
	query.AddUint32(2)
	query.AddUint32(doId)
	h.send(query)

	msgType, dgi := h.caller.next(t)
	assert.Equal(t, core.DBServerObjectGetAllResp, msgType)
	assert.Equal(t, uint32(2), dgi.ReadUint32())
	assert.True(t, dgi.ReadBool())
	assert.Equal(t, uint16(0), dgi.ReadUint16())
	assert.Equal(t, uint16(2), dgi.ReadUint16())
	// Pairs come back in class field order.
	assert.Equal(t, uint16(0), dgi.ReadUint16())
	assert.Equal(t, "Flippy", dgi.ReadString())
	assert.Equal(t, uint16(1), dgi.ReadUint16())
	assert.Equal(t, uint32(0), dgi.ReadUint32())
	require.NoError(t, dgi.Err())
}

func TestGetAllMissingObject(t *testing.T) {
	h := newDBHarness(t)

	query := util.NewServerDatagram([]uint64{dbControl}, callerCh, core.DBServerObjectGetAll)
	query.AddUint32(9)
	query.AddUint32(12345)
	h.send(query)

	msgType, dgi := h.caller.next(t)
	assert.Equal(t, core.DBServerObjectGetAllResp, msgType)
	assert.Equal(t, uint32(9), dgi.ReadUint32())
	assert.False(t, dgi.ReadBool())
}

func TestSetFieldThenGetField(t *testing.T) {
	h := newDBHarness(t)
	doId := h.createToon(1, "Flippy")

	set := util.NewServerDatagram([]uint64{dbControl}, callerCh, core.DBServerObjectSetField)
	set.AddUint32(doId)
	set.AddUint16(1) // setHp
	set.AddUint32(80)
	h.send(set)

	get := util.NewServerDatagram([]uint64{dbControl}, callerCh, core.DBServerObjectGetField)
	get.AddUint32(3)
	get.AddUint32(doId)
	get.AddUint16(1)
	h.send(get)

	msgType, dgi := h.caller.next(t)
	assert.Equal(t, core.DBServerObjectGetFieldResp, msgType)
	assert.Equal(t, uint32(3), dgi.ReadUint32())
	assert.True(t, dgi.ReadBool())
	assert.Equal(t, uint16(1), dgi.ReadUint16())
	assert.Equal(t, uint32(80), dgi.ReadUint32())
}

func TestSetNonDbFieldIgnored(t *testing.T) {
	h := newDBHarness(t)
	doId := h.createToon(1, "Flippy")

	set := util.NewServerDatagram([]uint64{dbControl}, callerCh, core.DBServerObjectSetField)
	set.AddUint32(doId)
	set.AddUint16(3) // setScratch, no db keyword
	set.AddString("nope")
	h.send(set)

	rec, err := h.backend.GetObject(nil, doId)
	require.NoError(t, err)
	_, ok := rec.Fields[3]
	assert.False(t, ok)
}

func TestSetFieldIfEquals(t *testing.T) {
	h := newDBHarness(t)
	doId := h.createToon(1, "Flippy")

	cas := util.NewServerDatagram([]uint64{dbControl}, callerCh, core.DBServerObjectSetFieldIfEquals)
	cas.AddUint32(4)
	cas.AddUint32(doId)
	cas.AddUint16(1) // setHp
	cas.AddUint32(0) // expected
	cas.AddUint32(50)
	h.send(cas)

	msgType, dgi := h.caller.next(t)
	assert.Equal(t, core.DBServerObjectSetFieldIfEqualsResp, msgType)
	assert.Equal(t, uint32(4), dgi.ReadUint32())
	assert.True(t, dgi.ReadBool())

	rec, _ := h.backend.GetObject(nil, doId)
	assert.Equal(t, []byte{50, 0, 0, 0}, rec.Fields[1])
}

func TestSetFieldIfEqualsMismatchReturnsCurrent(t *testing.T) {
	h := newDBHarness(t)
	doId := h.createToon(1, "Flippy")

	cas := util.NewServerDatagram([]uint64{dbControl}, callerCh, core.DBServerObjectSetFieldIfEquals)
	cas.AddUint32(4)
	cas.AddUint32(doId)
	cas.AddUint16(1)
	cas.AddUint32(99) // wrong expectation
	cas.AddUint32(50)
	h.send(cas)

	msgType, dgi := h.caller.next(t)
	assert.Equal(t, core.DBServerObjectSetFieldIfEqualsResp, msgType)
	assert.Equal(t, uint32(4), dgi.ReadUint32())
	assert.False(t, dgi.ReadBool())
	assert.True(t, dgi.ReadBool())
	assert.Equal(t, uint32(0), dgi.ReadUint32())

	rec, _ := h.backend.GetObject(nil, doId)
	assert.Equal(t, []byte{0, 0, 0, 0}, rec.Fields[1])
}

func TestDeleteRecyclesDoid(t *testing.T) {
	h := newDBHarness(t)
	doId := h.createToon(1, "Flippy")

	del := util.NewServerDatagram([]uint64{dbControl}, callerCh, core.DBServerObjectDelete)
	del.AddUint32(doId)
	h.send(del)

	_, err := h.backend.GetObject(nil, doId)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	// The freed doid comes back before the range advances.
	assert.Equal(t, doId, h.createToon(2, "Recycled"))
}

func TestDoidExhaustion(t *testing.T) {
	backend := NewMemoryBackend(100, 101)

	first, err := backend.AllocateDoid(nil)
	require.NoError(t, err)
	assert.Equal(t, core.Doid(100), first)
	_, err = backend.AllocateDoid(nil)
	require.NoError(t, err)
	_, err = backend.AllocateDoid(nil)
	assert.ErrorIs(t, err, ErrDoidsExhausted)

	require.NoError(t, backend.FreeDoid(nil, first))
	again, err := backend.AllocateDoid(nil)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}
