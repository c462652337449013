package database

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksmit799/Ardos-sub000/internal/core"
	"github.com/ksmit799/Ardos-sub000/internal/messagedirector"
	"github.com/ksmit799/Ardos-sub000/internal/util"
)

const storedDoid core.Doid = 10500

type dbssHarness struct {
	t       *testing.T
	bus     *messagedirector.MessageDirector
	backend *MemoryBackend
	dbss    *DatabaseStateServer
	caller  *caller
}

func newDBSSHarness(t *testing.T) *dbssHarness {
	t.Helper()
	bus := messagedirector.New(nil, nil, zerolog.Nop())
	t.Cleanup(func() { bus.Close() })
	reg := testRegistry()
	backend := NewMemoryBackend(10000, 10004)
	NewServer(bus, reg, backend, ServerConfig{Channel: dbControl}, nil, zerolog.Nop())
	dbss := NewStateServer(bus, reg, StateConfig{
		Database: dbControl,
		RangeMin: 10000,
		RangeMax: 10999,
	}, nil, zerolog.Nop())
	c := &caller{bus: bus}
	bus.Subscribe(c, callerCh)
	return &dbssHarness{t: t, bus: bus, backend: backend, dbss: dbss, caller: c}
}

func (h *dbssHarness) send(dg *util.Datagram) {
	h.t.Helper()
	require.NoError(h.t, h.bus.PublishDatagram(dg))
	h.bus.Sync()
}

// storeToon writes a DistributedToon record straight into the backend.
func (h *dbssHarness) storeToon(doId core.Doid, name string, hp uint32) {
	h.t.Helper()
	packedName := util.NewDatagram()
	packedName.AddString(name)
	packedHp := util.NewDatagram()
	packedHp.AddUint32(hp)
	require.NoError(h.t, h.backend.CreateObject(nil, doId, "DistributedToon", map[uint16][]byte{
		0: packedName.Bytes(),
		1: packedHp.Bytes(),
	}))
}

func (h *dbssHarness) activate(doId core.Doid, parent core.Doid, zone core.Zone) {
	h.t.Helper()
	dg := util.NewServerDatagram([]uint64{uint64(doId)}, callerCh, core.DBSSObjectActivateWithDefaults)
	dg.AddUint32(doId)
	dg.AddUint32(parent)
	dg.AddUint32(zone)
	h.send(dg)
}

func TestActivateLoadsFromDatabase(t *testing.T) {
	h := newDBSSHarness(t)
	h.storeToon(storedDoid, "Flippy", 30)
	location := &caller{bus: h.bus}
	h.bus.Subscribe(location, core.LocationAsChannel(5000, 100))

	h.activate(storedDoid, 5000, 100)

	dob, ok := h.dbss.Object(storedDoid)
	require.True(t, ok)
	name, _ := dob.RequiredField(0)
	assert.Equal(t, []byte{6, 0, 'F', 'l', 'i', 'p', 'p', 'y'}, name)

	msgType, dgi := location.next(t)
	assert.Equal(t, core.StateServerObjectEnterLocationWithRequired, msgType)
	assert.Equal(t, uint32(storedDoid), dgi.ReadUint32())
	assert.Equal(t, uint32(5000), dgi.ReadUint32())
	assert.Equal(t, uint32(100), dgi.ReadUint32())
	assert.Equal(t, uint16(0), dgi.ReadUint16())
	// Only setHp is broadcast.
	assert.Equal(t, uint32(30), dgi.ReadUint32())
	assert.Zero(t, dgi.Remaining())
}

func TestActivateOtherOverridesStored(t *testing.T) {
	h := newDBSSHarness(t)
	h.storeToon(storedDoid, "Flippy", 30)

	dg := util.NewServerDatagram([]uint64{uint64(storedDoid)}, callerCh,
		core.DBSSObjectActivateWithDefaultsOther)
	dg.AddUint32(storedDoid)
	dg.AddUint32(5000)
	dg.AddUint32(100)
	dg.AddUint16(0)
	dg.AddUint16(1)
	dg.AddUint16(1) // setHp
	dg.AddUint32(99)
	h.send(dg)

	dob, ok := h.dbss.Object(storedDoid)
	require.True(t, ok)
	hp, _ := dob.RequiredField(1)
	assert.Equal(t, []byte{99, 0, 0, 0}, hp)
	// Fields without an activation default keep the stored value.
	name, _ := dob.RequiredField(0)
	assert.Equal(t, []byte{6, 0, 'F', 'l', 'i', 'p', 'p', 'y'}, name)
}

func TestRacingSetFieldWins(t *testing.T) {
	h := newDBSSHarness(t)
	h.storeToon(storedDoid, "Flippy", 30)

	activate := util.NewServerDatagram([]uint64{uint64(storedDoid)}, callerCh,
		core.DBSSObjectActivateWithDefaults)
	activate.AddUint32(storedDoid)
	activate.AddUint32(5000)
	activate.AddUint32(100)
	require.NoError(t, h.bus.PublishDatagram(activate))

	// Races the database round trip; it must apply after the load.
	update := util.NewServerDatagram([]uint64{uint64(storedDoid)}, 77, core.StateServerObjectSetField)
	update.AddUint32(storedDoid)
	update.AddUint16(1) // setHp
	update.AddUint32(55)
	require.NoError(t, h.bus.PublishDatagram(update))
	h.bus.Sync()

	dob, ok := h.dbss.Object(storedDoid)
	require.True(t, ok)
	hp, _ := dob.RequiredField(1)
	assert.Equal(t, []byte{55, 0, 0, 0}, hp)

	// The db-flagged write also reached the backing store.
	rec, err := h.backend.GetObject(nil, storedDoid)
	require.NoError(t, err)
	assert.Equal(t, []byte{55, 0, 0, 0}, rec.Fields[1])
}

func TestActivateMissingObjectAborts(t *testing.T) {
	h := newDBSSHarness(t)

	h.activate(storedDoid, 5000, 100)

	_, ok := h.dbss.Object(storedDoid)
	assert.False(t, ok)
}

func TestGetActivated(t *testing.T) {
	h := newDBSSHarness(t)
	h.storeToon(storedDoid, "Flippy", 30)

	query := util.NewServerDatagram([]uint64{uint64(storedDoid)}, callerCh, core.DBSSObjectGetActivated)
	query.AddUint32(11)
	query.AddUint32(storedDoid)
	h.send(query)

	msgType, dgi := h.caller.next(t)
	assert.Equal(t, core.DBSSObjectGetActivatedResp, msgType)
	assert.Equal(t, uint32(11), dgi.ReadUint32())
	assert.Equal(t, uint32(storedDoid), dgi.ReadUint32())
	assert.False(t, dgi.ReadBool())

	h.activate(storedDoid, 5000, 100)
	h.send(util.NewDatagramFromBytes(query.Bytes()))

	msgType, dgi = h.caller.next(t)
	assert.Equal(t, core.DBSSObjectGetActivatedResp, msgType)
	dgi.ReadUint32()
	dgi.ReadUint32()
	assert.True(t, dgi.ReadBool())
}

func TestProxyGetAllInactive(t *testing.T) {
	h := newDBSSHarness(t)
	h.storeToon(storedDoid, "Flippy", 30)

	query := util.NewServerDatagram([]uint64{uint64(storedDoid)}, callerCh, core.StateServerObjectGetAll)
	query.AddUint32(7)
	query.AddUint32(storedDoid)
	h.send(query)

	msgType, dgi := h.caller.next(t)
	assert.Equal(t, core.StateServerObjectGetAllResp, msgType)
	assert.Equal(t, uint32(7), dgi.ReadUint32())
	assert.Equal(t, uint32(storedDoid), dgi.ReadUint32())
	// Inactive objects report no location.
	assert.Equal(t, uint32(core.InvalidDoid), dgi.ReadUint32())
	assert.Equal(t, uint32(0), dgi.ReadUint32())
	assert.Equal(t, uint16(0), dgi.ReadUint16())
	assert.Equal(t, "Flippy", dgi.ReadString())
	assert.Equal(t, uint32(30), dgi.ReadUint32())
	// Unstored ram fields with a declared default still show up.
	assert.Equal(t, uint16(1), dgi.ReadUint16())
	assert.Equal(t, uint16(4), dgi.ReadUint16()) // setTitle
	assert.Equal(t, "newbie", dgi.ReadString())
	require.NoError(t, dgi.Err())
}

func TestProxyGetAllMissingObject(t *testing.T) {
	h := newDBSSHarness(t)

	query := util.NewServerDatagram([]uint64{uint64(storedDoid)}, callerCh, core.StateServerObjectGetAll)
	query.AddUint32(55)
	query.AddUint32(storedDoid)
	h.send(query)

	msgType, dgi := h.caller.next(t)
	assert.Equal(t, core.StateServerObjectGetAllResp, msgType)
	assert.Equal(t, uint32(55), dgi.ReadUint32())
	assert.Equal(t, uint32(storedDoid), dgi.ReadUint32())
	assert.Equal(t, uint32(core.InvalidDoid), dgi.ReadUint32())
	assert.Equal(t, uint32(0), dgi.ReadUint32())
	assert.Equal(t, core.InvalidDclass, dgi.ReadUint16())
	assert.Zero(t, dgi.Remaining())
}

func TestProxyGetFieldsMergesRamDefaults(t *testing.T) {
	h := newDBSSHarness(t)
	h.storeToon(storedDoid, "Flippy", 30)

	query := util.NewServerDatagram([]uint64{uint64(storedDoid)}, callerCh, core.StateServerObjectGetFields)
	query.AddUint32(8)
	query.AddUint32(storedDoid)
	query.AddUint16(2)
	query.AddUint16(1) // setHp, db-flagged
	query.AddUint16(4) // setTitle, ram with default
	h.send(query)

	msgType, dgi := h.caller.next(t)
	assert.Equal(t, core.StateServerObjectGetFieldsResp, msgType)
	assert.Equal(t, uint32(8), dgi.ReadUint32())
	assert.True(t, dgi.ReadBool())
	assert.Equal(t, uint16(2), dgi.ReadUint16())
	assert.Equal(t, uint16(1), dgi.ReadUint16())
	assert.Equal(t, uint32(30), dgi.ReadUint32())
	assert.Equal(t, uint16(4), dgi.ReadUint16())
	assert.Equal(t, "newbie", dgi.ReadString())
	require.NoError(t, dgi.Err())
}

func TestProxyGetFieldRamDefault(t *testing.T) {
	h := newDBSSHarness(t)
	h.storeToon(storedDoid, "Flippy", 30)

	// A ram-only field with a declared default never touches the database.
	query := util.NewServerDatagram([]uint64{uint64(storedDoid)}, callerCh, core.StateServerObjectGetField)
	query.AddUint32(9)
	query.AddUint32(storedDoid)
	query.AddUint16(4) // setTitle
	h.send(query)

	msgType, dgi := h.caller.next(t)
	assert.Equal(t, core.StateServerObjectGetFieldResp, msgType)
	assert.Equal(t, uint32(9), dgi.ReadUint32())
	assert.True(t, dgi.ReadBool())
	assert.Equal(t, uint16(4), dgi.ReadUint16())
	assert.Equal(t, "newbie", dgi.ReadString())

	// Without a default there is no value to report.
	query = util.NewServerDatagram([]uint64{uint64(storedDoid)}, callerCh, core.StateServerObjectGetField)
	query.AddUint32(10)
	query.AddUint32(storedDoid)
	query.AddUint16(3) // setScratch
	h.send(query)

	msgType, dgi = h.caller.next(t)
	assert.Equal(t, core.StateServerObjectGetFieldResp, msgType)
	assert.Equal(t, uint32(10), dgi.ReadUint32())
	assert.False(t, dgi.ReadBool())
	assert.Zero(t, dgi.Remaining())
}

func TestWriteThroughInactive(t *testing.T) {
	h := newDBSSHarness(t)
	h.storeToon(storedDoid, "Flippy", 30)

	update := util.NewServerDatagram([]uint64{uint64(storedDoid)}, 77, core.StateServerObjectSetField)
	update.AddUint32(storedDoid)
	update.AddUint16(1) // setHp
	update.AddUint32(12)
	h.send(update)

	rec, err := h.backend.GetObject(nil, storedDoid)
	require.NoError(t, err)
	assert.Equal(t, []byte{12, 0, 0, 0}, rec.Fields[1])
}

func TestDeleteDisk(t *testing.T) {
	h := newDBSSHarness(t)
	h.storeToon(storedDoid, "Flippy", 30)

	del := util.NewServerDatagram([]uint64{uint64(storedDoid)}, 77, core.DBSSObjectDeleteDisk)
	del.AddUint32(storedDoid)
	h.send(del)

	_, err := h.backend.GetObject(nil, storedDoid)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestDeleteDiskLiveObjectTearsDown(t *testing.T) {
	h := newDBSSHarness(t)
	h.storeToon(storedDoid, "Flippy", 30)
	h.activate(storedDoid, 5000, 100)

	location := &caller{bus: h.bus}
	h.bus.Subscribe(location, core.LocationAsChannel(5000, 100))

	del := util.NewServerDatagram([]uint64{uint64(storedDoid)}, 77, core.DBSSObjectDeleteDisk)
	del.AddUint32(storedDoid)
	h.send(del)
	h.bus.Sync()

	_, err := h.backend.GetObject(nil, storedDoid)
	assert.ErrorIs(t, err, ErrObjectNotFound)
	_, ok := h.dbss.Object(storedDoid)
	assert.False(t, ok)

	// Watchers hear the delete-disk, not a delete-ram.
	msgType, dgi := location.next(t)
	assert.Equal(t, core.DBSSObjectDeleteDisk, msgType)
	assert.Equal(t, uint32(storedDoid), dgi.ReadUint32())
}

func TestDeleteDiskWhileLoadingIgnored(t *testing.T) {
	h := newDBSSHarness(t)
	h.storeToon(storedDoid, "Flippy", 30)

	activate := util.NewServerDatagram([]uint64{uint64(storedDoid)}, callerCh,
		core.DBSSObjectActivateWithDefaults)
	activate.AddUint32(storedDoid)
	activate.AddUint32(5000)
	activate.AddUint32(100)
	require.NoError(t, h.bus.PublishDatagram(activate))

	// Races the load; the row must survive it.
	del := util.NewServerDatagram([]uint64{uint64(storedDoid)}, 77, core.DBSSObjectDeleteDisk)
	del.AddUint32(storedDoid)
	require.NoError(t, h.bus.PublishDatagram(del))
	h.bus.Sync()

	_, err := h.backend.GetObject(nil, storedDoid)
	require.NoError(t, err)
	_, ok := h.dbss.Object(storedDoid)
	assert.True(t, ok)
}

func TestAbortedLoadStillWritesThrough(t *testing.T) {
	h := newDBSSHarness(t)
	h.storeToon(storedDoid, "Flippy", 30)

	// The stored object is a DistributedToon; activating it as a
	// DistributedDoodad fails the load.
	activate := util.NewServerDatagram([]uint64{uint64(storedDoid)}, callerCh,
		core.DBSSObjectActivateWithDefaultsOther)
	activate.AddUint32(storedDoid)
	activate.AddUint32(5000)
	activate.AddUint32(100)
	activate.AddUint16(1) // DistributedDoodad
	activate.AddUint16(0)
	require.NoError(t, h.bus.PublishDatagram(activate))

	update := util.NewServerDatagram([]uint64{uint64(storedDoid)}, 77, core.StateServerObjectSetField)
	update.AddUint32(storedDoid)
	update.AddUint16(1) // setHp
	update.AddUint32(12)
	require.NoError(t, h.bus.PublishDatagram(update))
	h.bus.Sync()

	_, ok := h.dbss.Object(storedDoid)
	assert.False(t, ok)

	// The write queued during the load still reached the store.
	rec, err := h.backend.GetObject(nil, storedDoid)
	require.NoError(t, err)
	assert.Equal(t, []byte{12, 0, 0, 0}, rec.Fields[1])
}

func TestDuplicateActivateWhileLoadingDropped(t *testing.T) {
	h := newDBSSHarness(t)
	h.storeToon(storedDoid, "Flippy", 30)
	location := &caller{bus: h.bus}
	h.bus.Subscribe(location, core.LocationAsChannel(5000, 100))

	for i := 0; i < 2; i++ {
		activate := util.NewServerDatagram([]uint64{uint64(storedDoid)}, callerCh,
			core.DBSSObjectActivateWithDefaults)
		activate.AddUint32(storedDoid)
		activate.AddUint32(5000)
		activate.AddUint32(100)
		require.NoError(t, h.bus.PublishDatagram(activate))
	}
	h.bus.Sync()

	_, ok := h.dbss.Object(storedDoid)
	assert.True(t, ok)
	// Exactly one entry reaches the location.
	require.Len(t, location.received, 1)
	msgType, _ := location.next(t)
	assert.Equal(t, core.StateServerObjectEnterLocationWithRequired, msgType)
}
