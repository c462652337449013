package stateserver

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ksmit799/Ardos-sub000/internal/core"
	"github.com/ksmit799/Ardos-sub000/internal/dc"
	"github.com/ksmit799/Ardos-sub000/internal/messagedirector"
	"github.com/ksmit799/Ardos-sub000/internal/util"
)

// DistributedObject is one live object. It subscribes its own doid channel
// and its parent's children channel, and owns all of the object's state;
// the hosting server only tracks its existence. Peers are referenced by
// doid and reached over the bus, never by pointer.
type DistributedObject struct {
	mu   sync.Mutex
	host ObjectHost
	bus  *messagedirector.MessageDirector
	log  zerolog.Logger

	doId  core.Doid
	class *dc.Class

	parent core.Doid
	zone   core.Zone

	requiredFields map[uint16][]byte
	ramFields      map[uint16][]byte

	aiChannel       uint64
	ownerChannel    uint64
	aiExplicitlySet bool

	// parentSynchronized is false from a location change until the new
	// parent's location-ack arrives.
	parentSynchronized bool

	zoneObjects map[core.Zone]map[core.Doid]struct{}

	nextContext uint32
	deleted     bool
}

// NewDistributedObject builds a live object and subscribes its channels.
// Missing required fields are default-filled. Callers follow up with
// Announce once the object is registered with its host.
func NewDistributedObject(
	host ObjectHost,
	bus *messagedirector.MessageDirector,
	log zerolog.Logger,
	doId core.Doid,
	parent core.Doid,
	zone core.Zone,
	class *dc.Class,
	required map[uint16][]byte,
	ram map[uint16][]byte,
	aiChannel uint64,
	aiExplicit bool,
) *DistributedObject {
	if required == nil {
		required = make(map[uint16][]byte)
	}
	if ram == nil {
		ram = make(map[uint16][]byte)
	}
	for _, field := range class.Fields() {
		if field.Molecular() || !field.Is(dc.Required) {
			continue
		}
		if _, ok := required[field.ID()]; !ok {
			required[field.ID()] = field.DefaultValue()
		}
	}

	d := &DistributedObject{
		host:            host,
		bus:             bus,
		log:             log.With().Uint32("do_id", doId).Str("dclass", class.Name()).Logger(),
		doId:            doId,
		class:           class,
		parent:          parent,
		zone:            zone,
		requiredFields:  required,
		ramFields:       ram,
		aiChannel:       aiChannel,
		aiExplicitlySet: aiExplicit,
		zoneObjects:     make(map[core.Zone]map[core.Doid]struct{}),
	}

	bus.Subscribe(d, uint64(doId))
	if parent != core.InvalidDoid {
		bus.Subscribe(d, core.ParentToChildren(parent))
	}
	return d
}

// Announce publishes the object's existence: it asks any pre-existing
// children for their location, tells the parent about ours, and emits the
// location entry for interested observers.
func (d *DistributedObject) Announce() {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Children created before us (a database-backed parent waking up under
	// live children) report in via GetLocationResp.
	wake := util.NewServerDatagram([]uint64{core.ParentToChildren(d.doId)}, uint64(d.doId),
		core.StateServerObjectGetLocation)
	wake.AddUint32(core.StateServerContextWakeChildren)
	d.publish(wake)

	if d.parent != core.InvalidDoid {
		changing := util.NewServerDatagram([]uint64{uint64(d.parent)}, uint64(d.doId),
			core.StateServerObjectChangingLocation)
		changing.AddUint32(d.doId)
		changing.AddLocation(d.parent, d.zone)
		changing.AddLocation(core.InvalidDoid, 0)
		d.publish(changing)

		d.sendLocationEntry(core.LocationAsChannel(d.parent, d.zone))
	}
}

func (d *DistributedObject) DoId() core.Doid  { return d.doId }
func (d *DistributedObject) Class() *dc.Class { return d.class }

func (d *DistributedObject) Location() (core.Doid, core.Zone) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parent, d.zone
}

func (d *DistributedObject) AIChannel() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aiChannel
}

func (d *DistributedObject) OwnerChannel() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ownerChannel
}

func (d *DistributedObject) AIExplicitlySet() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aiExplicitlySet
}

// ParentSynchronized reports whether the current parent has acked our
// location.
func (d *DistributedObject) ParentSynchronized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parentSynchronized
}

// ZoneObjects returns a copy of the child doids in the given zone.
func (d *DistributedObject) ZoneObjects(zone core.Zone) []core.Doid {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]core.Doid, 0, len(d.zoneObjects[zone]))
	for child := range d.zoneObjects[zone] {
		out = append(out, child)
	}
	return out
}

// RequiredField returns the stored value of a required field.
func (d *DistributedObject) RequiredField(fieldId uint16) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.requiredFields[fieldId]
	return v, ok
}

// RamField returns the stored value of a ram field, if set.
func (d *DistributedObject) RamField(fieldId uint16) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.ramFields[fieldId]
	return v, ok
}

func (d *DistributedObject) publish(dg *util.Datagram) {
	if err := d.bus.PublishDatagram(dg); err != nil {
		d.log.Error().Err(err).Msg("Publish failed")
	}
}

func (d *DistributedObject) context() uint32 {
	d.nextContext++
	return d.nextContext
}

func (d *DistributedObject) HandleDatagram(dg *util.Datagram) {
	dgi := util.NewIterator(dg)
	dgi.SkipRecipients()
	sender := dgi.ReadUint64()
	msgType := dgi.ReadUint16()
	if dgi.Err() != nil {
		d.log.Error().Msg("Received truncated datagram")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleted {
		return
	}

	switch msgType {
	case core.StateServerObjectSetField:
		d.handleSetField(dgi, sender)
	case core.StateServerObjectSetFields:
		d.handleSetFields(dgi, sender)
	case core.StateServerObjectSetLocation:
		d.handleSetLocation(dgi, sender)
	case core.StateServerObjectChangingLocation:
		d.handleChangingLocation(dgi)
	case core.StateServerObjectLocationAck:
		d.handleLocationAck(dgi)
	case core.StateServerObjectGetLocation:
		d.handleGetLocation(dgi, sender)
	case core.StateServerObjectGetLocationResp:
		d.handleGetLocationResp(dgi)
	case core.StateServerObjectSetAI:
		d.handleSetAI(dgi)
	case core.StateServerObjectChangingAI:
		d.handleChangingAI(dgi)
	case core.StateServerObjectGetAI:
		d.handleGetAI(dgi, sender)
	case core.StateServerObjectGetAIResp:
		d.handleGetAIResp(dgi)
	case core.StateServerObjectSetOwner:
		d.handleSetOwner(dgi)
	case core.StateServerObjectGetAll:
		d.handleGetAll(dgi, sender)
	case core.StateServerObjectGetField:
		d.handleGetField(dgi, sender)
	case core.StateServerObjectGetFields:
		d.handleGetFields(dgi, sender)
	case core.StateServerObjectGetZonesObjects:
		d.handleGetZonesObjects(dgi, sender)
	case core.StateServerObjectGetActiveZones:
		d.handleGetActiveZones(dgi, sender)
	case core.StateServerObjectDeleteRam:
		d.handleDeleteRam(dgi)
	case core.StateServerObjectDeleteChildren:
		d.handleDeleteChildren(dgi)
	case core.StateServerDeleteAIObjects:
		d.handleDeleteAIObjects(dgi)
	case core.DBSSObjectActivateWithDefaults, core.DBSSObjectActivateWithDefaultsOther,
		core.DBSSObjectGetActivated, core.DBSSObjectDeleteDisk:
		// Answered by the hosting database state server.
	default:
		d.log.Warn().Uint16("msg_type", msgType).Uint64("sender", sender).Msg("Unhandled message")
	}

	if dgi.Err() != nil {
		d.log.Error().Uint16("msg_type", msgType).Msg("Truncated datagram payload")
	}
}

// applyOneUpdate decodes, stores, persists and fans out a single field
// update. The caller holds the lock.
func (d *DistributedObject) applyOneUpdate(sender uint64, field *dc.Field, value []byte) {
	if field.Molecular() {
		parts, err := field.SplitValue(value)
		if err != nil {
			d.log.Error().Str("field", field.Name()).Err(err).Msg("Malformed molecular value")
			return
		}
		for i, sub := range field.Subfields() {
			d.saveField(sub, parts[i])
		}
	} else {
		d.saveField(field, value)
	}

	targets := make([]uint64, 0, 3)
	if field.Is(dc.Broadcast) && d.parent != core.InvalidDoid {
		targets = append(targets, core.LocationAsChannel(d.parent, d.zone))
	}
	if field.Is(dc.AIRecv) && d.aiChannel != 0 && sender != d.aiChannel {
		targets = append(targets, d.aiChannel)
	}
	if field.Is(dc.OwnRecv) && d.ownerChannel != 0 && sender != d.ownerChannel {
		targets = append(targets, d.ownerChannel)
	}
	if len(targets) == 0 {
		return
	}

	dg := util.NewServerDatagram(targets, sender, core.StateServerObjectSetField)
	dg.AddUint32(d.doId)
	dg.AddUint16(field.ID())
	dg.AddData(value)
	d.publish(dg)
}

func (d *DistributedObject) saveField(field *dc.Field, value []byte) {
	if field.Is(dc.Required) {
		d.requiredFields[field.ID()] = value
	} else if field.Is(dc.Ram) {
		d.ramFields[field.ID()] = value
	}
	if field.Is(dc.Db) {
		d.host.PersistFields(d.doId, d.class, map[uint16][]byte{field.ID(): value})
	}
}

func (d *DistributedObject) handleSetField(dgi *util.DatagramIterator, sender uint64) {
	doId := dgi.ReadUint32()
	fieldId := dgi.ReadUint16()
	if doId != d.doId {
		return
	}
	field, ok := d.class.FieldByID(fieldId)
	if !ok {
		d.log.Error().Uint16("field_id", fieldId).Msg("Update for unknown field")
		return
	}
	value, err := field.ReadValue(dgi)
	if err != nil {
		d.log.Error().Str("field", field.Name()).Err(err).Msg("Malformed field update")
		return
	}
	d.applyOneUpdate(sender, field, value)
}

func (d *DistributedObject) handleSetFields(dgi *util.DatagramIterator, sender uint64) {
	doId := dgi.ReadUint32()
	count := dgi.ReadUint16()
	if doId != d.doId {
		return
	}
	for i := uint16(0); i < count; i++ {
		fieldId := dgi.ReadUint16()
		field, ok := d.class.FieldByID(fieldId)
		if !ok {
			// Already-applied updates stand.
			d.log.Error().Uint16("field_id", fieldId).Msg("Unknown field in multi-update; aborting rest")
			return
		}
		value, err := field.ReadValue(dgi)
		if err != nil {
			d.log.Error().Str("field", field.Name()).Err(err).Msg("Malformed multi-update; aborting rest")
			return
		}
		d.applyOneUpdate(sender, field, value)
	}
}

func (d *DistributedObject) handleSetLocation(dgi *util.DatagramIterator, sender uint64) {
	newParent := dgi.ReadUint32()
	newZone := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}
	if newParent == d.doId {
		d.log.Warn().Uint64("sender", sender).Msg("Refusing to become our own parent")
		return
	}
	d.setLocation(newParent, newZone)
}

// setLocation runs the location protocol. The caller holds the lock.
func (d *DistributedObject) setLocation(newParent core.Doid, newZone core.Zone) {
	oldParent, oldZone := d.parent, d.zone

	targetSet := make(map[uint64]struct{})
	for _, ch := range []uint64{
		d.aiChannel,
		d.ownerChannel,
		uint64(oldParent),
		uint64(newParent),
	} {
		if ch != 0 {
			targetSet[ch] = struct{}{}
		}
	}
	if oldParent != core.InvalidDoid {
		targetSet[core.LocationAsChannel(oldParent, oldZone)] = struct{}{}
	}

	if newParent != oldParent {
		if oldParent != core.InvalidDoid {
			d.bus.Unsubscribe(d, core.ParentToChildren(oldParent))
		}
		if newParent != core.InvalidDoid {
			d.bus.Subscribe(d, core.ParentToChildren(newParent))
		}
		if !d.aiExplicitlySet {
			if newParent != core.InvalidDoid {
				// The answer arrives as GetAIResp or ChangingAI.
				query := util.NewServerDatagram([]uint64{uint64(newParent)}, uint64(d.doId),
					core.StateServerObjectGetAI)
				query.AddUint32(d.context())
				d.publish(query)
			} else {
				d.handleAIChange(0, false)
			}
		}
	}

	d.parent = newParent
	d.zone = newZone
	d.parentSynchronized = false

	targets := make([]uint64, 0, len(targetSet))
	for ch := range targetSet {
		targets = append(targets, ch)
	}
	// ChangingLocation goes out before the entry so the new parent acks
	// before location observers see the object.
	changing := util.NewServerDatagram(targets, uint64(d.doId), core.StateServerObjectChangingLocation)
	changing.AddUint32(d.doId)
	changing.AddLocation(newParent, newZone)
	changing.AddLocation(oldParent, oldZone)
	d.publish(changing)

	if newParent != core.InvalidDoid {
		d.sendLocationEntry(core.LocationAsChannel(newParent, newZone))
	}
}

func (d *DistributedObject) handleChangingLocation(dgi *util.DatagramIterator) {
	child := dgi.ReadUint32()
	newParent := dgi.ReadUint32()
	newZone := dgi.ReadUint32()
	oldParent := dgi.ReadUint32()
	oldZone := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}

	touched := false
	if oldParent == d.doId {
		d.removeZoneObject(oldZone, child)
		touched = true
	}
	if newParent == d.doId {
		d.addZoneObject(newZone, child)
		touched = true

		ack := util.NewServerDatagram([]uint64{uint64(child)}, uint64(d.doId),
			core.StateServerObjectLocationAck)
		ack.AddUint32(d.doId)
		ack.AddUint32(newZone)
		d.publish(ack)
	}
	if !touched {
		d.log.Warn().Uint32("child", child).Uint32("new_parent", newParent).
			Uint32("old_parent", oldParent).Msg("Changing-location for unrelated object")
	}
}

func (d *DistributedObject) addZoneObject(zone core.Zone, child core.Doid) {
	zs := d.zoneObjects[zone]
	if zs == nil {
		zs = make(map[core.Doid]struct{})
		d.zoneObjects[zone] = zs
	}
	zs[child] = struct{}{}
}

func (d *DistributedObject) removeZoneObject(zone core.Zone, child core.Doid) {
	if zs, ok := d.zoneObjects[zone]; ok {
		delete(zs, child)
		if len(zs) == 0 {
			delete(d.zoneObjects, zone)
		}
	}
}

func (d *DistributedObject) handleLocationAck(dgi *util.DatagramIterator) {
	parent := dgi.ReadUint32()
	zone := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}
	if parent != d.parent || zone != d.zone {
		// Ack from a location we already left.
		return
	}
	d.parentSynchronized = true
}

func (d *DistributedObject) handleGetLocation(dgi *util.DatagramIterator, sender uint64) {
	ctx := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}
	resp := util.NewServerDatagram([]uint64{sender}, uint64(d.doId),
		core.StateServerObjectGetLocationResp)
	resp.AddUint32(ctx)
	resp.AddUint32(d.doId)
	resp.AddLocation(d.parent, d.zone)
	d.publish(resp)
}

func (d *DistributedObject) handleGetLocationResp(dgi *util.DatagramIterator) {
	ctx := dgi.ReadUint32()
	child := dgi.ReadUint32()
	parent := dgi.ReadUint32()
	zone := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}
	if ctx != core.StateServerContextWakeChildren {
		d.log.Warn().Uint32("context", ctx).Msg("Unexpected get-location response")
		return
	}
	if parent == d.doId {
		d.addZoneObject(zone, child)
	}
}

func (d *DistributedObject) handleSetAI(dgi *util.DatagramIterator) {
	ai := dgi.ReadUint64()
	if dgi.Err() != nil {
		return
	}
	d.handleAIChange(ai, true)
}

// handleAIChange applies an AI assignment, notifies the old AI and our
// children, and sends the AI entry. The caller holds the lock.
func (d *DistributedObject) handleAIChange(newAI uint64, explicit bool) {
	if explicit {
		d.aiExplicitlySet = true
	}
	oldAI := d.aiChannel
	if newAI == oldAI {
		return
	}
	d.aiChannel = newAI

	targets := []uint64{core.ParentToChildren(d.doId)}
	if oldAI != 0 {
		targets = append(targets, oldAI)
	}
	changing := util.NewServerDatagram(targets, uint64(d.doId), core.StateServerObjectChangingAI)
	changing.AddUint32(d.doId)
	changing.AddUint64(newAI)
	changing.AddUint64(oldAI)
	d.publish(changing)

	if newAI != 0 {
		d.sendAIEntry(newAI)
	}
}

func (d *DistributedObject) handleChangingAI(dgi *util.DatagramIterator) {
	parent := dgi.ReadUint32()
	newAI := dgi.ReadUint64()
	dgi.ReadUint64() // old AI
	if dgi.Err() != nil {
		return
	}
	if parent != d.parent {
		return
	}
	if d.aiExplicitlySet {
		return
	}
	d.handleAIChange(newAI, false)
}

func (d *DistributedObject) handleGetAI(dgi *util.DatagramIterator, sender uint64) {
	ctx := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}
	resp := util.NewServerDatagram([]uint64{sender}, uint64(d.doId), core.StateServerObjectGetAIResp)
	resp.AddUint32(ctx)
	resp.AddUint32(d.doId)
	resp.AddUint64(d.aiChannel)
	d.publish(resp)
}

func (d *DistributedObject) handleGetAIResp(dgi *util.DatagramIterator) {
	dgi.ReadUint32() // context
	parent := dgi.ReadUint32()
	ai := dgi.ReadUint64()
	if dgi.Err() != nil {
		return
	}
	if parent != d.parent || d.aiExplicitlySet {
		return
	}
	d.handleAIChange(ai, false)
}

func (d *DistributedObject) handleSetOwner(dgi *util.DatagramIterator) {
	newOwner := dgi.ReadUint64()
	if dgi.Err() != nil {
		return
	}
	oldOwner := d.ownerChannel
	if newOwner == oldOwner {
		return
	}
	if oldOwner != 0 {
		changing := util.NewServerDatagram([]uint64{oldOwner}, uint64(d.doId),
			core.StateServerObjectChangingOwner)
		changing.AddUint32(d.doId)
		changing.AddUint64(newOwner)
		changing.AddUint64(oldOwner)
		d.publish(changing)
	}
	d.ownerChannel = newOwner
	if newOwner != 0 {
		d.sendOwnerEntry(newOwner)
	}
}

func (d *DistributedObject) handleGetAll(dgi *util.DatagramIterator, sender uint64) {
	ctx := dgi.ReadUint32()
	doId := dgi.ReadUint32()
	if dgi.Err() != nil || doId != d.doId {
		return
	}
	resp := util.NewServerDatagram([]uint64{sender}, uint64(d.doId), core.StateServerObjectGetAllResp)
	resp.AddUint32(ctx)
	resp.AddUint32(d.doId)
	resp.AddLocation(d.parent, d.zone)
	resp.AddUint16(d.class.ID())
	d.appendRequiredData(resp, false, false)
	d.appendOtherData(resp, false, false)
	d.publish(resp)
}

// fieldValue assembles the current value of a field, expanding moleculars
// from their stored subfields. The caller holds the lock.
func (d *DistributedObject) fieldValue(field *dc.Field) ([]byte, bool) {
	if field.Molecular() {
		assembled := util.NewDatagram()
		for _, sub := range field.Subfields() {
			v, ok := d.fieldValue(sub)
			if !ok {
				return nil, false
			}
			assembled.AddData(v)
		}
		return assembled.Bytes(), true
	}
	if v, ok := d.requiredFields[field.ID()]; ok {
		return v, true
	}
	if v, ok := d.ramFields[field.ID()]; ok {
		return v, true
	}
	return nil, false
}

func (d *DistributedObject) handleGetField(dgi *util.DatagramIterator, sender uint64) {
	ctx := dgi.ReadUint32()
	doId := dgi.ReadUint32()
	fieldId := dgi.ReadUint16()
	if dgi.Err() != nil || doId != d.doId {
		return
	}
	resp := util.NewServerDatagram([]uint64{sender}, uint64(d.doId), core.StateServerObjectGetFieldResp)
	resp.AddUint32(ctx)

	field, ok := d.class.FieldByID(fieldId)
	if !ok {
		resp.AddBool(false)
		d.publish(resp)
		return
	}
	value, ok := d.fieldValue(field)
	if !ok {
		resp.AddBool(false)
		d.publish(resp)
		return
	}
	resp.AddBool(true)
	resp.AddUint16(fieldId)
	resp.AddData(value)
	d.publish(resp)
}

func (d *DistributedObject) handleGetFields(dgi *util.DatagramIterator, sender uint64) {
	ctx := dgi.ReadUint32()
	doId := dgi.ReadUint32()
	count := dgi.ReadUint16()
	if doId != d.doId {
		return
	}

	found := make([]uint16, 0, count)
	values := make(map[uint16][]byte, count)
	for i := uint16(0); i < count; i++ {
		fieldId := dgi.ReadUint16()
		if _, dup := values[fieldId]; dup {
			d.log.Warn().Uint16("field_id", fieldId).Msg("Duplicate field in query")
			continue
		}
		field, ok := d.class.FieldByID(fieldId)
		if !ok {
			continue
		}
		if value, ok := d.fieldValue(field); ok {
			found = append(found, fieldId)
			values[fieldId] = value
		}
	}
	if dgi.Err() != nil {
		return
	}

	resp := util.NewServerDatagram([]uint64{sender}, uint64(d.doId), core.StateServerObjectGetFieldsResp)
	resp.AddUint32(ctx)
	resp.AddBool(true)
	resp.AddUint16(uint16(len(found)))
	for _, fieldId := range found {
		resp.AddUint16(fieldId)
		resp.AddData(values[fieldId])
	}
	d.publish(resp)
}

func (d *DistributedObject) handleGetZonesObjects(dgi *util.DatagramIterator, sender uint64) {
	ctx := dgi.ReadUint32()
	parent := dgi.ReadUint32()
	count := dgi.ReadUint16()
	zones := make([]core.Zone, 0, count)
	for i := uint16(0); i < count; i++ {
		zones = append(zones, dgi.ReadUint32())
	}
	if dgi.Err() != nil {
		return
	}

	if parent == d.doId {
		// Fan the same query out to our children, then tell the requester
		// how many entries to expect.
		fanout := util.NewServerDatagram([]uint64{core.ParentToChildren(d.doId)}, sender,
			core.StateServerObjectGetZonesObjects)
		fanout.AddUint32(ctx)
		fanout.AddUint32(parent)
		fanout.AddUint16(uint16(len(zones)))
		total := uint32(0)
		for _, zone := range zones {
			fanout.AddUint32(zone)
			total += uint32(len(d.zoneObjects[zone]))
		}
		d.publish(fanout)

		resp := util.NewServerDatagram([]uint64{sender}, uint64(d.doId),
			core.StateServerObjectGetZonesCountResp)
		resp.AddUint32(ctx)
		resp.AddUint32(total)
		d.publish(resp)
		return
	}

	if parent != d.parent {
		return
	}
	for _, zone := range zones {
		if zone != d.zone {
			continue
		}
		if d.parentSynchronized {
			d.sendInterestEntry(ctx, sender)
		} else {
			// Not yet counted by the parent; the requester reconciles a
			// bare location entry instead.
			d.sendLocationEntry(sender)
		}
		return
	}
}

func (d *DistributedObject) handleGetActiveZones(dgi *util.DatagramIterator, sender uint64) {
	ctx := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}
	resp := util.NewServerDatagram([]uint64{sender}, uint64(d.doId),
		core.StateServerObjectGetActiveZonesResp)
	resp.AddUint32(ctx)
	resp.AddUint16(uint16(len(d.zoneObjects)))
	for zone := range d.zoneObjects {
		resp.AddUint32(zone)
	}
	d.publish(resp)
}

func (d *DistributedObject) handleDeleteRam(dgi *util.DatagramIterator) {
	doId := dgi.ReadUint32()
	if dgi.Err() != nil || doId != d.doId {
		return
	}
	d.annihilate(true)
}

func (d *DistributedObject) handleDeleteChildren(dgi *util.DatagramIterator) {
	target := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}
	switch target {
	case d.doId:
		d.deleteChildren()
	case d.parent:
		// Our parent is going away; follow it down without re-notifying.
		d.annihilate(false)
	}
}

func (d *DistributedObject) handleDeleteAIObjects(dgi *util.DatagramIterator) {
	ai := dgi.ReadUint64()
	if dgi.Err() != nil {
		return
	}
	if d.aiChannel != ai {
		d.log.Warn().Uint64("ai", ai).Uint64("our_ai", d.aiChannel).
			Msg("Delete-ai-objects for a different AI")
		return
	}
	d.annihilate(true)
}

func (d *DistributedObject) deleteChildren() {
	if len(d.zoneObjects) == 0 {
		return
	}
	dg := util.NewServerDatagram([]uint64{core.ParentToChildren(d.doId)}, uint64(d.doId),
		core.StateServerObjectDeleteChildren)
	dg.AddUint32(d.doId)
	d.publish(dg)
}

// DeleteDisk tears down a live disk-backed object after its database row is
// removed, announcing the delete-disk to everyone watching it.
func (d *DistributedObject) DeleteDisk(sender uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleted {
		return
	}
	d.destroy(core.DBSSObjectDeleteDisk, sender, true)
}

func (d *DistributedObject) annihilate(notifyParent bool) {
	d.destroy(core.StateServerObjectDeleteRam, uint64(d.doId), notifyParent)
}

// destroy removes the object: broadcasts the delete notice to everyone
// watching it, takes the children with it, and unregisters from the host.
// The caller holds the lock.
func (d *DistributedObject) destroy(noticeType uint16, sender uint64, notifyParent bool) {
	targetSet := make(map[uint64]struct{})
	if d.parent != core.InvalidDoid {
		targetSet[core.LocationAsChannel(d.parent, d.zone)] = struct{}{}
	}
	if d.aiChannel != 0 {
		targetSet[d.aiChannel] = struct{}{}
	}
	if d.ownerChannel != 0 {
		targetSet[d.ownerChannel] = struct{}{}
	}
	if len(targetSet) > 0 {
		targets := make([]uint64, 0, len(targetSet))
		for ch := range targetSet {
			targets = append(targets, ch)
		}
		dg := util.NewServerDatagram(targets, sender, noticeType)
		dg.AddUint32(d.doId)
		d.publish(dg)
	}

	d.deleteChildren()

	if notifyParent && d.parent != core.InvalidDoid {
		changing := util.NewServerDatagram([]uint64{uint64(d.parent)}, uint64(d.doId),
			core.StateServerObjectChangingLocation)
		changing.AddUint32(d.doId)
		changing.AddLocation(core.InvalidDoid, 0)
		changing.AddLocation(d.parent, d.zone)
		d.publish(changing)
	}

	d.deleted = true
	d.bus.UnsubscribeAll(d)
	d.host.RemoveObject(d.doId)
	d.log.Debug().Msg("Object deleted")
}

// appendRequiredData appends the stored required values in field order.
// With clientView set, only broadcast (and, with alsoOwner, ownrecv) fields
// are included.
func (d *DistributedObject) appendRequiredData(dg *util.Datagram, clientView, alsoOwner bool) {
	for _, field := range d.class.Fields() {
		if field.Molecular() || !field.Is(dc.Required) {
			continue
		}
		if clientView && !field.Is(dc.Broadcast) && !(alsoOwner && field.Is(dc.OwnRecv)) {
			continue
		}
		dg.AddData(d.requiredFields[field.ID()])
	}
}

// appendOtherData appends the set ram fields as a u16 count of
// (fieldId, value) pairs, filtered the same way as appendRequiredData.
func (d *DistributedObject) appendOtherData(dg *util.Datagram, clientView, alsoOwner bool) {
	included := make([]uint16, 0, len(d.ramFields))
	for _, field := range d.class.Fields() {
		if field.Molecular() {
			continue
		}
		value, ok := d.ramFields[field.ID()]
		if !ok || value == nil {
			continue
		}
		if clientView && !field.Is(dc.Broadcast) && !(alsoOwner && field.Is(dc.OwnRecv)) {
			continue
		}
		included = append(included, field.ID())
	}
	dg.AddUint16(uint16(len(included)))
	for _, fieldId := range included {
		dg.AddUint16(fieldId)
		dg.AddData(d.ramFields[fieldId])
	}
}

func (d *DistributedObject) hasBroadcastRam() bool {
	for fieldId := range d.ramFields {
		if field, ok := d.class.FieldByID(fieldId); ok && field.Is(dc.Broadcast) {
			return true
		}
	}
	return false
}

// sendLocationEntry emits ENTER_LOCATION_WITH_REQUIRED[_OTHER] to the given
// channel. The caller holds the lock.
func (d *DistributedObject) sendLocationEntry(to uint64) {
	other := d.hasBroadcastRam()
	msgType := core.StateServerObjectEnterLocationWithRequired
	if other {
		msgType = core.StateServerObjectEnterLocationWithRequiredOther
	}
	dg := util.NewServerDatagram([]uint64{to}, uint64(d.doId), msgType)
	dg.AddUint32(d.doId)
	dg.AddLocation(d.parent, d.zone)
	dg.AddUint16(d.class.ID())
	d.appendRequiredData(dg, true, false)
	if other {
		d.appendOtherData(dg, true, false)
	}
	d.publish(dg)
}

// sendInterestEntry is the counted flavor of a location entry, tagged with
// the requester's interest context.
func (d *DistributedObject) sendInterestEntry(ctx uint32, to uint64) {
	other := d.hasBroadcastRam()
	msgType := core.StateServerObjectEnterInterestWithRequired
	if other {
		msgType = core.StateServerObjectEnterInterestWithRequiredOther
	}
	dg := util.NewServerDatagram([]uint64{to}, uint64(d.doId), msgType)
	dg.AddUint32(ctx)
	dg.AddUint32(d.doId)
	dg.AddLocation(d.parent, d.zone)
	dg.AddUint16(d.class.ID())
	d.appendRequiredData(dg, true, false)
	if other {
		d.appendOtherData(dg, true, false)
	}
	d.publish(dg)
}

func (d *DistributedObject) sendAIEntry(to uint64) {
	other := len(d.ramFields) > 0
	msgType := core.StateServerObjectEnterAIWithRequired
	if other {
		msgType = core.StateServerObjectEnterAIWithRequiredOther
	}
	dg := util.NewServerDatagram([]uint64{to}, uint64(d.doId), msgType)
	dg.AddUint32(d.doId)
	dg.AddLocation(d.parent, d.zone)
	dg.AddUint16(d.class.ID())
	d.appendRequiredData(dg, false, false)
	if other {
		d.appendOtherData(dg, false, false)
	}
	d.publish(dg)
}

func (d *DistributedObject) sendOwnerEntry(to uint64) {
	other := d.hasBroadcastRam()
	msgType := core.StateServerObjectEnterOwnerWithRequired
	if other {
		msgType = core.StateServerObjectEnterOwnerWithRequiredOther
	}
	dg := util.NewServerDatagram([]uint64{to}, uint64(d.doId), msgType)
	dg.AddUint32(d.doId)
	dg.AddLocation(d.parent, d.zone)
	dg.AddUint16(d.class.ID())
	d.appendRequiredData(dg, true, true)
	if other {
		d.appendOtherData(dg, true, true)
	}
	d.publish(dg)
}
