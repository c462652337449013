package database

import (
	"sync"

	"github.com/ksmit799/Ardos-sub000/internal/core"
	"github.com/ksmit799/Ardos-sub000/internal/dc"
	"github.com/ksmit799/Ardos-sub000/internal/util"
)

// loadContext tags the single get-all a LoadingObject has in flight.
const loadContext uint32 = 1

// LoadingObject covers the window between an activate and the database
// response. It holds the doid channel so datagrams sent during the load are
// queued in order and replayed onto the materialized object; a SET_FIELD
// racing the load therefore wins over the loaded value.
type LoadingObject struct {
	mu   sync.Mutex
	dbss *DatabaseStateServer

	doId   core.Doid
	parent core.Doid
	zone   core.Zone

	// class and defaults come from the activate-other variant; class is nil
	// for a plain activate, in which case the stored dclass rules.
	class    *dc.Class
	defaults map[uint16][]byte

	queue []*util.Datagram
	done  bool
}

func newLoadingObject(dbss *DatabaseStateServer, doId, parent core.Doid, zone core.Zone, class *dc.Class, defaults map[uint16][]byte) *LoadingObject {
	return &LoadingObject{
		dbss:     dbss,
		doId:     doId,
		parent:   parent,
		zone:     zone,
		class:    class,
		defaults: defaults,
	}
}

// begin subscribes the doid channel and fires the database query. The query
// names the doid channel as sender, so the response routes straight back to
// this participant.
func (lo *LoadingObject) begin() {
	lo.dbss.bus.Subscribe(lo, uint64(lo.doId))

	query := util.NewServerDatagram([]uint64{lo.dbss.cfg.Database}, uint64(lo.doId),
		core.DBServerObjectGetAll)
	query.AddUint32(loadContext)
	query.AddUint32(lo.doId)
	lo.dbss.publish(query)
}

func (lo *LoadingObject) HandleDatagram(dg *util.Datagram) {
	dgi := util.NewIterator(dg)
	dgi.SkipRecipients()
	dgi.ReadUint64() // sender
	msgType := dgi.ReadUint16()
	if dgi.Err() != nil {
		return
	}

	lo.mu.Lock()
	defer lo.mu.Unlock()
	if lo.done {
		return
	}

	switch msgType {
	case core.DBSSObjectActivateWithDefaults, core.DBSSObjectActivateWithDefaultsOther,
		core.DBSSObjectGetActivated, core.DBSSObjectDeleteDisk:
		// Duplicate activations are dropped; the other two the state server
		// answers itself even mid-load.
		return
	}

	if msgType != core.DBServerObjectGetAllResp {
		lo.queue = append(lo.queue, dg)
		return
	}

	ctx := dgi.ReadUint32()
	success := dgi.ReadBool()
	if dgi.Err() != nil || ctx != loadContext {
		return
	}
	lo.done = true
	lo.dbss.bus.Unsubscribe(lo, uint64(lo.doId))

	if !success {
		lo.dbss.abortLoading(lo)
		return
	}

	dcId := dgi.ReadUint16()
	count := dgi.ReadUint16()
	class, ok := lo.dbss.registry.Class(dcId)
	if !ok {
		lo.dbss.log.Error().Uint16("dclass", dcId).Uint32("do_id", lo.doId).
			Msg("Stored object has unknown dclass")
		lo.dbss.abortLoading(lo)
		return
	}
	if lo.class != nil && lo.class != class {
		lo.dbss.log.Error().Str("stored", class.Name()).Str("activated", lo.class.Name()).
			Uint32("do_id", lo.doId).Msg("Activate dclass does not match stored object")
		lo.dbss.abortLoading(lo)
		return
	}

	required := make(map[uint16][]byte)
	ram := make(map[uint16][]byte)
	store := func(field *dc.Field, value []byte) {
		if field.Is(dc.Required) {
			required[field.ID()] = value
		} else if field.Is(dc.Ram) {
			ram[field.ID()] = value
		}
	}

	for i := uint16(0); i < count; i++ {
		fieldId := dgi.ReadUint16()
		field, fok := class.FieldByID(fieldId)
		if !fok {
			lo.dbss.log.Error().Uint16("field_id", fieldId).Uint32("do_id", lo.doId).
				Msg("Database returned unknown field")
			lo.dbss.abortLoading(lo)
			return
		}
		value, err := field.ReadValue(dgi)
		if err != nil {
			lo.dbss.log.Error().Str("field", field.Name()).Err(err).Uint32("do_id", lo.doId).
				Msg("Malformed database value")
			lo.dbss.abortLoading(lo)
			return
		}
		store(field, value)
	}

	// Activation defaults override what the database held.
	for fieldId, value := range lo.defaults {
		if field, fok := class.FieldByID(fieldId); fok {
			store(field, value)
		}
	}

	lo.dbss.finishLoading(lo, class, required, ram)
}
