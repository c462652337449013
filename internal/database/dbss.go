package database

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ksmit799/Ardos-sub000/internal/core"
	"github.com/ksmit799/Ardos-sub000/internal/dc"
	"github.com/ksmit799/Ardos-sub000/internal/messagedirector"
	"github.com/ksmit799/Ardos-sub000/internal/metrics"
	"github.com/ksmit799/Ardos-sub000/internal/stateserver"
	"github.com/ksmit799/Ardos-sub000/internal/util"
)

// StateConfig carries the database state server's section of the cluster
// configuration.
type StateConfig struct {
	// Database is the channel of the database server backing this range.
	Database uint64
	RangeMin uint64
	RangeMax uint64
}

// fieldValue is a resolved (fieldId, packed value) pair.
type fieldValue struct {
	id    uint16
	value []byte
}

// pendingQuery maps a proxied database context back to the original
// state-server request. defaults carries the ram fields the query could
// answer from declared defaults, merged into the database's reply.
type pendingQuery struct {
	ctx      uint32
	sender   uint64
	msgType  uint16
	doId     core.Doid
	defaults []fieldValue
}

// DatabaseStateServer hosts disk-backed objects. It subscribes the doid
// range it owns; explicitly activated objects become live DistributedObjects
// identical to state-server-hosted ones, and reads or writes addressed to
// inactive doids are proxied through to the database server.
type DatabaseStateServer struct {
	mu       sync.Mutex
	bus      *messagedirector.MessageDirector
	log      zerolog.Logger
	registry *dc.Registry
	metrics  *metrics.Registry
	cfg      StateConfig

	objects map[core.Doid]*stateserver.DistributedObject
	loading map[core.Doid]*LoadingObject

	nextCtx uint32
	pending map[uint32]pendingQuery
}

// NewStateServer creates a database state server over the configured doid
// range.
func NewStateServer(bus *messagedirector.MessageDirector, registry *dc.Registry, cfg StateConfig, m *metrics.Registry, log zerolog.Logger) *DatabaseStateServer {
	s := &DatabaseStateServer{
		bus:      bus,
		log:      log.With().Str("component", "db-state-server").Logger(),
		registry: registry,
		metrics:  m,
		cfg:      cfg,
		objects:  make(map[core.Doid]*stateserver.DistributedObject),
		loading:  make(map[core.Doid]*LoadingObject),
		pending:  make(map[uint32]pendingQuery),
	}
	bus.Subscribe(s, core.BChanStateServers)
	bus.SubscribeRange(s, cfg.RangeMin, cfg.RangeMax)
	s.log.Info().Uint64("range_min", cfg.RangeMin).Uint64("range_max", cfg.RangeMax).
		Msg("Database state server started")
	return s
}

// RemoveObject implements stateserver.ObjectHost.
func (s *DatabaseStateServer) RemoveObject(doId core.Doid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[doId]; ok {
		delete(s.objects, doId)
		if s.metrics != nil {
			s.metrics.Objects.Dec()
		}
	}
}

// PersistFields implements stateserver.ObjectHost: db-flagged writes on live
// objects flow through to the database server.
func (s *DatabaseStateServer) PersistFields(doId core.Doid, _ *dc.Class, fields map[uint16][]byte) {
	dg := util.NewServerDatagram([]uint64{s.cfg.Database}, uint64(doId), core.DBServerObjectSetFields)
	dg.AddUint32(doId)
	dg.AddUint16(uint16(len(fields)))
	for id, value := range fields {
		dg.AddUint16(id)
		dg.AddData(value)
	}
	s.publish(dg)
}

// Object returns the live object with the given doid, if activated.
func (s *DatabaseStateServer) Object(doId core.Doid) (*stateserver.DistributedObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dob, ok := s.objects[doId]
	return dob, ok
}

func (s *DatabaseStateServer) publish(dg *util.Datagram) {
	if err := s.bus.PublishDatagram(dg); err != nil {
		s.log.Error().Err(err).Msg("Publish failed")
	}
}

// rangeDoid extracts the doid this datagram was addressed to, if any
// recipient channel falls inside our range.
func (s *DatabaseStateServer) rangeDoid(dg *util.Datagram) (core.Doid, bool) {
	dgi := util.NewIterator(dg)
	recipients := dgi.ReadRecipients()
	if dgi.Err() != nil {
		return core.InvalidDoid, false
	}
	for _, ch := range recipients {
		if ch >= s.cfg.RangeMin && ch <= s.cfg.RangeMax {
			return core.Doid(ch), true
		}
	}
	return core.InvalidDoid, false
}

func (s *DatabaseStateServer) HandleDatagram(dg *util.Datagram) {
	dgi := util.NewIterator(dg)
	dgi.SkipRecipients()
	sender := dgi.ReadUint64()
	msgType := dgi.ReadUint16()
	if dgi.Err() != nil {
		s.log.Error().Msg("Received truncated datagram")
		return
	}

	doId, inRange := s.rangeDoid(dg)
	if inRange && msgType != core.DBSSObjectGetActivated && msgType != core.DBSSObjectDeleteDisk {
		// Live and loading objects hold their own doid subscription; this
		// copy is the range's duplicate. Activation queries and disk deletes
		// stay with us regardless.
		s.mu.Lock()
		_, live := s.objects[doId]
		_, load := s.loading[doId]
		s.mu.Unlock()
		if live || load {
			return
		}
	}

	switch msgType {
	case core.DBSSObjectActivateWithDefaults:
		s.handleActivate(dgi, doId, false)
	case core.DBSSObjectActivateWithDefaultsOther:
		s.handleActivate(dgi, doId, true)
	case core.DBSSObjectGetActivated:
		s.handleGetActivated(dgi, sender)
	case core.DBSSObjectDeleteDisk:
		s.handleDeleteDisk(dgi, sender)

	case core.StateServerObjectSetField:
		s.writeThrough(dgi, core.DBServerObjectSetField)
	case core.StateServerObjectSetFields:
		s.writeThrough(dgi, core.DBServerObjectSetFields)

	case core.StateServerObjectGetAll:
		s.proxyGetAll(dgi, sender)
	case core.StateServerObjectGetField:
		s.proxyGetFields(dgi, sender, core.StateServerObjectGetField, core.DBServerObjectGetField)
	case core.StateServerObjectGetFields:
		s.proxyGetFields(dgi, sender, core.StateServerObjectGetFields, core.DBServerObjectGetFields)

	case core.DBServerObjectGetAllResp:
		s.handleGetAllResp(dgi)
	case core.DBServerObjectGetFieldResp, core.DBServerObjectGetFieldsResp:
		s.handleGetFieldsResp(dgi, msgType)

	case core.StateServerDeleteAIObjects:
		s.handleDeleteAIObjects(dgi, sender)

	default:
		if inRange {
			s.log.Debug().Uint16("msg_type", msgType).Uint32("do_id", doId).
				Msg("Message for inactive object dropped")
		}
	}
}

func (s *DatabaseStateServer) handleActivate(dgi *util.DatagramIterator, doId core.Doid, other bool) {
	activateDoId := dgi.ReadUint32()
	parent := dgi.ReadUint32()
	zone := dgi.ReadUint32()
	if dgi.Err() != nil {
		s.log.Error().Msg("Truncated activate")
		return
	}
	if activateDoId != doId {
		s.log.Warn().Uint32("do_id", activateDoId).Msg("Activate doid does not match channel")
		return
	}

	var defaults map[uint16][]byte
	var class *dc.Class
	if other {
		dcId := dgi.ReadUint16()
		count := dgi.ReadUint16()
		var ok bool
		class, ok = s.registry.Class(dcId)
		if !ok {
			s.log.Error().Uint16("dclass", dcId).Uint32("do_id", doId).
				Msg("Activate names unknown dclass")
			return
		}
		defaults = make(map[uint16][]byte, count)
		for i := uint16(0); i < count; i++ {
			fieldId := dgi.ReadUint16()
			field, ok := class.FieldByID(fieldId)
			if !ok {
				s.log.Error().Uint16("field_id", fieldId).Uint32("do_id", doId).
					Msg("Activate names unknown field")
				return
			}
			value, err := field.ReadValue(dgi)
			if err != nil {
				s.log.Error().Str("field", field.Name()).Err(err).Msg("Truncated activate value")
				return
			}
			defaults[fieldId] = value
		}
	}

	s.mu.Lock()
	if _, dup := s.loading[doId]; dup {
		s.mu.Unlock()
		return
	}
	lo := newLoadingObject(s, doId, parent, zone, class, defaults)
	s.loading[doId] = lo
	s.mu.Unlock()

	lo.begin()
}

// finishLoading materializes a loaded object and replays the datagrams that
// arrived during the load. If a replayed datagram deletes the object, the
// remainder goes through the inactive-object paths instead.
func (s *DatabaseStateServer) finishLoading(lo *LoadingObject, class *dc.Class, required, ram map[uint16][]byte) {
	s.mu.Lock()
	delete(s.loading, lo.doId)
	if _, dup := s.objects[lo.doId]; dup {
		s.mu.Unlock()
		s.log.Warn().Uint32("do_id", lo.doId).Msg("Loaded object already live")
		return
	}
	dob := stateserver.NewDistributedObject(s, s.bus, s.log, lo.doId, lo.parent, lo.zone,
		class, required, ram, 0, false)
	s.objects[lo.doId] = dob
	if s.metrics != nil {
		s.metrics.Objects.Inc()
	}
	s.mu.Unlock()

	dob.Announce()
	for i, queued := range lo.queue {
		s.mu.Lock()
		_, live := s.objects[lo.doId]
		s.mu.Unlock()
		if !live {
			s.replayInactive(lo.queue[i:])
			return
		}
		dob.HandleDatagram(queued)
	}
}

// abortLoading drops a failed load; the datagrams queued during it still get
// the inactive-object treatment (write-through, proxied reads).
func (s *DatabaseStateServer) abortLoading(lo *LoadingObject) {
	s.mu.Lock()
	delete(s.loading, lo.doId)
	s.mu.Unlock()
	s.log.Warn().Uint32("do_id", lo.doId).Int("queued", len(lo.queue)).
		Msg("Activation failed; replaying queued datagrams as inactive")
	s.replayInactive(lo.queue)
}

func (s *DatabaseStateServer) replayInactive(queue []*util.Datagram) {
	for _, dg := range queue {
		s.HandleDatagram(dg)
	}
}

func (s *DatabaseStateServer) handleGetActivated(dgi *util.DatagramIterator, sender uint64) {
	ctx := dgi.ReadUint32()
	doId := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}
	s.mu.Lock()
	_, live := s.objects[doId]
	s.mu.Unlock()

	resp := util.NewServerDatagram([]uint64{sender}, uint64(doId), core.DBSSObjectGetActivatedResp)
	resp.AddUint32(ctx)
	resp.AddUint32(doId)
	resp.AddBool(live)
	s.publish(resp)
}

func (s *DatabaseStateServer) handleDeleteDisk(dgi *util.DatagramIterator, sender uint64) {
	doId := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}

	s.mu.Lock()
	_, load := s.loading[doId]
	dob := s.objects[doId]
	s.mu.Unlock()
	if load {
		// The in-flight load reconciles against whatever the row held.
		return
	}

	del := util.NewServerDatagram([]uint64{s.cfg.Database}, uint64(doId), core.DBServerObjectDelete)
	del.AddUint32(doId)
	s.publish(del)

	if dob != nil {
		dob.DeleteDisk(sender)
	}
}

// writeThrough forwards a field write on an inactive object to the database
// server unchanged; the database server validates the db keyword.
func (s *DatabaseStateServer) writeThrough(dgi *util.DatagramIterator, dbMsgType uint16) {
	doId := dgi.ReadUint32()
	rest := dgi.ReadRemainder()
	if dgi.Err() != nil {
		return
	}
	dg := util.NewServerDatagram([]uint64{s.cfg.Database}, uint64(doId), dbMsgType)
	dg.AddUint32(doId)
	dg.AddData(rest)
	s.publish(dg)
}

func (s *DatabaseStateServer) proxyContext(ctx uint32, sender uint64, msgType uint16, doId core.Doid, defaults []fieldValue) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCtx++
	s.pending[s.nextCtx] = pendingQuery{
		ctx: ctx, sender: sender, msgType: msgType, doId: doId, defaults: defaults,
	}
	return s.nextCtx
}

func (s *DatabaseStateServer) takeContext(localCtx uint32) (pendingQuery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pq, ok := s.pending[localCtx]
	if ok {
		delete(s.pending, localCtx)
	}
	return pq, ok
}

func (s *DatabaseStateServer) proxyGetAll(dgi *util.DatagramIterator, sender uint64) {
	ctx := dgi.ReadUint32()
	doId := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}
	localCtx := s.proxyContext(ctx, sender, core.StateServerObjectGetAll, doId, nil)

	// Sender is the doid channel, so the response lands back in our range.
	query := util.NewServerDatagram([]uint64{s.cfg.Database}, uint64(doId), core.DBServerObjectGetAll)
	query.AddUint32(localCtx)
	query.AddUint32(doId)
	s.publish(query)
}

// proxyGetFields answers a field query on an inactive object. Db-flagged
// fields are fetched from the database; the rest have no stored value, so
// only declared defaults can satisfy them.
func (s *DatabaseStateServer) proxyGetFields(dgi *util.DatagramIterator, sender uint64, origType, dbType uint16) {
	ctx := dgi.ReadUint32()
	doId := dgi.ReadUint32()

	single := origType == core.StateServerObjectGetField
	var ids []uint16
	if single {
		ids = []uint16{dgi.ReadUint16()}
	} else {
		count := dgi.ReadUint16()
		for i := uint16(0); i < count; i++ {
			ids = append(ids, dgi.ReadUint16())
		}
	}
	if dgi.Err() != nil {
		return
	}

	var dbIds []uint16
	var defaults []fieldValue
	for _, id := range ids {
		field, ok := s.registry.FieldByID(id)
		if !ok {
			continue
		}
		if field.Is(dc.Db) {
			dbIds = append(dbIds, id)
		} else if field.HasDefault() {
			defaults = append(defaults, fieldValue{id: id, value: field.DefaultValue()})
		}
	}

	if len(dbIds) == 0 {
		respType := core.StateServerObjectGetFieldsResp
		if single {
			respType = core.StateServerObjectGetFieldResp
		}
		resp := util.NewServerDatagram([]uint64{sender}, uint64(doId), respType)
		resp.AddUint32(ctx)
		if single {
			if len(defaults) == 0 {
				resp.AddBool(false)
			} else {
				resp.AddBool(true)
				resp.AddUint16(defaults[0].id)
				resp.AddData(defaults[0].value)
			}
		} else {
			resp.AddBool(true)
			resp.AddUint16(uint16(len(defaults)))
			for _, fv := range defaults {
				resp.AddUint16(fv.id)
				resp.AddData(fv.value)
			}
		}
		s.publish(resp)
		return
	}

	localCtx := s.proxyContext(ctx, sender, origType, doId, defaults)

	query := util.NewServerDatagram([]uint64{s.cfg.Database}, uint64(doId), dbType)
	query.AddUint32(localCtx)
	query.AddUint32(doId)
	if single {
		query.AddUint16(dbIds[0])
	} else {
		query.AddUint16(uint16(len(dbIds)))
		for _, id := range dbIds {
			query.AddUint16(id)
		}
	}
	s.publish(query)
}

func (s *DatabaseStateServer) handleGetAllResp(dgi *util.DatagramIterator) {
	localCtx := dgi.ReadUint32()
	success := dgi.ReadBool()
	if dgi.Err() != nil {
		return
	}
	pq, ok := s.takeContext(localCtx)
	if !ok || pq.msgType != core.StateServerObjectGetAll {
		return
	}

	if !success {
		// The requester still needs an answer; an invalid dclass marks the
		// object as nonexistent.
		resp := util.NewServerDatagram([]uint64{pq.sender}, uint64(pq.doId),
			core.StateServerObjectGetAllResp)
		resp.AddUint32(pq.ctx)
		resp.AddUint32(pq.doId)
		resp.AddLocation(core.InvalidDoid, 0)
		resp.AddUint16(core.InvalidDclass)
		s.publish(resp)
		return
	}

	dcId := dgi.ReadUint16()
	count := dgi.ReadUint16()
	class, ok := s.registry.Class(dcId)
	if !ok {
		s.log.Error().Uint16("dclass", dcId).Msg("Database returned unknown dclass")
		return
	}
	stored := make(map[uint16][]byte, count)
	for i := uint16(0); i < count; i++ {
		fieldId := dgi.ReadUint16()
		field, fok := class.FieldByID(fieldId)
		if !fok {
			s.log.Error().Uint16("field_id", fieldId).Msg("Database returned unknown field")
			return
		}
		value, err := field.ReadValue(dgi)
		if err != nil {
			s.log.Error().Str("field", field.Name()).Err(err).Msg("Malformed database value")
			return
		}
		stored[fieldId] = value
	}

	resp := util.NewServerDatagram([]uint64{pq.sender}, uint64(pq.doId),
		core.StateServerObjectGetAllResp)
	resp.AddUint32(pq.ctx)
	resp.AddUint32(pq.doId)
	// Inactive objects have no location.
	resp.AddLocation(core.InvalidDoid, 0)
	resp.AddUint16(class.ID())

	other := make([]fieldValue, 0, len(stored))
	for _, field := range class.Fields() {
		if field.Molecular() {
			continue
		}
		if field.Is(dc.Required) {
			if v, ok := stored[field.ID()]; ok {
				resp.AddData(v)
			} else {
				resp.AddData(field.DefaultValue())
			}
		} else if field.Is(dc.Ram) {
			if v, ok := stored[field.ID()]; ok {
				other = append(other, fieldValue{id: field.ID(), value: v})
			} else if field.HasDefault() {
				other = append(other, fieldValue{id: field.ID(), value: field.DefaultValue()})
			}
		}
	}
	resp.AddUint16(uint16(len(other)))
	for _, fv := range other {
		resp.AddUint16(fv.id)
		resp.AddData(fv.value)
	}
	s.publish(resp)
}

func (s *DatabaseStateServer) handleGetFieldsResp(dgi *util.DatagramIterator, dbRespType uint16) {
	localCtx := dgi.ReadUint32()
	success := dgi.ReadBool()
	if dgi.Err() != nil {
		return
	}
	pq, ok := s.takeContext(localCtx)
	if !ok {
		return
	}

	if dbRespType == core.DBServerObjectGetFieldResp {
		resp := util.NewServerDatagram([]uint64{pq.sender}, uint64(pq.doId),
			core.StateServerObjectGetFieldResp)
		resp.AddUint32(pq.ctx)
		resp.AddBool(success)
		if success {
			resp.AddData(dgi.ReadRemainder())
		}
		s.publish(resp)
		return
	}

	resp := util.NewServerDatagram([]uint64{pq.sender}, uint64(pq.doId),
		core.StateServerObjectGetFieldsResp)
	resp.AddUint32(pq.ctx)
	if !success {
		resp.AddBool(false)
		s.publish(resp)
		return
	}
	count := dgi.ReadUint16()
	stored := dgi.ReadRemainder()
	if dgi.Err() != nil {
		return
	}
	resp.AddBool(true)
	resp.AddUint16(count + uint16(len(pq.defaults)))
	resp.AddData(stored)
	for _, fv := range pq.defaults {
		resp.AddUint16(fv.id)
		resp.AddData(fv.value)
	}
	s.publish(resp)
}

func (s *DatabaseStateServer) handleDeleteAIObjects(dgi *util.DatagramIterator, sender uint64) {
	ai := dgi.ReadUint64()
	if dgi.Err() != nil {
		return
	}
	s.mu.Lock()
	targets := make([]core.Doid, 0)
	for doId, dob := range s.objects {
		if dob.AIExplicitlySet() && dob.AIChannel() == ai {
			targets = append(targets, doId)
		}
	}
	s.mu.Unlock()

	for _, doId := range targets {
		dg := util.NewServerDatagram([]uint64{uint64(doId)}, sender, core.StateServerObjectDeleteRam)
		dg.AddUint32(doId)
		s.publish(dg)
	}
}
