package database

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ksmit799/Ardos-sub000/internal/core"
	"github.com/ksmit799/Ardos-sub000/internal/dc"
	"github.com/ksmit799/Ardos-sub000/internal/messagedirector"
	"github.com/ksmit799/Ardos-sub000/internal/metrics"
	"github.com/ksmit799/Ardos-sub000/internal/util"
)

const queryTimeout = 5 * time.Second

// ServerConfig carries the database server's section of the cluster
// configuration.
type ServerConfig struct {
	Channel uint64
}

// DatabaseServer fronts the backing store on the bus: object creation with
// doid allocation, field reads and writes, compare-and-set, and deletion.
// Requests are handled in arrival order, so a SET followed by a GET from the
// same sender always observes the write.
type DatabaseServer struct {
	bus      *messagedirector.MessageDirector
	log      zerolog.Logger
	registry *dc.Registry
	metrics  *metrics.Registry
	backend  Backend
	control  uint64
}

// NewServer creates a database server subscribed to its control channel and
// the database broadcast channel.
func NewServer(bus *messagedirector.MessageDirector, registry *dc.Registry, backend Backend, cfg ServerConfig, m *metrics.Registry, log zerolog.Logger) *DatabaseServer {
	s := &DatabaseServer{
		bus:      bus,
		log:      log.With().Str("component", "database-server").Logger(),
		registry: registry,
		metrics:  m,
		backend:  backend,
		control:  cfg.Channel,
	}
	bus.Subscribe(s, core.BChanDBServers)
	bus.Subscribe(s, cfg.Channel)
	s.log.Info().Uint64("channel", cfg.Channel).Msg("Database server started")
	return s
}

func (s *DatabaseServer) publish(dg *util.Datagram) {
	if err := s.bus.PublishDatagram(dg); err != nil {
		s.log.Error().Err(err).Msg("Publish failed")
	}
}

func (s *DatabaseServer) countQuery(err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.DatabaseQueries.Inc()
	if err != nil {
		s.metrics.DatabaseQueryFails.Inc()
	}
}

func (s *DatabaseServer) HandleDatagram(dg *util.Datagram) {
	dgi := util.NewIterator(dg)
	dgi.SkipRecipients()
	sender := dgi.ReadUint64()
	msgType := dgi.ReadUint16()
	if dgi.Err() != nil {
		s.log.Error().Msg("Received truncated datagram")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	switch msgType {
	case core.DBServerCreateObject:
		s.handleCreate(ctx, dgi, sender)
	case core.DBServerObjectGetAll:
		s.handleGetAll(ctx, dgi, sender)
	case core.DBServerObjectGetField:
		s.handleGetFields(ctx, dgi, sender, true)
	case core.DBServerObjectGetFields:
		s.handleGetFields(ctx, dgi, sender, false)
	case core.DBServerObjectSetField:
		s.handleSetFields(ctx, dgi, true)
	case core.DBServerObjectSetFields:
		s.handleSetFields(ctx, dgi, false)
	case core.DBServerObjectSetFieldIfEquals:
		s.handleSetFieldsIfEquals(ctx, dgi, sender, true)
	case core.DBServerObjectSetFieldsIfEquals:
		s.handleSetFieldsIfEquals(ctx, dgi, sender, false)
	case core.DBServerObjectDelete:
		s.handleDelete(ctx, dgi)
	default:
		s.log.Warn().Uint16("msg_type", msgType).Uint64("sender", sender).Msg("Unhandled message")
	}
}

func (s *DatabaseServer) handleCreate(ctx context.Context, dgi *util.DatagramIterator, sender uint64) {
	reqCtx := dgi.ReadUint32()
	dcId := dgi.ReadUint16()
	count := dgi.ReadUint16()
	if dgi.Err() != nil {
		s.log.Error().Msg("Truncated create request")
		return
	}

	fail := func() {
		resp := util.NewServerDatagram([]uint64{sender}, s.control, core.DBServerCreateObjectResp)
		resp.AddUint32(reqCtx)
		resp.AddUint32(core.InvalidDoid)
		s.publish(resp)
	}

	class, ok := s.registry.Class(dcId)
	if !ok {
		s.log.Error().Uint16("dclass", dcId).Msg("Create for unknown dclass")
		fail()
		return
	}

	fields := make(map[uint16][]byte, count)
	for i := uint16(0); i < count; i++ {
		fieldId := dgi.ReadUint16()
		field, ok := class.FieldByID(fieldId)
		if !ok {
			s.log.Error().Uint16("field_id", fieldId).Str("dclass", class.Name()).
				Msg("Create names unknown field")
			fail()
			return
		}
		value, err := field.ReadValue(dgi)
		if err != nil {
			s.log.Error().Str("field", field.Name()).Err(err).Msg("Truncated create value")
			fail()
			return
		}
		if !field.Is(dc.Db) {
			s.log.Warn().Str("field", field.Name()).Msg("Non-db field in create ignored")
			continue
		}
		fields[fieldId] = value
	}
	for _, field := range class.Fields() {
		if field.Molecular() || !field.Is(dc.Db) || !field.Is(dc.Required) {
			continue
		}
		if _, ok := fields[field.ID()]; !ok {
			fields[field.ID()] = field.DefaultValue()
		}
	}

	doId, err := s.backend.AllocateDoid(ctx)
	s.countQuery(err)
	if err != nil {
		s.log.Error().Err(err).Msg("Doid allocation failed")
		fail()
		return
	}
	if err := s.backend.CreateObject(ctx, doId, class.Name(), fields); err != nil {
		s.countQuery(err)
		s.log.Error().Err(err).Uint32("do_id", doId).Msg("Create failed; recycling doid")
		if ferr := s.backend.FreeDoid(ctx, doId); ferr != nil {
			s.log.Error().Err(ferr).Uint32("do_id", doId).Msg("Doid recycle failed")
		}
		fail()
		return
	}

	resp := util.NewServerDatagram([]uint64{sender}, s.control, core.DBServerCreateObjectResp)
	resp.AddUint32(reqCtx)
	resp.AddUint32(doId)
	s.publish(resp)
}

func (s *DatabaseServer) handleGetAll(ctx context.Context, dgi *util.DatagramIterator, sender uint64) {
	reqCtx := dgi.ReadUint32()
	doId := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}

	resp := util.NewServerDatagram([]uint64{sender}, s.control, core.DBServerObjectGetAllResp)
	resp.AddUint32(reqCtx)

	rec, err := s.backend.GetObject(ctx, doId)
	s.countQuery(err)
	if err != nil {
		if !errors.Is(err, ErrObjectNotFound) {
			s.log.Error().Err(err).Uint32("do_id", doId).Msg("Get failed")
		}
		resp.AddBool(false)
		s.publish(resp)
		return
	}
	class, ok := s.registry.ClassByName(rec.Class)
	if !ok {
		s.log.Error().Str("dclass", rec.Class).Uint32("do_id", doId).
			Msg("Stored object has unknown dclass")
		resp.AddBool(false)
		s.publish(resp)
		return
	}

	resp.AddBool(true)
	resp.AddUint16(class.ID())
	resp.AddUint16(uint16(len(rec.Fields)))
	for _, field := range class.Fields() {
		if value, ok := rec.Fields[field.ID()]; ok {
			resp.AddUint16(field.ID())
			resp.AddData(value)
		}
	}
	s.publish(resp)
}

func (s *DatabaseServer) handleGetFields(ctx context.Context, dgi *util.DatagramIterator, sender uint64, single bool) {
	reqCtx := dgi.ReadUint32()
	doId := dgi.ReadUint32()

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

	respType := core.DBServerObjectGetFieldsResp
	if single {
		respType = core.DBServerObjectGetFieldResp
	}
	resp := util.NewServerDatagram([]uint64{sender}, s.control, respType)
	resp.AddUint32(reqCtx)

	rec, err := s.backend.GetObject(ctx, doId)
	s.countQuery(err)
	if err != nil {
		resp.AddBool(false)
		s.publish(resp)
		return
	}

	if single {
		value, ok := rec.Fields[ids[0]]
		if !ok {
			resp.AddBool(false)
			s.publish(resp)
			return
		}
		resp.AddBool(true)
		resp.AddUint16(ids[0])
		resp.AddData(value)
		s.publish(resp)
		return
	}

	found := make([]uint16, 0, len(ids))
	for _, id := range ids {
		if _, ok := rec.Fields[id]; ok {
			found = append(found, id)
		}
	}
	resp.AddBool(true)
	resp.AddUint16(uint16(len(found)))
	for _, id := range found {
		resp.AddUint16(id)
		resp.AddData(rec.Fields[id])
	}
	s.publish(resp)
}

// readFieldValues parses (fieldId, value) pairs, keeping only db-flagged
// fields of the stored class.
func (s *DatabaseServer) readFieldValues(dgi *util.DatagramIterator, class *dc.Class, count uint16) (map[uint16][]byte, bool) {
	fields := make(map[uint16][]byte, count)
	for i := uint16(0); i < count; i++ {
		fieldId := dgi.ReadUint16()
		field, ok := class.FieldByID(fieldId)
		if !ok {
			s.log.Error().Uint16("field_id", fieldId).Str("dclass", class.Name()).
				Msg("Write names unknown field")
			return nil, false
		}
		value, err := field.ReadValue(dgi)
		if err != nil {
			s.log.Error().Str("field", field.Name()).Err(err).Msg("Truncated write value")
			return nil, false
		}
		if !field.Is(dc.Db) {
			s.log.Warn().Str("field", field.Name()).Msg("Non-db field write ignored")
			continue
		}
		fields[fieldId] = value
	}
	return fields, true
}

func (s *DatabaseServer) classOf(ctx context.Context, doId core.Doid) (*dc.Class, error) {
	rec, err := s.backend.GetObject(ctx, doId)
	if err != nil {
		return nil, err
	}
	class, ok := s.registry.ClassByName(rec.Class)
	if !ok {
		return nil, errors.New("stored object has unknown dclass")
	}
	return class, nil
}

func (s *DatabaseServer) handleSetFields(ctx context.Context, dgi *util.DatagramIterator, single bool) {
	doId := dgi.ReadUint32()
	count := uint16(1)
	if !single {
		count = dgi.ReadUint16()
	}
	if dgi.Err() != nil {
		return
	}

	class, err := s.classOf(ctx, doId)
	if err != nil {
		s.countQuery(err)
		s.log.Warn().Err(err).Uint32("do_id", doId).Msg("Write to unknown object dropped")
		return
	}
	fields, ok := s.readFieldValues(dgi, class, count)
	if !ok || len(fields) == 0 {
		return
	}
	err = s.backend.SetFields(ctx, doId, fields)
	s.countQuery(err)
	if err != nil {
		s.log.Error().Err(err).Uint32("do_id", doId).Msg("Write failed")
	}
}

func (s *DatabaseServer) handleSetFieldsIfEquals(ctx context.Context, dgi *util.DatagramIterator, sender uint64, single bool) {
	reqCtx := dgi.ReadUint32()
	doId := dgi.ReadUint32()
	count := uint16(1)
	if !single {
		count = dgi.ReadUint16()
	}

	respType := core.DBServerObjectSetFieldsIfEqualsResp
	if single {
		respType = core.DBServerObjectSetFieldIfEqualsResp
	}
	resp := util.NewServerDatagram([]uint64{sender}, s.control, respType)
	resp.AddUint32(reqCtx)

	fail := func() {
		resp.AddBool(false)
		s.publish(resp)
	}

	if dgi.Err() != nil {
		return
	}
	class, err := s.classOf(ctx, doId)
	if err != nil {
		s.countQuery(err)
		fail()
		return
	}

	expected := make(map[uint16][]byte, count)
	updates := make(map[uint16][]byte, count)
	order := make([]uint16, 0, count)
	for i := uint16(0); i < count; i++ {
		fieldId := dgi.ReadUint16()
		field, ok := class.FieldByID(fieldId)
		if !ok {
			fail()
			return
		}
		oldValue, err := field.ReadValue(dgi)
		if err != nil {
			fail()
			return
		}
		newValue, err := field.ReadValue(dgi)
		if err != nil {
			fail()
			return
		}
		if !field.Is(dc.Db) {
			fail()
			return
		}
		expected[fieldId] = oldValue
		updates[fieldId] = newValue
		order = append(order, fieldId)
	}

	ok, current, err := s.backend.SetFieldsIfEquals(ctx, doId, expected, updates)
	s.countQuery(err)
	if err != nil {
		if !errors.Is(err, ErrObjectNotFound) {
			s.log.Error().Err(err).Uint32("do_id", doId).Msg("Compare-and-set failed")
		}
		fail()
		return
	}
	if ok {
		resp.AddBool(true)
		s.publish(resp)
		return
	}

	// Mismatch: report the stored values so the caller can retry.
	resp.AddBool(false)
	if single {
		if value, ok := current[order[0]]; ok {
			resp.AddBool(true)
			resp.AddData(value)
		} else {
			resp.AddBool(false)
		}
		s.publish(resp)
		return
	}
	present := make([]uint16, 0, len(order))
	for _, id := range order {
		if _, ok := current[id]; ok {
			present = append(present, id)
		}
	}
	resp.AddUint16(uint16(len(present)))
	for _, id := range present {
		resp.AddUint16(id)
		resp.AddData(current[id])
	}
	s.publish(resp)
}

func (s *DatabaseServer) handleDelete(ctx context.Context, dgi *util.DatagramIterator) {
	doId := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}
	err := s.backend.DeleteObject(ctx, doId)
	s.countQuery(err)
	if err != nil {
		if !errors.Is(err, ErrObjectNotFound) {
			s.log.Error().Err(err).Uint32("do_id", doId).Msg("Delete failed")
		}
		return
	}
	if err := s.backend.FreeDoid(ctx, doId); err != nil {
		s.log.Error().Err(err).Uint32("do_id", doId).Msg("Doid recycle failed")
	}
	s.log.Debug().Uint32("do_id", doId).Msg("Object deleted from disk")
}
