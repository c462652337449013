// Package stateserver hosts live distributed objects: required/ram field
// state, the parent/zone hierarchy, and ai/owner assignment. Each object is
// its own bus participant; the state server itself only handles creation
// and fleet-wide deletes.
package stateserver

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ksmit799/Ardos-sub000/internal/core"
	"github.com/ksmit799/Ardos-sub000/internal/dc"
	"github.com/ksmit799/Ardos-sub000/internal/messagedirector"
	"github.com/ksmit799/Ardos-sub000/internal/metrics"
	"github.com/ksmit799/Ardos-sub000/internal/util"
)

// ObjectHost is the capability a DistributedObject needs from whoever hosts
// it. A state server forgets objects on removal; a database state server
// additionally persists db-flagged writes.
type ObjectHost interface {
	RemoveObject(doId core.Doid)
	PersistFields(doId core.Doid, class *dc.Class, fields map[uint16][]byte)
}

// Config carries the state server's section of the cluster configuration.
type Config struct {
	Channel uint64
}

// StateServer owns the objects created on it and dispatches the control
// channel traffic.
type StateServer struct {
	mu       sync.Mutex
	bus      *messagedirector.MessageDirector
	log      zerolog.Logger
	registry *dc.Registry
	metrics  *metrics.Registry
	control  uint64
	objects  map[core.Doid]*DistributedObject
}

// New creates a state server subscribed to its control channel and the
// state server broadcast channel.
func New(bus *messagedirector.MessageDirector, registry *dc.Registry, cfg Config, m *metrics.Registry, log zerolog.Logger) *StateServer {
	s := &StateServer{
		bus:      bus,
		log:      log.With().Str("component", "state-server").Logger(),
		registry: registry,
		metrics:  m,
		control:  cfg.Channel,
		objects:  make(map[core.Doid]*DistributedObject),
	}
	bus.Subscribe(s, core.BChanStateServers)
	bus.Subscribe(s, cfg.Channel)
	s.log.Info().Uint64("channel", cfg.Channel).Msg("State server started")
	return s
}

// RemoveObject implements ObjectHost.
func (s *StateServer) RemoveObject(doId core.Doid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[doId]; ok {
		delete(s.objects, doId)
		if s.metrics != nil {
			s.metrics.Objects.Dec()
		}
	}
}

// PersistFields implements ObjectHost. State server objects have no backing
// store.
func (s *StateServer) PersistFields(core.Doid, *dc.Class, map[uint16][]byte) {}

// Object returns the hosted object with the given doid, if live.
func (s *StateServer) Object(doId core.Doid) (*DistributedObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dob, ok := s.objects[doId]
	return dob, ok
}

func (s *StateServer) HandleDatagram(dg *util.Datagram) {
	dgi := util.NewIterator(dg)
	dgi.SkipRecipients()
	sender := dgi.ReadUint64()
	msgType := dgi.ReadUint16()
	if dgi.Err() != nil {
		s.log.Error().Msg("Received truncated datagram")
		return
	}

	switch msgType {
	case core.StateServerCreateObjectWithRequired:
		s.handleCreate(dgi, false)
	case core.StateServerCreateObjectWithRequiredOther:
		s.handleCreate(dgi, true)
	case core.StateServerDeleteAIObjects:
		s.handleDeleteAIObjects(dgi, sender)
	default:
		s.log.Warn().Uint16("msg_type", msgType).Uint64("sender", sender).
			Msg("Unhandled message on control channel")
	}
}

func (s *StateServer) handleCreate(dgi *util.DatagramIterator, other bool) {
	doId := dgi.ReadUint32()
	parent := dgi.ReadUint32()
	zone := dgi.ReadUint32()
	dcId := dgi.ReadUint16()
	if dgi.Err() != nil {
		s.log.Error().Msg("Truncated object create")
		return
	}

	class, ok := s.registry.Class(dcId)
	if !ok {
		s.log.Error().Uint16("dclass", dcId).Uint32("do_id", doId).Msg("Create for unknown dclass")
		return
	}

	required := make(map[uint16][]byte)
	for _, field := range class.Fields() {
		if field.Molecular() || !field.Is(dc.Required) {
			continue
		}
		value, err := field.ReadValue(dgi)
		if err != nil {
			s.log.Error().Uint32("do_id", doId).Str("field", field.Name()).Err(err).
				Msg("Truncated required fields in create")
			return
		}
		required[field.ID()] = value
	}

	ram := make(map[uint16][]byte)
	if other {
		count := dgi.ReadUint16()
		for i := uint16(0); i < count; i++ {
			fieldId := dgi.ReadUint16()
			field, ok := class.FieldByID(fieldId)
			if !ok {
				s.log.Error().Uint32("do_id", doId).Uint16("field_id", fieldId).
					Msg("Unknown field in create; dropping object")
				return
			}
			value, err := field.ReadValue(dgi)
			if err != nil {
				s.log.Error().Uint32("do_id", doId).Str("field", field.Name()).Err(err).
					Msg("Truncated other fields in create")
				return
			}
			if !field.Is(dc.Ram) {
				s.log.Warn().Uint32("do_id", doId).Str("field", field.Name()).
					Msg("Non-ram field in create ignored")
				continue
			}
			ram[fieldId] = value
		}
	}

	s.mu.Lock()
	if _, dup := s.objects[doId]; dup {
		s.mu.Unlock()
		s.log.Warn().Uint32("do_id", doId).Msg("Duplicate object generate dropped")
		return
	}
	dob := NewDistributedObject(s, s.bus, s.log, doId, parent, zone, class, required, ram, 0, false)
	s.objects[doId] = dob
	if s.metrics != nil {
		s.metrics.Objects.Inc()
	}
	s.mu.Unlock()

	dob.Announce()
}

func (s *StateServer) handleDeleteAIObjects(dgi *util.DatagramIterator, sender uint64) {
	ai := dgi.ReadUint64()
	if dgi.Err() != nil {
		s.log.Error().Msg("Truncated delete-ai-objects")
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

	s.log.Info().Uint64("ai", ai).Int("objects", len(targets)).Msg("Deleting objects of departed AI")
	for _, doId := range targets {
		dg := util.NewServerDatagram([]uint64{uint64(doId)}, sender, core.StateServerObjectDeleteRam)
		dg.AddUint32(doId)
		if err := s.bus.PublishDatagram(dg); err != nil {
			s.log.Error().Err(err).Uint32("do_id", doId).Msg("Failed to publish delete")
		}
	}
}
