// Package messagedirector implements the channel bus: a process-wide
// subscription table with broker-backed fan-out. Every service in the
// process subscribes channels and publishes datagrams through one
// MessageDirector; the broker carries traffic between processes.
package messagedirector

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ksmit799/Ardos-sub000/internal/metrics"
	"github.com/ksmit799/Ardos-sub000/internal/util"
)

// Participant receives datagrams routed to channels it subscribed.
// HandleDatagram is always invoked from the director's routing goroutine,
// one datagram at a time.
type Participant interface {
	HandleDatagram(dg *util.Datagram)
}

// Backend is the broker side of the director. Bind and Unbind follow the
// process-wide refcount: the director calls Bind exactly when the first
// local subscriber appears and Unbind when the last one leaves.
type Backend interface {
	Start(sink func(channel uint64, data []byte)) error
	Bind(channel uint64) error
	Unbind(channel uint64) error
	BindRange(lo, hi uint64) error
	UnbindRange(lo, hi uint64) error
	Publish(channel uint64, data []byte) error
	Close() error
}

type chanRange struct{ lo, hi uint64 }

type queuedDatagram struct {
	channel uint64
	data    []byte
}

// MessageDirector routes datagrams between local participants and the
// broker. A nil backend gives a process-local bus: publishes loop straight
// back into the routing queue, which is all a single-process cluster needs.
type MessageDirector struct {
	log     zerolog.Logger
	backend Backend
	metrics *metrics.Registry

	mu          sync.Mutex
	subscribers map[uint64]map[Participant]struct{}
	ranges      map[Participant]map[chanRange]struct{}
	rangeRefs   map[chanRange]int

	qmu    sync.Mutex
	qcond  *sync.Cond
	queue  []queuedDatagram
	busy   bool
	closed bool
}

// New creates a director and starts its routing goroutine. The metrics
// registry may be nil.
func New(backend Backend, m *metrics.Registry, log zerolog.Logger) *MessageDirector {
	md := &MessageDirector{
		log:         log.With().Str("component", "message-director").Logger(),
		backend:     backend,
		metrics:     m,
		subscribers: make(map[uint64]map[Participant]struct{}),
		ranges:      make(map[Participant]map[chanRange]struct{}),
		rangeRefs:   make(map[chanRange]int),
	}
	md.qcond = sync.NewCond(&md.qmu)
	go md.pump()
	return md
}

// Subscribe adds p to channel. Idempotent per participant.
func (md *MessageDirector) Subscribe(p Participant, channel uint64) {
	md.mu.Lock()
	defer md.mu.Unlock()

	subs := md.subscribers[channel]
	if subs == nil {
		subs = make(map[Participant]struct{})
		md.subscribers[channel] = subs
	}
	if _, ok := subs[p]; ok {
		return
	}
	subs[p] = struct{}{}
	if md.metrics != nil {
		md.metrics.Subscriptions.Inc()
	}
	if len(subs) == 1 && md.backend != nil {
		if err := md.backend.Bind(channel); err != nil {
			md.log.Error().Err(err).Uint64("channel", channel).Msg("Broker bind failed")
		}
	}
}

// Unsubscribe removes p from channel. Idempotent per participant.
func (md *MessageDirector) Unsubscribe(p Participant, channel uint64) {
	md.mu.Lock()
	defer md.mu.Unlock()
	md.unsubscribeLocked(p, channel)
}

func (md *MessageDirector) unsubscribeLocked(p Participant, channel uint64) {
	subs := md.subscribers[channel]
	if subs == nil {
		return
	}
	if _, ok := subs[p]; !ok {
		return
	}
	delete(subs, p)
	if md.metrics != nil {
		md.metrics.Subscriptions.Dec()
	}
	if len(subs) == 0 {
		delete(md.subscribers, channel)
		if md.backend != nil {
			if err := md.backend.Unbind(channel); err != nil {
				md.log.Error().Err(err).Uint64("channel", channel).Msg("Broker unbind failed")
			}
		}
	}
}

// SubscribeRange adds p to every channel in [lo, hi].
func (md *MessageDirector) SubscribeRange(p Participant, lo, hi uint64) {
	md.mu.Lock()
	defer md.mu.Unlock()

	r := chanRange{lo, hi}
	rs := md.ranges[p]
	if rs == nil {
		rs = make(map[chanRange]struct{})
		md.ranges[p] = rs
	}
	if _, ok := rs[r]; ok {
		return
	}
	rs[r] = struct{}{}
	md.rangeRefs[r]++
	if md.rangeRefs[r] == 1 && md.backend != nil {
		if err := md.backend.BindRange(lo, hi); err != nil {
			md.log.Error().Err(err).Uint64("lo", lo).Uint64("hi", hi).Msg("Broker range bind failed")
		}
	}
}

// UnsubscribeRange removes a previously subscribed range.
func (md *MessageDirector) UnsubscribeRange(p Participant, lo, hi uint64) {
	md.mu.Lock()
	defer md.mu.Unlock()
	md.unsubscribeRangeLocked(p, chanRange{lo, hi})
}

func (md *MessageDirector) unsubscribeRangeLocked(p Participant, r chanRange) {
	rs := md.ranges[p]
	if rs == nil {
		return
	}
	if _, ok := rs[r]; !ok {
		return
	}
	delete(rs, r)
	if len(rs) == 0 {
		delete(md.ranges, p)
	}
	md.rangeRefs[r]--
	if md.rangeRefs[r] <= 0 {
		delete(md.rangeRefs, r)
		if md.backend != nil {
			if err := md.backend.UnbindRange(r.lo, r.hi); err != nil {
				md.log.Error().Err(err).Uint64("lo", r.lo).Uint64("hi", r.hi).Msg("Broker range unbind failed")
			}
		}
	}
}

// UnsubscribeAll drops every subscription p holds.
func (md *MessageDirector) UnsubscribeAll(p Participant) {
	md.mu.Lock()
	defer md.mu.Unlock()

	for channel, subs := range md.subscribers {
		if _, ok := subs[p]; ok {
			md.unsubscribeLocked(p, channel)
		}
	}
	for r := range md.ranges[p] {
		md.unsubscribeRangeLocked(p, r)
	}
}

// PublishDatagram sends dg once per distinct recipient channel in its
// envelope.
func (md *MessageDirector) PublishDatagram(dg *util.Datagram) error {
	if err := dg.Err(); err != nil {
		return err
	}
	dgi := util.NewIterator(dg)
	recipients := dgi.ReadRecipients()
	if err := dgi.Err(); err != nil {
		return err
	}

	seen := make(map[uint64]struct{}, len(recipients))
	for _, channel := range recipients {
		if _, dup := seen[channel]; dup {
			continue
		}
		seen[channel] = struct{}{}
		if md.backend != nil {
			if err := md.backend.Publish(channel, dg.Bytes()); err != nil {
				return err
			}
		} else {
			md.Deliver(channel, dg.Bytes())
		}
	}
	return nil
}

// Deliver hands a broker delivery to the routing queue. The channel is the
// routing key the broker matched, which is the only recipient this copy is
// for.
func (md *MessageDirector) Deliver(channel uint64, data []byte) {
	md.qmu.Lock()
	if !md.closed {
		md.queue = append(md.queue, queuedDatagram{channel, data})
		md.qcond.Broadcast()
	}
	md.qmu.Unlock()
}

// Sync blocks until the routing queue is drained and the router is idle.
// Only meaningful on a local (nil-backend) director; used by tests and
// shutdown.
func (md *MessageDirector) Sync() {
	md.qmu.Lock()
	for (len(md.queue) > 0 || md.busy) && !md.closed {
		md.qcond.Wait()
	}
	md.qmu.Unlock()
}

// Close stops the router and closes the backend.
func (md *MessageDirector) Close() error {
	md.qmu.Lock()
	md.closed = true
	md.qcond.Broadcast()
	md.qmu.Unlock()
	if md.backend != nil {
		return md.backend.Close()
	}
	return nil
}

func (md *MessageDirector) pump() {
	for {
		md.qmu.Lock()
		for len(md.queue) == 0 && !md.closed {
			md.busy = false
			md.qcond.Broadcast()
			md.qcond.Wait()
		}
		if md.closed {
			md.qmu.Unlock()
			return
		}
		item := md.queue[0]
		md.queue = md.queue[1:]
		md.busy = true
		md.qmu.Unlock()

		md.route(item.channel, item.data)
	}
}

func (md *MessageDirector) route(channel uint64, data []byte) {
	md.mu.Lock()
	targets := make([]Participant, 0, 4)
	for p := range md.subscribers[channel] {
		targets = append(targets, p)
	}
	for p, rs := range md.ranges {
		if _, direct := md.subscribers[channel][p]; direct {
			continue
		}
		for r := range rs {
			if channel >= r.lo && channel <= r.hi {
				targets = append(targets, p)
				break
			}
		}
	}
	md.mu.Unlock()

	if md.metrics != nil {
		md.metrics.DatagramsRouted.Inc()
		if len(targets) == 0 {
			md.metrics.DatagramsDropped.Inc()
		}
	}
	for _, p := range targets {
		p.HandleDatagram(util.NewDatagramFromBytes(data))
	}
}
