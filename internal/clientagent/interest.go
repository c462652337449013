package clientagent

import (
	"time"

	"github.com/ksmit799/Ardos-sub000/internal/core"
	"github.com/ksmit799/Ardos-sub000/internal/dc"
	"github.com/ksmit799/Ardos-sub000/internal/util"
)

// Interest is one (parent, zone-set) visibility subscription held by a
// client. Interests may overlap; zone channel subscriptions are shared.
type Interest struct {
	id     uint16
	parent core.Doid
	zones  map[core.Zone]struct{}
}

// lookupInterests returns every interest covering (parent, zone).
func (c *Client) lookupInterests(parent core.Doid, zone core.Zone) []*Interest {
	var out []*Interest
	for _, i := range c.interests {
		if i.parent != parent {
			continue
		}
		if _, ok := i.zones[zone]; ok {
			out = append(out, i)
		}
	}
	return out
}

func (c *Client) coveredElsewhere(parent core.Doid, zone core.Zone, excludeId uint16) bool {
	for _, i := range c.lookupInterests(parent, zone) {
		if i.id != excludeId {
			return true
		}
	}
	return false
}

// addInterestLocked opens or replaces an interest. New zones are enumerated
// through the state server via an InterestOperation; zones already covered
// by another interest complete immediately.
func (c *Client) addInterestLocked(id uint16, parent core.Doid, zones []core.Zone, clientCtx uint32, caller uint64) {
	zoneSet := make(map[core.Zone]struct{}, len(zones))
	for _, z := range zones {
		zoneSet[z] = struct{}{}
	}

	newZones := make([]core.Zone, 0, len(zones))
	for z := range zoneSet {
		if !c.coveredElsewhere(parent, z, id) {
			newZones = append(newZones, z)
		}
	}

	if old, exists := c.interests[id]; exists {
		killed := make(map[core.Zone]struct{})
		for z := range old.zones {
			if c.coveredElsewhere(old.parent, z, id) {
				continue
			}
			if _, kept := zoneSet[z]; kept && old.parent == parent {
				continue
			}
			killed[z] = struct{}{}
		}
		c.closeZonesLocked(old.parent, killed)
		if c.closed {
			return
		}
	}

	c.interests[id] = &Interest{id: id, parent: parent, zones: zoneSet}

	if len(newZones) == 0 {
		c.sendInterestDone(clientCtx, id, caller)
		return
	}

	for _, z := range newZones {
		c.agent.bus.Subscribe(c, core.LocationAsChannel(parent, z))
	}

	c.nextCtx++
	iop := &InterestOperation{
		client:     c,
		interestId: id,
		clientCtx:  clientCtx,
		requestCtx: c.nextCtx,
		parent:     parent,
		zones:      make(map[core.Zone]struct{}, len(newZones)),
		callers:    make(map[uint64]struct{}),
		doids:      make(map[core.Doid]struct{}),
	}
	for _, z := range newZones {
		iop.zones[z] = struct{}{}
	}
	if caller != 0 {
		iop.callers[caller] = struct{}{}
	}
	if timeout := c.agent.cfg.InterestTimeout; timeout > 0 {
		iop.timer = time.AfterFunc(timeout, iop.onTimeout)
	}
	c.pending[iop.requestCtx] = iop

	query := util.NewServerDatagram([]uint64{uint64(parent)}, c.channel,
		core.StateServerObjectGetZonesObjects)
	query.AddUint32(iop.requestCtx)
	query.AddUint32(parent)
	query.AddUint16(uint16(len(newZones)))
	for _, z := range newZones {
		query.AddUint32(z)
	}
	c.publish(query)
}

// removeInterestLocked closes an interest, dropping the zones only it saw.
func (c *Client) removeInterestLocked(id uint16, clientCtx uint32, caller uint64) bool {
	i, ok := c.interests[id]
	if !ok {
		return false
	}

	for ctx, iop := range c.pending {
		if iop.interestId == id {
			iop.cancel()
			delete(c.pending, ctx)
		}
	}

	killed := make(map[core.Zone]struct{})
	for z := range i.zones {
		if !c.coveredElsewhere(i.parent, z, id) {
			killed[z] = struct{}{}
		}
	}
	delete(c.interests, id)
	c.closeZonesLocked(i.parent, killed)
	if c.closed {
		return true
	}

	c.sendInterestDone(clientCtx, id, caller)
	return true
}

func (c *Client) sendInterestDone(clientCtx uint32, id uint16, caller uint64) {
	done := util.NewClientDatagram(core.ClientDoneInterestResp)
	done.AddUint32(clientCtx)
	done.AddUint16(id)
	c.sendToClient(done)

	if caller != 0 {
		resp := util.NewServerDatagram([]uint64{caller}, c.channel, core.ClientAgentDoneInterestResp)
		resp.AddUint32(clientCtx)
		resp.AddUint16(id)
		c.publish(resp)
	}
}

// closeZonesLocked retires visibility for zones no interest covers anymore.
func (c *Client) closeZonesLocked(parent core.Doid, zones map[core.Zone]struct{}) {
	if len(zones) == 0 {
		return
	}

	for doId, obj := range c.visible {
		if obj.parent != parent {
			continue
		}
		if _, gone := zones[obj.zone]; !gone {
			continue
		}
		if _, session := c.sessionObjects[doId]; session {
			c.ejectLocked(core.EjectSessionObjectDeleted, "session object left interest")
			return
		}
		leaving := util.NewClientDatagram(core.ClientObjectLeaving)
		leaving.AddUint32(doId)
		c.sendToClient(leaving)
		delete(c.seen, doId)
		delete(c.visible, doId)
		c.historical[doId] = struct{}{}
	}

	for z := range zones {
		c.agent.bus.Unsubscribe(c, core.LocationAsChannel(parent, z))
	}
}

// interestEntry is one object a pending operation will reveal on
// completion.
type interestEntry struct {
	doId   core.Doid
	parent core.Doid
	zone   core.Zone
	class  *dc.Class
	other  bool
	values []byte
}

// InterestOperation coordinates one zone enumeration against the state
// servers. It is Ready when the parent's count has arrived and as many
// interest entries have been collected; it also completes on timeout with
// whatever it holds. Completion happens exactly once.
type InterestOperation struct {
	client     *Client
	interestId uint16
	clientCtx  uint32
	requestCtx uint32
	parent     core.Doid
	zones      map[core.Zone]struct{}
	callers    map[uint64]struct{}

	hasExpected bool
	expected    int

	entries   []interestEntry
	doids     map[core.Doid]struct{}
	locations []*util.Datagram
	queued    []*util.Datagram

	timer    *time.Timer
	finished bool
}

func (iop *InterestOperation) hasDoid(doId core.Doid) bool {
	_, ok := iop.doids[doId]
	return ok
}

func (iop *InterestOperation) coversLocation(parent core.Doid, zone core.Zone) bool {
	if parent != iop.parent {
		return false
	}
	_, ok := iop.zones[zone]
	return ok
}

// queue holds a server-side message for one of the operation's objects until
// the interest completes, so the client sees enter-then-mutate ordering.
func (iop *InterestOperation) queue(dg *util.Datagram) {
	iop.queued = append(iop.queued, dg)
}

// queueLocationEntry holds an uncounted location entry for the zones being
// opened.
func (iop *InterestOperation) queueLocationEntry(dg *util.Datagram) {
	iop.locations = append(iop.locations, dg)
}

// receiveEntry collects one counted entry. The iterator is positioned after
// the request context.
func (iop *InterestOperation) receiveEntry(dgi *util.DatagramIterator, other bool) {
	doId := dgi.ReadUint32()
	parent := dgi.ReadUint32()
	zone := dgi.ReadUint32()
	dcId := dgi.ReadUint16()
	values := dgi.ReadRemainder()
	if dgi.Err() != nil {
		iop.client.log.Error().Msg("Truncated interest entry")
		return
	}
	class, ok := iop.client.agent.dcReg.Class(dcId)
	if !ok {
		iop.client.log.Error().Uint16("dclass", dcId).Msg("Interest entry names unknown dclass")
		return
	}
	iop.entries = append(iop.entries, interestEntry{
		doId: doId, parent: parent, zone: zone, class: class, other: other, values: values,
	})
	iop.doids[doId] = struct{}{}
	iop.maybeFinalize()
}

func (iop *InterestOperation) setExpected(count int) {
	if iop.hasExpected {
		return
	}
	iop.hasExpected = true
	iop.expected = count
	iop.maybeFinalize()
}

func (iop *InterestOperation) maybeFinalize() {
	if iop.hasExpected && len(iop.entries) >= iop.expected {
		iop.finalize(false)
	}
}

func (iop *InterestOperation) onTimeout() {
	c := iop.client
	c.mu.Lock()
	defer c.mu.Unlock()
	if !iop.finished && !c.closed {
		c.log.Warn().Uint16("interest", iop.interestId).Int("received", len(iop.entries)).
			Msg("Interest timed out; finalizing with partial results")
		if c.agent.metrics != nil {
			c.agent.metrics.InterestsTimedOut.Inc()
		}
		iop.finalize(true)
	}
}

// cancel stops the operation without revealing anything.
func (iop *InterestOperation) cancel() {
	iop.finished = true
	if iop.timer != nil {
		iop.timer.Stop()
	}
}

// finalize reveals the collected objects to the client, replays queued
// mutations, and acknowledges the interest. Caller holds the client lock.
func (iop *InterestOperation) finalize(timedOut bool) {
	if iop.finished {
		return
	}
	iop.finished = true
	if iop.timer != nil {
		iop.timer.Stop()
	}
	c := iop.client
	delete(c.pending, iop.requestCtx)

	for _, e := range iop.entries {
		c.enterObject(e.doId, e.parent, e.zone, e.class, e.other, e.values)
	}
	for _, dg := range iop.locations {
		dgi := util.NewIterator(dg)
		dgi.SkipRecipients()
		dgi.ReadUint64()
		msgType := dgi.ReadUint16()
		doId := dgi.ReadUint32()
		parent := dgi.ReadUint32()
		zone := dgi.ReadUint32()
		dcId := dgi.ReadUint16()
		values := dgi.ReadRemainder()
		if dgi.Err() != nil {
			continue
		}
		class, ok := c.agent.dcReg.Class(dcId)
		if !ok {
			continue
		}
		other := msgType == core.StateServerObjectEnterLocationWithRequiredOther
		c.enterObject(doId, parent, zone, class, other, values)
	}

	for _, dg := range iop.queued {
		if c.closed {
			return
		}
		c.handleBusDatagramLocked(dg)
	}
	if c.closed {
		return
	}

	if !timedOut && c.agent.metrics != nil {
		c.agent.metrics.InterestsDone.Inc()
	}

	var caller uint64
	for ch := range iop.callers {
		caller = ch
		break
	}
	if len(iop.callers) > 1 {
		targets := make([]uint64, 0, len(iop.callers))
		for ch := range iop.callers {
			targets = append(targets, ch)
		}
		resp := util.NewServerDatagram(targets, c.channel, core.ClientAgentDoneInterestResp)
		resp.AddUint32(iop.clientCtx)
		resp.AddUint16(iop.interestId)
		c.publish(resp)

		done := util.NewClientDatagram(core.ClientDoneInterestResp)
		done.AddUint32(iop.clientCtx)
		done.AddUint16(iop.interestId)
		c.sendToClient(done)
		return
	}
	c.sendInterestDone(iop.clientCtx, iop.interestId, caller)
}
