package clientagent

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ksmit799/Ardos-sub000/internal/core"
	"github.com/ksmit799/Ardos-sub000/internal/dc"
	"github.com/ksmit799/Ardos-sub000/internal/util"
)

type authState int

const (
	authNew authState = iota
	authAnonymous
	authEstablished
)

// visibleObject caches what the client knows about an object.
type visibleObject struct {
	parent core.Doid
	zone   core.Zone
	class  *dc.Class
}

// Client is one connection's participant: it owns the socket, the auth state
// machine, and all visibility bookkeeping. Bus datagrams and socket
// datagrams are serialized under one mutex.
type Client struct {
	mu        sync.Mutex
	agent     *ClientAgent
	log       zerolog.Logger
	transport transport

	allocatedChannel uint64
	channel          uint64

	state  authState
	closed bool

	owned          map[core.Doid]visibleObject
	visible        map[core.Doid]visibleObject
	seen           map[core.Doid]struct{}
	declared       map[core.Doid]*dc.Class
	historical     map[core.Doid]struct{}
	sessionObjects map[core.Doid]struct{}
	fieldsSendable map[core.Doid]map[uint16]struct{}

	interests map[uint16]*Interest
	pending   map[uint32]*InterestOperation
	nextCtx   uint32

	postRemoves   []*util.Datagram
	extraChannels map[uint64]struct{}

	heartbeatTimer *time.Timer
	authTimer      *time.Timer
}

func newClient(agent *ClientAgent, t transport, channel uint64) *Client {
	c := &Client{
		agent:            agent,
		log:              agent.log.With().Uint64("client", channel).Str("remote", t.RemoteAddr().String()).Logger(),
		transport:        t,
		allocatedChannel: channel,
		channel:          channel,
		state:            authNew,
		owned:            make(map[core.Doid]visibleObject),
		visible:          make(map[core.Doid]visibleObject),
		seen:             make(map[core.Doid]struct{}),
		declared:         make(map[core.Doid]*dc.Class),
		historical:       make(map[core.Doid]struct{}),
		sessionObjects:   make(map[core.Doid]struct{}),
		fieldsSendable:   make(map[core.Doid]map[uint16]struct{}),
		interests:        make(map[uint16]*Interest),
		pending:          make(map[uint32]*InterestOperation),
		extraChannels:    make(map[uint64]struct{}),
	}

	agent.bus.Subscribe(c, channel)
	agent.bus.Subscribe(c, core.BChanClients)

	if agent.cfg.AuthTimeout > 0 {
		c.authTimer = time.AfterFunc(agent.cfg.AuthTimeout, c.onAuthTimeout)
	}
	if agent.cfg.HeartbeatInterval > 0 {
		c.heartbeatTimer = time.AfterFunc(agent.cfg.HeartbeatInterval, c.onHeartbeatTimeout)
	}
	return c
}

// run reads the socket until it closes. Called on its own goroutine.
func (c *Client) run() {
	for {
		data, err := c.transport.ReadDatagram()
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				if err == util.ErrDatagramOversized {
					c.ejectLocked(core.EjectOversizedDatagram, "datagram too large")
				} else {
					c.log.Debug().Err(err).Msg("Connection closed")
					c.shutdownLocked()
				}
			}
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if c.heartbeatTimer != nil {
			c.heartbeatTimer.Reset(c.agent.cfg.HeartbeatInterval)
		}
		c.handleClientDatagram(util.NewDatagramFromBytes(data))
		c.mu.Unlock()
	}
}

func (c *Client) onAuthTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed && c.state != authEstablished {
		c.ejectLocked(core.EjectGeneric, "no authentication within timeout")
	}
}

func (c *Client) onHeartbeatTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.ejectLocked(core.EjectNoHeartbeat, "no heartbeat")
	}
}

// Channel returns the client's current channel.
func (c *Client) Channel() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Drop closes the connection without a client-facing message.
func (c *Client) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdownLocked()
}

func (c *Client) sendToClient(dg *util.Datagram) {
	if err := dg.Err(); err != nil {
		c.log.Error().Err(err).Msg("Refusing to send malformed datagram")
		return
	}
	if err := c.transport.WriteDatagram(dg.Bytes()); err != nil {
		c.log.Debug().Err(err).Msg("Client write failed")
		c.shutdownLocked()
	}
}

func (c *Client) publish(dg *util.Datagram) {
	if err := c.agent.bus.PublishDatagram(dg); err != nil {
		c.log.Error().Err(err).Msg("Publish failed")
	}
}

func (c *Client) ejectLocked(reason uint16, msg string) {
	if c.closed {
		return
	}
	c.log.Warn().Uint16("reason", reason).Str("security", "eject").Msg(msg)
	if c.agent.metrics != nil {
		c.agent.metrics.EjectsByReason(reason)
	}
	dg := util.NewClientDatagram(core.ClientEject)
	dg.AddUint16(reason)
	dg.AddString(msg)
	c.sendToClient(dg)
	c.shutdownLocked()
}

// shutdownLocked tears the client down: timers, interest operations,
// post-removes, subscriptions, socket, channel.
func (c *Client) shutdownLocked() {
	if c.closed {
		return
	}
	c.closed = true

	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
	}
	for _, iop := range c.pending {
		iop.cancel()
	}
	c.pending = make(map[uint32]*InterestOperation)

	for _, dg := range c.postRemoves {
		c.publish(dg)
	}
	c.postRemoves = nil

	c.agent.bus.UnsubscribeAll(c)
	c.transport.Close()
	c.agent.releaseClient(c)
	c.log.Info().Msg("Client disconnected")
}

// ---- client socket side ----

func (c *Client) handleClientDatagram(dg *util.Datagram) {
	dgi := util.NewIterator(dg)
	msgType := dgi.ReadUint16()
	if dgi.Err() != nil {
		c.ejectLocked(core.EjectTruncatedDatagram, "truncated datagram")
		return
	}

	if c.state == authNew && msgType != core.ClientHello {
		c.ejectLocked(core.EjectNoHello, "no hello")
		return
	}

	switch msgType {
	case core.ClientHello:
		c.handleHello(dgi)
	case core.ClientDisconnect:
		c.shutdownLocked()
	case core.ClientHeartbeat:
		// Timer already reset in run.
	case core.ClientObjectSetField:
		c.handleClientSetField(dgi)
	case core.ClientObjectLocation:
		c.handleClientLocation(dgi)
	case core.ClientAddInterest:
		c.handleClientAddInterest(dgi, false)
	case core.ClientAddInterestMultiple:
		c.handleClientAddInterest(dgi, true)
	case core.ClientRemoveInterest:
		c.handleClientRemoveInterest(dgi)
	default:
		c.ejectLocked(core.EjectInvalidMsgtype, "unknown message type "+strconv.Itoa(int(msgType)))
		return
	}

	if !c.closed && dgi.Err() != nil {
		c.ejectLocked(core.EjectTruncatedDatagram, "truncated datagram")
	}
}

func (c *Client) handleHello(dgi *util.DatagramIterator) {
	if c.state != authNew {
		c.ejectLocked(core.EjectInvalidMsgtype, "duplicate hello")
		return
	}
	hash := dgi.ReadUint32()
	version := dgi.ReadString()
	if dgi.Err() != nil {
		return
	}
	if version != c.agent.cfg.Version {
		c.ejectLocked(core.EjectBadVersion, "client version mismatch")
		return
	}
	if hash != c.agent.cfg.DCHash {
		c.ejectLocked(core.EjectBadDCHash, "client dc hash mismatch")
		return
	}
	c.state = authAnonymous
	c.sendToClient(util.NewClientDatagram(core.ClientHelloResp))
}

// classOf resolves the dclass the client is entitled to address on doId.
func (c *Client) classOf(doId core.Doid) (*dc.Class, bool) {
	if obj, ok := c.owned[doId]; ok {
		return obj.class, true
	}
	if _, seen := c.seen[doId]; seen {
		if obj, ok := c.visible[doId]; ok {
			return obj.class, true
		}
	}
	if class, ok := c.declared[doId]; ok {
		return class, true
	}
	if ud, ok := c.agent.Uberdog(doId); ok {
		return ud.Class, true
	}
	return nil, false
}

func (c *Client) handleClientSetField(dgi *util.DatagramIterator) {
	doId := dgi.ReadUint32()
	fieldId := dgi.ReadUint16()
	if dgi.Err() != nil {
		return
	}

	if c.state != authEstablished {
		ud, ok := c.agent.Uberdog(doId)
		if !ok || !ud.Anonymous {
			c.ejectLocked(core.EjectAnonymousViolation, "field update before authentication")
			return
		}
	}

	class, known := c.classOf(doId)
	if !known {
		if _, old := c.historical[doId]; old {
			// The client raced an object removal; swallow quietly.
			return
		}
		c.ejectLocked(core.EjectMissingObject, "update for unknown object")
		return
	}

	field, ok := class.FieldByID(fieldId)
	if !ok {
		c.ejectLocked(core.EjectForbiddenField, "update names unknown field")
		return
	}
	value, err := field.ReadValue(dgi)
	if err != nil {
		c.ejectLocked(core.EjectTruncatedDatagram, "malformed field value")
		return
	}

	_, isOwned := c.owned[doId]
	sendable := field.Is(dc.ClSend) || (field.Is(dc.OwnSend) && isOwned)
	if !sendable {
		if override, ok := c.fieldsSendable[doId]; ok {
			_, sendable = override[fieldId]
		}
	}
	if !sendable {
		c.ejectLocked(core.EjectForbiddenField, "field is not sendable")
		return
	}

	out := util.NewServerDatagram([]uint64{uint64(doId)}, c.channel, core.StateServerObjectSetField)
	out.AddUint32(doId)
	out.AddUint16(fieldId)
	out.AddData(value)
	c.publish(out)
}

func (c *Client) handleClientLocation(dgi *util.DatagramIterator) {
	doId := dgi.ReadUint32()
	parent := dgi.ReadUint32()
	zone := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}
	if c.state != authEstablished {
		c.ejectLocked(core.EjectAnonymousViolation, "relocate before authentication")
		return
	}
	_, isOwned := c.owned[doId]
	if !c.agent.cfg.RelocateAllowed || !isOwned {
		c.log.Warn().Uint32("do_id", doId).Str("security", "relocate").Msg("Forbidden relocation")
		c.ejectLocked(core.EjectForbiddenRelocate, "relocation not allowed")
		return
	}

	out := util.NewServerDatagram([]uint64{uint64(doId)}, c.channel, core.StateServerObjectSetLocation)
	out.AddLocation(parent, zone)
	c.publish(out)
}

func (c *Client) handleClientAddInterest(dgi *util.DatagramIterator, multiple bool) {
	ctx := dgi.ReadUint32()
	id := dgi.ReadUint16()
	parent := dgi.ReadUint32()
	var zones []core.Zone
	if multiple {
		count := dgi.ReadUint16()
		for i := uint16(0); i < count; i++ {
			zones = append(zones, dgi.ReadUint32())
		}
	} else {
		zones = []core.Zone{dgi.ReadUint32()}
	}
	if dgi.Err() != nil {
		return
	}
	if c.state != authEstablished {
		c.ejectLocked(core.EjectAnonymousViolation, "interest before authentication")
		return
	}

	switch c.agent.cfg.Interests {
	case InterestsDisabled:
		c.ejectLocked(core.EjectForbiddenInterest, "client interests are disabled")
		return
	case InterestsVisible:
		if !c.canSee(parent) {
			c.ejectLocked(core.EjectForbiddenInterest, "interest in unseen parent")
			return
		}
	}

	c.addInterestLocked(id, parent, zones, ctx, 0)
}

func (c *Client) canSee(doId core.Doid) bool {
	if _, ok := c.owned[doId]; ok {
		return true
	}
	if _, ok := c.seen[doId]; ok {
		return true
	}
	if _, ok := c.declared[doId]; ok {
		return true
	}
	return false
}

func (c *Client) handleClientRemoveInterest(dgi *util.DatagramIterator) {
	ctx := dgi.ReadUint32()
	id := dgi.ReadUint16()
	if dgi.Err() != nil {
		return
	}
	if c.state != authEstablished {
		c.ejectLocked(core.EjectAnonymousViolation, "interest before authentication")
		return
	}
	if !c.removeInterestLocked(id, ctx, 0) {
		c.ejectLocked(core.EjectGeneric, "remove of unknown interest")
	}
}

// ---- bus side ----

func (c *Client) HandleDatagram(dg *util.Datagram) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.handleBusDatagramLocked(dg)
}

func (c *Client) handleBusDatagramLocked(dg *util.Datagram) {
	dgi := util.NewIterator(dg)
	dgi.SkipRecipients()
	sender := dgi.ReadUint64()
	msgType := dgi.ReadUint16()
	if dgi.Err() != nil {
		c.log.Error().Msg("Received truncated datagram")
		return
	}

	switch msgType {
	case core.ClientAgentSetState:
		c.handleSetState(dgi)
	case core.ClientAgentSetClientID:
		c.handleSetClientID(dgi)
	case core.ClientAgentSendDatagram:
		blob := dgi.ReadBlob()
		if dgi.Err() == nil {
			c.sendToClient(util.NewDatagramFromBytes(blob))
		}
	case core.ClientAgentEject:
		reason := dgi.ReadUint16()
		msg := dgi.ReadString()
		if dgi.Err() == nil {
			c.ejectLocked(reason, msg)
		}
	case core.ClientAgentDrop:
		c.shutdownLocked()

	case core.ClientAgentDeclareObject:
		c.handleDeclareObject(dgi)
	case core.ClientAgentUndeclareObject:
		doId := dgi.ReadUint32()
		if dgi.Err() == nil {
			delete(c.declared, doId)
		}
	case core.ClientAgentAddSessionObject:
		doId := dgi.ReadUint32()
		if dgi.Err() == nil {
			c.sessionObjects[doId] = struct{}{}
		}
	case core.ClientAgentRemoveSessionObject:
		doId := dgi.ReadUint32()
		if dgi.Err() == nil {
			delete(c.sessionObjects, doId)
		}
	case core.ClientAgentSetFieldsSendable:
		c.handleSetFieldsSendable(dgi)
	case core.ClientAgentGetNetworkAddress:
		c.handleGetNetworkAddress(dgi, sender)
	case core.ClientAgentGetTLVs:
		// No TLV transport here; accepted without effect.
		c.log.Debug().Msg("Get-tlvs ignored")

	case core.ClientAgentOpenChannel:
		ch := dgi.ReadUint64()
		if dgi.Err() == nil {
			c.extraChannels[ch] = struct{}{}
			c.agent.bus.Subscribe(c, ch)
		}
	case core.ClientAgentCloseChannel:
		ch := dgi.ReadUint64()
		if dgi.Err() == nil {
			delete(c.extraChannels, ch)
			c.agent.bus.Unsubscribe(c, ch)
		}

	case core.ClientAgentAddPostRemove:
		blob := dgi.ReadBlob()
		if dgi.Err() == nil {
			c.postRemoves = append(c.postRemoves, util.NewDatagramFromBytes(blob))
		}
	case core.ClientAgentClearPostRemoves:
		c.postRemoves = nil

	case core.ClientAgentAddInterest:
		c.handleServerAddInterest(dgi, sender, false)
	case core.ClientAgentAddInterestMultiple:
		c.handleServerAddInterest(dgi, sender, true)
	case core.ClientAgentRemoveInterest:
		c.handleServerRemoveInterest(dgi, sender)

	case core.StateServerObjectSetField, core.StateServerObjectSetFields:
		c.handleObjectUpdate(dg, dgi, msgType)
	case core.StateServerObjectDeleteRam:
		c.handleObjectDelete(dg, dgi)
	case core.StateServerObjectChangingLocation:
		c.handleObjectChangingLocation(dg, dgi)
	case core.StateServerObjectChangingOwner:
		c.handleObjectChangingOwner(dgi)

	case core.StateServerObjectEnterLocationWithRequired,
		core.StateServerObjectEnterLocationWithRequiredOther:
		other := msgType == core.StateServerObjectEnterLocationWithRequiredOther
		c.handleEnterLocation(dg, dgi, other)
	case core.StateServerObjectEnterInterestWithRequired,
		core.StateServerObjectEnterInterestWithRequiredOther:
		other := msgType == core.StateServerObjectEnterInterestWithRequiredOther
		c.handleEnterInterest(dgi, other)
	case core.StateServerObjectEnterOwnerWithRequired,
		core.StateServerObjectEnterOwnerWithRequiredOther:
		other := msgType == core.StateServerObjectEnterOwnerWithRequiredOther
		c.handleEnterOwner(dgi, other)

	case core.StateServerObjectGetZonesCountResp:
		c.handleZonesCount(dgi)

	default:
		c.log.Warn().Uint16("msg_type", msgType).Uint64("sender", sender).Msg("Unhandled message")
	}
}

func (c *Client) handleSetState(dgi *util.DatagramIterator) {
	state := dgi.ReadUint16()
	if dgi.Err() != nil {
		return
	}
	switch state {
	case 0:
		c.state = authNew
	case 1:
		c.state = authAnonymous
	case 2:
		c.state = authEstablished
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
	default:
		c.log.Error().Uint16("state", state).Msg("Set-state names unknown state")
	}
}

func (c *Client) handleSetClientID(dgi *util.DatagramIterator) {
	channel := dgi.ReadUint64()
	if dgi.Err() != nil {
		return
	}
	c.agent.bus.Unsubscribe(c, c.channel)
	c.channel = channel
	c.agent.bus.Subscribe(c, channel)
	c.log = c.agent.log.With().Uint64("client", channel).
		Str("remote", c.transport.RemoteAddr().String()).Logger()
}

func (c *Client) handleDeclareObject(dgi *util.DatagramIterator) {
	doId := dgi.ReadUint32()
	dcId := dgi.ReadUint16()
	if dgi.Err() != nil {
		return
	}
	class, ok := c.agent.dcReg.Class(dcId)
	if !ok {
		c.log.Error().Uint16("dclass", dcId).Msg("Declare names unknown dclass")
		return
	}
	c.declared[doId] = class
}

func (c *Client) handleSetFieldsSendable(dgi *util.DatagramIterator) {
	doId := dgi.ReadUint32()
	count := dgi.ReadUint16()
	fields := make(map[uint16]struct{}, count)
	for i := uint16(0); i < count; i++ {
		fields[dgi.ReadUint16()] = struct{}{}
	}
	if dgi.Err() != nil {
		return
	}
	c.fieldsSendable[doId] = fields
}

func (c *Client) handleGetNetworkAddress(dgi *util.DatagramIterator, sender uint64) {
	ctx := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}
	remoteHost, remotePort := splitAddr(c.transport.RemoteAddr())
	localHost, localPort := splitAddr(c.transport.LocalAddr())

	resp := util.NewServerDatagram([]uint64{sender}, c.channel, core.ClientAgentGetNetworkAddressResp)
	resp.AddUint32(ctx)
	resp.AddString(remoteHost)
	resp.AddUint16(remotePort)
	resp.AddString(localHost)
	resp.AddUint16(localPort)
	c.publish(resp)
}

func splitAddr(addr net.Addr) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return host, uint16(port)
}

// pendingFor returns the interest operation holding doId, if any.
func (c *Client) pendingFor(doId core.Doid) *InterestOperation {
	for _, iop := range c.pending {
		if iop.hasDoid(doId) {
			return iop
		}
	}
	return nil
}

func (c *Client) handleObjectUpdate(dg *util.Datagram, dgi *util.DatagramIterator, msgType uint16) {
	doId := dgi.ReadUint32()
	rest := dgi.ReadRemainder()
	if dgi.Err() != nil {
		return
	}
	if iop := c.pendingFor(doId); iop != nil {
		iop.queue(dg)
		return
	}
	if !c.canSee(doId) {
		return
	}

	clientType := core.ClientObjectSetField
	if msgType == core.StateServerObjectSetFields {
		clientType = core.ClientObjectSetFields
	}
	out := util.NewClientDatagram(clientType)
	out.AddUint32(doId)
	out.AddData(rest)
	c.sendToClient(out)
}

func (c *Client) handleObjectDelete(dg *util.Datagram, dgi *util.DatagramIterator) {
	doId := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}
	if iop := c.pendingFor(doId); iop != nil {
		iop.queue(dg)
		return
	}
	if _, session := c.sessionObjects[doId]; session {
		c.ejectLocked(core.EjectSessionObjectDeleted, "session object deleted")
		return
	}
	if !c.canSee(doId) {
		return
	}

	leaving := util.NewClientDatagram(core.ClientObjectLeaving)
	leaving.AddUint32(doId)
	c.sendToClient(leaving)
	c.forgetObject(doId)
}

func (c *Client) forgetObject(doId core.Doid) {
	delete(c.seen, doId)
	delete(c.visible, doId)
	delete(c.owned, doId)
	c.historical[doId] = struct{}{}
}

func (c *Client) handleObjectChangingLocation(dg *util.Datagram, dgi *util.DatagramIterator) {
	doId := dgi.ReadUint32()
	newParent := dgi.ReadUint32()
	newZone := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}
	if iop := c.pendingFor(doId); iop != nil {
		iop.queue(dg)
		return
	}
	if _, visible := c.visible[doId]; !visible {
		return
	}

	if len(c.lookupInterests(newParent, newZone)) > 0 {
		obj := c.visible[doId]
		obj.parent = newParent
		obj.zone = newZone
		c.visible[doId] = obj

		loc := util.NewClientDatagram(core.ClientObjectLocation)
		loc.AddUint32(doId)
		loc.AddLocation(newParent, newZone)
		c.sendToClient(loc)
		return
	}

	// The object left everything we watch.
	_, session := c.sessionObjects[doId]
	_, isOwned := c.owned[doId]
	if session && isOwned {
		loc := util.NewClientDatagram(core.ClientObjectLocation)
		loc.AddUint32(doId)
		loc.AddLocation(newParent, newZone)
		c.sendToClient(loc)
		return
	}
	if session {
		c.ejectLocked(core.EjectSessionObjectDeleted, "session object left interest")
		return
	}

	leaving := util.NewClientDatagram(core.ClientObjectLeaving)
	leaving.AddUint32(doId)
	c.sendToClient(leaving)
	c.forgetObject(doId)
}

func (c *Client) handleObjectChangingOwner(dgi *util.DatagramIterator) {
	doId := dgi.ReadUint32()
	newOwner := dgi.ReadUint64()
	if dgi.Err() != nil {
		return
	}
	if newOwner == c.channel {
		return
	}
	if _, session := c.sessionObjects[doId]; session {
		c.ejectLocked(core.EjectSessionObjectDeleted, "session object owner removed")
		return
	}
	if _, isOwned := c.owned[doId]; !isOwned {
		return
	}
	delete(c.owned, doId)

	leaving := util.NewClientDatagram(core.ClientObjectLeavingOwner)
	leaving.AddUint32(doId)
	c.sendToClient(leaving)
}

// enterObject records visibility and emits the client enter message built
// from the server entry's payload (doId, location, dclass, values).
func (c *Client) enterObject(doId core.Doid, parent core.Doid, zone core.Zone, class *dc.Class, other bool, values []byte) {
	c.visible[doId] = visibleObject{parent: parent, zone: zone, class: class}
	alreadySeen := false
	if _, ok := c.seen[doId]; ok {
		alreadySeen = true
	}
	c.seen[doId] = struct{}{}
	delete(c.historical, doId)
	if alreadySeen {
		return
	}

	msgType := core.ClientEnterObjectRequired
	if other {
		msgType = core.ClientEnterObjectRequiredOther
	}
	enter := util.NewClientDatagram(msgType)
	enter.AddUint32(doId)
	enter.AddLocation(parent, zone)
	enter.AddUint16(class.ID())
	enter.AddData(values)
	c.sendToClient(enter)
}

func (c *Client) handleEnterLocation(dg *util.Datagram, dgi *util.DatagramIterator, other bool) {
	doId := dgi.ReadUint32()
	parent := dgi.ReadUint32()
	zone := dgi.ReadUint32()
	dcId := dgi.ReadUint16()
	values := dgi.ReadRemainder()
	if dgi.Err() != nil {
		return
	}

	// An entry for a zone an outstanding interest is still opening belongs
	// to that operation.
	for _, iop := range c.pending {
		if iop.coversLocation(parent, zone) {
			iop.queueLocationEntry(dg)
			return
		}
	}

	if len(c.lookupInterests(parent, zone)) == 0 {
		return
	}
	class, ok := c.agent.dcReg.Class(dcId)
	if !ok {
		c.log.Error().Uint16("dclass", dcId).Msg("Entry names unknown dclass")
		return
	}
	c.enterObject(doId, parent, zone, class, other, values)
}

func (c *Client) handleEnterInterest(dgi *util.DatagramIterator, other bool) {
	ctx := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}
	iop, ok := c.pending[ctx]
	if !ok {
		// The operation already finalized; late arrivals are dropped.
		return
	}
	iop.receiveEntry(dgi, other)
}

func (c *Client) handleEnterOwner(dgi *util.DatagramIterator, other bool) {
	doId := dgi.ReadUint32()
	parent := dgi.ReadUint32()
	zone := dgi.ReadUint32()
	dcId := dgi.ReadUint16()
	values := dgi.ReadRemainder()
	if dgi.Err() != nil {
		return
	}
	class, ok := c.agent.dcReg.Class(dcId)
	if !ok {
		c.log.Error().Uint16("dclass", dcId).Msg("Owner entry names unknown dclass")
		return
	}
	c.owned[doId] = visibleObject{parent: parent, zone: zone, class: class}
	delete(c.historical, doId)

	msgType := core.ClientEnterObjectRequiredOwner
	if other {
		msgType = core.ClientEnterObjectRequiredOtherOwner
	}
	enter := util.NewClientDatagram(msgType)
	enter.AddUint32(doId)
	enter.AddLocation(parent, zone)
	enter.AddUint16(class.ID())
	enter.AddData(values)
	c.sendToClient(enter)
}

func (c *Client) handleZonesCount(dgi *util.DatagramIterator) {
	ctx := dgi.ReadUint32()
	count := dgi.ReadUint32()
	if dgi.Err() != nil {
		return
	}
	if iop, ok := c.pending[ctx]; ok {
		iop.setExpected(int(count))
	}
}

func (c *Client) handleServerAddInterest(dgi *util.DatagramIterator, sender uint64, multiple bool) {
	ctx := dgi.ReadUint32()
	id := dgi.ReadUint16()
	parent := dgi.ReadUint32()
	var zones []core.Zone
	if multiple {
		count := dgi.ReadUint16()
		for i := uint16(0); i < count; i++ {
			zones = append(zones, dgi.ReadUint32())
		}
	} else {
		zones = []core.Zone{dgi.ReadUint32()}
	}
	if dgi.Err() != nil {
		return
	}

	// Mirror the server-driven interest to the client before opening it.
	fwdType := core.ClientAddInterest
	if multiple {
		fwdType = core.ClientAddInterestMultiple
	}
	fwd := util.NewClientDatagram(fwdType)
	fwd.AddUint32(ctx)
	fwd.AddUint16(id)
	fwd.AddUint32(parent)
	if multiple {
		fwd.AddUint16(uint16(len(zones)))
	}
	for _, zone := range zones {
		fwd.AddUint32(zone)
	}
	c.sendToClient(fwd)

	c.addInterestLocked(id, parent, zones, ctx, sender)
}

func (c *Client) handleServerRemoveInterest(dgi *util.DatagramIterator, sender uint64) {
	ctx := dgi.ReadUint32()
	id := dgi.ReadUint16()
	if dgi.Err() != nil {
		return
	}

	fwd := util.NewClientDatagram(core.ClientRemoveInterest)
	fwd.AddUint32(ctx)
	fwd.AddUint16(id)
	c.sendToClient(fwd)

	if !c.removeInterestLocked(id, ctx, sender) {
		c.log.Warn().Uint16("interest", id).Msg("Remove of unknown interest")
	}
}
