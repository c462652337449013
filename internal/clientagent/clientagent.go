// Package clientagent terminates client connections: the auth state machine,
// per-client interest and visibility bookkeeping, and translation between
// the client dialect and the server bus.
package clientagent

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ksmit799/Ardos-sub000/internal/core"
	"github.com/ksmit799/Ardos-sub000/internal/dc"
	"github.com/ksmit799/Ardos-sub000/internal/messagedirector"
	"github.com/ksmit799/Ardos-sub000/internal/metrics"
)

// InterestsPermission governs whether clients may open interests themselves.
type InterestsPermission int

const (
	// InterestsEnabled lets clients open any interest.
	InterestsEnabled InterestsPermission = iota
	// InterestsVisible restricts client interests to parents they can see.
	InterestsVisible
	// InterestsDisabled ejects clients that try.
	InterestsDisabled
)

// Uberdog is one statically declared always-live object.
type Uberdog struct {
	Class     *dc.Class
	Anonymous bool
}

// Config carries the client agent's section of the cluster configuration.
type Config struct {
	Host   string
	Port   int
	WSPort int

	Version string
	DCHash  uint32

	HeartbeatInterval time.Duration
	AuthTimeout       time.Duration
	InterestTimeout   time.Duration

	ChannelMin uint64
	ChannelMax uint64

	Interests       InterestsPermission
	RelocateAllowed bool

	// ConnectionsPerSecond caps accepts per remote IP; 0 disables limiting.
	ConnectionsPerSecond float64

	Uberdogs map[core.Doid]Uberdog
}

// ErrChannelsExhausted reports that every channel in the agent's range is in
// use.
var ErrChannelsExhausted = errors.New("client channel range exhausted")

// ClientAgent accepts client sockets and runs one Client participant per
// connection. Channels are allocated from the configured range; disjoint
// ranges across processes keep them globally unique.
type ClientAgent struct {
	bus     *messagedirector.MessageDirector
	log     zerolog.Logger
	cfg     Config
	dcReg   *dc.Registry
	metrics *metrics.Registry

	mu       sync.Mutex
	next     uint64
	free     []uint64
	clients  map[uint64]*Client
	limiters map[string]*rate.Limiter
	closed   bool

	listener   net.Listener
	wsListener net.Listener
}

// New creates a client agent; Start begins accepting.
func New(bus *messagedirector.MessageDirector, registry *dc.Registry, cfg Config, m *metrics.Registry, log zerolog.Logger) *ClientAgent {
	return &ClientAgent{
		bus:      bus,
		log:      log.With().Str("component", "client-agent").Logger(),
		cfg:      cfg,
		dcReg:    registry,
		metrics:  m,
		next:     cfg.ChannelMin,
		clients:  make(map[uint64]*Client),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start opens the TCP listener and, when configured, the WebSocket listener.
func (a *ClientAgent) Start() error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("client agent listen: %w", err)
	}
	a.listener = listener
	a.log.Info().Str("addr", addr).Msg("Client agent listening")
	go a.acceptLoop(listener, false)

	if a.cfg.WSPort > 0 {
		wsAddr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.WSPort)
		wsListener, err := net.Listen("tcp", wsAddr)
		if err != nil {
			listener.Close()
			return fmt.Errorf("client agent ws listen: %w", err)
		}
		a.wsListener = wsListener
		a.log.Info().Str("addr", wsAddr).Msg("Client agent websocket listening")
		go a.acceptLoop(wsListener, true)
	}
	return nil
}

func (a *ClientAgent) acceptLoop(listener net.Listener, websocket bool) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed {
				return
			}
			a.log.Error().Err(err).Msg("Accept failed")
			continue
		}
		if !a.allowConnection(conn.RemoteAddr()) {
			a.log.Warn().Str("remote", conn.RemoteAddr().String()).
				Str("security", "rate-limit").Msg("Connection rate limit exceeded")
			conn.Close()
			continue
		}
		go a.handleConn(conn, websocket)
	}
}

// allowConnection consults the per-IP token bucket.
func (a *ClientAgent) allowConnection(addr net.Addr) bool {
	if a.cfg.ConnectionsPerSecond <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	a.mu.Lock()
	limiter, ok := a.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(a.cfg.ConnectionsPerSecond),
			int(a.cfg.ConnectionsPerSecond)+1)
		a.limiters[host] = limiter
	}
	a.mu.Unlock()
	return limiter.Allow()
}

func (a *ClientAgent) handleConn(conn net.Conn, websocket bool) {
	var t transport
	if websocket {
		_, err := ws.Upgrade(conn)
		if err != nil {
			a.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).
				Msg("WebSocket upgrade failed")
			conn.Close()
			return
		}
		t = newWSTransport(conn)
	} else {
		t = newTCPTransport(conn)
	}

	channel, err := a.allocateChannel()
	if err != nil {
		a.log.Error().Err(err).Msg("Connection refused")
		t.Close()
		return
	}

	client := newClient(a, t, channel)
	a.mu.Lock()
	a.clients[channel] = client
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.Clients.Inc()
	}
	client.run()
}

func (a *ClientAgent) allocateChannel() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		ch := a.free[n-1]
		a.free = a.free[:n-1]
		return ch, nil
	}
	if a.next > a.cfg.ChannelMax {
		return 0, ErrChannelsExhausted
	}
	ch := a.next
	a.next++
	return ch, nil
}

// releaseClient returns the channel to the pool once the client is gone.
func (a *ClientAgent) releaseClient(c *Client) {
	a.mu.Lock()
	delete(a.clients, c.allocatedChannel)
	a.free = append(a.free, c.allocatedChannel)
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.Clients.Dec()
	}
}

// Uberdog looks up a configured uberdog by doid.
func (a *ClientAgent) Uberdog(doId core.Doid) (Uberdog, bool) {
	ud, ok := a.cfg.Uberdogs[doId]
	return ud, ok
}

// Close stops the listeners and drops every connected client.
func (a *ClientAgent) Close() error {
	a.mu.Lock()
	a.closed = true
	clients := make([]*Client, 0, len(a.clients))
	for _, c := range a.clients {
		clients = append(clients, c)
	}
	a.mu.Unlock()

	if a.listener != nil {
		a.listener.Close()
	}
	if a.wsListener != nil {
		a.wsListener.Close()
	}
	for _, c := range clients {
		c.Drop()
	}
	return nil
}
