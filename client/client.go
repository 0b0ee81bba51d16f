// Package client implements the client-side SDK endpoint (spec.md §2
// component K): the upgrade handshake, direct/next ping cadence,
// bandwidth accounting, payload send/receive, and fallback to direct.
// It is modeled on the teacher package's dialer.go (UDP socket
// ownership, a receive-loop goroutine, chunked encrypted writes) but
// generalized from a single-shot handshake into the full
// upgrade/route/fallback state machine spec.md describes.
package client

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaypath/overlay/internal/addr"
	"github.com/relaypath/overlay/internal/constants"
	"github.com/relaypath/overlay/internal/filter"
	"github.com/relaypath/overlay/internal/header"
	"github.com/relaypath/overlay/internal/protocol"
	"github.com/relaypath/overlay/internal/queue"
	"github.com/relaypath/overlay/internal/relay"
	"github.com/relaypath/overlay/internal/replay"
	"github.com/relaypath/overlay/internal/route"
	"github.com/relaypath/overlay/internal/stats"
	"github.com/relaypath/overlay/internal/xcrypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// State is the client's coarse session lifecycle, exposed via State().
type State int

const (
	StateClosed State = iota
	StateOpening
	StateUpgraded
	StateFallbackToDirect
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateUpgraded:
		return "upgraded"
	case StateFallbackToDirect:
		return "fallback_to_direct"
	default:
		return "unknown"
	}
}

// PacketReceivedFunc is the application's payload callback, invoked
// from the update thread (spec.md §5).
type PacketReceivedFunc func(payload []byte)

// Client is one client-side SDK endpoint. An endpoint owns one UDP
// socket, one I/O goroutine, and communicates with the caller's own
// update-driving goroutine through bounded queues (spec.md §5).
type Client struct {
	log  *logrus.Entry
	conn *net.UDPConn

	serverAddr    *net.UDPAddr
	serverAddress addr.Address

	state atomic.Int32

	mu sync.RWMutex

	kxKeys    *xcrypto.KeyPair
	routeKeys *xcrypto.KeyPair

	sessionID      uint64
	sessionVersion uint8
	payloadSeq     uint64
	routeState     *route.State
	replayWindows  *replay.SessionWindows

	sendKey [xcrypto.KeySize]byte // AEAD key for direct/internal control traffic
	recvKey [xcrypto.KeySize]byte

	// filterSecret derives the wire filter's rotating magic triple
	// (internal/filter), shared with the server alongside sendKey/recvKey.
	filterSecret [32]byte

	// serverSigningPub is learned from the first UPGRADE_REQUEST
	// (trust-on-first-use) and used to verify that packet and every
	// UPGRADE_CONFIRM that follows it.
	serverSigningPub ed25519.PublicKey

	specialSendSeq  uint64
	internalSendSeq uint64

	lastStatsSent       time.Time
	lastRelayUpdateSent time.Time
	lastContinueSent    time.Time
	multipath           atomic.Bool

	upgradeTokenEcho []byte
	upgradeSentAt    time.Time
	upgraded         bool
	fallback         atomic.Bool

	directPingHistory  *stats.PingHistory
	nextPingHistory    *stats.PingHistory
	directPingSeq      uint64
	nextPingSeq        uint64
	lastDirectPong     time.Time
	lastNextPong       time.Time
	lastDirectPingSent time.Time
	lastNextPingSent   time.Time

	bandwidthOut *stats.BandwidthLimiter
	bandwidthIn  *stats.BandwidthLimiter

	relays *relay.Manager

	counters stats.ClientCounters

	commandQueue *queue.Bounded[queue.Command]
	notifyQueue  *queue.Bounded[queue.Notification]

	onPacketReceived PacketReceivedFunc

	cancel context.CancelFunc
	group  *errgroup.Group

	platform       string
	connectionType string
}

// Config bundles the parameters New needs beyond the server address.
type Config struct {
	Platform       string
	ConnectionType string
	Log            *logrus.Entry
}

// New creates a client endpoint bound to an ephemeral local port and
// begins the upgrade handshake toward serverAddr immediately. It
// mirrors the teacher's Dial: validate, bind, start the receive loop,
// then hand back a connected endpoint — except the handshake here
// extends beyond a single round trip into the full 4-step exchange of
// spec.md §4.7, and is non-blocking: New returns once the socket is up,
// and the caller observes handshake completion via State()/Update().
func New(serverAddr string, cfg Config) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("client: resolve server address: %w", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("client: listen: %w", err)
	}

	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	kxKeys, err := xcrypto.GenerateKeyPair()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: generate kx keypair: %w", err)
	}
	routeKeys, err := xcrypto.GenerateKeyPair()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: generate route keypair: %w", err)
	}

	c := &Client{
		log:               log.WithField("component", "client"),
		conn:              conn,
		serverAddr:        raddr,
		serverAddress:     addr.FromUDPAddr(raddr),
		kxKeys:            kxKeys,
		routeKeys:         routeKeys,
		routeState:        &route.State{},
		replayWindows:     replay.NewSessionWindows(),
		directPingHistory: stats.NewPingHistory(),
		nextPingHistory:   stats.NewPingHistory(),
		bandwidthOut:      stats.NewBandwidthLimiter(),
		bandwidthIn:       stats.NewBandwidthLimiter(),
		relays:            relay.NewManager(),
		commandQueue:      queue.NewBounded[queue.Command](constants.CommandQueueCapacity, log, "client-command"),
		notifyQueue:       queue.NewBounded[queue.Notification](constants.NotifyQueueCapacity, log, "client-notify"),
		platform:          cfg.Platform,
		connectionType:    cfg.ConnectionType,
	}
	c.state.Store(int32(StateOpening))

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	c.group = g
	g.Go(func() error { return c.ioLoop(gctx) })

	return c, nil
}

// State returns the client's coarse lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// IsSessionOpen reports whether the upgrade handshake has completed.
func (c *Client) IsSessionOpen() bool {
	return c.State() == StateUpgraded
}

// SessionID returns the session id assigned during upgrade, or 0 if
// none has been assigned yet.
func (c *Client) SessionID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Ready reports whether the client is past the opening phase, mirroring
// next_client_ready: true once either upgraded or explicitly direct-only.
func (c *Client) Ready() bool {
	s := c.State()
	return s == StateUpgraded || s == StateFallbackToDirect
}

// FallbackToDirect reports whether the session has irreversibly
// dropped to direct-only delivery (spec.md §4.11).
func (c *Client) FallbackToDirect() bool {
	return c.fallback.Load()
}

func (c *Client) triggerFallback(reason string) {
	if c.fallback.CompareAndSwap(false, true) {
		c.log.WithField("reason", reason).Warn("falling back to direct")
		c.state.Store(int32(StateFallbackToDirect))
		c.counters.Increment(stats.CounterFallbackToDirect)
		c.notifyQueue.TryPush(queue.Notification{Kind: queue.NotifyDirectOnly})
	}
}

// SetPacketReceivedCallback installs the application payload callback
// invoked from Update.
func (c *Client) SetPacketReceivedCallback(fn PacketReceivedFunc) {
	c.mu.Lock()
	c.onPacketReceived = fn
	c.mu.Unlock()
}

// Update drains the notify queue and fires the application's callback;
// it must be called frequently (spec.md §5: "tens of times per second")
// from the application's own thread.
func (c *Client) Update() {
	for _, n := range c.notifyQueue.DrainAll() {
		switch n.Kind {
		case queue.NotifyPacketReceived:
			payload, _ := n.Payload.([]byte)
			c.mu.RLock()
			cb := c.onPacketReceived
			c.mu.RUnlock()
			if cb != nil {
				cb(payload)
			}
		case queue.NotifyUpgraded:
			c.log.Info("session upgraded")
		case queue.NotifyDirectOnly:
			c.log.Info("session is direct-only")
		}
	}
}

// SendPacket sends an application payload, preferring the current
// route if upgraded and not fallen back, otherwise sending direct/
// passthrough (spec.md §4.10, §6.1).
func (c *Client) SendPacket(payload []byte) error {
	c.mu.Lock()
	upgraded := c.upgraded
	fellBack := c.fallback.Load()
	sessionID := c.sessionID
	sessionVersion := c.sessionVersion
	current := c.routeState.Current
	c.payloadSeq++
	seq := c.payloadSeq
	c.mu.Unlock()

	var kbpsUp float64
	if current != nil {
		kbpsUp = float64(current.KbpsUp)
	}
	bits := stats.WirePacketBits(len(payload))
	c.bandwidthOut.AddPacket(time.Now(), kbpsUp, bits)

	if upgraded && !fellBack && current != nil {
		h := header.Header{
			Type:           byte(protocol.PacketClientToServer),
			Sequence:       seq,
			SessionID:      sessionID,
			SessionVersion: sessionVersion,
		}
		datagram, err := header.Seal(current.PrivateKey, h, payload)
		if err != nil {
			return fmt.Errorf("client: seal payload: %w", err)
		}
		if err := c.send(current.SendAddress, c.frameOutgoing(datagram)); err != nil {
			return err
		}
		c.counters.Increment(stats.CounterPacketSentClientToServer)
		return nil
	}

	return c.sendPassthrough(payload)
}

// Multipath reports whether this client has advertised a
// multipath-capable send path to the server (spec.md §4.10).
func (c *Client) Multipath() bool { return c.multipath.Load() }

// SetMultipath toggles whether the client's next CLIENT_STATS report
// advertises multipath capability, which the server may act on by
// duplicating sends over both the direct and next paths.
func (c *Client) SetMultipath(enabled bool) { c.multipath.Store(enabled) }

// localAddress returns the address this client's socket is bound to,
// as seen by the wire filter on outgoing datagrams.
func (c *Client) localAddress() addr.Address {
	return addr.FromUDPAddr(c.conn.LocalAddr().(*net.UDPAddr))
}

// frameOutgoing wraps an already-built datagram (type byte followed by
// body) with the two-stage wire filter's pittle/chonkle fields, keyed
// under the session's current magic epoch (spec.md §4.1, §3.1).
func (c *Client) frameOutgoing(datagram []byte) []byte {
	c.mu.RLock()
	secret := c.filterSecret
	c.mu.RUnlock()
	triple := filter.DeriveTriple(secret, time.Now())
	return filter.Frame(datagram[0], triple.Current, c.localAddress(), c.serverAddress, datagram[1:])
}

// sealSpecial AEAD-seals payload for the special control stream
// (direct ping/pong, continue request/response) under the session's
// send key, spending the next special-stream sequence number.
func (c *Client) sealSpecial(typ protocol.PacketType, payload []byte) ([]byte, error) {
	c.mu.Lock()
	seq := c.specialSendSeq
	c.specialSendSeq++
	key, sessionID := c.sendKey, c.sessionID
	c.mu.Unlock()
	h := header.Header{Type: byte(typ), Sequence: seq, SessionID: sessionID}
	return header.Seal(key, h, payload)
}

// sealInternal is sealSpecial's counterpart for the internal stream
// (client stats, route updates, near-relay reporting).
func (c *Client) sealInternal(typ protocol.PacketType, payload []byte) ([]byte, error) {
	c.mu.Lock()
	seq := c.internalSendSeq
	c.internalSendSeq++
	key, sessionID := c.sendKey, c.sessionID
	c.mu.Unlock()
	h := header.Header{Type: byte(typ), Sequence: seq, SessionID: sessionID}
	return header.Seal(key, h, payload)
}

// openControlStream reopens a sealed control packet (whose type byte
// and filter fields have already been stripped by Unframe) and checks
// it against win, the stream's replay window, before handing back its
// decoded header and plaintext.
func (c *Client) openControlStream(win *replay.Window, typ byte, body []byte) (header.Header, []byte, bool) {
	full := make([]byte, 1+len(body))
	full[0] = typ
	copy(full[1:], body)

	c.mu.RLock()
	key, sessionID := c.recvKey, c.sessionID
	c.mu.RUnlock()

	h, payload, err := header.Open(key, full)
	if err != nil || h.SessionID != sessionID {
		return header.Header{}, nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if win.Check(h.Sequence) {
		return header.Header{}, nil, false
	}
	win.Advance(h.Sequence)
	return h, payload, true
}

func (c *Client) sendPassthrough(payload []byte) error {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, filter.PassthroughSentinel)
	out = append(out, payload...)
	return c.sendRaw(c.serverAddr, out)
}

func (c *Client) send(a addr.Address, datagram []byte) error {
	return c.sendRaw(a.UDPAddr(), datagram)
}

func (c *Client) sendRaw(a *net.UDPAddr, datagram []byte) error {
	_, err := c.conn.WriteToUDP(datagram, a)
	if err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

// Stats returns a copy of the client's current measurement snapshot.
func (c *Client) Stats() stats.StatsSnapshotView {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	direct := c.directPingHistory.Compute(now.Add(-10*time.Second), now)
	next := c.nextPingHistory.Compute(now.Add(-10*time.Second), now)

	return stats.StatsSnapshotView{
		DirectRTT:        direct.RTT,
		DirectJitter:     direct.Jitter,
		DirectLoss:       direct.PacketLoss,
		NextRTT:          next.RTT,
		NextJitter:       next.Jitter,
		NextLoss:         next.PacketLoss,
		KbpsUp:           c.bandwidthOut.UsageKbps(),
		KbpsDown:         c.bandwidthIn.UsageKbps(),
		Multipath:        c.multipath.Load(),
		FallbackToDirect: c.fallback.Load(),
	}
}

// ServerAddress returns the configured server address.
func (c *Client) ServerAddress() addr.Address {
	return c.serverAddress
}

// Close tears down the client's I/O goroutine and socket.
func (c *Client) Close() error {
	c.cancel()
	err := c.group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.WithError(err).Warn("io loop exited with error")
	}
	c.state.Store(int32(StateClosed))
	return c.conn.Close()
}
