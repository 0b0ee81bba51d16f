// Package server implements the server-side SDK endpoint (spec.md §2
// component L): upgrade issuance, per-session route envelopes and
// token acceptance, and magic rotation. No backend update is sent. It is modeled on the teacher package's hub.go (a session
// map keyed off the wire, a routing dispatcher, a cleanup ticker) but
// generalized from a single shared-secret handshake into the full
// upgrade/route/backend-update state machine spec.md describes.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaypath/overlay/internal/addr"
	"github.com/relaypath/overlay/internal/autodetect"
	"github.com/relaypath/overlay/internal/config"
	"github.com/relaypath/overlay/internal/constants"
	"github.com/relaypath/overlay/internal/filter"
	"github.com/relaypath/overlay/internal/protocol"
	"github.com/relaypath/overlay/internal/queue"
	"github.com/relaypath/overlay/internal/route"
	"github.com/relaypath/overlay/internal/table"
	"github.com/relaypath/overlay/internal/xcrypto"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// InitState is the server's coarse backend-connectivity lifecycle.
type InitState int

const (
	InitNotStarted InitState = iota
	InitInProgress
	InitInitialized
	InitDirectOnly
)

// PayloadReceivedFunc is the application callback invoked with a
// decoded application payload and the originating client address.
type PayloadReceivedFunc func(from addr.Address, payload []byte)

// SessionEventFunc is invoked on session lifecycle transitions
// (upgraded, fallback, timed out), per spec.md §6's session_event
// command and next_server_session_event.
type SessionEventFunc func(sessionID uint64, event string)

// Server is one server-side SDK endpoint.
type Server struct {
	log  *logrus.Entry
	conn *net.UDPConn

	cfg        *config.Config
	detector   autodetect.Detector
	datacenter atomic.Value // string

	signing *xcrypto.SigningKeyPair

	pending  *table.PendingTable
	sessions *table.SessionTable
	proxy    *table.ProxyTable

	initState atomic.Int32

	commandQueue *queue.Bounded[queue.Command]
	notifyQueue  *queue.Bounded[queue.Notification]

	onPayloadReceived PayloadReceivedFunc
	onSessionEvent    SessionEventFunc
	callbackMu        sync.RWMutex

	metrics *serverMetrics

	flushing atomic.Bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

type serverMetrics struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	fallbacks      prometheus.Counter
	replayRejects  prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "overlay", Subsystem: "server", Name: "sessions_active",
			Help: "Number of active upgraded sessions.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overlay", Subsystem: "server", Name: "sessions_total",
			Help: "Total number of sessions ever upgraded.",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overlay", Subsystem: "server", Name: "fallbacks_total",
			Help: "Total number of sessions that fell back to direct.",
		}),
		replayRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "overlay", Subsystem: "server", Name: "replay_rejects_total",
			Help: "Total number of packets dropped by replay protection.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sessionsActive, m.sessionsTotal, m.fallbacks, m.replayRejects)
	}
	return m
}

// Options configures New beyond the bind address.
type Options struct {
	Config    *config.Config
	Detector  autodetect.Detector
	Signing   *xcrypto.SigningKeyPair
	Log       *logrus.Entry
	Metrics   prometheus.Registerer
}

// New creates a server endpoint bound to cfg.BindAddress, begins the
// backend-init handshake (or enters direct-only if
// cfg.DisableNetworkNext is set), and starts the I/O loop.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(true); err != nil {
		return nil, fmt.Errorf("server: invalid config: %w", err)
	}

	bindAddr, err := net.ResolveUDPAddr("udp", cfg.BindAddress)
	if err != nil {
		return nil, fmt.Errorf("server: resolve bind address: %w", err)
	}
	conn, err := net.ListenUDP("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("server: listen: %w", err)
	}

	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	detector := opts.Detector
	if detector == nil || cfg.DisableAutodetect {
		detector = autodetect.Static(cfg.Datacenter)
	}

	signing := opts.Signing
	if signing == nil {
		signing, err = xcrypto.GenerateSigningKeyPair()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("server: generate signing key: %w", err)
		}
	}

	s := &Server{
		log:          log.WithField("component", "server"),
		conn:         conn,
		cfg:          cfg,
		detector:     detector,
		signing:      signing,
		pending:      table.NewPendingTable(),
		sessions:     table.NewSessionTable(),
		proxy:        table.NewProxyTable(),
		commandQueue: queue.NewBounded[queue.Command](constants.CommandQueueCapacity, log, "server-command"),
		notifyQueue:  queue.NewBounded[queue.Notification](constants.NotifyQueueCapacity, log, "server-notify"),
		metrics:      newServerMetrics(opts.Metrics),
	}
	s.datacenter.Store(cfg.Datacenter)

	if cfg.DisableNetworkNext {
		s.initState.Store(int32(InitDirectOnly))
	} else {
		s.initState.Store(int32(InitInProgress))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	s.group = g
	g.Go(func() error { return s.ioLoop(gctx) })
	g.Go(func() error { return s.backendInitLoop(gctx) })
	g.Go(func() error { return s.cleanupLoop(gctx) })

	return s, nil
}

// Ready reports whether the server has either completed backend init
// or settled into direct-only mode.
func (s *Server) Ready() bool {
	st := InitState(s.initState.Load())
	return st == InitInitialized || st == InitDirectOnly
}

// DirectOnly reports whether the server has given up on the backend
// and will never attempt a next route.
func (s *Server) DirectOnly() bool {
	return InitState(s.initState.Load()) == InitDirectOnly
}

// Datacenter returns the datacenter name resolved at startup (spec.md
// §4.9, §6.4, next_server_datacenter).
func (s *Server) Datacenter() string {
	v, _ := s.datacenter.Load().(string)
	return v
}

// Port returns the locally bound UDP port.
func (s *Server) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// SetPayloadReceivedCallback installs the application payload callback.
func (s *Server) SetPayloadReceivedCallback(fn PayloadReceivedFunc) {
	s.callbackMu.Lock()
	s.onPayloadReceived = fn
	s.callbackMu.Unlock()
}

// SetSessionEventCallback installs the session-lifecycle callback.
func (s *Server) SetSessionEventCallback(fn SessionEventFunc) {
	s.callbackMu.Lock()
	s.onSessionEvent = fn
	s.callbackMu.Unlock()
}

func (s *Server) emitSessionEvent(sessionID uint64, event string) {
	s.callbackMu.RLock()
	cb := s.onSessionEvent
	s.callbackMu.RUnlock()
	if cb != nil {
		cb(sessionID, event)
	}
}

// Update drains the notify queue and fires the application's
// callbacks; it must be called frequently from the application's own
// thread, matching the client's Update contract (spec.md §5).
func (s *Server) Update() {
	for _, n := range s.notifyQueue.DrainAll() {
		switch n.Kind {
		case queue.NotifyPacketReceived:
			pkt, ok := n.Payload.(receivedPayload)
			if !ok {
				continue
			}
			s.callbackMu.RLock()
			cb := s.onPayloadReceived
			s.callbackMu.RUnlock()
			if cb != nil {
				cb(pkt.from, pkt.body)
			}
		case queue.NotifySessionTimedOut:
			if id, ok := n.Payload.(uint64); ok {
				s.emitSessionEvent(id, "session_timed_out")
			}
		case queue.NotifyPendingSessionTimedOut:
			s.log.Debug("pending session timed out")
		}
	}
}

type receivedPayload struct {
	from addr.Address
	body []byte
}

// UpgradeSession mints a fresh session id and upgrade token for
// clientAddr and begins sending UPGRADE_REQUEST (spec.md §4.7 step 1).
// It returns immediately with the minted session id; completion is
// observed via the session-event callback or SessionUpgraded.
func (s *Server) UpgradeSession(clientAddr string, userHash uint64) (uint64, error) {
	caddr, err := net.ResolveUDPAddr("udp", clientAddr)
	if err != nil {
		return 0, fmt.Errorf("server: resolve client address: %w", err)
	}

	var sessionID uint64
	for sessionID == 0 {
		sessionID = randomUint64()
	}

	ephemeral, err := xcrypto.GenerateKeyPair()
	if err != nil {
		return 0, fmt.Errorf("server: generate ephemeral keypair: %w", err)
	}

	var secretboxKey [xcrypto.SecretboxKeySize]byte
	copy(secretboxKey[:], ephemeral.Private[:])

	localAddr := addr.FromUDPAddr(s.conn.LocalAddr().(*net.UDPAddr))
	clientAddress := addr.FromUDPAddr(caddr)

	token := protocol.UpgradeToken{
		SessionID:       sessionID,
		ExpireTimestamp: uint64(time.Now().Add(constants.UpgradeTimeout).Unix()),
		ClientAddress:   clientAddress,
		ServerAddress:   localAddr,
	}
	sealedToken, err := token.Seal(secretboxKey)
	if err != nil {
		return 0, fmt.Errorf("server: seal upgrade token: %w", err)
	}

	entry := &table.PendingEntry{
		Address:             clientAddress,
		SessionID:           sessionID,
		UserHash:            userHash,
		UpgradeTime:         time.Now(),
		EphemeralPrivateKey: ephemeral.Private,
		UpgradeToken:        sealedToken,
	}
	s.pending.Add(entry)

	s.sendUpgradeRequest(caddr, entry, ephemeral)

	return sessionID, nil
}

// sendUpgradeRequest signs the token/ephemeral-key/signing-key triple
// with the server's long-lived Ed25519 key (spec.md §6.2's Signed()
// table) so the client can trust-on-first-use the embedded signing
// public key and hold the server to it for every later signed packet
// this session sees, namely UPGRADE_CONFIRM. The datagram is filter-
// framed under the zero magic, since neither side has a session-keyed
// triple yet.
func (s *Server) sendUpgradeRequest(caddr *net.UDPAddr, entry *table.PendingEntry, ephemeral *xcrypto.KeyPair) {
	w := newWriter()
	w.U8(byte(protocol.PacketUpgradeRequest))
	w.Raw(entry.UpgradeToken)
	w.Raw(ephemeral.Public[:])
	w.Raw(s.signing.Public)
	signed := w.Bytes()[1:]
	signature := xcrypto.Sign(s.signing.Private, signed)
	w.Raw(signature)

	datagram := w.Bytes()
	local := addr.FromUDPAddr(s.conn.LocalAddr().(*net.UDPAddr))
	framed := filter.Frame(datagram[0], filter.ZeroMagic, local, addr.None, datagram[1:])
	s.sendRaw(caddr, framed)
	entry.LastPacketSendTime = time.Now()
}

// issueRoute synthesizes a single-hop "self-loop" route for sess, the
// stand-in this module uses for a real backend's route decision
// (spec.md §1 scopes the backend out as an external collaborator):
// the server names itself as the next hop so the existing route-
// request/response exchange and ROUTE_UPDATE acceptance logic both
// have a real hop to promote through, without needing any relay
// infrastructure.
func (s *Server) issueRoute(sess *table.Session) {
	if sess.Route.Current != nil || sess.Route.Pending != nil {
		return
	}

	key, err := xcrypto.GenerateAEADKey()
	if err != nil {
		s.log.WithError(err).Debug("issue route: generate key")
		return
	}

	localAddr := addr.FromUDPAddr(s.conn.LocalAddr().(*net.UDPAddr))
	version := sess.NextRouteVersion()
	expire := uint64(time.Now().Add(constants.SliceDuration).Unix())

	token := protocol.RouteToken{
		ExpireTimestamp:   expire,
		SessionID:         sess.SessionID,
		SessionVersion:    version,
		KbpsUp:            constants.SimulatedRouteKbpsEnvelope,
		KbpsDown:          constants.SimulatedRouteKbpsEnvelope,
		NextAddress:       localAddr,
		SessionPrivateKey: key,
	}
	// The route token travels inside the session's own Internal stream,
	// and its secretbox key is this session's RouteKeys.SendKey; the
	// client opens it with the same key it uses to receive from the
	// server (c.recvKey), which DeriveRouteKeys makes equal to the
	// server-side SendKey.
	var tokenKey [xcrypto.SecretboxKeySize]byte
	copy(tokenKey[:], sess.RouteKeys.SendKey[:])
	sealedToken, err := token.Seal(tokenKey)
	if err != nil {
		s.log.WithError(err).Debug("issue route: seal token")
		return
	}

	sess.Route.InstallPending(&route.Slot{
		SessionVersion:  version,
		ExpireTimestamp: expire,
		ExpireTime:      time.Now().Add(constants.SliceDuration),
		KbpsUp:          constants.SimulatedRouteKbpsEnvelope,
		KbpsDown:        constants.SimulatedRouteKbpsEnvelope,
		SendAddress:     localAddr,
		PrivateKey:      key,
	})

	w := newWriter()
	w.U8(1)
	w.Raw(sealedToken)
	sealed, err := s.sealInternal(sess, protocol.PacketRouteUpdate, w.Bytes())
	if err != nil {
		s.log.WithError(err).Debug("issue route: seal route update")
		return
	}
	s.sendRaw(sess.Address.UDPAddr(), s.frameOutgoing(sess, sealed))
}

// SessionUpgraded reports whether sessionID has completed the upgrade
// handshake and is present in the active session table.
func (s *Server) SessionUpgraded(sessionID uint64) bool {
	_, ok := s.sessions.FindByID(sessionID)
	return ok
}

// Stats returns a process-wide snapshot: active session count and
// backend-init state, mirroring next_server_stats's summary role.
type Stats struct {
	ActiveSessions int
	PendingUpgrades int
	InitState       InitState
}

func (s *Server) Stats() Stats {
	return Stats{
		ActiveSessions:  s.sessions.Len(),
		PendingUpgrades: s.pending.Len(),
		InitState:       InitState(s.initState.Load()),
	}
}

// SendPacketToAddress sends a raw passthrough datagram to an address
// with no session association, mirroring next_server_send_packet_to_address.
func (s *Server) SendPacketToAddress(address string, payload []byte) error {
	a, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("server: resolve address: %w", err)
	}
	out := make([]byte, 0, 1+len(payload))
	out = append(out, filter.PassthroughSentinel)
	out = append(out, payload...)
	return s.sendRaw(a, out)
}

// SendPacket sends a payload to an upgraded session, preferring its
// current route and falling back to direct delivery if the session
// has fallen back or has no route (spec.md §4.10).
func (s *Server) SendPacket(sessionID uint64, payload []byte) error {
	sess, ok := s.sessions.FindByID(sessionID)
	if !ok {
		return fmt.Errorf("server: unknown session %d", sessionID)
	}
	return s.sendToSession(sess, payload)
}

func (s *Server) sendRaw(a *net.UDPAddr, datagram []byte) error {
	_, err := s.conn.WriteToUDP(datagram, a)
	if err != nil {
		return fmt.Errorf("server: write: %w", err)
	}
	return nil
}

func randomUint64() uint64 {
	id := xid.New()
	b := id.Bytes()
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Flush sets the server's flushing flag, waits up to
// ServerFlushTimeout (or until ctx ends) for the pending-upgrade table
// to drain, then queues NotifyFlushFinished. It sends no final
// per-session update.
func (s *Server) Flush(ctx context.Context) error {
	s.flushing.Store(true)
	deadline := time.Now().Add(constants.ServerFlushTimeout)

	var errs *multierror.Error
	for time.Now().Before(deadline) {
		if s.pending.Len() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			errs = multierror.Append(errs, ctx.Err())
			return errs.ErrorOrNil()
		case <-time.After(50 * time.Millisecond):
		}
	}
	s.notifyQueue.TryPush(queue.Notification{Kind: queue.NotifyFlushFinished})
	return errs.ErrorOrNil()
}

// Close tears down the server's goroutines and socket, aggregating any
// shutdown errors with go-multierror the way nabbar-golib aggregates
// multi-resource teardown failures.
func (s *Server) Close() error {
	s.cancel()
	var errs *multierror.Error
	if err := s.group.Wait(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := s.conn.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
