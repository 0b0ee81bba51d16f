package server

import (
	"context"
	"net"
	"time"

	"github.com/relaypath/overlay/internal/addr"
	"github.com/relaypath/overlay/internal/constants"
	"github.com/relaypath/overlay/internal/filter"
	"github.com/relaypath/overlay/internal/header"
	"github.com/relaypath/overlay/internal/protocol"
	"github.com/relaypath/overlay/internal/queue"
	"github.com/relaypath/overlay/internal/replay"
	"github.com/relaypath/overlay/internal/stats"
	"github.com/relaypath/overlay/internal/table"
	"github.com/relaypath/overlay/internal/wire"
	"github.com/relaypath/overlay/internal/xcrypto"
)

func newWriter() *wire.Writer {
	return wire.NewWriter(256)
}

// ioLoop mirrors the client's single-goroutine receive+tick design
// (spec.md §5): a short read deadline lets the same goroutine also
// drive periodic bookkeeping without a dedicated second thread.
func (s *Server) ioLoop(ctx context.Context) error {
	ticker := time.NewTicker(constants.InternalTickInterval)
	defer ticker.Stop()

	buf := make([]byte, 65536)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(constants.InternalTickInterval))
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err == nil {
			s.handleDatagram(buf[:n], raddr)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick()
		default:
		}
	}
}

// tick runs the server's periodic work: pending-upgrade timeout and
// stale-session expiry (spec.md §4.7, §4.9). UPGRADE_REQUEST is sent
// once, by UpgradeSession; tick does not retransmit it.
func (s *Server) tick() {
	now := time.Now()

	for _, e := range s.pending.RemoveExpired(now, constants.UpgradeTimeout) {
		s.log.WithField("session_id", e.SessionID).Debug("pending upgrade timed out")
		s.notifyQueue.TryPush(queue.Notification{Kind: queue.NotifyPendingSessionTimedOut, Payload: e.SessionID})
	}

	for _, sess := range s.sessions.RemoveStale(now, constants.ServerSessionTimeout) {
		s.metrics.sessionsActive.Dec()
		s.notifyQueue.TryPush(queue.Notification{Kind: queue.NotifySessionTimedOut, Payload: sess.SessionID})
		s.emitSessionEvent(sess.SessionID, "session_timed_out")
	}
}

// backendInitLoop approximates the server's startup handshake with the
// backend (spec.md §4.9): resolve the datacenter via the configured
// Detector, then declare the server initialized (or direct-only if
// network-next was disabled outright). A real backend round trip is
// an external collaborator outside this module's scope (spec.md §1);
// this loop models only the observable state transition.
func (s *Server) backendInitLoop(ctx context.Context) error {
	if s.cfg.DisableNetworkNext {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, constants.ServerInitTimeout)
	defer cancel()

	dc, err := s.detector.Detect(ctx)
	if err != nil || dc == "" {
		s.log.WithError(err).Warn("datacenter autodetect failed, falling back to direct-only")
		s.initState.Store(int32(InitDirectOnly))
		return nil
	}

	s.datacenter.Store(dc)
	s.initState.Store(int32(InitInitialized))
	s.log.WithField("datacenter", dc).Info("server initialized")
	return nil
}

// cleanupLoop periodically sweeps expired route slots out of active
// sessions, independent of the tick-driven pending/session timeouts.
func (s *Server) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(constants.SliceDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, sess := range s.sessions.Snapshot() {
				sess.Route.ExpireIfPast(now)
			}
		}
	}
}

// frameOutgoing wraps a bare-or-sealed datagram in the filter fields
// every non-passthrough packet carries (spec.md §4.1), keyed under
// sess's own rotating magic triple rather than the zero magic used
// only for the pre-handshake upgrade exchange.
func (s *Server) frameOutgoing(sess *table.Session, datagram []byte) []byte {
	triple := filter.DeriveTriple(sess.FilterSecret, time.Now())
	local := addr.FromUDPAddr(s.conn.LocalAddr().(*net.UDPAddr))
	return filter.Frame(datagram[0], triple.Current, local, sess.Address, datagram[1:])
}

// sealSpecial and sealInternal mirror the client's own helpers of the
// same name: every DIRECT_PING/PONG and CONTINUE_REQUEST/RESPONSE
// travels on the special stream, every CLIENT_STATS, ROUTE_UPDATE, and
// CLIENT_RELAY_UPDATE/ACK on the internal one, each sequenced off the
// session's own counters and replay-checked independently of the
// payload stream.
func (s *Server) sealSpecial(sess *table.Session, typ protocol.PacketType, payload []byte) ([]byte, error) {
	h := header.Header{Type: byte(typ), Sequence: sess.NextSpecialSequence(), SessionID: sess.SessionID}
	return header.Seal(sess.RouteKeys.SendKey, h, payload)
}

func (s *Server) sealInternal(sess *table.Session, typ protocol.PacketType, payload []byte) ([]byte, error) {
	h := header.Header{Type: byte(typ), Sequence: sess.NextInternalSequence(), SessionID: sess.SessionID}
	return header.Seal(sess.RouteKeys.SendKey, h, payload)
}

// openControlStream decrypts a Special- or Internal-stream datagram
// and checks it against the session's matching replay window, in the
// same Check-then-Advance order the payload stream already follows.
func (s *Server) openControlStream(sess *table.Session, win *replay.Window, typ byte, body []byte) (header.Header, []byte, bool) {
	full := make([]byte, 1+len(body))
	full[0] = typ
	copy(full[1:], body)

	h, payload, err := header.Open(sess.RouteKeys.RecvKey, full)
	if err != nil || h.SessionID != sess.SessionID {
		return header.Header{}, nil, false
	}
	if win.Check(h.Sequence) {
		s.metrics.replayRejects.Inc()
		return header.Header{}, nil, false
	}
	win.Advance(h.Sequence)
	return h, payload, true
}

// handleDatagram runs every received datagram through the two-stage
// wire filter (spec.md §4.1) before any type-switch dispatch: a
// passthrough sentinel bypasses the filter entirely, UPGRADE_RESPONSE
// is validated under the zero magic since the server has not yet
// derived this session's filter secret, and everything else is looked
// up by source address so its own FilterSecret can be used to
// recompute the keyed magic triple.
func (s *Server) handleDatagram(datagram []byte, raddr *net.UDPAddr) {
	if len(datagram) == 0 {
		return
	}

	if datagram[0] == filter.PassthroughSentinel {
		s.handlePassthrough(datagram[1:], raddr)
		return
	}
	if !filter.BasicFilter(datagram) {
		return
	}

	typ := protocol.PacketType(datagram[0])
	prefix := 1 + constants.FilterFieldBytes
	from := addr.FromUDPAddr(raddr)

	if typ == protocol.PacketUpgradeResponse {
		if !filter.AdvancedFilter(datagram, filter.Triple{}, from, addr.None, true) {
			return
		}
		if len(datagram) < prefix {
			return
		}
		s.handleUpgradeResponse(datagram[prefix:], raddr)
		return
	}

	sess, ok := s.sessions.FindByAddress(from)
	if !ok {
		return
	}

	local := addr.FromUDPAddr(s.conn.LocalAddr().(*net.UDPAddr))
	triple := filter.DeriveTriple(sess.FilterSecret, time.Now())
	unframedType, body, ok := filter.Unframe(datagram, triple, from, local, false)
	if !ok {
		return
	}

	switch protocol.PacketType(unframedType) {
	case protocol.PacketDirectPing:
		s.handleDirectPing(sess, unframedType, body, raddr)
	case protocol.PacketSessionPing:
		s.handleSessionPing(sess, body, raddr)
	case protocol.PacketClientToServer:
		full := make([]byte, 1+len(body))
		full[0] = unframedType
		copy(full[1:], body)
		s.handleClientToServer(sess, full, raddr)
	case protocol.PacketRouteRequest:
		s.handleRouteRequest(sess, body, raddr)
	case protocol.PacketContinueRequest:
		s.handleContinueRequest(sess, unframedType, body, raddr)
	case protocol.PacketClientStats:
		s.handleClientStats(sess, unframedType, body)
	case protocol.PacketClientRelayUpdate:
		s.handleClientRelayUpdate(sess, unframedType, body, raddr)
	case protocol.PacketClientPing:
		s.handleClientPing(sess, body, raddr)
	}
}

func (s *Server) handlePassthrough(body []byte, raddr *net.UDPAddr) {
	from := addr.FromUDPAddr(raddr)
	s.notifyQueue.TryPush(queue.Notification{
		Kind:    queue.NotifyPacketReceived,
		Payload: receivedPayload{from: from, body: append([]byte(nil), body...)},
	})
}

// handleUpgradeResponse is step 3 of spec.md §4.7: the server
// re-derives the session's route keys and filter secret from its
// cached ephemeral private key and the client's echoed public key,
// verifies the echoed upgrade token, promotes the pending entry into
// the session table, and replies a signed, keyed-filter-framed
// UPGRADE_CONFIRM.
func (s *Server) handleUpgradeResponse(body []byte, raddr *net.UDPAddr) {
	from := addr.FromUDPAddr(raddr)
	entry, ok := s.pending.Find(from)
	if !ok {
		return
	}

	r := wire.NewReader(body)
	var clientKXPub [xcrypto.Curve25519KeySize]byte
	copy(clientKXPub[:], r.Raw(xcrypto.Curve25519KeySize))
	var clientRoutePub [xcrypto.Curve25519KeySize]byte
	copy(clientRoutePub[:], r.Raw(xcrypto.Curve25519KeySize))
	echoedToken := r.Raw(constants.UpgradeTokenBytes)
	platform := string(r.Remaining())
	if r.Err() != nil {
		s.log.WithError(r.Err()).Debug("malformed upgrade response")
		return
	}

	var secretboxKey [xcrypto.SecretboxKeySize]byte
	copy(secretboxKey[:], entry.EphemeralPrivateKey[:])
	token, err := protocol.OpenUpgradeToken(secretboxKey, echoedToken)
	if err != nil || token.SessionID != entry.SessionID {
		s.log.WithError(err).Debug("upgrade token verification failed")
		return
	}

	shared, err := xcrypto.SharedSecret(entry.EphemeralPrivateKey, clientKXPub)
	if err != nil {
		s.log.WithError(err).Debug("upgrade handshake: shared secret failed")
		return
	}
	routeKeys, err := xcrypto.DeriveRouteKeys(shared, false)
	if err != nil {
		s.log.WithError(err).Debug("upgrade handshake: key derivation failed")
		return
	}
	filterSecret, err := xcrypto.DeriveFilterSecret(shared)
	if err != nil {
		s.log.WithError(err).Debug("upgrade handshake: filter secret derivation failed")
		return
	}

	sess := table.NewSession(from, entry.SessionID, entry.UserHash, time.Now())
	sess.RouteKeys = routeKeys
	sess.FilterSecret = filterSecret
	sess.Stats.Platform = platform
	s.sessions.Add(sess)
	s.pending.Remove(from)

	s.metrics.sessionsActive.Inc()
	s.metrics.sessionsTotal.Inc()
	s.emitSessionEvent(entry.SessionID, "session_upgraded")

	_ = clientRoutePub // reserved for the relay-hop key exchange, not used directly by this SDK surface

	w := newWriter()
	w.U8(byte(protocol.PacketUpgradeConfirm))
	w.U64(entry.SessionID)
	w.Raw(clientKXPub[:])
	signed := w.Bytes()[1:]
	signature := xcrypto.Sign(s.signing.Private, signed)
	w.Raw(signature)

	s.sendRaw(raddr, s.frameOutgoing(sess, w.Bytes()))
}

// handleDirectPing opens the special-stream envelope, then echoes the
// ping's payload back verbatim under a fresh DIRECT_PONG sequence: the
// header's own Sequence field belongs to the sender's per-stream
// counter, not a round-trip correlator, so the client recovers which
// ping a pong answers from this echoed body instead.
func (s *Server) handleDirectPing(sess *table.Session, typ byte, body []byte, raddr *net.UDPAddr) {
	_, payload, ok := s.openControlStream(sess, sess.Replay.Special, typ, body)
	if !ok {
		return
	}
	sealed, err := s.sealSpecial(sess, protocol.PacketDirectPong, payload)
	if err != nil {
		s.log.WithError(err).Debug("seal direct pong")
		return
	}
	s.sendRaw(raddr, s.frameOutgoing(sess, sealed))
}

func (s *Server) handleSessionPing(sess *table.Session, body []byte, raddr *net.UDPAddr) {
	r := wire.NewReader(body)
	seq := r.U64()
	if r.Err() != nil {
		return
	}
	w := newWriter()
	w.U8(byte(protocol.PacketSessionPong))
	w.U64(seq)
	s.sendRaw(raddr, s.frameOutgoing(sess, w.Bytes()))
}

// handleClientPing lets this server double as the one near-relay this
// self-contained module can offer (no real relay infrastructure exists
// per spec.md §1): any client that has added this server's own address
// to its near-relay set gets a CLIENT_PONG echo back, exercising the
// same ping-cadence code paths a real relay's reply would.
func (s *Server) handleClientPing(sess *table.Session, body []byte, raddr *net.UDPAddr) {
	r := wire.NewReader(body)
	seq := r.U64()
	if r.Err() != nil {
		return
	}
	w := newWriter()
	w.U8(byte(protocol.PacketClientPong))
	w.U64(seq)
	s.sendRaw(raddr, s.frameOutgoing(sess, w.Bytes()))
}

// handleRouteRequest lets this server act as the next hop of its own
// simulated route (server.issueRoute names itself as NextAddress):
// the request is padded with the session id to clear
// constants.MinDatagramSize once filter-framed, and the reply drives
// the sender's PromotePending.
func (s *Server) handleRouteRequest(sess *table.Session, body []byte, raddr *net.UDPAddr) {
	r := wire.NewReader(body)
	sessionID := r.U64()
	if r.Err() != nil || sessionID != sess.SessionID {
		return
	}
	w := newWriter()
	w.U8(byte(protocol.PacketRouteResponse))
	w.U64(sessionID)
	s.sendRaw(raddr, s.frameOutgoing(sess, w.Bytes()))
}

// handleContinueRequest implements the server side of spec.md §4.6's
// continue path: extend the current route slot by one slice and reply
// with a sealed ContinueToken carrying the new expiry, reusing the
// token's own Seal/Open pair for structural consistency with how
// RouteToken and UpgradeToken travel even though the outer special-
// stream envelope already authenticates this exchange on its own.
func (s *Server) handleContinueRequest(sess *table.Session, typ byte, body []byte, raddr *net.UDPAddr) {
	_, _, ok := s.openControlStream(sess, sess.Replay.Special, typ, body)
	if !ok {
		return
	}

	cur := sess.Route.Current
	if cur == nil {
		return
	}

	newExpireTimestamp := cur.ExpireTimestamp + uint64(constants.SliceDuration/time.Second)
	sess.Route.Continue(newExpireTimestamp)

	continueToken := protocol.ContinueToken{
		ExpireTimestamp: newExpireTimestamp,
		SessionID:       sess.SessionID,
		SessionVersion:  cur.SessionVersion,
	}
	var secretboxKey [xcrypto.SecretboxKeySize]byte
	copy(secretboxKey[:], cur.PrivateKey[:])
	sealedToken, err := continueToken.Seal(secretboxKey)
	if err != nil {
		s.log.WithError(err).Debug("seal continue token")
		return
	}

	sealed, err := s.sealSpecial(sess, protocol.PacketContinueResponse, sealedToken)
	if err != nil {
		s.log.WithError(err).Debug("seal continue response")
		return
	}
	s.sendRaw(raddr, s.frameOutgoing(sess, sealed))
}

// handleClientStats updates sess's measurement snapshot from a
// CLIENT_STATS report (spec.md §4.9's reportSession analogue) and, on
// a session's first report with no route yet installed, synthesizes
// one via issueRoute — the stand-in this module uses in place of a
// real backend decision (spec.md §1).
func (s *Server) handleClientStats(sess *table.Session, typ byte, body []byte) {
	_, payload, ok := s.openControlStream(sess, sess.Replay.Internal, typ, body)
	if !ok {
		return
	}

	report, err := protocol.UnmarshalClientStatsReport(payload)
	if err != nil {
		s.log.WithError(err).Debug("malformed client stats report")
		return
	}

	sess.Stats.DirectRTT = report.DirectRTT
	sess.Stats.DirectJitter = report.DirectJitter
	sess.Stats.DirectLoss = report.DirectLoss
	sess.Stats.NextRTT = report.NextRTT
	sess.Stats.NextJitter = report.NextJitter
	sess.Stats.NextLoss = report.NextLoss
	sess.Stats.KbpsUp = report.KbpsUp
	sess.Stats.KbpsDown = report.KbpsDown
	sess.Stats.Multipath = report.Multipath
	sess.Stats.FallbackToDirect = report.FallbackToDirect
	sess.Stats.PacketsSent = report.PacketsSent
	sess.Stats.PacketsReceived = report.PacketsReceived
	sess.Touch(time.Now())

	s.issueRoute(sess)
}

// handleClientRelayUpdate acknowledges a CLIENT_RELAY_UPDATE report
// with a minimal CLIENT_RELAY_ACK; the measurements themselves feed a
// real backend's relay-selection decision, which is out of scope here
// (spec.md §1), so this exists to keep the exchange's replay-protected
// round trip genuinely reachable rather than a dead end.
func (s *Server) handleClientRelayUpdate(sess *table.Session, typ byte, body []byte, raddr *net.UDPAddr) {
	_, payload, ok := s.openControlStream(sess, sess.Replay.Internal, typ, body)
	if !ok {
		return
	}
	if _, err := protocol.UnmarshalClientRelayUpdate(payload); err != nil {
		s.log.WithError(err).Debug("malformed client relay update")
		return
	}

	sealed, err := s.sealInternal(sess, protocol.PacketClientRelayAck, nil)
	if err != nil {
		s.log.WithError(err).Debug("seal relay ack")
		return
	}
	s.sendRaw(raddr, s.frameOutgoing(sess, sealed))
}

// handleClientToServer opens a routed payload against the owning
// session's trial-decrypt key set, applying the same replay/promotion
// rules the client applies symmetrically (spec.md §4.2, §4.6).
func (s *Server) handleClientToServer(sess *table.Session, datagram []byte, raddr *net.UDPAddr) {
	sess.Touch(time.Now())

	for _, candidate := range sess.Route.Keys() {
		h, body, err := header.Open(candidate.Key, datagram)
		if err != nil {
			continue
		}
		if h.SessionID != sess.SessionID {
			return
		}
		if sess.Replay.Payload.Check(h.Sequence) {
			s.metrics.replayRejects.Inc()
			return
		}

		if candidate.Slot == sess.Route.Pending {
			sess.Route.PromotePending()
		}
		sess.Replay.Payload.Advance(h.Sequence)

		from := addr.FromUDPAddr(raddr)
		s.notifyQueue.TryPush(queue.Notification{
			Kind:    queue.NotifyPacketReceived,
			Payload: receivedPayload{from: from, body: append([]byte(nil), body...)},
		})
		return
	}
}

// sendToSession seals payload for delivery to sess, filter-frames it
// like every other non-passthrough datagram, and falls back to an
// unencrypted passthrough send when the session has no route or has
// fallen back to direct (spec.md §4.10). When the session has
// multipath enabled, the identical framed datagram is sent a second
// time in place of a real second physical path (spec.md §1 scopes
// relay infrastructure out); the client's own payload replay window
// rejects the duplicate on arrival, so the first copy to land wins.
func (s *Server) sendToSession(sess *table.Session, payload []byte) error {
	snap := sess.Snapshot()

	bits := stats.WirePacketBits(len(payload))
	sess.BandwidthOut.AddPacket(time.Now(), float64(snap.KbpsEnvelope), bits)

	if snap.SendOverNetworkNext {
		h := header.Header{
			Type:           byte(protocol.PacketServerToClient),
			Sequence:       sess.NextPayloadSequence(),
			SessionID:      snap.SessionID,
			SessionVersion: snap.SessionVersion,
		}
		sealed, err := header.Seal(snap.RoutePrivateKey, h, payload)
		if err != nil {
			return err
		}
		framed := s.frameOutgoing(sess, sealed)
		if err := s.sendRaw(snap.SessionAddress.UDPAddr(), framed); err != nil {
			return err
		}
		if snap.Multipath {
			return s.sendRaw(snap.SessionAddress.UDPAddr(), framed)
		}
		return nil
	}

	out := make([]byte, 0, 1+len(payload))
	out = append(out, filter.PassthroughSentinel)
	out = append(out, payload...)
	return s.sendRaw(sess.Address.UDPAddr(), out)
}
