// Package constants holds the fixed numeric parameters of the overlay
// protocol: window sizes, cadences, timeouts and wire-size budgets.
// Values are taken from the reference SDK this protocol is modeled on
// and are not meant to be tuned per deployment.
package constants

import "time"

const (
	// ReplayWindowSize is the number of tracked sequence slots per
	// replay-protection stream (payload, special, internal).
	ReplayWindowSize = 1024

	// PingHistoryEntries is the size of the per-destination ping ring
	// buffer used for RTT/jitter/loss computation.
	PingHistoryEntries = 1024

	// PingSafetyWindow excludes pings sent within this long of the
	// window's right edge from loss accounting, so in-flight pings are
	// not miscounted as lost.
	PingSafetyWindow = 1 * time.Second

	// UpgradeTimeout bounds the handshake: if it has not completed by
	// this long after the first UPGRADE_REQUEST, both sides abandon.
	UpgradeTimeout = 5 * time.Second

	// ClientSessionTimeout is how long a client waits for a direct or
	// next pong before declaring that path dead.
	ClientSessionTimeout = 5 * time.Second

	// ClientRouteTimeout bounds how long a client waits for route
	// confirmation after sending route-request packets.
	ClientRouteTimeout = 16500 * time.Millisecond

	// ServerSessionTimeout is how long the server keeps a session alive
	// with no traffic before dropping it.
	ServerSessionTimeout = 60 * time.Second

	// PingsPerSecond is the direct and next ping cadence.
	PingsPerSecond = 5

	// NearRelayPingsPerSecond is the per-relay ping cadence for the
	// client's near-relay set.
	NearRelayPingsPerSecond = 2

	// ServerRelayPingsPerSecond is the per-relay ping cadence used by a
	// server measuring its own relay set.
	ServerRelayPingsPerSecond = 60

	// StatsReportRate is how often the client reports stats to the
	// server.
	StatsReportRate = 1 * time.Second

	// BandwidthLimiterInterval is the fixed accounting window for the
	// bandwidth limiter's budget and EMA fold.
	BandwidthLimiterInterval = 1 * time.Second

	// SliceDuration is the backend scheduling unit; route tokens expire
	// on slice boundaries and continue extends by one slice.
	SliceDuration = 10 * time.Second

	// RouteRequestTimeout / ContinueRequestTimeout bound how long the
	// client waits for a route or continue response before giving up.
	RouteRequestTimeout    = 5 * time.Second
	ContinueRequestTimeout = 5 * time.Second

	// RouteUpdateResendInterval / RouteUpdateTimeout govern the
	// server's retransmission of ROUTE_UPDATE to the client.
	RouteUpdateResendInterval = 250 * time.Millisecond
	RouteUpdateTimeout        = 10 * time.Second

	// SessionUpdateResendInterval / SessionUpdateTimeout govern the
	// server's per-session backend update cadence.
	SessionUpdateResendInterval = 1 * time.Second
	SessionUpdateTimeout        = 10 * time.Second

	// ServerInitResendInterval / ServerInitTimeout bound the server's
	// startup handshake with the backend.
	ServerInitResendInterval = 1 * time.Second
	ServerInitTimeout        = 9 * time.Second

	// ServerWideUpdateInterval is the cadence of server-to-backend
	// heartbeat updates carrying session count and uptime.
	ServerWideUpdateInterval = 10 * time.Second

	// ServerFlushTimeout bounds how long a graceful Flush waits for
	// in-flight backend responses.
	ServerFlushTimeout = 30 * time.Second

	// PacketLossTrackerHistory / PacketLossTrackerSafety parameterize
	// the inbound payload-stream loss tracker.
	PacketLossTrackerHistory = 1024
	PacketLossTrackerSafety  = 30

	// MaxTokensPerRoute bounds the number of relay hops in a single
	// route update.
	MaxTokensPerRoute = 7

	// MaxClientRelays / MaxServerRelays bound the near-relay and
	// server-relay sets.
	MaxClientRelays = 16
	MaxServerRelays = 8

	// Token sizes, sealed (nonce ∥ secretbox ciphertext ∥ tag, a 40-byte
	// overhead over the plaintext encoding). These are fixed-width
	// wire-reader boundaries, not estimates: internal/protocol's
	// token plaintext layouts must stay in lockstep with them.
	UpgradeTokenBytes     = 94
	RouteTokenSealedBytes = 116
	ContinueTokenSealedBytes = 57

	// HeaderBytes is the per-packet routed-header size counted in the
	// bandwidth limiter's wire overhead (WireOverheadBytes). The sealed
	// header internal/header writes is header.Size (34 bytes), not this.
	HeaderBytes = 25

	// PittleBytes / ChonkleBytes are the keyed-hash filter field sizes.
	PittleBytes = 2
	ChonkleBytes = 8

	// FilterFieldBytes is the combined size of the pittle and chonkle
	// fields every non-passthrough datagram carries immediately after
	// its type byte.
	FilterFieldBytes = PittleBytes + ChonkleBytes

	// SigningPublicKeyBytes / SignatureBytes size the Ed25519 public
	// key and signature fields carried by signed control packets.
	SigningPublicKeyBytes = 32
	SignatureBytes        = 64

	// SimulatedRouteKbpsEnvelope is the bandwidth envelope this module's
	// self-contained route simulation issues in place of a real backend
	// decision (spec.md §1 scopes the backend out as an external
	// collaborator).
	SimulatedRouteKbpsEnvelope = 1024

	// MinDatagramSize is the minimum length a datagram must have to
	// survive the basic filter.
	MinDatagramSize = 18

	// CommandQueueCapacity / NotifyQueueCapacity bound the
	// application-thread / I/O-thread command and notification queues.
	CommandQueueCapacity = 1024
	NotifyQueueCapacity  = 1024

	// ClientRelayUpdateSendRate / ClientRelayUpdateTimeout govern the
	// client's relay-set update exchange with the server.
	ClientRelayUpdateSendRate = 100 * time.Millisecond
	ClientRelayUpdateTimeout  = 5 * time.Second

	// InternalTickInterval is the I/O thread's loose periodic-update
	// cadence.
	InternalTickInterval = 10 * time.Millisecond

	// IPv4HeaderBytes / UDPHeaderBytes / WireOverheadBytes make up the
	// on-wire accounting used by the bandwidth limiter: IPv4 + UDP +
	// protocol framing overhead beyond the payload itself.
	IPv4HeaderBytes   = 20
	UDPHeaderBytes    = 8
	WireOverheadBytes = 1 + 15 + HeaderBytes + 2
)
