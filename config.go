package rcon

import (
	"log/slog"
	"math"
	"time"
)

// Default timing and retry values used when the corresponding [ClientConfig] field is left zero.
const (
	DefaultConnectionTimeout      = 9 * time.Second
	DefaultLoginTimeout           = 3 * time.Second
	DefaultCommandTimeout         = 10 * time.Second
	DefaultCommandAttempts        = 3
	DefaultKeepAliveInterval      = 30 * time.Second
	DefaultPlayersInterval        = 60 * time.Second
	DefaultNonceWindow            = 5
	DefaultReconnectInitialDelay  = 3 * time.Second
	DefaultReconnectBackoffFactor = 2.0
	DefaultReconnectMaxDelay      = 60 * time.Second

	// lastReceivedTimeout is the server-side idle threshold published by the BattlEye protocol;
	// silence longer than this indicates the server has dropped the session. This is not
	// configurable since it is a property of the wire protocol, not this client.
	lastReceivedTimeout = 45 * time.Second
)

// ClientConfig configures a [Client]. All duration and count fields except ReconnectMaxAttempts
// (whose zero value means unlimited) fall back to the package's Default* constants when left at
// their zero value, mirroring the teacher library's zero-value-means-use-the-default convention.
type ClientConfig struct {
	// ConnectionTimeout bounds how long the initial Connect call will wait, across all retries,
	// before giving up and returning [ErrLoginTimeout] to the caller.
	ConnectionTimeout time.Duration

	// LoginTimeout bounds how long a single sent login packet is given to elicit a ServerLogin
	// response before it is considered lost and resent.
	LoginTimeout time.Duration

	// CommandTimeout bounds the total round-trip time for a single SendCommand call, across all
	// of its internal retransmit attempts.
	CommandTimeout time.Duration

	// CommandAttempts is the number of times a command packet is (re)transmitted before
	// CommandTimeout is allowed to expire and fail the call.
	CommandAttempts int

	// KeepAliveInterval is the send-side silence period after which the connector issues
	// KeepAliveCommand to keep the server from timing out the session.
	KeepAliveInterval time.Duration

	// KeepAliveCommand is the probe text used by the keep-alive loop. The generic core defaults
	// to an empty string; game-specific embedders may override this with a concrete command.
	KeepAliveCommand string

	// PlayersInterval is the additional silence period after which a keep-alive probe is replaced
	// with a "players" command whose response refreshes the player cache. Zero falls back to
	// DefaultPlayersInterval; a negative value disables the player cache refresh entirely.
	PlayersInterval time.Duration

	// ReconnectMaxAttempts bounds how many times the reconnect supervisor will retry after the
	// first successful connection is lost. Zero means unlimited.
	ReconnectMaxAttempts int

	// ReconnectInitialDelay, ReconnectBackoffFactor, and ReconnectMaxDelay parameterize the
	// exponential backoff applied between reconnect attempts: delay(n) = min(initial *
	// factor^n, max).
	ReconnectInitialDelay  time.Duration
	ReconnectBackoffFactor float64
	ReconnectMaxDelay      time.Duration

	// NonceWindow sizes the message-dedup window; must be within 1..255.
	NonceWindow int

	// Logger receives structured diagnostic output. Defaults to slog.Default().
	Logger *slog.Logger

	// LogOutboundAuthPackets must be explicitly enabled to include the plaintext login password
	// in debug-level packet logs. When false (the default), outbound login packets are logged
	// with their password redacted, mirroring the teacher library's logPacket safeguard.
	LogOutboundAuthPackets bool

	// clock abstracts time for deterministic tests; unexported since embedders have no need to
	// supply anything but the real clock.
	clock Clock
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = DefaultLoginTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.CommandAttempts <= 0 {
		c.CommandAttempts = DefaultCommandAttempts
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.PlayersInterval == 0 {
		c.PlayersInterval = DefaultPlayersInterval
	}
	if c.ReconnectInitialDelay <= 0 {
		c.ReconnectInitialDelay = DefaultReconnectInitialDelay
	}
	if c.ReconnectBackoffFactor <= 0 {
		c.ReconnectBackoffFactor = DefaultReconnectBackoffFactor
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.NonceWindow <= 0 {
		c.NonceWindow = DefaultNonceWindow
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	return c
}

// reconnectDelay returns the backoff delay before reconnect attempt n (0-indexed).
func (c ClientConfig) reconnectDelay(n int) time.Duration {
	delay := float64(c.ReconnectInitialDelay) * math.Pow(c.ReconnectBackoffFactor, float64(n))
	if max := float64(c.ReconnectMaxDelay); delay > max {
		delay = max
	}
	return time.Duration(delay)
}
