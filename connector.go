package rcon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// pollInterval bounds how long a single read from the UDP socket blocks before the driver loop
// re-checks the keep-alive interval, server-silence threshold, and close signal.
const pollInterval = 500 * time.Millisecond

var errServerSilent = errors.New("rcon: server has not sent anything within the protocol's idle timeout")

// Client is a factory for [Session]s sharing a common [ClientConfig].
type Client struct {
	config ClientConfig
}

// NewClient returns a Client configured by config. Zero-valued fields of config fall back to
// their documented defaults.
func NewClient(config ClientConfig) *Client {
	return &Client{config: config.withDefaults()}
}

// Connect dials addr ("host:port") over UDP and authenticates with password, blocking until login
// succeeds, is refused ([ErrLoginRefused]), or [ClientConfig.ConnectionTimeout] elapses
// ([ErrLoginTimeout]). On success it returns a [Session] that maintains the connection, including
// keep-alives and automatic reconnection, until [Session.Close] is called.
func (c *Client) Connect(ctx context.Context, addr, password string) (*Session, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rcon: resolving %q: %w", addr, err)
	}

	protocol, err := NewClientProtocol(c.config.NonceWindow)
	if err != nil {
		return nil, err
	}

	s := &Session{
		config:     c.config,
		remoteAddr: udpAddr,
		password:   password,
		protocol:   protocol,
		pending:    make(map[byte]*pendingCommand),
		cache:      newPlayerCache(),
		events:     make(chan Event, 64),
		closeCh:    make(chan struct{}),
	}
	now := c.config.clock.Now()
	s.lastReceived, s.lastCommand, s.lastPlayers = now, now, now

	if err := s.dial(); err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
	defer cancel()

	if err := s.login(connectCtx); err != nil {
		s.conn.Close()
		return nil, err
	}
	s.setLoggedIn(true)

	s.wg.Add(1)
	go s.driveLoop()

	return s, nil
}

// pendingCommand tracks a single in-flight command awaiting its response.
type pendingCommand struct {
	packet Packet
	done   chan struct{}
	result string
	err    error
}

// Session represents a single, possibly-reconnecting, authenticated connection to a BattlEye RCON
// server. A Session is safe for concurrent use by multiple goroutines.
type Session struct {
	config     ClientConfig
	remoteAddr *net.UDPAddr
	password   string

	conn     *net.UDPConn
	protocol *ClientProtocol
	cache    *playerCache

	mu      sync.Mutex
	pending map[byte]*pendingCommand

	timeMu       sync.Mutex
	lastReceived time.Time
	lastCommand  time.Time
	lastPlayers  time.Time

	connected atomic.Bool
	loggedIn  atomic.Bool

	events  chan Event
	closeCh chan struct{}
	wg      sync.WaitGroup
	cmdWG   sync.WaitGroup
	once    sync.Once
}

// Events returns the channel on which the session publishes its event stream (see [Event]). The
// channel is closed once the session has fully shut down after [Session.Close].
func (s *Session) Events() <-chan Event {
	return s.events
}

// Players returns a snapshot of the player cache as of the last successful "players" keep-alive
// refresh.
func (s *Session) Players() []Player {
	return s.cache.snapshot()
}

// IsRunning reports whether [Session.Close] has not yet been called. It keeps reporting true after
// the background goroutine has stopped on its own (e.g. once reconnect attempts are exhausted);
// [Session.IsConnected] reports false in that case.
func (s *Session) IsRunning() bool {
	select {
	case <-s.closeCh:
		return false
	default:
		return true
	}
}

// IsConnected reports whether the session currently has an open UDP socket bound to the server.
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

// IsLoggedIn reports whether the session is currently authenticated.
func (s *Session) IsLoggedIn() bool {
	return s.loggedIn.Load()
}

// Send transmits text as a fire-and-forget command: it returns as soon as the packet has been
// written, without waiting for (or returning) the server's response. The response, once it
// arrives, is still published as an [EventCommandResponse] on [Session.Events].
func (s *Session) Send(text string) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}

	s.mu.Lock()
	_, err := s.protocol.SendCommand(text)
	var toSend []Packet
	if err == nil {
		toSend = s.protocol.PacketsToSend()
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for _, p := range toSend {
		if err := s.writePacket(p); err != nil {
			return err
		}
	}
	return nil
}

// SendCommand sends text to the server and waits for its (possibly multipart) response. It
// retransmits the command at regular intervals, up to [ClientConfig.CommandAttempts] transmissions
// in all, until a response arrives or [ClientConfig.CommandTimeout] elapses, at which point it
// fails with an [*RCONCommandError]. It
// fails immediately with [ErrNotConnected] if the session is not currently connected, or if it is
// torn down while the call is waiting.
func (s *Session) SendCommand(ctx context.Context, text string) (string, error) {
	s.cmdWG.Add(1)
	defer s.cmdWG.Done()
	return s.sendCommand(ctx, text)
}

// sendCommand is SendCommand's body, factored out so that sendKeepAlive can register with cmdWG
// itself before spawning the goroutine that calls it, rather than racing Close's cmdWG.Wait
// against the Add that would otherwise happen inside a not-yet-scheduled goroutine.
func (s *Session) sendCommand(ctx context.Context, text string) (string, error) {
	if !s.IsConnected() {
		return "", ErrNotConnected
	}

	s.mu.Lock()
	pkt, err := s.protocol.SendCommand(text)
	var toSend []Packet
	if err == nil {
		toSend = s.protocol.PacketsToSend()
	}
	s.mu.Unlock()
	if err != nil {
		if !s.IsConnected() {
			return "", ErrNotConnected
		}
		return "", err
	}

	pc := &pendingCommand{packet: pkt, done: make(chan struct{})}
	s.mu.Lock()
	s.pending[pkt.Sequence] = pc
	s.mu.Unlock()

	for _, p := range toSend {
		if err := s.writePacket(p); err != nil {
			s.invalidate(pkt.Sequence)
			return "", err
		}
	}

	overallCtx, cancel := context.WithTimeout(ctx, s.config.CommandTimeout)
	defer cancel()

	attempts := s.config.CommandAttempts
	interval := s.config.CommandTimeout / time.Duration(attempts+1)

	resent := 0
	for {
		// Once every attempt has been transmitted, no retransmit timer is armed and the call
		// waits for the response or the overall timeout.
		var retransmitC <-chan time.Time
		stopRetransmit := func() bool { return false }
		if resent+1 < attempts {
			retransmitC, stopRetransmit = s.config.clock.NewTimer(interval)
		}
		select {
		case <-pc.done:
			stopRetransmit()
			return pc.result, pc.err

		case <-retransmitC:
			resent++
			if err := s.writePacket(pkt); err != nil {
				s.invalidate(pkt.Sequence)
				return "", &RCONCommandError{Command: text, Attempts: resent, Err: err}
			}

		case <-overallCtx.Done():
			stopRetransmit()
			s.invalidate(pkt.Sequence)
			return "", &RCONCommandError{Command: text, Attempts: resent + 1, Err: overallCtx.Err()}

		case <-s.closeCh:
			stopRetransmit()
			s.invalidate(pkt.Sequence)
			return "", ErrNotConnected
		}
	}
}

// Close tears down the session: it cancels the driver goroutine, fails all outstanding commands
// with [ErrNotConnected], transitions the protocol to CLOSED, and closes the socket. Close is safe
// to call more than once and blocks until all background work has finished.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.closeCh)
		s.wg.Wait()
		s.cmdWG.Wait()
		close(s.events)
	})
	return nil
}

// invalidate discards a pending command's protocol-level bookkeeping and removes it from the
// pending table, freeing its sequence for reuse. Used when a command times out or its connection
// goes away before a response arrives.
func (s *Session) invalidate(sequence byte) {
	s.mu.Lock()
	delete(s.pending, sequence)
	_ = s.protocol.InvalidateCommand(sequence)
	s.mu.Unlock()
}

func (s *Session) failAllPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[byte]*pendingCommand)
	s.mu.Unlock()

	for _, pc := range pending {
		pc.err = err
		close(pc.done)
	}
}

func (s *Session) resolvePending(sequence byte, text string) {
	s.mu.Lock()
	pc, ok := s.pending[sequence]
	if ok {
		delete(s.pending, sequence)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	pc.result = text
	close(pc.done)
}

// publish delivers e to the event channel, dropping it instead of blocking forever if the session
// is closing and nobody is draining the channel.
func (s *Session) publish(e Event) {
	select {
	case s.events <- e:
	case <-s.closeCh:
	}
}

func (s *Session) handleEvent(e Event) {
	if e.Kind == EventCommandResponse {
		s.resolvePending(e.Sequence, e.Text)
	}
	s.publish(e)
}

// feed decodes data as a server packet, applies it to the protocol, writes out any resulting
// acknowledgement/response packets, and dispatches any resulting events. It also publishes an
// EventRawPacket, ahead of those events, for every datagram the protocol accepts, regardless of its
// kind; a datagram that fails to decode or that the protocol rejects produces no event.
func (s *Session) feed(data []byte) ([]Event, error) {
	s.mu.Lock()
	pkt, err := s.protocol.ReceiveDatagram(data)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	events := s.protocol.EventsReceived()
	toSend := s.protocol.PacketsToSend()
	s.mu.Unlock()

	s.setLastReceived(s.config.clock.Now())
	s.publish(Event{Kind: EventRawPacket, Packet: pkt})

	for _, p := range toSend {
		if werr := s.writePacket(p); werr != nil {
			s.config.Logger.Warn("failed to send packet", "error", werr)
		}
	}
	for _, e := range events {
		s.handleEvent(e)
	}
	return events, nil
}

func (s *Session) writePacket(p Packet) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(data); err != nil {
		return err
	}

	now := s.config.clock.Now()
	if p.Kind == KindCommand && p.Direction == FromClient {
		s.setLastCommand(now)
	}
	s.logPacket("sent packet", p)
	return nil
}

func (s *Session) logPacket(msg string, p Packet) {
	logger := s.config.Logger
	if logger == nil || !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	if p.Kind == KindLogin && p.Direction == FromClient && !s.config.LogOutboundAuthPackets {
		p = p.Clone()
		p.Body = []byte("xxxxx")
	}
	data, err := p.Encode()
	if err != nil {
		logger.Error("failed to encode packet for logging", "error", err)
		return
	}
	logger.Debug(msg, "kind", p.Kind.String(), "direction", p.Direction.String(), "packet", hex.EncodeToString(data))
}

// dial opens a new UDP socket connected to the session's remote address.
func (s *Session) dial() error {
	conn, err := net.DialUDP("udp", nil, s.remoteAddr)
	if err != nil {
		return err
	}
	s.conn = conn
	s.setConnected(true)
	return nil
}

// login drives the authentication handshake to completion, retransmitting the login packet at
// config.LoginTimeout intervals until ctx is done. It resets the protocol (and message dedup
// window) before every attempt, matching the behaviour required on reconnect.
func (s *Session) login(ctx context.Context) error {
	for {
		s.mu.Lock()
		s.protocol.Reset()
		pkt, perr := s.protocol.SendLogin(s.password)
		s.mu.Unlock()
		if perr != nil {
			return perr
		}
		if err := s.writePacket(pkt); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.config.LoginTimeout)
		err := s.awaitLogin(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrLoginRefused) {
			return err
		}

		select {
		case <-ctx.Done():
			return ErrLoginTimeout
		default:
		}
	}
}

// awaitLogin reads datagrams until a Login or LoginFailure event is produced or ctx is done.
func (s *Session) awaitLogin(ctx context.Context) error {
	buf := make([]byte, MaximumPacketSize)
	for {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(s.config.LoginTimeout)
		}
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return err
		}

		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ErrLoginTimeout
			}
			return ErrLoginTimeout
		}
		if !addrEqual(raddr, s.remoteAddr) {
			continue
		}

		events, ferr := s.feed(buf[:n])
		if ferr != nil {
			continue
		}
		for _, e := range events {
			switch e.Kind {
			case EventLogin:
				return nil
			case EventLoginFailure:
				return e.Err
			}
		}
	}
}

// reconnect tears down the current transport and repeatedly attempts to redial and re-authenticate
// using exponential backoff, until it succeeds, a refusal is received, or
// config.ReconnectMaxAttempts is exhausted.
func (s *Session) reconnect() error {
	s.setLoggedIn(false)
	s.setConnected(false)
	s.failAllPending(ErrNotConnected)
	if s.conn != nil {
		s.conn.Close()
	}

	for attempt := 0; ; attempt++ {
		delayC, stopDelay := s.config.clock.NewTimer(s.config.reconnectDelay(attempt))
		select {
		case <-s.closeCh:
			stopDelay()
			return ErrNotConnected
		case <-delayC:
		}

		if err := s.dial(); err != nil {
			if s.exceededReconnectAttempts(attempt + 1) {
				return err
			}
			continue
		}

		loginCtx, cancel := context.WithTimeout(context.Background(), s.config.LoginTimeout*time.Duration(s.config.CommandAttempts+1))
		err := s.login(loginCtx)
		cancel()
		if err != nil {
			s.conn.Close()
			s.setConnected(false)
			if errors.Is(err, ErrLoginRefused) {
				return err
			}
			if s.exceededReconnectAttempts(attempt + 1) {
				return err
			}
			continue
		}

		s.setLoggedIn(true)
		return nil
	}
}

func (s *Session) exceededReconnectAttempts(attempts int) bool {
	return s.config.ReconnectMaxAttempts > 0 && attempts >= s.config.ReconnectMaxAttempts
}

// driveLoop is the session's single background goroutine: it reads datagrams, feeds them to the
// protocol, and cooperatively performs keep-alive and server-silence checks on every poll interval,
// per the single-threaded scheduling model described for this package.
func (s *Session) driveLoop() {
	defer s.wg.Done()

	buf := make([]byte, MaximumPacketSize)
	for {
		select {
		case <-s.closeCh:
			s.shutdown()
			return
		default:
		}

		// The socket read deadline bounds real I/O and so is always paced by the wall clock, even
		// under a fake [Clock] in tests; only the duration comparisons below (and the timers in
		// SendCommand/reconnect) go through config.clock, so tests can fast-forward keep-alive,
		// server-silence, and backoff logic without the poll loop itself blocking for real time.
		if err := s.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			s.fail(err)
			return
		}
		n, raddr, err := s.conn.ReadFromUDP(buf)

		switch {
		case err == nil:
			if addrEqual(raddr, s.remoteAddr) {
				if _, ferr := s.feed(buf[:n]); ferr != nil {
					s.config.Logger.Debug("dropping malformed datagram", "error", ferr)
				}
			} else {
				s.config.Logger.Debug("dropping datagram from unexpected source", "addr", raddr.String())
			}

		case !isTimeout(err):
			s.publish(Event{Kind: EventDisconnected, Err: err})
			if rerr := s.reconnect(); rerr != nil {
				s.fail(rerr)
				return
			}
			continue
		}

		if s.config.clock.Now().Sub(s.getLastReceived()) > lastReceivedTimeout {
			s.publish(Event{Kind: EventDisconnected, Err: errServerSilent})
			if rerr := s.reconnect(); rerr != nil {
				s.fail(rerr)
				return
			}
			continue
		}

		if s.config.clock.Now().Sub(s.getLastCommand()) > s.config.KeepAliveInterval {
			s.sendKeepAlive()
		}
	}
}

// sendKeepAlive issues a keep-alive probe in a separate goroutine so that a slow or lost response
// does not stall the driver loop's polling of the socket. It replaces the configured probe with a
// "players" command once config.PlayersInterval has additionally elapsed, refreshing the player
// cache from the response.
func (s *Session) sendKeepAlive() {
	probe := s.config.KeepAliveCommand
	refreshPlayers := s.config.PlayersInterval > 0 && s.config.clock.Now().Sub(s.getLastPlayers()) > s.config.PlayersInterval
	if refreshPlayers {
		probe = "players"
	}

	s.cmdWG.Add(1)
	go func() {
		defer s.cmdWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.CommandTimeout)
		defer cancel()

		text, err := s.sendCommand(ctx, probe)
		if err != nil {
			s.config.Logger.Debug("keep alive command failed", "error", err)
			return
		}
		if refreshPlayers {
			s.setLastPlayers(s.config.clock.Now())
			s.cache.update(text)
		}
	}()
}

// shutdown performs a graceful, caller-initiated teardown in response to Session.Close.
func (s *Session) shutdown() {
	s.failAllPending(ErrNotConnected)
	s.mu.Lock()
	s.protocol.Close()
	s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.setConnected(false)
	s.setLoggedIn(false)

	// A deliberate Close is reported as an EventDisconnected with a nil Err. The event is dropped
	// if the channel's buffer is full, since nobody may be draining it any more.
	select {
	case s.events <- Event{Kind: EventDisconnected}:
	default:
	}
}

// fail performs an unrecoverable, internally triggered teardown, e.g. once reconnect attempts are
// exhausted.
func (s *Session) fail(cause error) {
	s.failAllPending(ErrNotConnected)
	s.mu.Lock()
	s.protocol.Close()
	s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.setConnected(false)
	s.setLoggedIn(false)
	s.publish(Event{Kind: EventDisconnected, Err: cause})
}

func (s *Session) setConnected(v bool) { s.connected.Store(v) }
func (s *Session) setLoggedIn(v bool)  { s.loggedIn.Store(v) }

func (s *Session) getLastReceived() time.Time {
	s.timeMu.Lock()
	defer s.timeMu.Unlock()
	return s.lastReceived
}

func (s *Session) setLastReceived(t time.Time) {
	s.timeMu.Lock()
	s.lastReceived = t
	s.timeMu.Unlock()
}

func (s *Session) getLastCommand() time.Time {
	s.timeMu.Lock()
	defer s.timeMu.Unlock()
	return s.lastCommand
}

func (s *Session) setLastCommand(t time.Time) {
	s.timeMu.Lock()
	s.lastCommand = t
	s.timeMu.Unlock()
}

func (s *Session) getLastPlayers() time.Time {
	s.timeMu.Lock()
	defer s.timeMu.Unlock()
	return s.lastPlayers
}

func (s *Session) setLastPlayers(t time.Time) {
	s.timeMu.Lock()
	s.lastPlayers = t
	s.timeMu.Unlock()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func addrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
