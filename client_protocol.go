package rcon

import (
	"bytes"
	"fmt"
)

// ClientState enumerates the states of the client-side protocol state machine.
type ClientState int

const (
	// StateNoAuth is the initial state: no login has been sent yet.
	StateNoAuth ClientState = iota
	// StateLoggingIn is entered once a login packet has been sent, awaiting the server's response.
	StateLoggingIn
	// StateLoggedIn is entered once the server has accepted authentication.
	StateLoggedIn
	// StateClosed is terminal; no further input is accepted.
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateNoAuth:
		return "NO_AUTH"
	case StateLoggingIn:
		return "LOGGING_IN"
	case StateLoggedIn:
		return "LOGGED_IN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ClientState(%d)", int(s))
	}
}

// fragmentSet accumulates the pieces of a multipart command response as they arrive, keyed by
// their index within the response.
type fragmentSet struct {
	total byte // 0 until the first fragment for this sequence has been observed
	body  map[byte][]byte
}

// ClientProtocol is the sans-I/O client-side implementation of the BattlEye RCON protocol. It
// consumes login/command requests from the caller and datagrams from the server, and produces
// outgoing packets and inbound events, performing no I/O, sleeping, or concurrency of its own.
//
// ClientProtocol is not safe for concurrent use; a connector must serialize access to it, usually
// with a mutex, since it is entered both from the reader goroutine and from public operations.
type ClientProtocol struct {
	state        ClientState
	messageCheck *NonceCheck

	commandQueue map[byte]*fragmentSet
	nextSequence byte

	events []Event
	toSend []Packet
}

// NewClientProtocol returns a ClientProtocol whose message dedup window holds the given number of
// sequence numbers. nonceWindow must be in the range 1..255.
func NewClientProtocol(nonceWindow int) (*ClientProtocol, error) {
	check, err := NewNonceCheck(nonceWindow)
	if err != nil {
		return nil, err
	}
	p := &ClientProtocol{messageCheck: check}
	p.Reset()
	return p, nil
}

// State returns the protocol's current state.
func (p *ClientProtocol) State() ClientState {
	return p.state
}

// Reset returns the protocol to its initial NO_AUTH state, discarding all outstanding commands,
// queued events, and pending outgoing packets, and clearing the message dedup window. A connector
// calls this after a reconnect.
func (p *ClientProtocol) Reset() {
	p.state = StateNoAuth
	p.commandQueue = make(map[byte]*fragmentSet)
	p.nextSequence = 0
	p.events = nil
	p.toSend = nil
	p.messageCheck.Reset()
}

// Close transitions the protocol to CLOSED unconditionally, from any state.
func (p *ClientProtocol) Close() {
	p.state = StateClosed
}

// SendLogin returns the packet to transmit in order to authenticate with password. It is valid
// only in NO_AUTH and transitions the protocol to LOGGING_IN.
func (p *ClientProtocol) SendLogin(password string) (Packet, error) {
	if err := p.assertState(StateNoAuth); err != nil {
		return Packet{}, err
	}
	pkt := NewClientLogin(password)
	p.state = StateLoggingIn
	p.toSend = append(p.toSend, pkt)
	return pkt, nil
}

// SendCommand returns the packet to transmit in order to issue command text to the server. It is
// valid only in LOGGED_IN, and allocates a sequence number skipping any currently outstanding.
func (p *ClientProtocol) SendCommand(text string) (Packet, error) {
	if err := p.assertState(StateLoggedIn); err != nil {
		return Packet{}, err
	}
	sequence, err := p.allocateSequence()
	if err != nil {
		return Packet{}, err
	}
	p.commandQueue[sequence] = &fragmentSet{body: make(map[byte][]byte)}
	pkt := NewClientCommand(sequence, text)
	p.toSend = append(p.toSend, pkt)
	return pkt, nil
}

// InvalidateCommand discards any buffered fragments for sequence, as a connector must do whenever
// a command's retries are exhausted and its timeout fires, freeing the sequence for reuse. It is a
// no-op if sequence was not outstanding.
func (p *ClientProtocol) InvalidateCommand(sequence byte) error {
	if err := p.assertState(StateLoggedIn); err != nil {
		return err
	}
	delete(p.commandQueue, sequence)
	return nil
}

// ReceiveDatagram decodes data as a packet sent by the server and applies it to the protocol,
// queuing any resulting events and outgoing acknowledgement/response packets.
//
// It fails with [ErrMalformedPacket] or [ErrChecksumMismatch] if data does not decode, with
// [ErrMalformedPacket] if a command response fragment conflicts (in total or in payload) with one
// already received for its sequence, and with an [*InvalidStateError] if the packet's kind is
// illegal for the protocol's current state; in every failure case the protocol's state is left
// unmodified.
func (p *ClientProtocol) ReceiveDatagram(data []byte) (Packet, error) {
	pkt, err := Decode(data, false)
	if err != nil {
		return Packet{}, err
	}
	if err := p.handlePacket(pkt); err != nil {
		return Packet{}, err
	}
	return pkt, nil
}

// EventsReceived drains and returns the events queued since the last call.
func (p *ClientProtocol) EventsReceived() []Event {
	events := p.events
	p.events = nil
	return events
}

// PacketsToSend drains and returns the packets queued for transmission since the last call.
func (p *ClientProtocol) PacketsToSend() []Packet {
	toSend := p.toSend
	p.toSend = nil
	return toSend
}

func (p *ClientProtocol) assertState(states ...ClientState) error {
	for _, s := range states {
		if p.state == s {
			return nil
		}
	}
	expected := make([]string, len(states))
	for i, s := range states {
		expected[i] = s.String()
	}
	return &InvalidStateError{Current: p.state.String(), Expected: expected}
}

// allocateSequence advances the monotonic sequence counter, skipping any value currently
// associated with an outstanding command, and fails with [ErrNoAvailableSequence] if all 256
// values are outstanding.
func (p *ClientProtocol) allocateSequence() (byte, error) {
	for i := 0; i < 256; i++ {
		sequence := p.nextSequence
		p.nextSequence++
		if _, outstanding := p.commandQueue[sequence]; !outstanding {
			return sequence, nil
		}
	}
	return 0, ErrNoAvailableSequence
}

func (p *ClientProtocol) handlePacket(pkt Packet) error {
	switch pkt.Kind {
	case KindLogin:
		return p.handleLoginPacket(pkt)
	case KindCommand:
		return p.handleCommandPacket(pkt)
	case KindMessage:
		return p.handleMessagePacket(pkt)
	default:
		return fmt.Errorf("%w: unexpected packet kind %v", ErrMalformedPacket, pkt.Kind)
	}
}

func (p *ClientProtocol) handleLoginPacket(pkt Packet) error {
	if err := p.assertState(StateLoggingIn); err != nil {
		return err
	}

	if pkt.LoginAccepted {
		p.state = StateLoggedIn
		p.events = append(p.events, Event{Kind: EventLogin})
	} else {
		p.state = StateClosed
		p.events = append(p.events, Event{Kind: EventLoginFailure, Err: ErrLoginRefused})
	}
	return nil
}

func (p *ClientProtocol) handleCommandPacket(pkt Packet) error {
	if err := p.assertState(StateLoggedIn); err != nil {
		return err
	}

	frag, ok := p.commandQueue[pkt.Sequence]
	if !ok {
		// A response for a sequence that is not outstanding (a late or duplicate reply to a
		// command that has completed or been invalidated) is dropped without an event.
		return nil
	}
	if frag.total != 0 && frag.total != pkt.Total {
		return fmt.Errorf(
			"%w: response total %d for sequence %d does not match previously observed total %d",
			ErrMalformedPacket, pkt.Total, pkt.Sequence, frag.total,
		)
	}
	if existing, seen := frag.body[pkt.Index]; seen && !bytes.Equal(existing, pkt.Body) {
		return fmt.Errorf(
			"%w: conflicting payloads received for index %d of sequence %d",
			ErrMalformedPacket, pkt.Index, pkt.Sequence,
		)
	}

	frag.total = pkt.Total
	frag.body[pkt.Index] = pkt.Body
	if len(frag.body) < int(frag.total) {
		return nil
	}

	delete(p.commandQueue, pkt.Sequence)

	var message bytes.Buffer
	for i := byte(0); i < frag.total; i++ {
		message.Write(frag.body[i])
	}
	p.events = append(p.events, Event{
		Kind:     EventCommandResponse,
		Sequence: pkt.Sequence,
		Text:     message.String(),
	})
	return nil
}

func (p *ClientProtocol) handleMessagePacket(pkt Packet) error {
	if err := p.assertState(StateLoggedIn); err != nil {
		return err
	}

	if !p.messageCheck.Seen(pkt.Sequence) {
		p.events = append(p.events, Event{
			Kind:     EventServerMessage,
			Sequence: pkt.Sequence,
			Text:     pkt.Text(),
		})
	}
	p.toSend = append(p.toSend, NewClientMessage(pkt.Sequence))
	return nil
}
