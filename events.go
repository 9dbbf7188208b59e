package rcon

import "fmt"

// EventKind discriminates the variants an [Event] may carry.
type EventKind int

const (
	// EventLogin fires once the client has successfully authenticated.
	EventLogin EventKind = iota
	// EventLoginFailure fires when the server refuses authentication; Err is ErrLoginRefused. A
	// login that times out is not published as this event.
	EventLoginFailure
	// EventCommandResponse fires once a command's (possibly multipart) response has been fully
	// assembled.
	EventCommandResponse
	// EventServerMessage fires when a new, previously unseen server message arrives.
	EventServerMessage
	// EventRawPacket fires for every packet from the server that the protocol accepts, ahead of
	// the events derived from it, for collaborators that need to inspect raw traffic. Packets that
	// fail to decode or that the protocol rejects do not produce it.
	EventRawPacket
	// EventDisconnected fires when the session loses its connection, whether due to a transport
	// error, server silence, or a deliberate Close.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventLogin:
		return "Login"
	case EventLoginFailure:
		return "LoginFailure"
	case EventCommandResponse:
		return "CommandResponse"
	case EventServerMessage:
		return "ServerMessage"
	case EventRawPacket:
		return "RawPacket"
	case EventDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is the tagged variant the connector publishes on [Session.Events]. Only the fields
// relevant to Kind are populated; see each field's documentation.
type Event struct {
	Kind EventKind

	// Sequence is set for EventCommandResponse and EventServerMessage.
	Sequence byte

	// Text carries the assembled command response for EventCommandResponse, or the message body
	// for EventServerMessage.
	Text string

	// Packet is set for EventRawPacket.
	Packet Packet

	// Err carries the failure reason for EventLoginFailure (ErrLoginRefused) and the cause for
	// EventDisconnected (nil for a deliberate Close).
	Err error
}

func (e Event) String() string {
	switch e.Kind {
	case EventCommandResponse:
		return fmt.Sprintf("CommandResponse{seq=%d, %q}", e.Sequence, e.Text)
	case EventServerMessage:
		return fmt.Sprintf("ServerMessage{seq=%d, %q}", e.Sequence, e.Text)
	case EventLoginFailure, EventDisconnected:
		return fmt.Sprintf("%s(%v)", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}
