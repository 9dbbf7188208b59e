package rcon_test

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	rcon "github.com/bercon-go/rcon"
)

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	ps := []struct {
		name       string
		p          rcon.Packet
		fromClient bool
	}{
		{"client login", rcon.NewClientLogin("hunter2"), true},
		{"server login accepted", rcon.NewServerLogin(true), false},
		{"server login refused", rcon.NewServerLogin(false), false},
		{"client command", rcon.NewClientCommand(7, "players"), true},
		{"server message", rcon.NewServerMessage(3, "Player connected"), false},
		{"client message ack", rcon.NewClientMessage(3), true},
	}

	for _, tc := range ps {
		t.Run(tc.name, func(t *testing.T) {
			b, err := tc.p.Encode()
			if err != nil {
				t.Fatalf("Packet[%#v].Encode() failed unexpectedly: %s", tc.p, err)
			}

			// Encode must be a pure function.
			b2, err := tc.p.Encode()
			if err != nil {
				t.Fatalf("Packet[%#v].Encode() failed unexpectedly: %s", tc.p, err)
			}
			if !bytes.Equal(b, b2) {
				t.Fatalf("Packet[%#v].Encode() got two different results: %0x, %0x", tc.p, b, b2)
			}

			got, err := rcon.Decode(b, tc.fromClient)
			if err != nil {
				t.Fatalf("Decode(%0x) failed unexpectedly: %s", b, err)
			}
			if !tc.p.Equal(got) {
				t.Fatalf("Decode(Encode(p)) is not the identity function, got: %#v, want: %#v", got, tc.p)
			}
		})
	}
}

func TestServerCommandMultipart(t *testing.T) {
	pkt, err := rcon.NewServerCommand(9, 3, 1, []byte("middle chunk"))
	if err != nil {
		t.Fatalf("NewServerCommand failed unexpectedly: %s", err)
	}

	b, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Packet.Encode() failed unexpectedly: %s", err)
	}

	got, err := rcon.Decode(b, false)
	if err != nil {
		t.Fatalf("Decode() failed unexpectedly: %s", err)
	}
	if got.Total != 3 || got.Index != 1 || got.Text() != "middle chunk" {
		t.Fatalf("Decode() multipart envelope mismatch, got: %#v", got)
	}
}

func TestNewServerCommandRejectsBadIndex(t *testing.T) {
	if _, err := rcon.NewServerCommand(1, 0, 0, nil); err == nil {
		t.Fatal("NewServerCommand with total=0 unexpectedly succeeded")
	}
	if _, err := rcon.NewServerCommand(1, 2, 2, nil); err == nil {
		t.Fatal("NewServerCommand with index>=total unexpectedly succeeded")
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	bss := map[string]string{
		"too short":          "4245ffffffff",
		"bad magic":          "58580000000000ff0000",
		"missing terminator": "42450000000000000000",
		"unknown packet type": "424500000000ff0900",
		"truncated multipart": "424500000000ff010900",
	}

	for name, bs := range bss {
		t.Run(name, func(t *testing.T) {
			b, err := hex.DecodeString(bs)
			if err != nil {
				t.Fatalf("invalid hex string in test table: %s", err)
			}
			if _, err := rcon.Decode(b, false); err == nil {
				t.Fatalf("Decode(%0x) succeeded incorrectly", b)
			}
		})
	}
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	pkt := rcon.NewServerMessage(1, "hello")
	b, err := pkt.Encode()
	if err != nil {
		t.Fatalf("Encode() failed unexpectedly: %s", err)
	}
	b[2] ^= 0xFF // corrupt the declared checksum

	_, err = rcon.Decode(b, false)
	if !errors.Is(err, rcon.ErrChecksumMismatch) {
		t.Fatalf("Decode() with corrupted checksum got %v, want ErrChecksumMismatch", err)
	}
}

func TestEncodeRejectsOversizedFrame(t *testing.T) {
	p := rcon.NewClientCommand(0, string(make([]byte, rcon.MaximumPacketSize)))
	if _, err := p.Encode(); !errors.Is(err, rcon.ErrPacketTooLarge) {
		t.Fatalf("Encode() of an oversized packet got %v, want ErrPacketTooLarge", err)
	}
}

func TestPacketEqualAndClone(t *testing.T) {
	p := rcon.NewClientCommand(5, "say hello")
	if !p.Equal(p) {
		t.Fatalf("Packet[%#v].Equal(%#v) returned false comparing a packet to itself", p, p)
	}

	clone := p.Clone()
	if !p.Equal(clone) {
		t.Fatalf("Packet[%#v].Equal(%#v) returned false comparing a packet to its clone", p, clone)
	}

	clone.Body[0] = 'X'
	if p.Text() == clone.Text() {
		t.Fatal("Clone() body unexpectedly aliases the original packet's body")
	}

	other := rcon.NewClientCommand(6, "say hello")
	if p.Equal(other) {
		t.Fatalf("Packet[%#v].Equal(%#v) incorrectly returned true for different sequences", p, other)
	}
}
