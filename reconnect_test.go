package rcon_test

import (
	"context"
	"testing"
	"time"

	rcon "github.com/bercon-go/rcon"
)

// newFakeClockConfig returns the clock+stop/drive plumbing shared by the timing-driven tests
// below: a fake clock wired into cfg and a function that starts fast-forwarding it in the
// background until the returned stop func is called.
func newFakeClockConfig(cfg *rcon.ClientConfig) (clk *fakeClock, startDriving func(step time.Duration) func()) {
	clk = newFakeClock(time.Unix(0, 0))
	rcon.SetClock(cfg, clk)
	return clk, func(step time.Duration) func() {
		stop := make(chan struct{})
		go driveFakeClock(clk, step, stop)
		return func() { close(stop) }
	}
}

func TestSessionKeepAliveProbesAfterInterval(t *testing.T) {
	srv := newTestServer(t, "password")
	received := make(chan string, 8)
	srv.serve(func(sp *rcon.ServerProtocol, e rcon.ServerEvent) {
		if e.Kind == rcon.ServerEventCommandReceived {
			received <- e.Text
			sp.Reply(e.Sequence, "", 0)
		}
	})

	cfg := rcon.ClientConfig{
		LoginTimeout:      200 * time.Millisecond,
		ConnectionTimeout: 2 * time.Second,
		CommandTimeout:    2 * time.Second,
		KeepAliveInterval: 5 * time.Second,
		PlayersInterval:   time.Hour,
	}
	_, startDriving := newFakeClockConfig(&cfg)
	// The driver loop checks its timers once per 500ms real-time socket poll; at 200ms per 5ms
	// tick that is about 20s of virtual time per poll, past KeepAliveInterval but short of the
	// 45s server-silence threshold that would trigger a reconnect instead.
	stopDriving := startDriving(200 * time.Millisecond)
	defer stopDriving()

	client := rcon.NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	session, err := client.Connect(ctx, srv.addr(), "password")
	if err != nil {
		t.Fatalf("Connect() failed unexpectedly: %s", err)
	}
	defer session.Close()

	select {
	case text := <-received:
		if text != "" {
			t.Fatalf("keep-alive probe command = %q, want empty string", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a keep-alive probe command")
	}
}

func TestSessionServerSilenceTriggersReconnect(t *testing.T) {
	srv := newTestServer(t, "password")
	srv.serve(func(sp *rcon.ServerProtocol, e rcon.ServerEvent) {
		if e.Kind == rcon.ServerEventCommandReceived {
			sp.Reply(e.Sequence, "ok", 0)
		}
	})

	cfg := rcon.ClientConfig{
		LoginTimeout:           200 * time.Millisecond,
		ConnectionTimeout:      2 * time.Second,
		KeepAliveInterval:      time.Hour,
		PlayersInterval:        time.Hour,
		ReconnectInitialDelay:  time.Millisecond,
		ReconnectBackoffFactor: 2,
		ReconnectMaxDelay:      time.Second,
	}
	_, startDriving := newFakeClockConfig(&cfg)
	stopDriving := startDriving(2 * time.Second)
	defer stopDriving()

	client := rcon.NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	session, err := client.Connect(ctx, srv.addr(), "password")
	if err != nil {
		t.Fatalf("Connect() failed unexpectedly: %s", err)
	}
	defer session.Close()

	var sawDisconnect bool
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e, ok := <-session.Events():
			if !ok {
				t.Fatal("Events() closed before observing a reconnect")
			}
			switch e.Kind {
			case rcon.EventDisconnected:
				sawDisconnect = true
			case rcon.EventLogin:
				if sawDisconnect {
					if !session.IsLoggedIn() || !session.IsConnected() {
						t.Fatal("session not reported logged in/connected after a reconnect Login event")
					}
					return
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for a server-silence reconnect")
		}
	}
}

func TestSendCommandRetransmitsOnLostFirstAttempt(t *testing.T) {
	srv := newTestServer(t, "password")
	attempts := 0
	srv.serve(func(sp *rcon.ServerProtocol, e rcon.ServerEvent) {
		if e.Kind != rcon.ServerEventCommandReceived {
			return
		}
		attempts++
		if attempts == 1 {
			// Drop the first attempt to force the retransmit path.
			return
		}
		sp.Reply(e.Sequence, "pong", 0)
	})

	cfg := rcon.ClientConfig{
		LoginTimeout:      200 * time.Millisecond,
		ConnectionTimeout: 2 * time.Second,
		CommandTimeout:    3 * time.Second,
		CommandAttempts:   3,
		KeepAliveInterval: time.Hour,
		PlayersInterval:   time.Hour,
	}
	clk, startDriving := newFakeClockConfig(&cfg)
	_ = clk

	client := rcon.NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	session, err := client.Connect(ctx, srv.addr(), "password")
	if err != nil {
		t.Fatalf("Connect() failed unexpectedly: %s", err)
	}
	defer session.Close()

	cmdCtx, cmdCancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cmdCancel()

	// CommandTimeout/(attempts+1) worth of virtual time must elapse to trigger the first resend;
	// advancing in one jump avoids racing the retransmit loop's per-iteration timer creation.
	stopDriving := startDriving(cfg.CommandTimeout / time.Duration(cfg.CommandAttempts+1))
	defer stopDriving()

	resp, err := session.SendCommand(cmdCtx, "ping")
	if err != nil {
		t.Fatalf("SendCommand() failed unexpectedly: %s", err)
	}
	if resp != "pong" {
		t.Fatalf("SendCommand() = %q, want %q", resp, "pong")
	}
	if attempts < 2 {
		t.Fatalf("server observed %d attempt(s), want at least 2 (original + retransmit)", attempts)
	}
}
