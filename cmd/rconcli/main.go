// Command rconcli is a minimal interactive client for a BattlEye RCON server: it connects,
// authenticates, and relays stdin lines as commands, printing their responses along with any
// server messages received asynchronously in the background.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	rcon "github.com/bercon-go/rcon"
)

func main() {
	addr := flag.String("addr", os.Getenv("RCON_ADDR"), "BattlEye RCON server address (host:port)")
	password := flag.String("password", os.Getenv("RCON_PASSWORD"), "RCON password")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *addr == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: rconcli -addr host:port -password secret")
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*addr, *password, logger); err != nil {
		logger.Error("rconcli exiting", "error", err)
		os.Exit(1)
	}
}

func run(addr, password string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := rcon.NewClient(rcon.ClientConfig{
		Logger:           logger,
		KeepAliveCommand: "",
	})

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	session, err := client.Connect(connectCtx, addr, password)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer session.Close()

	fmt.Fprintf(os.Stderr, "connected to %s\n", addr)

	go relayEvents(session, os.Stderr)

	return repl(ctx, session, os.Stdin, os.Stdout)
}

// relayEvents prints server-initiated messages and disconnect notices to w until the session's
// event channel is closed.
func relayEvents(session *rcon.Session, w *os.File) {
	for event := range session.Events() {
		switch event.Kind {
		case rcon.EventServerMessage:
			fmt.Fprintf(w, "\n[server] %s\n", event.Text)
		case rcon.EventDisconnected:
			if event.Err != nil {
				fmt.Fprintf(w, "\n[disconnected] %s\n", event.Err)
			} else {
				fmt.Fprintln(w, "\n[disconnected]")
			}
		}
	}
}

// repl reads newline-delimited commands from r, sends each to the server, and writes the response
// (or error) to w, until r reaches EOF or ctx is cancelled.
func repl(ctx context.Context, session *rcon.Session, r *os.File, w *os.File) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		cmdCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		resp, err := session.SendCommand(cmdCtx, line)
		cancel()

		switch {
		case errors.Is(err, rcon.ErrNotConnected):
			return err
		case err != nil:
			fmt.Fprintf(w, "error: %s\n", err)
		default:
			fmt.Fprintln(w, resp)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return scanner.Err()
}
