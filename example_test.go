package rcon_test

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	rcon "github.com/bercon-go/rcon"
)

func ExamplePacket_Encode() {
	p := rcon.NewClientCommand(42, "players")
	b, err := p.Encode()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Wrote %d bytes: %s\n", len(b), hex.EncodeToString(b))

	// Output:
	// Wrote 16 bytes: 4245674922c6ff012a706c6179657273
}

func ExampleClient_Connect() {
	client := rcon.NewClient(rcon.ClientConfig{
		KeepAliveCommand: "",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	session, err := client.Connect(ctx, "127.0.0.1:2302", "super secret password")
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	resp, err := session.SendCommand(ctx, "players")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(resp)
}

func ExampleSession_Events() {
	client := rcon.NewClient(rcon.ClientConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	session, err := client.Connect(ctx, "127.0.0.1:2302", "super secret password")
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	for event := range session.Events() {
		if event.Kind == rcon.EventServerMessage {
			fmt.Println(event.Text)
		}
	}
}
