package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaybus/relaybus/pkg/protocol"
	"github.com/relaybus/relaybus/pkg/transport/grpcstream"
)

var (
	mode  = flag.String("mode", "sub", "sub, pub or ping")
	addr  = flag.String("addr", "localhost:50051", "relaybusd gRPC address")
	topic = flag.String("topic", "default", "topic name")
	data  = flag.String("data", "", "JSON payload for -mode=pub")
	lastN = flag.Int("last_n", 0, "replay count for -mode=sub")
)

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	conn, err := grpcstream.Dial(ctx, *addr)
	if err != nil {
		log.Fatalf("cannot connect to %s: %v", *addr, err)
	}
	defer conn.Close()

	// welcome info frame
	if raw, err := conn.Recv(); err == nil {
		var info protocol.InfoFrame
		if json.Unmarshal(raw, &info) == nil {
			log.Println(info.Message)
		}
	}

	go func() {
		switch *mode {
		case "pub":
			runPublish(conn, *topic, *data)
			cancel()
		case "sub":
			runSubscribe(conn, *topic, *lastN)
			cancel()
		case "ping":
			runPing(conn)
			cancel()
		default:
			log.Fatalf("unknown mode %q: use pub, sub or ping", *mode)
		}
	}()

	select {
	case <-stop:
		log.Println("signal received, shutting down")
		cancel()
	case <-ctx.Done():
	}
	log.Println("relayctl exiting")
}

type conn interface {
	Send([]byte) error
	Recv() ([]byte, error)
}

func runPublish(c conn, topicName, payload string) {
	data := json.RawMessage(payload)
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	frame := map[string]any{"type": "publish", "topic": topicName, "data": data}
	raw, _ := json.Marshal(frame)
	if err := c.Send(raw); err != nil {
		log.Fatalf("publish error: %v", err)
	}
	resp, err := c.Recv()
	if err != nil {
		log.Fatalf("publish ack error: %v", err)
	}
	fmt.Printf("-> %s\n", resp)
}

func runSubscribe(c conn, topicName string, lastN int) {
	frame := map[string]any{"type": "subscribe", "topic": topicName, "last_n": lastN}
	raw, _ := json.Marshal(frame)
	if err := c.Send(raw); err != nil {
		log.Fatalf("subscribe error: %v", err)
	}
	for {
		resp, err := c.Recv()
		if err != nil {
			log.Printf("stream closed: %v", err)
			return
		}
		fmt.Printf("<- %s\n", resp)
	}
}

func runPing(c conn) {
	raw, _ := json.Marshal(map[string]any{"type": "ping"})
	if err := c.Send(raw); err != nil {
		log.Fatalf("ping error: %v", err)
	}
	start := time.Now()
	resp, err := c.Recv()
	if err != nil {
		log.Fatalf("pong error: %v", err)
	}
	fmt.Printf("<- %s (%s)\n", resp, time.Since(start))
}
