package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

// run subscribes to one room on the raw channel and prints frames until a
// chat message arrives.
func run() error {
	addr := flag.String("addr", "ws://localhost:8520/ws/chat", "WebSocket address")
	token := flag.String("token", os.Getenv("WIRECHAT_TOKEN"), "bearer token")
	room := flag.String("room", "", "room id to subscribe to")
	timeout := flag.Duration("timeout", 30*time.Second, "total timeout for the run")
	flag.Parse()

	if *room == "" {
		return errors.New("-room is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	u, err := url.Parse(*addr)
	if err != nil {
		return fmt.Errorf("parse addr: %w", err)
	}
	q := u.Query()
	q.Set("token", *token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := wsjson.Write(ctx, conn, proto.Control{Type: proto.ControlSubscribe, RoomID: *room}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Control{Type: proto.ControlHeartbeat}); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	for {
		var frame proto.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		fmt.Printf("Received frame: type=%s", frame.Type)
		if frame.RoomID != "" {
			fmt.Printf(" room=%s", frame.RoomID)
		}
		fmt.Println()

		switch frame.Type {
		case proto.FrameTypeMessage:
			fmt.Printf("Payload: %s\n", string(frame.Payload))
			return nil
		case proto.FrameTypeRoomClosed:
			return fmt.Errorf("room %s closed", *room)
		default:
			// keep looping for a message
		}
	}
}
