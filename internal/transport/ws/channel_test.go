package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/chattest"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

func startChannel(t *testing.T, srv *chattest.Server, opts Options) *Channel {
	t.Helper()
	logger := zerolog.Nop()
	opts.URL = srv.WSURL()
	if opts.Token == "" {
		opts.Token = srv.Token(t, "u1", "alice")
	}
	if opts.ReconnectMin == 0 {
		opts.ReconnectMin = 10 * time.Millisecond
		opts.ReconnectMax = 50 * time.Millisecond
	}
	opts.Logger = &logger
	ch := New(opts)
	t.Cleanup(ch.Disconnect)
	return ch
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestChannelConcurrentConnectDialsOnce(t *testing.T) {
	srv := chattest.New(t)
	ch := startChannel(t, srv, Options{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ch.EnsureConnected(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	}

	if ch.State() != StateConnected {
		t.Fatalf("expected connected, got %s", ch.State())
	}
	waitUntil(t, "server connection", func() bool { return srv.Connections() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := srv.Connections(); got != 1 {
		t.Fatalf("expected one connection, got %d", got)
	}
}

func TestChannelRejectedTokenFails(t *testing.T) {
	srv := chattest.New(t)
	ch := startChannel(t, srv, Options{Token: "garbage"})

	if err := ch.Connect(context.Background()); err == nil {
		t.Fatalf("expected dial failure with a bad token")
	}
	if ch.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", ch.State())
	}
}

func TestChannelDeliversFramesByKind(t *testing.T) {
	srv := chattest.New(t)
	srv.AddRoom(core.Room{ID: "room-1", Name: "general"}, core.Member{UserID: "u1", Name: "alice"})
	ch := startChannel(t, srv, Options{})

	var (
		mu       sync.Mutex
		messages []string
		presence []string
	)
	ch.Subscribe(core.EventMessage, func(ev core.Event) error {
		mu.Lock()
		messages = append(messages, ev.Message.Content)
		mu.Unlock()
		return nil
	})
	ch.Subscribe(core.EventPresence, func(ev core.Event) error {
		mu.Lock()
		presence = append(presence, ev.Presence.UserID)
		mu.Unlock()
		return nil
	})
	subscribed := make(chan string, 1)
	ch.Subscribe(core.EventSubscribed, func(ev core.Event) error {
		subscribed <- ev.Room
		return nil
	})

	ctx := context.Background()
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := ch.Publish(ctx, "room-1", ActionSubscribe); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case room := <-subscribed:
		if room != "room-1" {
			t.Fatalf("unexpected confirmation for %s", room)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no subscribe confirmation")
	}

	srv.Post("room-1", "u2", "one")
	srv.PushRaw([]byte(`{not json`))
	srv.PushRaw([]byte(`{"type":"bogus","payload":{}}`))
	srv.PushPresence("room-1", "u1", true)
	srv.Post("room-1", "u2", "two")

	waitUntil(t, "messages", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 2 && len(presence) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if messages[0] != "one" || messages[1] != "two" {
		t.Fatalf("messages out of order: %v", messages)
	}
}

func TestChannelNormalizesNestedRoomClosed(t *testing.T) {
	srv := chattest.New(t)
	srv.AddRoom(core.Room{ID: "room-1"})
	srv.AddRoom(core.Room{ID: "room-2"})
	ch := startChannel(t, srv, Options{})

	closed := make(chan string, 2)
	ch.Subscribe(core.EventRoomClosed, func(ev core.Event) error {
		closed <- ev.Room
		return nil
	})
	ch.Subscribe(core.EventMessage, func(ev core.Event) error {
		t.Errorf("closure leaked as a message: %+v", ev)
		return nil
	})
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	srv.CloseRoom("room-1", true)
	srv.CloseRoom("room-2", false)

	for _, want := range []string{"room-1", "room-2"} {
		select {
		case got := <-closed:
			if got != want {
				t.Fatalf("closure for %s, want %s", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("no closure for %s", want)
		}
	}
}

func TestChannelReconnectsAfterDrop(t *testing.T) {
	srv := chattest.New(t)
	ch := startChannel(t, srv, Options{})

	var reconnects, drops atomic.Int32
	ch.OnReconnected(func() { reconnects.Add(1) })
	ch.OnDisconnected(func() { drops.Add(1) })

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitUntil(t, "server connection", func() bool { return srv.Connections() == 1 })

	srv.KickAll()

	waitUntil(t, "reconnect", func() bool { return reconnects.Load() == 1 })
	if drops.Load() != 1 {
		t.Fatalf("expected one disconnect signal, got %d", drops.Load())
	}
	if ch.State() != StateConnected {
		t.Fatalf("expected connected after reconnect, got %s", ch.State())
	}
}

func TestChannelDisconnectStopsReconnecting(t *testing.T) {
	srv := chattest.New(t)
	ch := startChannel(t, srv, Options{ReconnectMin: 200 * time.Millisecond, ReconnectMax: time.Second})

	var reconnects atomic.Int32
	ch.OnReconnected(func() { reconnects.Add(1) })
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitUntil(t, "server connection", func() bool { return srv.Connections() == 1 })

	srv.KickAll()
	waitUntil(t, "drop", func() bool { return ch.State() == StateDisconnected })
	ch.Disconnect()
	time.Sleep(400 * time.Millisecond)

	if reconnects.Load() != 0 || ch.State() != StateClosed {
		t.Fatalf("closed channel reconnected: %d, %s", reconnects.Load(), ch.State())
	}
	if err := ch.Connect(context.Background()); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
}

func TestChannelHeartbeat(t *testing.T) {
	srv := chattest.New(t)
	mock := clock.NewMock()
	ch := startChannel(t, srv, Options{HeartbeatInterval: 30 * time.Second, Clock: mock})

	pongs := make(chan struct{}, 4)
	ch.Subscribe(core.EventPong, func(core.Event) error {
		pongs <- struct{}{}
		return nil
	})
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// the heartbeat goroutine registers its ticker asynchronously
	deadline := time.Now().Add(3 * time.Second)
	for {
		mock.Add(30 * time.Second)
		select {
		case <-pongs:
			var beats int
			for _, ctl := range srv.Controls() {
				if ctl.Type == proto.ControlHeartbeat {
					beats++
				}
			}
			if beats == 0 {
				t.Fatalf("pong without a heartbeat")
			}
			return
		case <-time.After(20 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatalf("no heartbeat answered")
		}
	}
}

func TestChannelPublishWhileDisconnected(t *testing.T) {
	srv := chattest.New(t)
	ch := startChannel(t, srv, Options{})

	if err := ch.Publish(context.Background(), "room-1", ActionSubscribe); !errors.Is(err, core.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := ch.Publish(context.Background(), "", ActionSubscribe); !errors.Is(err, core.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for an empty room, got %v", err)
	}
}
