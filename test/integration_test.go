package test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"lightbus/api"
	"lightbus/bus"
	"lightbus/codec"
	"lightbus/message"
	"lightbus/middleware"
	"lightbus/transport"
)

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authReply struct {
	OK bool `json:"ok"`
}

func authApi() *api.Api {
	return api.NewBuilder("auth").
		Procedure("check_password", func(ctx context.Context, payload []byte) ([]byte, error) {
			var req authRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, err
			}
			return json.Marshal(authReply{OK: req.Username == "admin" && req.Password == "secret"})
		}).
		Procedure("hello_world", func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte(`"Hello world"`), nil
		}).
		Event("user_registered").
		Build()
}

// TestFullIntegration runs the whole stack over one in-process broker:
// Bus → Dispatcher → Codec → Transport → Server → Middleware → handler,
// with a separate serving process and calling process.
func TestFullIntegration(t *testing.T) {
	broker := transport.NewMemory()

	// 1. serving process: registers auth and serves it
	serverBus := bus.New(broker, bus.Options{
		Middlewares: []middleware.Middleware{
			middleware.Logging(zap.NewNop()),
			middleware.Timeout(2 * time.Second),
		},
	})
	if err := serverBus.RegisterApi(authApi()); err != nil {
		t.Fatal(err)
	}
	if err := serverBus.Start(); err != nil {
		t.Fatal(err)
	}
	defer serverBus.Close()

	// 2. calling process: knows auth remotely, serves nothing
	clientBus := bus.New(broker, bus.Options{})
	remote := api.NewBuilder("auth").
		RemoteProcedure("check_password").
		RemoteProcedure("hello_world").
		Event("user_registered").
		Build()
	if err := clientBus.RegisterApi(remote); err != nil {
		t.Fatal(err)
	}
	if err := clientBus.Start(); err != nil {
		t.Fatal(err)
	}
	defer clientBus.Close()

	// 3. hello_world round trip
	got, err := clientBus.Call(context.Background(), "auth", "hello_world", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `"Hello world"` {
		t.Fatalf("hello_world: got %q", got)
	}

	// 4. structured request/reply
	payload, _ := json.Marshal(authRequest{Username: "admin", Password: "secret"})
	got, err = clientBus.Call(context.Background(), "auth", "check_password", payload)
	if err != nil {
		t.Fatal(err)
	}
	var reply authReply
	if err := json.Unmarshal(got, &reply); err != nil {
		t.Fatal(err)
	}
	if !reply.OK {
		t.Fatal("check_password: expect ok")
	}

	// 5. event from server to client, exactly once
	var mu sync.Mutex
	var events []string
	l, err := clientBus.Listen("auth", "user_registered", func(ctx context.Context, m *message.Message) {
		mu.Lock()
		events = append(events, string(m.Payload))
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Cancel()

	if err := serverBus.Publish(context.Background(), "auth", "user_registered", []byte(`{"x":1}`)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	gotEvents := append([]string(nil), events...)
	mu.Unlock()
	if len(gotEvents) != 1 || gotEvents[0] != `{"x":1}` {
		t.Fatalf("events = %v", gotEvents)
	}

	// 6. nothing leaked
	if n := clientBus.PendingCalls(); n != 0 {
		t.Fatalf("pending calls leaked: %d", n)
	}
}

// TestBinaryCodecIntegration repeats the round trip with the binary codec.
func TestBinaryCodecIntegration(t *testing.T) {
	broker := transport.NewMemory()

	b := bus.New(broker, bus.Options{Codec: &codec.BinaryCodec{}})
	if err := b.RegisterApi(authApi()); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	got, err := b.Call(context.Background(), "auth", "hello_world", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `"Hello world"` {
		t.Fatalf("got %q", got)
	}
}

// TestManyCallersOneServer fires concurrent calls from several buses against
// the same serving instance.
func TestManyCallersOneServer(t *testing.T) {
	broker := transport.NewMemory()

	echo := api.NewBuilder("echo").
		Procedure("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
			return payload, nil
		}).
		Build()
	srv := bus.New(broker, bus.Options{})
	if err := srv.RegisterApi(echo); err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	const callers = 4
	const callsEach = 10
	var wg sync.WaitGroup
	errCh := make(chan error, callers*callsEach)
	for c := 0; c < callers; c++ {
		caller := bus.New(broker, bus.Options{})
		remote := api.NewBuilder("echo").RemoteProcedure("echo").Build()
		if err := caller.RegisterApi(remote); err != nil {
			t.Fatal(err)
		}
		if err := caller.Start(); err != nil {
			t.Fatal(err)
		}
		defer caller.Close()

		wg.Add(1)
		go func(id int, cb *bus.Bus) {
			defer wg.Done()
			for i := 0; i < callsEach; i++ {
				want := fmt.Sprintf(`{"caller":%d,"seq":%d}`, id, i)
				got, err := cb.Call(context.Background(), "echo", "echo", []byte(want))
				if err != nil {
					errCh <- err
					return
				}
				if string(got) != want {
					errCh <- fmt.Errorf("caller %d: want %s got %s", id, want, got)
					return
				}
			}
		}(c, caller)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
}

// TestCallTimeoutEndToEnd exercises the timeout path through the facade:
// nobody serves the procedure, so the call must expire cleanly.
func TestCallTimeoutEndToEnd(t *testing.T) {
	b := bus.New(transport.NewMemory(), bus.Options{
		CallTimeout:   100 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})
	ghost := api.NewBuilder("ghost").RemoteProcedure("vanish").Build()
	if err := b.RegisterApi(ghost); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	start := time.Now()
	_, err := b.Call(context.Background(), "ghost", "vanish", nil)
	if err == nil {
		t.Fatal("expect timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}

	time.Sleep(100 * time.Millisecond)
	if n := b.PendingCalls(); n != 0 {
		t.Fatalf("pending calls leaked: %d", n)
	}
}

// TestRemoteErrorEndToEnd checks that a handler error crosses the wire and
// comes back typed.
func TestRemoteErrorEndToEnd(t *testing.T) {
	broker := transport.NewMemory()

	failing := api.NewBuilder("store").
		Procedure("save", func(ctx context.Context, payload []byte) ([]byte, error) {
			return nil, errors.New("disk full")
		}).
		Build()
	b := bus.New(broker, bus.Options{})
	if err := b.RegisterApi(failing); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	_, err := b.Call(context.Background(), "store", "save", nil)
	if err == nil {
		t.Fatal("expect remote error")
	}
}
