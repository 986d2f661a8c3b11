package middleware

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"lightbus/message"
)

func testRequest() *message.Message {
	return message.NewRequest("example", "hello_world", nil)
}

// echoHandler responds immediately with "ok".
func echoHandler(ctx context.Context, req *message.Message) *message.Message {
	return message.NewResponse(req, []byte("ok"))
}

// slowHandler takes 200ms to respond.
func slowHandler(ctx context.Context, req *message.Message) *message.Message {
	time.Sleep(200 * time.Millisecond)
	return message.NewResponse(req, []byte("ok"))
}

func TestLogging(t *testing.T) {
	handler := Logging(zap.NewNop())(echoHandler)

	resp := handler(context.Background(), testRequest())
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if string(resp.Payload) != "ok" {
		t.Fatalf("expect payload 'ok', got %q", resp.Payload)
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := Timeout(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), testRequest())
	if resp.Error != "" {
		t.Fatalf("expect no error, got %q", resp.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := Timeout(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), testRequest())
	if resp.Error != "request timed out" {
		t.Fatalf("expect timeout error, got %q", resp.Error)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1/s, burst=2: first two pass, third is rejected.
	handler := RateLimit(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), testRequest())
		if resp.Error != "" {
			t.Fatalf("request %d should pass, got error: %s", i, resp.Error)
		}
	}

	resp := handler(context.Background(), testRequest())
	if resp.Error != "rate limit exceeded" {
		t.Fatalf("request 3 should be rate limited, got %q", resp.Error)
	}
}

func TestRetryTransient(t *testing.T) {
	attempts := 0
	flaky := func(ctx context.Context, req *message.Message) *message.Message {
		attempts++
		if attempts < 3 {
			return message.NewErrorResponse(req, "connection refused")
		}
		return message.NewResponse(req, []byte("ok"))
	}

	handler := Retry(zap.NewNop(), 3, time.Millisecond)(flaky)
	resp := handler(context.Background(), testRequest())
	if resp.Error != "" {
		t.Fatalf("expect success after retries, got %q", resp.Error)
	}
	if attempts != 3 {
		t.Fatalf("expect 3 attempts, got %d", attempts)
	}
}

func TestRetryNonTransient(t *testing.T) {
	attempts := 0
	failing := func(ctx context.Context, req *message.Message) *message.Message {
		attempts++
		return message.NewErrorResponse(req, "no such account")
	}

	handler := Retry(zap.NewNop(), 3, time.Millisecond)(failing)
	resp := handler(context.Background(), testRequest())
	if resp.Error != "no such account" {
		t.Fatalf("expect application error, got %q", resp.Error)
	}
	if attempts != 1 {
		t.Fatalf("application errors must not be retried, got %d attempts", attempts)
	}
}

func TestChain(t *testing.T) {
	chained := Chain(Logging(zap.NewNop()), Timeout(500*time.Millisecond))
	handler := chained(echoHandler)

	resp := handler(context.Background(), testRequest())
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if resp.Error != "" {
		t.Fatalf("expect no error, got %q", resp.Error)
	}
}
