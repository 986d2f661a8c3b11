package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryPublishSubscribe(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	got := make(chan []byte, 1)
	sub, err := m.Subscribe("example.my_event.event", func(topic string, data []byte) {
		got <- data
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := m.Send(context.Background(), "example.my_event.event", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	select {
	case data := <-got:
		if string(data) != "hello" {
			t.Fatalf("expect 'hello', got %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryFanOut(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	var delivered atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		sub, err := m.Subscribe("t", func(topic string, data []byte) {
			delivered.Add(1)
			wg.Done()
		})
		if err != nil {
			t.Fatal(err)
		}
		defer sub.Unsubscribe()
	}

	if err := m.Send(context.Background(), "t", []byte("x")); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	if n := delivered.Load(); n != 5 {
		t.Fatalf("expect 5 deliveries, got %d", n)
	}
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	var delivered atomic.Int32
	sub, err := m.Subscribe("t", func(topic string, data []byte) {
		delivered.Add(1)
	})
	if err != nil {
		t.Fatal(err)
	}

	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	if err := m.Send(context.Background(), "t", []byte("x")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if n := delivered.Load(); n != 0 {
		t.Fatalf("expect 0 deliveries after unsubscribe, got %d", n)
	}
}

func TestMemorySendToUnknownTopic(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	// No subscribers: the broker simply has nowhere to deliver.
	if err := m.Send(context.Background(), "nobody.listens", []byte("x")); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryClosedTransport(t *testing.T) {
	m := NewMemory()
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	err := m.Send(context.Background(), "t", []byte("x"))
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expect *transport.Error, got %v", err)
	}
	if terr.Op != "send" {
		t.Fatalf("expect op 'send', got %q", terr.Op)
	}

	if _, err := m.Subscribe("t", func(string, []byte) {}); err == nil {
		t.Fatal("expect subscribe error on closed transport")
	}

	// Close is idempotent.
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryConcurrentSends(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	var delivered atomic.Int32
	sub, err := m.Subscribe("t", func(topic string, data []byte) {
		delivered.Add(1)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Send(context.Background(), "t", []byte("x")); err != nil {
				t.Errorf("send failed: %v", err)
			}
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for delivered.Load() != 50 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := delivered.Load(); n != 50 {
		t.Fatalf("expect 50 deliveries, got %d", n)
	}
}
