package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mobileatlas/simtunnel/internal/protocol"
)

func imsi(t *testing.T, s string) protocol.Identifier {
	t.Helper()
	id, err := protocol.NewImsi(s)
	if err != nil {
		t.Fatalf("NewImsi: %v", err)
	}
	return id
}

func TestBroker_FIFO(t *testing.T) {
	b := New(Config{})
	var want []string
	for i := 0; i < 5; i++ {
		e, err := b.Enqueue("p1", imsi(t, fmt.Sprintf("2320100000%05d", i)))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		want = append(want, e.ID)
	}

	ctx := context.Background()
	for i, id := range want {
		e, err := b.Dequeue(ctx, "p1")
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if e.ID != id {
			t.Errorf("dequeue %d: got %s, want %s", i, e.ID, id)
		}
	}
}

func TestBroker_QueuesAreIndependent(t *testing.T) {
	b := New(Config{})
	e1, _ := b.Enqueue("p1", imsi(t, "11111"))
	e2, _ := b.Enqueue("p2", imsi(t, "22222"))

	got, err := b.Dequeue(context.Background(), "p2")
	if err != nil || got != e2 {
		t.Fatalf("Dequeue(p2) = %v, %v", got, err)
	}
	got, err = b.Dequeue(context.Background(), "p1")
	if err != nil || got != e1 {
		t.Fatalf("Dequeue(p1) = %v, %v", got, err)
	}
}

func TestBroker_DequeueWaitsForEnqueue(t *testing.T) {
	b := New(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan *Entry, 1)
	go func() {
		e, err := b.Dequeue(ctx, "p1")
		if err != nil {
			t.Errorf("Dequeue: %v", err)
		}
		got <- e
	}()

	// Wait until the worker is registered.
	for i := 0; i < 200; i++ {
		if s := b.Snapshot(); len(s) == 1 && s[0].Waiters == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	e, err := b.Enqueue("p1", imsi(t, "12345"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case d := <-got:
		if d != e {
			t.Errorf("dequeued %v, want %v", d, e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not return")
	}
	if b.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", b.Pending())
	}
}

func TestBroker_ExactlyOnceUnderConcurrency(t *testing.T) {
	b := New(Config{})
	const entries = 200
	const workers = 8

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := b.Dequeue(ctx, "p1")
				if err != nil {
					return
				}
				mu.Lock()
				seen[e.ID]++
				mu.Unlock()
			}
		}()
	}

	ids := make([]string, 0, entries)
	for i := 0; i < entries; i++ {
		e, err := b.Enqueue("p1", imsi(t, "12345"))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, e.ID)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == entries || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wg.Wait()

	for _, id := range ids {
		if seen[id] != 1 {
			t.Errorf("entry %s delivered %d times", id, seen[id])
		}
	}
}

func TestBroker_QueueFull(t *testing.T) {
	b := New(Config{MaxPendingPerProvider: 2})
	for i := 0; i < 2; i++ {
		if _, err := b.Enqueue("p1", imsi(t, "12345")); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if _, err := b.Enqueue("p1", imsi(t, "12345")); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Enqueue = %v, want ErrQueueFull", err)
	}
	if _, err := b.Enqueue("p2", imsi(t, "12345")); err != nil {
		t.Errorf("other provider Enqueue = %v", err)
	}
}

func TestBroker_CancelRemovesEntry(t *testing.T) {
	b := New(Config{})
	e1, _ := b.Enqueue("p1", imsi(t, "11111"))
	e2, _ := b.Enqueue("p1", imsi(t, "22222"))

	if !b.Cancel(e1) {
		t.Fatal("Cancel of queued entry returned false")
	}
	r, ok := e1.Resolution()
	if !ok || !r.Cancelled {
		t.Errorf("cancelled entry resolution = %+v, %v", r, ok)
	}

	got, err := b.Dequeue(context.Background(), "p1")
	if err != nil || got != e2 {
		t.Fatalf("Dequeue = %v, %v; want second entry", got, err)
	}
	if b.Cancel(e1) {
		t.Error("second Cancel returned true")
	}
}

func TestBroker_CancelClaimedIsAdvisory(t *testing.T) {
	b := New(Config{})
	e, _ := b.Enqueue("p1", imsi(t, "11111"))
	if _, err := b.Dequeue(context.Background(), "p1"); err != nil {
		t.Fatal(err)
	}
	if b.Cancel(e) {
		t.Error("Cancel of claimed entry returned true")
	}
	if !e.Abandoned() {
		t.Error("claimed entry not marked abandoned")
	}
	if e.Resolve(Failed(protocol.ConnectProviderRejected)) {
		t.Error("Resolve after cancel succeeded")
	}
}

func TestBroker_DequeueSkipsAbandoned(t *testing.T) {
	b := New(Config{})
	e1, _ := b.Enqueue("p1", imsi(t, "11111"))
	e2, _ := b.Enqueue("p1", imsi(t, "22222"))
	e1.Abandon()

	got, err := b.Dequeue(context.Background(), "p1")
	if err != nil || got != e2 {
		t.Fatalf("Dequeue = %v, %v; want live entry", got, err)
	}
}

func TestBroker_Requeue(t *testing.T) {
	b := New(Config{})
	e1, _ := b.Enqueue("p1", imsi(t, "11111"))
	e2, _ := b.Enqueue("p1", imsi(t, "22222"))

	claimed, _ := b.Dequeue(context.Background(), "p1")
	if claimed != e1 {
		t.Fatal("expected first entry")
	}
	if !b.Requeue(claimed) {
		t.Fatal("Requeue returned false")
	}

	got, _ := b.Dequeue(context.Background(), "p1")
	if got != e1 {
		t.Errorf("after requeue got %s, want %s at head", got.ID, e1.ID)
	}
	got, _ = b.Dequeue(context.Background(), "p1")
	if got != e2 {
		t.Errorf("got %s, want %s", got.ID, e2.ID)
	}

	e2.Resolve(Failed(protocol.ConnectProviderRejected))
	if b.Requeue(e2) {
		t.Error("Requeue of resolved entry returned true")
	}
}

func TestBroker_DequeueContextCancel(t *testing.T) {
	b := New(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Dequeue(ctx, "p1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Dequeue = %v, want DeadlineExceeded", err)
	}
	if s := b.Snapshot(); len(s) != 1 || s[0].Waiters != 0 {
		t.Errorf("Snapshot = %+v, want no waiters", s)
	}

	// The next entry must still be served.
	e, _ := b.Enqueue("p1", imsi(t, "11111"))
	got, err := b.Dequeue(context.Background(), "p1")
	if err != nil || got != e {
		t.Errorf("Dequeue = %v, %v", got, err)
	}
}

func TestBroker_ExpireAndPrune(t *testing.T) {
	b := New(Config{})
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	old, _ := b.Enqueue("p1", imsi(t, "11111"))
	now = now.Add(10 * time.Minute)
	fresh, _ := b.Enqueue("p1", imsi(t, "22222"))
	b.Enqueue("p2", imsi(t, "33333"))

	if n := b.Expire(5 * time.Minute); n != 1 {
		t.Errorf("Expire = %d, want 1", n)
	}
	r, ok := old.Resolution()
	if !ok || r.Status != protocol.ConnectTimeout {
		t.Errorf("expired entry resolution = %+v, %v", r, ok)
	}
	if fresh.Abandoned() {
		t.Error("fresh entry expired")
	}

	// Drain both queues, then let them go idle.
	b.Dequeue(context.Background(), "p1")
	b.Dequeue(context.Background(), "p2")
	if n := b.PruneIdle(time.Minute); n != 0 {
		t.Errorf("PruneIdle before idle = %d, want 0", n)
	}
	now = now.Add(2 * time.Minute)
	if n := b.PruneIdle(time.Minute); n != 2 {
		t.Errorf("PruneIdle = %d, want 2", n)
	}
	if s := b.Snapshot(); len(s) != 0 {
		t.Errorf("Snapshot after prune = %+v", s)
	}
}

func TestBroker_Close(t *testing.T) {
	b := New(Config{})
	e, _ := b.Enqueue("p1", imsi(t, "11111"))

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Dequeue(context.Background(), "p2")
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	b.Close()
	b.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Dequeue = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue not woken by Close")
	}
	if r, ok := e.Resolution(); !ok || !r.Cancelled {
		t.Errorf("queued entry after Close = %+v, %v", r, ok)
	}
	if _, err := b.Enqueue("p1", imsi(t, "11111")); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue after Close = %v", err)
	}
}

func TestEntry_ResolveOnce(t *testing.T) {
	b := New(Config{})
	e, _ := b.Enqueue("p1", imsi(t, "11111"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if e.Resolve(Failed(protocol.ConnectStatus(i%4 + 1))) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("Resolve succeeded %d times, want 1", wins)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := e.Wait(ctx); err != nil {
		t.Errorf("Wait = %v", err)
	}
}

func TestMatch_Finish(t *testing.T) {
	m := NewMatch("p1", nil, nil, nil)
	m.Finish(false)
	m.Finish(true)
	if m.Used() {
		t.Error("Used = true, want first Finish value")
	}
	select {
	case <-m.Done():
	default:
		t.Error("Done not closed")
	}
}
