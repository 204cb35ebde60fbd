package sequencer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegister_DuplicateFails(t *testing.T) {
	s := New()
	if err := s.Register("build", func(context.Context, any) error { return nil }); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := s.Register("build", func(context.Context, any) error { return nil }); err == nil {
		t.Fatal("duplicate register succeeded, want error")
	}
}

func TestEnqueue_UnknownAction(t *testing.T) {
	s := New()
	if err := s.Enqueue(Item{Action: "nope"}); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("err = %v, want ErrUnknownAction", err)
	}
}

func TestEnqueue_AfterRunReturnsClosed(t *testing.T) {
	s := New()
	if err := s.Register("build", func(context.Context, any) error { return nil }); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}

	if err := s.Enqueue(Item{Action: "build"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestRun_SingleFlight(t *testing.T) {
	s := New()

	var mu sync.Mutex
	var inFlight, maxInFlight int
	var order []int

	err := s.Register("build", func(_ context.Context, payload any) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		order = append(order, payload.(int))
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx) //nolint:errcheck

	for i := range 4 {
		if err := s.Enqueue(Item{Action: "build", Payload: i}); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("processed %d items, want 4", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("max in-flight = %d, want 1 (single-flight violated)", maxInFlight)
	}
	for i, got := range order {
		if got != i {
			t.Errorf("order[%d] = %d, want FIFO order", i, got)
		}
	}
}

func TestRun_PriorityOrdering(t *testing.T) {
	s := New()

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})

	err := s.Register("build", func(_ context.Context, payload any) error {
		mu.Lock()
		order = append(order, payload.(string))
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	// A blocking first item lets the rest queue up before any is picked.
	err = s.Register("block", func(context.Context, any) error {
		<-release
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx) //nolint:errcheck

	if err := s.Enqueue(Item{Action: "block"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond) // let the blocker start

	for _, it := range []Item{
		{Action: "build", Payload: "low-1", Priority: 10},
		{Action: "build", Payload: "high", Priority: 20},
		{Action: "build", Payload: "low-2", Priority: 10},
	} {
		if err := s.Enqueue(it); err != nil {
			t.Fatal(err)
		}
	}
	close(release)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("processed %d items, want 3", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "low-1", "low-2"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRun_SecondStartsAfterFirstCompensation(t *testing.T) {
	// A failing handler (compensation included) must fully finish before
	// the next item starts.
	s := New()

	var mu sync.Mutex
	var trace []string

	err := s.Register("build", func(_ context.Context, payload any) error {
		name := payload.(string)
		mu.Lock()
		trace = append(trace, name+":start")
		mu.Unlock()

		if name == "doomed" {
			time.Sleep(10 * time.Millisecond) // stand-in for compensation work
			mu.Lock()
			trace = append(trace, name+":compensated")
			mu.Unlock()
			return errors.New("step failed")
		}

		mu.Lock()
		trace = append(trace, name+":done")
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx) //nolint:errcheck

	if err := s.Enqueue(Item{Action: "build", Payload: "doomed"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(Item{Action: "build", Payload: "second"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(trace)
		mu.Unlock()
		if n == 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("trace = %v, want 4 entries", trace)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"doomed:start", "doomed:compensated", "second:start", "second:done"}
	for i, w := range want {
		if trace[i] != w {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestRun_PostDelayPacesNextItem(t *testing.T) {
	s := New()

	var mu sync.Mutex
	var starts []time.Time

	if err := s.Register("build", func(context.Context, any) error {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx) //nolint:errcheck

	if err := s.Enqueue(Item{Action: "build", PostDelay: 50 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(Item{Action: "build"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(starts)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("processed %d items, want 2", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if gap := starts[1].Sub(starts[0]); gap < 50*time.Millisecond {
		t.Errorf("second item started %v after the first, want >= 50ms post-delay", gap)
	}
}

func TestUnregister_DiscardsQueuedItems(t *testing.T) {
	s := New()

	ran := make(chan struct{}, 1)
	if err := s.Register("build", func(context.Context, any) error {
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(Item{Action: "build", Delay: 20 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	s.Unregister("build")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx) //nolint:errcheck

	select {
	case <-ran:
		t.Fatal("handler ran after unregister")
	case <-time.After(60 * time.Millisecond):
	}
}
