package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rxops/pharmsync/logging"
)

func newTestMonitor(window time.Duration) (*Monitor, *time.Time) {
	initial := true
	m := NewMonitor(Options{
		StabilityWindow: window,
		InitialOnline:   &initial,
		Logger:          logging.Discard(),
		Prober:          func(ctx context.Context) error { return nil },
	})
	clock := time.Now()
	m.now = func() time.Time { return clock }
	return m, &clock
}

func TestMonitor_ImmediateTransitionWithoutWindow(t *testing.T) {
	m, _ := newTestMonitor(-1) // negative disables debouncing entirely
	m.stabilityWindow = 0

	var transitions []bool
	m.Subscribe(func(online bool) { transitions = append(transitions, online) })

	m.SetOnline(false)
	if m.Online() {
		t.Fatal("expected offline")
	}
	m.SetOnline(true)
	if !m.Online() {
		t.Fatal("expected online")
	}
	if len(transitions) != 2 || transitions[0] != false || transitions[1] != true {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
}

func TestMonitor_DebouncesFlapping(t *testing.T) {
	m, clock := newTestMonitor(time.Second)

	var count int
	m.Subscribe(func(online bool) { count++ })

	// Rapid flapping within the window: no transition commits.
	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(false)
	if count != 0 {
		t.Fatalf("transition emitted during flapping: %d", count)
	}
	if !m.Online() {
		t.Fatal("state must not change before stability window elapses")
	}

	// The offline candidate holds for the full window.
	*clock = clock.Add(1500 * time.Millisecond)
	m.SetOnline(false)
	if m.Online() {
		t.Fatal("expected committed offline transition")
	}
	if count != 1 {
		t.Fatalf("expected exactly one transition event, got %d", count)
	}
}

func TestMonitor_CommitsHeldCandidateWithoutFurtherObservations(t *testing.T) {
	initial := true
	m := NewMonitor(Options{
		StabilityWindow: 20 * time.Millisecond,
		InitialOnline:   &initial,
		Logger:          logging.Discard(),
	})

	transition := make(chan bool, 1)
	m.Subscribe(func(online bool) { transition <- online })

	// A single observation followed by silence must still commit once the
	// window elapses. Without a prober there is nothing else to re-trigger
	// the state machine.
	m.SetOnline(false)

	select {
	case online := <-transition:
		if online {
			t.Fatal("expected offline transition")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("held candidate never committed")
	}
	if m.Online() {
		t.Fatal("expected committed offline state")
	}
}

func TestMonitor_ExactlyOneEventPerStableTransition(t *testing.T) {
	m, clock := newTestMonitor(time.Second)

	var events []bool
	m.Subscribe(func(online bool) { events = append(events, online) })

	m.SetOnline(false)
	*clock = clock.Add(2 * time.Second)
	m.SetOnline(false)
	// Further offline observations must not re-emit.
	m.SetOnline(false)
	m.SetOnline(false)

	m.SetOnline(true)
	*clock = clock.Add(2 * time.Second)
	m.SetOnline(true)
	m.SetOnline(true)

	if len(events) != 2 || events[0] != false || events[1] != true {
		t.Fatalf("expected [false true], got %v", events)
	}
}

func TestMonitor_SubscribeCancel(t *testing.T) {
	m, _ := newTestMonitor(time.Second)
	m.stabilityWindow = 0

	var count int
	cancel := m.Subscribe(func(online bool) { count++ })
	cancel()

	m.SetOnline(false)
	if count != 0 {
		t.Error("cancelled subscriber still notified")
	}
}

func TestMonitor_SubscriberPanicIsContained(t *testing.T) {
	m, _ := newTestMonitor(time.Second)
	m.stabilityWindow = 0

	m.Subscribe(func(online bool) { panic("listener bug") })
	var notified bool
	m.Subscribe(func(online bool) { notified = true })

	m.SetOnline(false) // must not panic
	if !notified {
		t.Error("panicking subscriber blocked later subscribers")
	}
}

func TestMonitor_ProbeLoop(t *testing.T) {
	var mu sync.Mutex
	reachable := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if !reachable {
			// Hang up without responding.
			hj, _ := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	initial := true
	m := NewMonitor(Options{
		Prober:          HTTPProber(server.URL, server.Client()),
		ProbeInterval:   10 * time.Millisecond,
		ProbeTimeout:    time.Second,
		StabilityWindow: 1, // effectively immediate at test timescales
		InitialOnline:   &initial,
		Logger:          logging.Discard(),
	})
	m.stabilityWindow = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transition := make(chan bool, 8)
	m.Subscribe(func(online bool) {
		select {
		case transition <- online:
		default:
		}
	})

	m.Start(ctx)
	defer m.Stop()

	mu.Lock()
	reachable = false
	mu.Unlock()

	select {
	case online := <-transition:
		if online {
			t.Fatal("expected offline transition")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("probe loop never detected unreachable host")
	}

	mu.Lock()
	reachable = true
	mu.Unlock()

	select {
	case online := <-transition:
		if !online {
			t.Fatal("expected online transition")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("probe loop never detected recovery")
	}
}

func TestHTTPProber_ErrorStatusStillReachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer server.Close()

	prober := HTTPProber(server.URL, server.Client())
	if err := prober(context.Background()); err != nil {
		t.Errorf("an HTTP error status still proves reachability: %v", err)
	}

	unreachable := HTTPProber(fmt.Sprintf("http://127.0.0.1:1%s", "/nope"), nil)
	if err := unreachable(context.Background()); err == nil {
		t.Error("expected error for unreachable host")
	}
}
