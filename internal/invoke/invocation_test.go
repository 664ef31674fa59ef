package invoke

import (
	"sync"
	"testing"
	"time"
)

func TestInvocation_ResolveOnce(t *testing.T) {
	inv := New("echo", []byte(`{}`), time.Minute)

	if !inv.Resolve(Outcome{Response: []byte(`"ok"`)}) {
		t.Fatal("first Resolve returned false")
	}
	if inv.Resolve(Outcome{Fault: &Fault{Kind: KindTimeout}}) {
		t.Error("second Resolve returned true, want false")
	}

	out := <-inv.Done()
	if string(out.Response) != `"ok"` {
		t.Errorf("outcome = %q, want first resolution", out.Response)
	}
	if inv.State() != StateResponded {
		t.Errorf("state = %v, want responded", inv.State())
	}
}

func TestInvocation_ResolveConcurrent(t *testing.T) {
	inv := New("echo", nil, time.Minute)

	const attempts = 16
	var wg sync.WaitGroup
	wins := make(chan int, attempts)

	for i := range attempts {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if inv.Resolve(Outcome{Response: []byte(`{}`)}) {
				wins <- n
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("winners = %d, want exactly 1", count)
	}
}

func TestInvocation_DeadlineWinsRace(t *testing.T) {
	inv := New("slow", nil, 20*time.Millisecond)

	fired := make(chan struct{})
	inv.ArmDeadline(func(*Invocation) { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("deadline timer did not fire")
	}

	// Late result after timeout must be a no-op.
	if inv.Resolve(Outcome{Response: []byte(`"late"`)}) {
		t.Error("late Resolve succeeded after timeout")
	}

	out := <-inv.Done()
	if out.Fault == nil || out.Fault.Kind != KindTimeout {
		t.Errorf("outcome = %+v, want InvocationTimeout fault", out)
	}
	if inv.State() != StateTimedOut {
		t.Errorf("state = %v, want timed_out", inv.State())
	}
}

func TestInvocation_ResultStopsDeadline(t *testing.T) {
	inv := New("fast", nil, 30*time.Millisecond)

	timedOut := make(chan struct{})
	inv.ArmDeadline(func(*Invocation) { close(timedOut) })

	if !inv.Resolve(Outcome{Response: []byte(`{}`)}) {
		t.Fatal("Resolve failed")
	}

	select {
	case <-timedOut:
		t.Error("timeout callback ran after successful resolution")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestInvocation_GenerationCheck(t *testing.T) {
	inv := New("echo", nil, time.Minute)

	if !inv.MarkDispatched("w1", 3) {
		t.Fatal("MarkDispatched failed")
	}
	if !inv.DispatchedTo("w1", 3) {
		t.Error("DispatchedTo(w1, 3) = false, want true")
	}
	if inv.DispatchedTo("w1", 4) {
		t.Error("DispatchedTo with advanced generation = true, want false")
	}
	if inv.DispatchedTo("w2", 3) {
		t.Error("DispatchedTo with other worker = true, want false")
	}
}

func TestInvocation_RequeueAfterDispatch(t *testing.T) {
	inv := New("echo", nil, time.Minute)

	if inv.Requeue() {
		t.Error("Requeue on queued invocation succeeded")
	}

	inv.MarkDispatched("w1", 1)
	if !inv.Requeue() {
		t.Fatal("Requeue on dispatched invocation failed")
	}
	if inv.State() != StateQueued {
		t.Errorf("state = %v, want queued", inv.State())
	}

	// A second dispatch to a new worker must work.
	if !inv.MarkDispatched("w2", 1) {
		t.Error("re-dispatch after requeue failed")
	}

	// Requeue must never resurrect a resolved invocation.
	inv.Resolve(Outcome{Response: []byte(`{}`)})
	if inv.Requeue() {
		t.Error("Requeue succeeded on resolved invocation")
	}
}

func TestInvocation_MarkDispatchedAfterResolve(t *testing.T) {
	inv := New("echo", nil, time.Minute)
	inv.Resolve(Outcome{Fault: &Fault{Kind: KindDiscarded}})

	if inv.MarkDispatched("w1", 1) {
		t.Error("MarkDispatched succeeded on resolved invocation")
	}
	if inv.State() != StateDiscarded {
		t.Errorf("state = %v, want discarded", inv.State())
	}
}

func TestTable_LookupAndRemove(t *testing.T) {
	tbl := NewTable()
	inv := New("echo", nil, time.Minute)

	tbl.Register(inv)
	got, ok := tbl.Lookup(inv.ID)
	if !ok || got != inv {
		t.Fatal("Lookup did not return registered invocation")
	}

	tbl.Remove(inv.ID)
	if _, ok := tbl.Lookup(inv.ID); ok {
		t.Error("Lookup returned removed invocation")
	}
	if tbl.Len() != 0 {
		t.Errorf("Len = %d, want 0", tbl.Len())
	}
}

func TestTable_UnknownID(t *testing.T) {
	tbl := NewTable()
	if _, ok := tbl.Lookup("nope"); ok {
		t.Error("Lookup of unknown id returned ok")
	}
}

func TestInvocation_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		inv := New("echo", nil, time.Minute)
		if seen[inv.ID] {
			t.Fatalf("duplicate invocation id %s", inv.ID)
		}
		seen[inv.ID] = true
	}
}
