package container

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistry_ClaimRejectsSharedWorkspace(t *testing.T) {
	r := NewRegistry()
	if err := r.Claim(Record{SessionID: "a", WorkspacePath: "/ws/x"}); err != nil {
		t.Fatal(err)
	}
	// Re-claiming for the same session is allowed.
	if err := r.Claim(Record{SessionID: "a", WorkspacePath: "/ws/x"}); err != nil {
		t.Errorf("same-session Claim() = %v", err)
	}
	if err := r.Claim(Record{SessionID: "b", WorkspacePath: "/ws/./x"}); !errors.Is(err, ErrWorkspaceInUse) {
		t.Errorf("Claim() = %v, want ErrWorkspaceInUse", err)
	}
	if got := r.MountedBy("/ws/x"); got != "a" {
		t.Errorf("MountedBy() = %q", got)
	}

	r.Delete("a")
	if err := r.Claim(Record{SessionID: "b", WorkspacePath: "/ws/x"}); err != nil {
		t.Errorf("Claim after delete = %v", err)
	}
}

func TestRegistry_Update(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Update("missing", func(*Record) {}); ok {
		t.Error("Update on missing record should report false")
	}
	r.Put(Record{SessionID: "a", Health: HealthHealthy})
	rec, ok := r.Update("a", func(rec *Record) { rec.Failures = 2 })
	if !ok || rec.Failures != 2 {
		t.Errorf("Update() = %+v, %v", rec, ok)
	}
	if got, _ := r.Get("a"); got.Failures != 2 {
		t.Error("update not stored")
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	var inside atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("s")
			defer unlock()
			if inside.Add(1) != 1 {
				t.Error("two holders of the same key")
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	k.mu.Lock()
	n := len(k.locks)
	k.mu.Unlock()
	if n != 0 {
		t.Errorf("locks left = %d, want 0", n)
	}
}
