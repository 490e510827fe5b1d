package presence

import (
	"math/rand"
	"reflect"
	"sort"
	"testing"
)

type handle struct {
	id int
}

func TestRegisterOverwritesPreviousHandle(t *testing.T) {
	registry := NewRegistry[*handle]()
	first := &handle{id: 1}
	second := &handle{id: 2}

	if _, replaced := registry.Register("alice", first); replaced {
		t.Fatalf("expected first registration to replace nothing")
	}
	previous, replaced := registry.Register("alice", second)
	if !replaced || previous != first {
		t.Fatalf("expected second registration to replace the first handle")
	}
	current, ok := registry.Lookup("alice")
	if !ok || current != second {
		t.Fatalf("expected lookup to return the newest handle")
	}
	if registry.Len() != 1 {
		t.Fatalf("expected one entry per user, got %d", registry.Len())
	}
}

func TestUnregisterIgnoresSupersededHandle(t *testing.T) {
	registry := NewRegistry[*handle]()
	stale := &handle{id: 1}
	fresh := &handle{id: 2}
	registry.Register("alice", stale)
	registry.Register("alice", fresh)

	if registry.Unregister("alice", stale) {
		t.Fatalf("expected stale handle not to evict the newer mapping")
	}
	if current, ok := registry.Lookup("alice"); !ok || current != fresh {
		t.Fatalf("expected fresh handle to remain registered")
	}
	if !registry.Unregister("alice", fresh) {
		t.Fatalf("expected owning handle to unregister")
	}
	if _, ok := registry.Lookup("alice"); ok {
		t.Fatalf("expected alice to be offline")
	}
	if registry.Unregister("alice", fresh) {
		t.Fatalf("expected repeated unregister to report no change")
	}
}

func TestSnapshotIsSortedKeySet(t *testing.T) {
	registry := NewRegistry[int]()
	registry.Register("carol", 3)
	registry.Register("alice", 1)
	registry.Register("bob", 2)

	if got := registry.Snapshot(); !reflect.DeepEqual(got, []string{"alice", "bob", "carol"}) {
		t.Fatalf("unexpected snapshot %v", got)
	}
	if got := registry.Handles(); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("unexpected handles %v", got)
	}
	if got := NewRegistry[int]().Snapshot(); len(got) != 0 {
		t.Fatalf("expected empty snapshot, got %v", got)
	}
}

func TestRandomSequencesMatchLastRegistration(t *testing.T) {
	users := []string{"alice", "bob", "carol", "dave"}
	source := rand.New(rand.NewSource(42))

	for run := 0; run < 50; run++ {
		registry := NewRegistry[*handle]()
		expected := make(map[string]*handle)
		issued := make(map[string][]*handle)
		nextID := 0

		for step := 0; step < 200; step++ {
			user := users[source.Intn(len(users))]
			if source.Intn(2) == 0 || len(issued[user]) == 0 {
				nextID++
				h := &handle{id: nextID}
				issued[user] = append(issued[user], h)
				registry.Register(user, h)
				expected[user] = h
			} else {
				candidates := issued[user]
				h := candidates[source.Intn(len(candidates))]
				removed := registry.Unregister(user, h)
				if expected[user] == h {
					if !removed {
						t.Fatalf("run %d step %d: owning handle failed to unregister", run, step)
					}
					delete(expected, user)
				} else if removed {
					t.Fatalf("run %d step %d: foreign handle removed mapping", run, step)
				}
			}

			for _, candidate := range users {
				got, ok := registry.Lookup(candidate)
				want, wantOK := expected[candidate]
				if ok != wantOK || got != want {
					t.Fatalf("run %d step %d: lookup(%s) mismatch", run, step, candidate)
				}
			}
			keys := make([]string, 0, len(expected))
			for user := range expected {
				keys = append(keys, user)
			}
			sort.Strings(keys)
			if !reflect.DeepEqual(registry.Snapshot(), keys) {
				t.Fatalf("run %d step %d: snapshot %v, want %v", run, step, registry.Snapshot(), keys)
			}
		}
	}
}
