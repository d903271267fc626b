package assembly

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/camgate/core/transfer"
)

func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	k := transfer.Key{Device: "A", Name: "x.jpg"}

	a, created, evicted := r.GetOrCreate(k)
	if !created || a == nil || evicted != nil {
		t.Fatalf("first GetOrCreate = %v %v %v", a, created, evicted)
	}
	b, created, _ := r.GetOrCreate(k)
	if created {
		t.Error("second GetOrCreate should not create")
	}
	if a != b {
		t.Error("GetOrCreate should return the existing assembly")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}

	got, ok := r.Get(k)
	if !ok || got != a {
		t.Error("Get should find the assembly")
	}
	if _, ok := r.Get(transfer.Key{Device: "B", Name: "x.jpg"}); ok {
		t.Error("Get should not find an unknown key")
	}
}

func TestRegistry_RemoveExactlyOnce(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	k := transfer.Key{Device: "A", Name: "x.jpg"}
	a, _, _ := r.GetOrCreate(k)

	if !r.Remove(k, a) {
		t.Fatal("first Remove should succeed")
	}
	if r.Remove(k, a) {
		t.Error("second Remove should fail")
	}

	b, created, _ := r.GetOrCreate(k)
	if !created {
		t.Fatal("key should be recreated after removal")
	}
	if r.Remove(k, a) {
		t.Error("Remove with a stale assembly must not evict the new one")
	}
	if got, _ := r.Get(k); got != b {
		t.Error("new assembly should still be registered")
	}
}

func TestRegistry_SnapshotOrderedByCreation(t *testing.T) {
	r := NewRegistry(RegistryConfig{Now: steppingClock(time.Unix(0, 0))})
	names := []string{"c", "a", "b"}
	for _, n := range names {
		r.GetOrCreate(transfer.Key{Device: "D", Name: n})
	}

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot len = %d", len(snap))
	}
	for i, n := range names {
		if snap[i].Key.Name != n {
			t.Errorf("snap[%d] = %s, want %s", i, snap[i].Key.Name, n)
		}
	}
}

func TestRegistry_CapacityEvictsOldest(t *testing.T) {
	r := NewRegistry(RegistryConfig{Capacity: 2, Now: steppingClock(time.Unix(0, 0))})
	k1 := transfer.Key{Device: "A", Name: "1"}
	k2 := transfer.Key{Device: "A", Name: "2"}
	k3 := transfer.Key{Device: "A", Name: "3"}

	first, _, _ := r.GetOrCreate(k1)
	r.GetOrCreate(k2)
	_, created, evicted := r.GetOrCreate(k3)

	if !created {
		t.Fatal("third key should be created")
	}
	if evicted != first {
		t.Fatalf("evicted = %v, want oldest", evicted)
	}
	if _, ok := r.Get(k1); ok {
		t.Error("oldest key should be gone")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestRegistry_CrossDeviceIsolation(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	ka := transfer.Key{Device: "A", Name: "x.jpg"}
	kb := transfer.Key{Device: "B", Name: "x.jpg"}

	a, _, _ := r.GetOrCreate(ka)
	b, _, _ := r.GetOrCreate(kb)
	a.ApplyAnnouncement(Params{TotalChunks: 2})
	b.ApplyAnnouncement(Params{TotalChunks: 2})

	// Interleaved delivery.
	a.ApplyChunk(0, []byte{0xAA})
	b.ApplyChunk(0, []byte{0xBB})
	b.ApplyChunk(1, []byte{0xBB})
	a.ApplyChunk(1, []byte{0xAA})

	ga, _ := a.Assemble()
	gb, _ := b.Assemble()
	if !bytes.Equal(ga, []byte{0xAA, 0xAA}) {
		t.Errorf("device A bytes = %X", ga)
	}
	if !bytes.Equal(gb, []byte{0xBB, 0xBB}) {
		t.Errorf("device B bytes = %X", gb)
	}
}

func TestRegistry_ConcurrentIngestAndScan(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	const devices = 8
	const chunks = 64

	var wg sync.WaitGroup
	for d := range devices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k := transfer.Key{Device: transfer.DeviceID(rune('A' + d)), Name: "x.jpg"}
			for i := chunks - 1; i >= 0; i-- {
				a, _, _ := r.GetOrCreate(k)
				a.InferTotal(chunks)
				a.ApplyChunk(i, []byte{byte(d)})
				a.ApplyChunk(i, []byte{0xFF})
			}
		}()
	}

	stop := make(chan struct{})
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, e := range r.Snapshot() {
				_ = e.Assembly.IsComplete()
				_ = e.Assembly.Missing()
			}
		}
	}()

	wg.Wait()
	close(stop)
	<-scanDone

	for _, e := range r.Snapshot() {
		data, err := e.Assembly.Assemble()
		if err != nil {
			t.Fatalf("%s: Assemble: %v", e.Key, err)
		}
		want := byte(e.Key.Device[0] - 'A')
		for i, b := range data {
			if b != want {
				t.Fatalf("%s: byte %d = %X, want %X", e.Key, i, b, want)
			}
		}
	}
}

func TestRegistry_MaxChunks(t *testing.T) {
	tests := []struct {
		name string
		max  int
		want int
	}{
		{"default", 0, DefaultMaxChunks},
		{"negative", -1, DefaultMaxChunks},
		{"configured", 16, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(RegistryConfig{MaxChunks: tt.max})
			if r.MaxChunks() != tt.want {
				t.Errorf("MaxChunks = %d, want %d", r.MaxChunks(), tt.want)
			}
			a, _, _ := r.GetOrCreate(transfer.Key{Device: "A", Name: "x.jpg"})
			if a.Limit() != tt.want {
				t.Errorf("assembly Limit = %d, want %d", a.Limit(), tt.want)
			}
		})
	}
}
