package assembly

import "testing"

func TestBitset_SetAndHas(t *testing.T) {
	b := bitset(nil).resize(130)
	if len(b) != 3 {
		t.Fatalf("len = %d, want 3 words", len(b))
	}
	for _, i := range []int{0, 63, 64, 129} {
		b.set(i)
	}
	for i := range 130 {
		want := i == 0 || i == 63 || i == 64 || i == 129
		if b.has(i) != want {
			t.Errorf("has(%d) = %v, want %v", i, b.has(i), want)
		}
	}
}

func TestBitset_ResizeClearsTail(t *testing.T) {
	b := bitset(nil).resize(128)
	b.set(5)
	b.set(70)
	b.set(100)

	b = b.resize(71)
	if !b.has(5) || !b.has(70) {
		t.Error("bits below the new size must be kept")
	}

	b = b.resize(128)
	if b.has(100) {
		t.Error("bits cleared by a shrink must stay clear after growing")
	}

	if got := bitset(nil).resize(0); len(got) != 0 {
		t.Errorf("resize(0) len = %d", len(got))
	}
}
