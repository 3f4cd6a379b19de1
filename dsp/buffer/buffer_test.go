package buffer

import "testing"

type fakeMemory struct {
	n        int
	released int
}

func (m *fakeMemory) Len() int { return m.n }
func (m *fakeMemory) Release() { m.released++ }

func TestNewZeroFilled(t *testing.T) {
	b := New(8)
	if b.Len() != 8 || b.Kind() != KindHost {
		t.Fatalf("Len() = %d, Kind() = %v", b.Len(), b.Kind())
	}
	for i, v := range b.Samples() {
		if v != 0 {
			t.Fatalf("Samples()[%d] = %v, want 0", i, v)
		}
	}
	if New(-1).Len() != 0 {
		t.Fatal("negative length should yield an empty buffer")
	}
}

func TestFromSliceSharesMemory(t *testing.T) {
	s := []float64{1, 2, 3}
	b := FromSlice(s)
	b.Samples()[0] = 99
	if s[0] != 99 {
		t.Fatal("FromSlice should share underlying memory")
	}
}

func TestResizeZeroesExposedSamples(t *testing.T) {
	b := FromSlice(make([]float64, 4, 8))
	copy(b.Samples(), []float64{1, 2, 3, 4})

	b.Resize(2)
	b.Resize(4)
	if got := b.Samples(); got[2] != 0 || got[3] != 0 {
		t.Fatalf("stale data after Resize: %v", got)
	}

	b.Resize(16)
	if b.Len() != 16 || b.Samples()[0] != 1 {
		t.Fatalf("grow did not preserve data: %v", b.Samples())
	}
}

func TestCopyIsDeep(t *testing.T) {
	b := FromSlice([]float64{1, 2})
	c := b.Copy()
	c.Samples()[0] = 5
	if b.Samples()[0] != 1 {
		t.Fatal("Copy shares memory")
	}
}

func TestDeviceBuffer(t *testing.T) {
	mem := &fakeMemory{n: 32}
	b := Device(mem)
	if b.Kind() != KindDevice || b.IsHost() {
		t.Fatalf("Kind() = %v", b.Kind())
	}
	if b.Len() != 32 {
		t.Fatalf("Len() = %d, want 32", b.Len())
	}
	if b.Samples() != nil || b.Copy() != nil {
		t.Fatal("device buffer exposed host samples")
	}

	b.Resize(4)
	if b.Len() != 32 {
		t.Fatal("Resize changed a device buffer")
	}

	b.Release()
	b.Release()
	if mem.released != 1 {
		t.Fatalf("Release called %d times, want 1", mem.released)
	}
	if b.Len() != 0 {
		t.Fatalf("released buffer Len() = %d", b.Len())
	}

	if Device(nil) != nil {
		t.Fatal("Device(nil) should be nil")
	}
}
