package bitmap

import "testing"

func TestSetClearTest(t *testing.T) {
	buf := make([]byte, WordCount*4)
	bm := New(buf)

	if bm.Test(5) {
		t.Fatalf("bit 5 should start clear")
	}
	bm.Set(5)
	if !bm.Test(5) {
		t.Fatalf("bit 5 should be set")
	}
	bm.Clear(5)
	if bm.Test(5) {
		t.Fatalf("bit 5 should be clear again")
	}
}

func TestFindFirstClear(t *testing.T) {
	buf := make([]byte, WordCount*4)
	bm := New(buf)

	idx, ok := bm.FindFirstClear(10)
	if !ok || idx != 0 {
		t.Fatalf("expected bit 0 free, got %d %v", idx, ok)
	}

	for i := 0; i < 10; i++ {
		bm.Set(i)
	}
	idx, ok = bm.FindFirstClear(10)
	if ok {
		t.Fatalf("expected no clear bit in [0,10), got %d", idx)
	}

	idx, ok = bm.FindFirstClear(11)
	if !ok || idx != 10 {
		t.Fatalf("expected bit 10 free, got %d %v", idx, ok)
	}
}

func TestFindFirstClearAcrossWordBoundary(t *testing.T) {
	buf := make([]byte, WordCount*4)
	bm := New(buf)
	for i := 0; i < 40; i++ {
		bm.Set(i)
	}
	idx, ok := bm.FindFirstClear(BitCount)
	if !ok || idx != 40 {
		t.Fatalf("expected bit 40 free, got %d %v", idx, ok)
	}
}

func TestFindFirstClearOutOfRange(t *testing.T) {
	buf := make([]byte, WordCount*4)
	bm := New(buf)
	if _, ok := bm.FindFirstClear(0); ok {
		t.Fatalf("n=0 should report not found")
	}
	if _, ok := bm.FindFirstClear(BitCount + 1); ok {
		t.Fatalf("n beyond BitCount should report not found")
	}
}

func TestBacksSharedMemory(t *testing.T) {
	buf := make([]byte, WordCount*4)
	bm := New(buf)
	bm.Set(0)
	if buf[0] != 0x01 {
		t.Fatalf("Set should mutate the backing buffer directly, got %x", buf[0])
	}
}
