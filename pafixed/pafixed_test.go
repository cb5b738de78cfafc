package pafixed_test

import (
	"path/filepath"
	"testing"

	"parrotdb/pafixed"
	"parrotdb/pamm"
)

func openPool(t *testing.T, maxAtoms uint32) (*pamm.Segment, *pafixed.Pool) {
	tmpDir := t.TempDir()
	seg, err := pamm.Open(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("Open segment failed: %v", err)
	}
	pool, err := pafixed.Open(seg, "recs.set", 2, 16, maxAtoms, pafixed.InitZero)
	if err != nil {
		t.Fatalf("pafixed.Open failed: %v", err)
	}
	return seg, pool
}

func TestAllocNeverIssuesNullAtom(t *testing.T) {
	seg, pool := openPool(t, 64)
	defer seg.Close()

	for i := 0; i < 10; i++ {
		atom, err := pool.Alloc()
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
		if atom == pamm.NullAtom {
			t.Fatalf("Alloc returned the null atom")
		}
		if pool.Addr(atom) == nil {
			t.Fatalf("Addr(%d) returned nil for a just-allocated atom", atom)
		}
	}
	if pool.Addr(pamm.NullAtom) != nil {
		t.Errorf("Addr(0) should be nil")
	}
}

func TestFreeAndReissueLIFO(t *testing.T) {
	seg, pool := openPool(t, 64)
	defer seg.Close()

	a1, _ := pool.Alloc()
	a2, _ := pool.Alloc()
	pool.Free(a2)

	a3, err := pool.Alloc()
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if a3 != a2 {
		t.Errorf("expected freed atom %d to be reissued immediately, got %d", a2, a3)
	}
	_ = a1
}

func TestPoolExhaustion(t *testing.T) {
	seg, pool := openPool(t, 4)
	defer seg.Close()

	count := 0
	for {
		_, err := pool.Alloc()
		if err != nil {
			if err != pamm.ErrFull {
				t.Fatalf("unexpected error: %v", err)
			}
			break
		}
		count++
		if count > 100 {
			t.Fatalf("pool did not exhaust as expected")
		}
	}
	if count == 0 {
		t.Fatalf("expected at least one successful allocation before exhaustion")
	}
}

func TestShapeMismatchOnReopen(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "test.db")

	seg, err := pamm.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := pafixed.Open(seg, "recs.set", 2, 16, 64, 0); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := pafixed.Open(seg, "recs.set", 3, 16, 64, 0); err == nil {
		t.Fatalf("expected shape mismatch error on differing page shift")
	}
	seg.Close()
}

func TestWriteSurvivesAddr(t *testing.T) {
	seg, pool := openPool(t, 64)
	defer seg.Close()

	atom, err := pool.Alloc()
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	rec := pool.Addr(atom)
	copy(rec, []byte("0123456789012345"))

	rec2 := pool.Addr(atom)
	if string(rec2[:16]) != "0123456789012345" {
		t.Errorf("expected written bytes to persist, got %q", rec2[:16])
	}
}
