package migration_test

import (
	"testing"

	"github.com/vmcore/govmm/migration"
)

func TestDirtManagerMarkAndCount(t *testing.T) {
	t.Parallel()

	dm := migration.NewDirtManager(256)

	if dm.DirtyPages() != 0 {
		t.Fatalf("fresh DirtManager must start clean, got %d dirty", dm.DirtyPages())
	}

	dm.MarkDirtyPage(5)

	if dm.DirtyPages() != 1 {
		t.Fatalf("DirtyPages() = %d, want 1", dm.DirtyPages())
	}

	// Re-marking an already-dirty page must not change the count.
	dm.MarkDirtyPage(5)

	if dm.DirtyPages() != 1 {
		t.Fatalf("re-marking page 5 changed DirtyPages() to %d, want 1", dm.DirtyPages())
	}

	dm.MarkCleanPage(5)

	if dm.DirtyPages() != 0 {
		t.Fatalf("DirtyPages() = %d after clearing the only dirty page, want 0", dm.DirtyPages())
	}

	// Clearing an already-clean page must not go negative.
	dm.MarkCleanPage(5)

	if dm.DirtyPages() != 0 {
		t.Fatalf("DirtyPages() = %d after clearing an already-clean page, want 0", dm.DirtyPages())
	}
}

func TestDirtManagerMarkRunViaPrd(t *testing.T) {
	t.Parallel()

	dm := migration.NewDirtManager(64)

	prd := migration.NewPrd(8, 3, 0) // pages [8, 16)
	dm.MarkDirty(prd)

	if got, want := dm.DirtyPages(), 8; got != want {
		t.Fatalf("DirtyPages() = %d, want %d", got, want)
	}

	dm.MarkClean(prd)

	if got, want := dm.DirtyPages(), 0; got != want {
		t.Fatalf("DirtyPages() = %d after MarkClean, want %d", got, want)
	}
}

func TestDirtManagerNextDirtyEmpty(t *testing.T) {
	t.Parallel()

	dm := migration.NewDirtManager(16)

	if prd := dm.NextDirty(); !prd.IsEmpty() {
		t.Fatalf("NextDirty() on a clean manager = %v, want empty", prd)
	}
}

func TestDirtManagerNextDirtyMaximalRun(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name      string
		pages     int
		dirty     []int
		wantBase  uint32
		wantOrder uint32
	}{
		{name: "SinglePage", pages: 16, dirty: []int{0}, wantBase: 0, wantOrder: 0},
		{name: "AlignedPair", pages: 16, dirty: []int{0, 1}, wantBase: 0, wantOrder: 1},
		// Three contiguous dirty pages starting at 0: the largest
		// naturally aligned run starting at 0 that fits in 3 is 2
		// pages (order 1), not 3 (not a power of two).
		{name: "ThreeContiguous", pages: 16, dirty: []int{0, 1, 2}, wantBase: 0, wantOrder: 1},
		// A run starting at an odd page can only be order 0 no
		// matter how long the contiguous stretch is, since 1 is the
		// largest power of two dividing an odd base.
		{name: "OddBase", pages: 16, dirty: []int{1, 2, 3, 4}, wantBase: 1, wantOrder: 0},
		{name: "FullyAlignedQuad", pages: 16, dirty: []int{4, 5, 6, 7}, wantBase: 4, wantOrder: 2},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dm := migration.NewDirtManager(tt.pages)
			for _, p := range tt.dirty {
				dm.MarkDirtyPage(p)
			}

			prd := dm.NextDirty()

			if got := prd.BasePage(); got != tt.wantBase {
				t.Errorf("NextDirty().BasePage() = %d, want %d", got, tt.wantBase)
			}

			if got := prd.Order(); got != tt.wantOrder {
				t.Errorf("NextDirty().Order() = %d, want %d", got, tt.wantOrder)
			}
		})
	}
}

func TestDirtManagerFaultCountSaturatesNotDirtyCount(t *testing.T) {
	t.Parallel()

	dm := migration.NewDirtManager(8)

	for i := 0; i < 300; i++ {
		dm.MarkDirtyPage(0)
		dm.MarkCleanPage(0)
	}

	if dm.DirtyPages() != 0 {
		t.Fatalf("DirtyPages() = %d after balanced mark/clear, want 0", dm.DirtyPages())
	}

	stats := dm.PrintStats()
	if stats.Max != 255 {
		t.Fatalf("PrintStats().Max = %d after 300 dirty transitions, want 255 (saturated)", stats.Max)
	}
}

func TestDirtManagerOutOfRangeIsNoop(t *testing.T) {
	t.Parallel()

	dm := migration.NewDirtManager(4)

	dm.MarkDirtyPage(-1)
	dm.MarkDirtyPage(4)
	dm.MarkDirtyPage(1000)

	if dm.DirtyPages() != 0 {
		t.Fatalf("DirtyPages() = %d after only out-of-range marks, want 0", dm.DirtyPages())
	}
}
