package migration

import "math/bits"

// maxFaultCount is the saturation ceiling for DirtManager.fault_count.
const maxFaultCount = 255

// DirtManager owns the dirty bitmap and per-page fault-frequency
// counters for one migration session. It is accessed only from the
// driver thread: no locking is required.
type DirtManager struct {
	pages      int
	dirtyBits  []uint64 // one bit per page, 64 pages per word
	faultCount []uint8
	dirtyCount int
}

// NewDirtManager constructs a manager for a guest with the given
// number of 4 KiB pages, all initially clean.
func NewDirtManager(pages int) *DirtManager {
	return &DirtManager{
		pages:      pages,
		dirtyBits:  make([]uint64, (pages+63)/64),
		faultCount: make([]uint8, pages),
	}
}

// DirtyPages returns dirty_count: the number of pages currently
// marked dirty.
func (d *DirtManager) DirtyPages() int {
	return d.dirtyCount
}

func (d *DirtManager) testBit(p int) bool {
	return d.dirtyBits[p/64]&(1<<uint(p%64)) != 0
}

func (d *DirtManager) setBit(p int) {
	d.dirtyBits[p/64] |= 1 << uint(p%64)
}

func (d *DirtManager) clearBit(p int) {
	d.dirtyBits[p/64] &^= 1 << uint(p%64)
}

// MarkDirtyPage marks a single guest page dirty. Re-marking an
// already-dirty page leaves dirty_count and fault_count unchanged
// except that fault_count only advances on a 0->1 transition.
func (d *DirtManager) MarkDirtyPage(p int) {
	if p < 0 || p >= d.pages {
		return
	}

	if !d.testBit(p) {
		d.setBit(p)
		d.dirtyCount++

		if d.faultCount[p] < maxFaultCount {
			d.faultCount[p]++
		}
	}
}

// MarkDirty marks every page covered by prd dirty.
func (d *DirtManager) MarkDirty(prd Prd) {
	base := int(prd.BasePage())
	for p := base; p < base+int(prd.NumPages()); p++ {
		d.MarkDirtyPage(p)
	}
}

// MarkCleanPage clears a single guest page. Clearing an already-clean
// page is a contract violation; callers are expected to only clear
// pages they previously observed dirty via NextDirty.
func (d *DirtManager) MarkCleanPage(p int) {
	if p < 0 || p >= d.pages {
		return
	}

	if d.testBit(p) {
		d.clearBit(p)
		d.dirtyCount--
	}
}

// MarkClean clears every page covered by prd.
func (d *DirtManager) MarkClean(prd Prd) {
	base := int(prd.BasePage())
	for p := base; p < base+int(prd.NumPages()); p++ {
		d.MarkCleanPage(p)
	}
}

// NextDirty scans from page 0 for the first dirty page, then returns
// the largest naturally aligned run starting at that page that fits
// within the contiguous stretch of dirty pages following it. Returns
// the empty Prd if no page is dirty.
func (d *DirtManager) NextDirty() Prd {
	base := -1

	for w, word := range d.dirtyBits {
		if word == 0 {
			continue
		}

		base = w*64 + bits.TrailingZeros64(word)

		break
	}

	if base < 0 {
		return Prd(0)
	}

	length := 0
	for p := base; p < d.pages && d.testBit(p); p++ {
		length++
	}

	order := floorLog2(length)
	for base%(1<<order) != 0 {
		order--
	}

	return NewPrd(uint32(base), uint32(order), 0)
}

func floorLog2(n int) uint32 {
	if n <= 1 {
		return 0
	}

	return uint32(bits.Len(uint(n)) - 1)
}

// Stats summarizes fault_count for post-mortem reporting. It is
// observational only; the driver must never branch on these values.
type Stats struct {
	Mean     float64
	Variance float64
	Max      uint8
}

// PrintStats computes a fault-count histogram summary. Diagnostic
// only — the variance formula here deliberately mirrors the
// upstream implementation, which is suspected to conflate E[X^2]*N
// with N*Var[X]; do not use these numbers for protocol decisions.
func (d *DirtManager) PrintStats() Stats {
	if d.pages == 0 {
		return Stats{}
	}

	var sum, sumSq float64

	var max uint8

	for _, c := range d.faultCount {
		v := float64(c)
		sum += v
		sumSq += v * v

		if c > max {
			max = c
		}
	}

	n := float64(d.pages)
	mean := sum / n

	return Stats{
		Mean:     mean,
		Variance: sumSq*n - mean*mean,
		Max:      max,
	}
}
