// Package migration implements the live-migration core: dirty-page
// tracking, wire framing, the vCPU freeze/thaw coordinator, the device
// snapshot bus, and the stream transport the driver runs them over.
package migration

// PageSize is the guest page granularity the core reasons about. All
// dirty tracking, PRD encoding, and memory-stream transfers are in
// units of this size.
const PageSize = 4096

// Prd is a page range descriptor: a packed (base page, order, attr)
// triple describing a naturally aligned run of 2^order guest pages.
// The zero value is the empty/EOF sentinel. Prd is a pure value type;
// ownership is by copy.
type Prd uint32

const (
	prdAttrBits  = 5
	prdOrderBits = 5
	prdAttrMask  = (1 << prdAttrBits) - 1
	prdOrderMask = (1 << prdOrderBits) - 1
	prdBaseShift = prdAttrBits + prdOrderBits
)

// NewPrd builds a Prd from a base page number, an order (the run
// covers 2^order pages), and a 5-bit attribute value. base must be a
// multiple of 2^order; callers that cannot guarantee this should
// round down order until it is.
func NewPrd(basePage, order uint32, attr uint8) Prd {
	return Prd(uint32(attr)&prdAttrMask | (order&prdOrderMask)<<prdAttrBits | basePage<<prdBaseShift)
}

// PrdFromRaw reinterprets a raw wire word as a Prd.
func PrdFromRaw(word uint32) Prd {
	return Prd(word)
}

// Raw returns the packed wire representation.
func (p Prd) Raw() uint32 {
	return uint32(p)
}

// IsEmpty reports whether p is the empty/EOF sentinel.
func (p Prd) IsEmpty() bool {
	return p == 0
}

// Attr returns the low attribute bits.
func (p Prd) Attr() uint8 {
	return uint8(p) & prdAttrMask
}

// Order returns the run's order: the run covers 2^Order() pages.
func (p Prd) Order() uint32 {
	return (uint32(p) >> prdAttrBits) & prdOrderMask
}

// BasePage returns the first guest page number covered by the run.
func (p Prd) BasePage() uint32 {
	return uint32(p) >> prdBaseShift
}

// BaseByteOffset is BasePage() expressed in bytes.
func (p Prd) BaseByteOffset() uint64 {
	return uint64(p.BasePage()) << 12
}

// SizeBytes is the number of bytes the run covers: 4096 << Order().
func (p Prd) SizeBytes() uint64 {
	return PageSize << p.Order()
}

// NumPages is the number of 4 KiB pages the run covers: 1 << Order().
func (p Prd) NumPages() uint32 {
	return 1 << p.Order()
}
