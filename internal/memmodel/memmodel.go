// Package memmodel implements the sparse, cycle-versioned byte-addressable
// memory model described in the design's memory-model component: an
// immutable initial image overlaid by a per-byte write history, so that
// "what was address A at cycle T" can be answered for any T without
// replaying from cycle 0.
//
// Storage is coarsened to fixed-size pages (addressed by the high bits of
// the address) to keep the common case - a handful of bytes touched per
// page - cheap, while preserving an exact byte-level contract: two writes
// that partially overlap resolve byte by byte, never as whole records.
package memmodel

import (
	"fmt"
	"sort"

	"github.com/jetsetilly/tracereplay/internal/errs"
)

// PageSize is the granularity at which the initial image is stored and
// per-byte write histories are grouped. It has no effect on the
// observable byte-level contract, only on memory overhead.
const PageSize = 4096

// version is one recorded write to a single byte.
type version struct {
	cycle uint64
	value byte
}

type page struct {
	// image holds the initial (cycle 0) contents of this page, or is nil
	// if the page was never covered by a loaded segment.
	image []byte

	// writes holds, for each byte offset within the page that has ever
	// been written by a trace delta, the ordered (append-only, since
	// cycles are ingested in monotonic order) history of writes to it.
	writes map[uint16][]version
}

func newPage() *page {
	return &page{writes: make(map[uint16][]version)}
}

// Model is the memory model for one hart. The zero value is not usable;
// construct with New.
type Model struct {
	pages map[uint64]*page
}

// New returns an empty memory model.
func New() *Model {
	return &Model{pages: make(map[uint64]*page)}
}

func (m *Model) pageFor(addr uint64, create bool) (*page, uint64, uint16) {
	idx := addr / PageSize
	off := uint16(addr % PageSize)
	p, ok := m.pages[idx]
	if !ok {
		if !create {
			return nil, idx, off
		}
		p = newPage()
		m.pages[idx] = p
	}
	return p, idx, off
}

// LoadSegment installs part of the initial (cycle 0) memory image,
// produced by the ELF loader. It must be called before any WriteByte
// call and is not itself versioned: the initial image is immutable for
// the lifetime of the model.
func (m *Model) LoadSegment(addr uint64, data []byte) {
	for i := 0; i < len(data); {
		a := addr + uint64(i)
		p, _, off := m.pageFor(a, true)
		if p.image == nil {
			p.image = make([]byte, PageSize)
		}
		n := copy(p.image[off:], data[i:])
		i += n
	}
}

// WriteByte records that address was set to value at cycle. Writes for a
// single model must be supplied in non-decreasing cycle order; the
// replay engine's ingestion path guarantees this because the trace
// parser itself enforces cycle monotonicity.
func (m *Model) WriteByte(addr uint64, cycle uint64, value byte) {
	p, _, off := m.pageFor(addr, true)
	p.writes[off] = append(p.writes[off], version{cycle: cycle, value: value})
}

// WriteBytes records a multi-byte write at cycle, one byte at a time, so
// that a later partially-overlapping write resolves correctly per byte.
func (m *Model) WriteBytes(addr uint64, cycle uint64, data []byte) {
	for i, b := range data {
		m.WriteByte(addr+uint64(i), cycle, b)
	}
}

// ReadByte returns the value of address as of cycle: the value from the
// highest-indexed write with cycle <= the query cycle, falling back to
// the initial image, or (0, false) if neither exists.
func (m *Model) ReadByte(addr uint64, cycle uint64) (byte, bool) {
	p, _, off := m.pageFor(addr, false)
	if p == nil {
		return 0, false
	}
	if hist, ok := p.writes[off]; ok {
		if v, ok := latestAtOrBefore(hist, cycle); ok {
			return v, true
		}
	}
	if p.image != nil {
		return p.image[off], true
	}
	return 0, false
}

// latestAtOrBefore binary searches hist (sorted by cycle ascending) for
// the last entry with cycle <= query, returning its value.
func latestAtOrBefore(hist []version, query uint64) (byte, bool) {
	// sort.Search finds the first index for which the predicate holds;
	// we want the last index where cycle <= query, i.e. one before the
	// first index where cycle > query.
	i := sort.Search(len(hist), func(i int) bool {
		return hist[i].cycle > query
	})
	if i == 0 {
		return 0, false
	}
	return hist[i-1].value, true
}

// Sample is one address's write history, for diagnostic dumps. It is a
// plain-data copy, never a view into live storage.
type Sample struct {
	Addr    uint64
	History []struct {
		Cycle uint64
		Value byte
	}
}

// SampleWrites returns up to n addresses' write histories, for the state-
// graph dump. Iteration order over Go maps is unspecified, so the sample
// is arbitrary but stable enough within one call for a single dump.
func (m *Model) SampleWrites(n int) []Sample {
	var out []Sample
	for idx, p := range m.pages {
		for off, hist := range p.writes {
			if len(out) >= n {
				return out
			}
			addr := idx*PageSize + uint64(off)
			s := Sample{Addr: addr}
			for _, v := range hist {
				s.History = append(s.History, struct {
					Cycle uint64
					Value byte
				}{Cycle: v.cycle, Value: v.value})
			}
			out = append(out, s)
		}
	}
	return out
}

// ReadBytes returns size bytes starting at addr, as of cycle, resolving
// every byte independently. It fails with an Unmapped error (errs.Code
// UnmappedMemory) naming the first unmapped address encountered.
func (m *Model) ReadBytes(addr uint64, size uint64, cycle uint64) ([]byte, error) {
	out := make([]byte, size)
	for i := uint64(0); i < size; i++ {
		b, ok := m.ReadByte(addr+i, cycle)
		if !ok {
			return nil, errs.Errorf(errs.UnmappedMemory, "unmapped memory at address %s", fmt.Sprintf("0x%x", addr+i))
		}
		out[i] = b
	}
	return out, nil
}
