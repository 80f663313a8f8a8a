package rdp

import (
	"time"

	"github.com/google/btree"
	"github.com/google/netstack/tcpip/seqnum"
)

// segment is a unit of sequence space: payload bytes plus an optional FIN.
// The send side keeps in-flight segments with their timers; the receive side
// parks out-of-order segments in a reorderBuffer.
type segment struct {
	seq     seqnum.Value
	payload []byte
	fin     bool

	sentAt   time.Time
	deadline time.Time
	retries  int
}

func (s *segment) seqLen() seqnum.Size {
	n := seqnum.Size(len(s.payload))
	if s.fin {
		n++
	}
	return n
}

func (s *segment) end() seqnum.Value {
	return s.seq.Add(s.seqLen())
}

const reorderDegree = 8

// reorderBuffer holds segments received ahead of rcvNxt ordered by sequence
// number. All entries lie within one receive window so modular ordering is
// consistent.
type reorderBuffer struct {
	tree  *btree.BTreeG[*segment]
	bytes int
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{
		tree: btree.NewG[*segment](reorderDegree, func(a, b *segment) bool {
			return a.seq.LessThan(b.seq)
		}),
	}
}

// insert stores the part of s not already held. Stored segments never
// overlap, so bytes never exceeds the span of sequence space they cover.
// It reports whether anything new was kept.
func (r *reorderBuffer) insert(s *segment) bool {
	if s.seqLen() == 0 {
		return false
	}

	// Cut the head covered by the closest segment starting before s.
	keep := true
	r.tree.DescendLessOrEqual(s, func(prev *segment) bool {
		if prev.seq == s.seq {
			return true
		}
		if !s.seq.LessThan(prev.end()) {
			return false
		}
		if prev.fin || s.end().LessThanEq(prev.end()) {
			keep = false
			return false
		}
		cut := int(s.seq.Size(prev.end()))
		s.payload = s.payload[cut:]
		s.seq = prev.end()
		return false
	})
	if !keep {
		return false
	}

	// Drop segments s covers and cut the tail where a longer one starts.
	var covered []*segment
	r.tree.AscendGreaterOrEqual(s, func(next *segment) bool {
		if !next.seq.LessThan(s.end()) {
			return false
		}
		if s.end().LessThanEq(next.end()) {
			if next.seq == s.seq {
				keep = false
				return false
			}
			s.payload = s.payload[:s.seq.Size(next.seq)]
			s.fin = false
			return false
		}
		covered = append(covered, next)
		return true
	})
	if !keep || s.seqLen() == 0 {
		return false
	}
	for _, old := range covered {
		r.tree.Delete(old)
		r.bytes -= len(old.payload)
	}
	r.tree.ReplaceOrInsert(s)
	r.bytes += len(s.payload)
	return true
}

func (r *reorderBuffer) min() (*segment, bool) {
	return r.tree.Min()
}

func (r *reorderBuffer) deleteMin() {
	if s, ok := r.tree.DeleteMin(); ok {
		r.bytes -= len(s.payload)
	}
}

func (r *reorderBuffer) len() int {
	return r.tree.Len()
}

func (r *reorderBuffer) clear() {
	r.tree.Clear(false)
	r.bytes = 0
}
