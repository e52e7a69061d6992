package executor

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// Unlimited marks a call limit as absent.
const Unlimited = math.MaxUint64

// Call is a bounded request for rows: skip Offset rows, then produce up to
// SoftLimit rows per batch, never exceeding HardLimit rows in total.
type Call struct {
	Offset    uint64
	SoftLimit uint64
	HardLimit uint64
	FullCount bool
}

// DefaultCall requests a default-sized batch with no skip.
func DefaultCall() Call {
	return Call{SoftLimit: DefaultBatchSize, HardLimit: Unlimited}
}

// Limit returns the number of rows the call still accepts in one batch.
func (c Call) Limit() uint64 {
	return min(c.SoftLimit, c.HardLimit)
}

func (c Call) String() string {
	return fmt.Sprintf("call{offset=%d soft=%d hard=%d fullCount=%t}", c.Offset, c.SoftLimit, c.HardLimit, c.FullCount)
}

// CallStack is the last-in-first-out sequence of calls carried in every
// execute request, one call per enclosing subquery scope. The topmost call
// targets the block being invoked.
type CallStack struct {
	calls []Call
}

// NewCallStack builds a stack from outermost to innermost call.
func NewCallStack(calls ...Call) CallStack {
	return CallStack{calls: calls}
}

// Push adds a call for a newly entered subquery scope.
func (s *CallStack) Push(c Call) { s.calls = append(s.calls, c) }

// Pop removes and returns the topmost call. The stack must not be empty.
func (s *CallStack) Pop() Call {
	c := s.calls[len(s.calls)-1]
	s.calls = s.calls[:len(s.calls)-1]
	return c
}

// Peek returns the topmost call, which is the one relevant to the block
// being invoked.
func (s CallStack) Peek() Call {
	return s.calls[len(s.calls)-1]
}

// ReplaceTop swaps the topmost call.
func (s *CallStack) ReplaceTop(c Call) {
	s.calls[len(s.calls)-1] = c
}

// Depth returns the number of scopes on the stack.
func (s CallStack) Depth() int { return len(s.calls) }

// IsRelevant reports whether the stack carries a call for the block being
// invoked.
func (s CallStack) IsRelevant() bool { return len(s.calls) > 0 }

// Clone returns an independent copy. The copy may be mutated without
// affecting the original, which matters for blocks that re-shape the stack
// before forwarding it upstream.
func (s CallStack) Clone() CallStack {
	return CallStack{calls: slices.Clone(s.calls)}
}

func (s CallStack) String() string {
	parts := make([]string, len(s.calls))
	for i, c := range s.calls {
		parts[i] = c.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// SkipResult counts the rows skipped at each scope level, parallel to the
// call-stack. Skip counts accumulate across re-invocations at the same
// scope.
type SkipResult struct {
	counts []uint64
}

// NewSkipResult returns an all-zero skip result of the given depth.
func NewSkipResult(depth int) SkipResult {
	return SkipResult{counts: make([]uint64, depth)}
}

// Add accumulates n skipped rows at the topmost scope.
func (s *SkipResult) Add(n uint64) {
	s.counts[len(s.counts)-1] += n
}

// Top returns the skip count of the topmost scope.
func (s SkipResult) Top() uint64 {
	if len(s.counts) == 0 {
		return 0
	}
	return s.counts[len(s.counts)-1]
}

// Depth returns the number of scope levels.
func (s SkipResult) Depth() int { return len(s.counts) }

// NothingSkipped reports whether every level is zero.
func (s SkipResult) NothingSkipped() bool {
	for _, c := range s.counts {
		if c != 0 {
			return false
		}
	}
	return true
}

// Merge adds the counts of other level by level. Both results must have
// equal depth.
func (s *SkipResult) Merge(other SkipResult) {
	for i, c := range other.counts {
		s.counts[i] += c
	}
}
