// planner.go - Note selection and change computation for spends.
//
// Selection is bounded to at most two notes: the single smallest covering
// note wins (fewest notes revealed), otherwise the minimum-sum covering
// pair. Coalescing more than two notes is out of scope.

package planner

import (
	"errors"
	"sort"
)

var (
	// ErrInsufficientLiquidity is returned when no set of at most two
	// notes covers the target.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrAllowanceExceeded is returned when a delegated spend exceeds the
	// approved amount.
	ErrAllowanceExceeded = errors.New("allowance exceeded")
)

// Note is a spendable note as the planner sees it: an id and a value.
type Note struct {
	ID     string
	Amount uint64
}

// Selection is the outcome of planning a spend.
type Selection struct {
	Notes  []Note
	Total  uint64
	Change uint64
}

// SelectNotes picks notes covering target. Target must be positive.
func SelectNotes(notes []Note, target uint64) (*Selection, error) {
	if target == 0 {
		return nil, ErrInsufficientLiquidity
	}
	sorted := make([]Note, len(notes))
	copy(sorted, notes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount < sorted[j].Amount })

	// Smallest single note that covers.
	idx := sort.Search(len(sorted), func(i int) bool { return sorted[i].Amount >= target })
	if idx < len(sorted) {
		n := sorted[idx]
		return &Selection{Notes: []Note{n}, Total: n.Amount, Change: n.Amount - target}, nil
	}

	// Minimum-sum covering pair via the two-pointer walk over the sorted
	// amounts. Note values are conserved against a uint64 vault balance,
	// so a pair sum cannot wrap.
	bestL, bestR := -1, -1
	var bestSum uint64
	l, r := 0, len(sorted)-1
	for l < r {
		sum := sorted[l].Amount + sorted[r].Amount
		if sum >= target {
			if bestL == -1 || sum < bestSum {
				bestL, bestR, bestSum = l, r, sum
			}
			r--
		} else {
			l++
		}
	}
	if bestL == -1 {
		return nil, ErrInsufficientLiquidity
	}
	pair := []Note{sorted[bestL], sorted[bestR]}
	return &Selection{Notes: pair, Total: bestSum, Change: bestSum - target}, nil
}
