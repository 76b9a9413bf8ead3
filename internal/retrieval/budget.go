// Package retrieval assembles the token-budgeted memory context injected
// into each reply: a short-term block from recent observations and summaries,
// and a long-term block from the semantic and vector stores.
package retrieval

import "strings"

// Default token budgets for the two context blocks.
const (
	ShortTermTokenBudget = 320
	LongTermTokenBudget  = 320
)

// EstimateTokens approximates the token cost of a line as ceil(len/4) with a
// floor of 1.
func EstimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// BudgetedBuilder appends whole lines while they fit the budget. A line that
// would overflow is rejected outright; lines are never truncated mid-message.
type BudgetedBuilder struct {
	max      int
	used     int
	lines    []string
	rejected int
}

// NewBudgetedBuilder creates a builder with the given token budget.
func NewBudgetedBuilder(maxTokens int) *BudgetedBuilder {
	return &BudgetedBuilder{max: maxTokens}
}

// Add appends the line if it fits, charging one extra token for the newline.
// Reports whether the line was accepted.
func (b *BudgetedBuilder) Add(line string) bool {
	cost := EstimateTokens(line) + 1
	if b.used+cost > b.max {
		b.rejected++
		return false
	}
	b.lines = append(b.lines, line)
	b.used += cost
	return true
}

// Used returns the tokens consumed so far.
func (b *BudgetedBuilder) Used() int {
	return b.used
}

// Rejected returns how many lines were refused for overflow.
func (b *BudgetedBuilder) Rejected() int {
	return b.rejected
}

// Len returns the number of accepted lines.
func (b *BudgetedBuilder) Len() int {
	return len(b.lines)
}

// String joins the accepted lines with newlines.
func (b *BudgetedBuilder) String() string {
	return strings.Join(b.lines, "\n")
}
