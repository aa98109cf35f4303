package agent

import (
	"strings"
	"sync"
)

// ContextAccumulator collects team results for context sharing. Teams that
// opt in observe earlier teams' outputs prepended to their prompt under a
// delimited header. Append order follows dispatch completion order.
type ContextAccumulator struct {
	mu      sync.Mutex
	entries []accumulatorEntry
}

type accumulatorEntry struct {
	teamName string
	result   string
}

// NewContextAccumulator creates an empty accumulator.
func NewContextAccumulator() *ContextAccumulator {
	return &ContextAccumulator{}
}

// Append records one team's result.
func (a *ContextAccumulator) Append(teamName, result string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, accumulatorEntry{teamName: teamName, result: result})
}

// Len returns the number of recorded results.
func (a *ContextAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Prefix renders the accumulated results as a prompt prefix. Empty when no
// team has completed yet, so the first team's prompt is untouched.
func (a *ContextAccumulator) Prefix() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("=== Prior team results ===\n")
	for _, e := range a.entries {
		b.WriteString("\n[")
		b.WriteString(e.teamName)
		b.WriteString("]\n")
		b.WriteString(e.result)
		b.WriteString("\n")
	}
	b.WriteString("\n=== End prior team results ===\n\n")
	return b.String()
}
