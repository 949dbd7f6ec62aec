package analysis

import (
	"encoding/json"
	"fmt"
	"sort"
)

const (
	// maxContextChars caps the rolling context carried between refine steps.
	// Truncation drops the oldest end: nearby chunks matter most for
	// refine-chain continuity.
	maxContextChars = 8000

	// maxChunkSummaryChars bounds one chunk's contribution to the context.
	maxChunkSummaryChars = 2000
)

// ContextAccumulator folds refined chunk results into the rolling context
// string presented to the next chunk's refine step. The zero value is ready
// to use.
type ContextAccumulator struct {
	context string
}

// Context returns the current rolling context.
func (a *ContextAccumulator) Context() string {
	return a.context
}

// Fold appends a labeled digest of a chunk's refined result. chunkNumber is
// 1-based, matching the labels the refine prompt sees.
func (a *ContextAccumulator) Fold(result map[string]any, chunkNumber int) {
	summary := summarizeResult(result)
	if len(summary) > maxChunkSummaryChars {
		summary = summary[:maxChunkSummaryChars]
	}

	combined := a.context + fmt.Sprintf("\n\n### Chunk %d:\n%s", chunkNumber, summary)
	if len(combined) > maxContextChars {
		combined = combined[len(combined)-maxContextChars:]
	}
	a.context = combined
}

// Rebuild reconstructs the context from the completed chunks whose index is
// below before, in index order. A resumed run rebuilds ahead of each claimed
// chunk: a reset middle chunk refines against its predecessors only, never
// against results from later chunks completed on an earlier run.
func (a *ContextAccumulator) Rebuild(chunks []Chunk, before int) {
	a.context = ""
	earlier := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Status == ChunkCompleted && c.Index < before {
			earlier = append(earlier, c)
		}
	}
	sort.Slice(earlier, func(i, j int) bool { return earlier[i].Index < earlier[j].Index })
	for _, c := range earlier {
		a.Fold(c.Result, c.Index+1)
	}
}

func summarizeResult(result map[string]any) string {
	if result == nil {
		return ""
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprint(result)
	}
	return string(data)
}
