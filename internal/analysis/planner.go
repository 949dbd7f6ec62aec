package analysis

import "fmt"

// ChunkSettings is the per-model chunking policy in characters.
type ChunkSettings struct {
	Size    int
	Overlap int
}

// modelChunkSizes maps model names to chunking policy. Unknown models fall
// back to defaultChunkSettings.
var modelChunkSizes = map[string]ChunkSettings{
	"gpt-3.5-turbo":   {Size: 12000, Overlap: 2000},
	"gpt-4-turbo":     {Size: 60000, Overlap: 10000},
	"gpt-4o":          {Size: 60000, Overlap: 10000},
	"gpt-4o-mini":     {Size: 60000, Overlap: 10000},
	"claude-3-opus":   {Size: 80000, Overlap: 15000},
	"claude-3-sonnet": {Size: 80000, Overlap: 15000},
	"claude-3-haiku":  {Size: 40000, Overlap: 8000},
}

var defaultChunkSettings = ChunkSettings{Size: 60000, Overlap: 10000}

// SettingsForModel returns the chunking policy for model.
func SettingsForModel(model string) ChunkSettings {
	if s, ok := modelChunkSizes[model]; ok {
		return s
	}
	return defaultChunkSettings
}

// ChunkBounds is one planned chunk's half-open range into the source text.
type ChunkBounds struct {
	Index int
	Start int
	End   int
}

// PlanChunks splits text into ordered overlapping ranges covering the whole
// text. The plan is deterministic for a given (text, model) pair so that
// resumed jobs see identical boundaries.
func PlanChunks(text string, model string) ([]ChunkBounds, error) {
	settings := SettingsForModel(model)
	return planWithSettings(len(text), settings)
}

func planWithSettings(textLen int, settings ChunkSettings) ([]ChunkBounds, error) {
	if textLen == 0 {
		return nil, &PlanningError{Reason: "source text is empty"}
	}
	if settings.Size <= 0 {
		return nil, &PlanningError{Reason: fmt.Sprintf("chunk size %d must be positive", settings.Size)}
	}
	step := settings.Size - settings.Overlap
	if step <= 0 {
		return nil, &PlanningError{Reason: fmt.Sprintf("overlap %d must be smaller than size %d", settings.Overlap, settings.Size)}
	}

	if textLen <= settings.Size {
		return []ChunkBounds{{Index: 0, Start: 0, End: textLen}}, nil
	}

	var chunks []ChunkBounds
	start := 0
	index := 0
	for start < textLen {
		end := start + settings.Size
		if end > textLen {
			end = textLen
		}
		chunks = append(chunks, ChunkBounds{Index: index, Start: start, End: end})
		if end >= textLen {
			break
		}
		start += step
		index++
	}
	return chunks, nil
}
