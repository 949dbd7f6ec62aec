package analysis

import (
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed prompts/*.txt
var promptFiles embed.FS

// Strategy supplies the three prompt kinds for one task type. Strategies are
// pure template lookups; all state lives in the orchestrator.
type Strategy struct {
	TaskType    string
	chunkTmpl   string
	consolTmpl  string
	refineTmpl  string
	Description string
}

var taskDescriptions = map[string]string{
	"sentiment":    "Sentimento e clima emocional da conversa",
	"summary":      "Resumo executivo da conversa",
	"topics":       "Tópicos principais discutidos",
	"action_items": "Tarefas, compromissos e decisões",
	"topic_map":    "Mapa detalhado de tópicos e conexões",
	"executive":    "Relatório executivo C-level",
	"stakeholder":  "Análise de participantes e dinâmicas",
	"timeline":     "Cronologia de decisões e eventos",
}

var strategies = loadStrategies()

func loadStrategies() map[string]Strategy {
	refine := mustPrompt("refine")
	out := make(map[string]Strategy, len(taskDescriptions))
	for task, desc := range taskDescriptions {
		out[task] = Strategy{
			TaskType:    task,
			chunkTmpl:   mustPrompt(task + "_chunk"),
			consolTmpl:  mustPrompt(task + "_consolidate"),
			refineTmpl:  refine,
			Description: desc,
		}
	}
	return out
}

func mustPrompt(name string) string {
	data, err := promptFiles.ReadFile("prompts/" + name + ".txt")
	if err != nil {
		panic(fmt.Sprintf("missing embedded prompt %s: %v", name, err))
	}
	return string(data)
}

// StrategyFor returns the strategy for a task type.
func StrategyFor(taskType string) (Strategy, bool) {
	s, ok := strategies[taskType]
	return s, ok
}

// TaskTypes returns the accepted task types, sorted.
func TaskTypes() []string {
	out := make([]string, 0, len(strategies))
	for task := range strategies {
		out = append(out, task)
	}
	sort.Strings(out)
	return out
}

// ExtractPrompt builds the extraction prompt for one chunk, including its
// position and the detail-level suffix.
func (s Strategy) ExtractPrompt(chunkText string, chunkNum, totalChunks int, detailLevel string) string {
	body := strings.NewReplacer(
		"{chunk_num}", strconv.Itoa(chunkNum),
		"{total_chunks}", strconv.Itoa(totalChunks),
		"{chunk_text}", chunkText,
	).Replace(s.chunkTmpl)
	return body + detailSuffix(detailLevel)
}

// RefinePrompt builds the merge prompt given the current extraction and the
// rolling context of prior chunks.
func (s Strategy) RefinePrompt(currentExtraction, accumulatedContext string) string {
	return strings.NewReplacer(
		"{accumulated_context}", accumulatedContext,
		"{current_extraction}", currentExtraction,
	).Replace(s.refineTmpl)
}

// ConsolidatePrompt builds the final synthesis prompt over all chunk results.
func (s Strategy) ConsolidatePrompt(allExtractions string, detailLevel string) string {
	body := strings.Replace(s.consolTmpl, "{all_extractions}", allExtractions, 1)
	return body + consolidateSuffix(detailLevel)
}

func detailSuffix(level string) string {
	switch level {
	case DetailDetalhado:
		return "\n\nSeja extremamente detalhado e inclua todas as informações possíveis."
	case DetailResumido:
		return "\n\nSeja conciso e foque apenas nos pontos mais importantes."
	}
	return ""
}

func consolidateSuffix(level string) string {
	switch level {
	case DetailDetalhado:
		return "\n\nGere um relatório extremamente detalhado e abrangente."
	case DetailResumido:
		return "\n\nGere um relatório conciso focando nos pontos mais importantes."
	}
	return ""
}
