package analysis

import (
	"sort"
	"strings"
	"testing"
)

func TestStrategyForKnownTasks(t *testing.T) {
	for _, task := range []string{"sentiment", "summary", "topics", "action_items", "topic_map", "executive", "stakeholder", "timeline"} {
		strat, ok := StrategyFor(task)
		if !ok {
			t.Fatalf("missing strategy for %s", task)
		}
		if strat.TaskType != task || strat.Description == "" {
			t.Fatalf("incomplete strategy for %s: %+v", task, strat)
		}
	}
	if _, ok := StrategyFor("alchemy"); ok {
		t.Fatal("unknown task type must not resolve")
	}
}

func TestTaskTypesSorted(t *testing.T) {
	types := TaskTypes()
	if len(types) != 8 {
		t.Fatalf("expected 8 task types, got %d", len(types))
	}
	if !sort.StringsAreSorted(types) {
		t.Fatalf("task types not sorted: %v", types)
	}
}

func TestExtractPromptSubstitution(t *testing.T) {
	strat, _ := StrategyFor("summary")
	prompt := strat.ExtractPrompt("olá equipe", 2, 5, DetailNormal)

	if !strings.Contains(prompt, "olá equipe") {
		t.Fatal("chunk text missing from prompt")
	}
	if !strings.Contains(prompt, "2") || !strings.Contains(prompt, "5") {
		t.Fatal("chunk position missing from prompt")
	}
	if strings.Contains(prompt, "{chunk_text}") || strings.Contains(prompt, "{chunk_num}") || strings.Contains(prompt, "{total_chunks}") {
		t.Fatalf("unsubstituted placeholder left in prompt: %s", prompt)
	}
}

func TestExtractPromptDetailSuffixes(t *testing.T) {
	strat, _ := StrategyFor("topics")

	normal := strat.ExtractPrompt("texto", 1, 1, DetailNormal)
	detailed := strat.ExtractPrompt("texto", 1, 1, DetailDetalhado)
	brief := strat.ExtractPrompt("texto", 1, 1, DetailResumido)

	if !strings.HasPrefix(detailed, normal) || !strings.HasPrefix(brief, normal) {
		t.Fatal("detail levels must only append to the base prompt")
	}
	if !strings.Contains(detailed, "extremamente detalhado") {
		t.Fatal("detalhado suffix missing")
	}
	if !strings.Contains(brief, "conciso") {
		t.Fatal("resumido suffix missing")
	}
}

func TestRefinePromptSubstitution(t *testing.T) {
	strat, _ := StrategyFor("sentiment")
	prompt := strat.RefinePrompt(`{"clima": "tenso"}`, "### Chunk 1:\nanterior")

	if !strings.Contains(prompt, `{"clima": "tenso"}`) {
		t.Fatal("current extraction missing")
	}
	if !strings.Contains(prompt, "anterior") {
		t.Fatal("accumulated context missing")
	}
	if strings.Contains(prompt, "{current_extraction}") || strings.Contains(prompt, "{accumulated_context}") {
		t.Fatal("unsubstituted placeholder left in refine prompt")
	}
}

func TestConsolidatePromptSubstitution(t *testing.T) {
	strat, _ := StrategyFor("executive")
	prompt := strat.ConsolidatePrompt("### Chunk 1:\nresultado", DetailDetalhado)

	if !strings.Contains(prompt, "resultado") {
		t.Fatal("extractions missing from consolidation prompt")
	}
	if strings.Contains(prompt, "{all_extractions}") {
		t.Fatal("unsubstituted placeholder left in consolidation prompt")
	}
	if !strings.Contains(prompt, "relatório extremamente detalhado") {
		t.Fatal("detalhado consolidation suffix missing")
	}
}
