package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"chatlens-backend/internal/llm"
)

// stubGateway scripts LLM responses per call. Request kinds are told apart by
// their token budgets: extraction, refine, and consolidation each use a
// distinct one.
type stubGateway struct {
	mu      sync.Mutex
	calls   []llm.Request
	respond func(req llm.Request, call int) (llm.Response, error)
}

func (g *stubGateway) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	g.mu.Lock()
	g.calls = append(g.calls, req)
	call := len(g.calls)
	g.mu.Unlock()
	if g.respond != nil {
		return g.respond(req, call)
	}
	return llm.Response{Text: `{"resumo": "ok"}`, TokensUsed: 10}, nil
}

func (g *stubGateway) countByMaxTokens(maxTokens int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, req := range g.calls {
		if req.MaxTokens == maxTokens {
			n++
		}
	}
	return n
}

type staticSource struct {
	text string
}

func (s staticSource) MaskedText(ctx context.Context, sourceID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.text, nil
}

func newTestEngine(repo Repo, text string, gw llm.Gateway) *Engine {
	e := NewEngine(repo, staticSource{text: text}, gw, Config{
		RetryDelay:      time.Millisecond,
		InterChunkDelay: 0,
	})
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e
}

func seedJob(t *testing.T, repo Repo, taskType string) Job {
	t.Helper()
	job := Job{
		ID:             "job-1",
		OrganizationID: "org-1",
		CreatedBy:      "user-1",
		SourceID:       "src-1",
		TaskType:       taskType,
		DetailLevel:    DetailNormal,
		Model:          "gpt-4-turbo",
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func TestRunCompletesSingleChunkJob(t *testing.T) {
	repo := NewMemoryRepo()
	gw := &stubGateway{}
	engine := newTestEngine(repo, "uma conversa curta", gw)
	job := seedJob(t, repo, "summary")

	if err := engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.FinalResult == "" {
		t.Fatal("expected final result")
	}
	if got.TotalChunks != 1 || got.ProcessedChunks != 1 || got.CompletedChunks != 1 || got.FailedChunks != 0 {
		t.Fatalf("unexpected counters: %+v", got)
	}
	if got.CompletedAt == nil || got.StartedAt == nil {
		t.Fatal("expected timestamps")
	}
	// One extraction plus one consolidation; a single chunk has no context to
	// refine against.
	if n := gw.countByMaxTokens(refineMaxTokens); n != 0 {
		t.Fatalf("expected no refine calls, got %d", n)
	}
	if n := gw.countByMaxTokens(consolidateMaxTokens); n != 1 {
		t.Fatalf("expected 1 consolidate call, got %d", n)
	}
}

func TestRunThreeChunksRefinesLaterOnes(t *testing.T) {
	repo := NewMemoryRepo()
	gw := &stubGateway{}
	engine := newTestEngine(repo, strings.Repeat("a", 150_000), gw)
	job := seedJob(t, repo, "sentiment")

	if err := engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.TotalChunks != 3 {
		t.Fatalf("expected 3 chunks for 150k chars on gpt-4-turbo, got %d", got.TotalChunks)
	}
	if got.ProcessedChunks != got.CompletedChunks+got.FailedChunks {
		t.Fatalf("counter invariant broken: %+v", got)
	}

	chunks, _ := repo.ListChunks(context.Background(), job.ID)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunk rows, got %d", len(chunks))
	}
	if chunks[0].Refined {
		t.Fatal("first chunk has no predecessor context to refine against")
	}
	for _, c := range chunks[1:] {
		if !c.Refined {
			t.Fatalf("chunk %d should be refined", c.Index)
		}
	}
	if n := gw.countByMaxTokens(extractMaxTokens); n != 3 {
		t.Fatalf("expected 3 extract calls, got %d", n)
	}
	if n := gw.countByMaxTokens(refineMaxTokens); n != 2 {
		t.Fatalf("expected 2 refine calls, got %d", n)
	}
}

func TestRunKeepsChunkBoundariesAcrossRestarts(t *testing.T) {
	repo := NewMemoryRepo()
	boom := errors.New("provider down")
	gw := &stubGateway{respond: func(req llm.Request, call int) (llm.Response, error) {
		return llm.Response{}, boom
	}}
	engine := newTestEngine(repo, strings.Repeat("a", 150_000), gw)
	job := seedJob(t, repo, "topics")

	if err := engine.Run(context.Background(), job.ID); err == nil {
		t.Fatal("expected run error when every chunk fails")
	}

	first, _ := repo.ListChunks(context.Background(), job.ID)
	if len(first) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(first))
	}

	// Recover the provider, reset the failed chunks and run again: same
	// rows, same boundaries.
	gw.respond = nil
	if _, err := repo.ResetFailedChunks(context.Background(), job.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	fresh, _ := repo.GetJob(context.Background(), job.ID)
	fresh.FailedChunks = 0
	fresh.ProcessedChunks = fresh.CompletedChunks
	if err := repo.UpdateJob(context.Background(), fresh); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}

	second, _ := repo.ListChunks(context.Background(), job.ID)
	if len(second) != 3 {
		t.Fatalf("chunk rows duplicated: got %d", len(second))
	}
	for i := range first {
		if first[i].StartChar != second[i].StartChar || first[i].EndChar != second[i].EndChar {
			t.Fatalf("chunk %d boundaries moved", i)
		}
	}

	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed after recovery, got %s", got.Status)
	}
}

func TestRunResumedMiddleChunkRefinesAgainstEarlierResultsOnly(t *testing.T) {
	repo := NewMemoryRepo()
	gw := &stubGateway{}
	engine := newTestEngine(repo, strings.Repeat("a", 300), gw)
	job := seedJob(t, repo, "summary")

	// A prior run completed chunks 0 and 2; chunk 1 failed and was reset back
	// to pending before the resume.
	if err := repo.CreateChunks(context.Background(), []Chunk{
		{ID: "c0", JobID: job.ID, Index: 0, TotalChunks: 3, StartChar: 0, EndChar: 100,
			Status: ChunkCompleted, Result: map[string]any{"resumo": "abertura do contrato"}},
		{ID: "c1", JobID: job.ID, Index: 1, TotalChunks: 3, StartChar: 100, EndChar: 200,
			Status: ChunkPending},
		{ID: "c2", JobID: job.ID, Index: 2, TotalChunks: 3, StartChar: 200, EndChar: 300,
			Status: ChunkCompleted, Result: map[string]any{"resumo": "encerramento e assinaturas"}},
	}); err != nil {
		t.Fatalf("chunks: %v", err)
	}
	job.Status = StatusPartial
	job.TotalChunks = 3
	job.CompletedChunks = 2
	job.ProcessedChunks = 2
	if err := repo.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	var refines []llm.Request
	gw.mu.Lock()
	for _, req := range gw.calls {
		if req.MaxTokens == refineMaxTokens {
			refines = append(refines, req)
		}
	}
	gw.mu.Unlock()
	if len(refines) != 1 {
		t.Fatalf("expected 1 refine call for the reset chunk, got %d", len(refines))
	}
	if !strings.Contains(refines[0].Prompt, "abertura do contrato") {
		t.Fatal("refine context must include the preceding chunk's result")
	}
	if strings.Contains(refines[0].Prompt, "encerramento e assinaturas") {
		t.Fatal("refine context must not include a later chunk's result")
	}

	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.CompletedChunks != 3 || got.ProcessedChunks != 3 {
		t.Fatalf("unexpected counters: %+v", got)
	}
}

func TestRunPausesWhenRateLimitRetriesExhaust(t *testing.T) {
	repo := NewMemoryRepo()
	gw := &stubGateway{respond: func(req llm.Request, call int) (llm.Response, error) {
		return llm.Response{}, &llm.RateLimitError{
			Provider: "openai",
			Info:     llm.RateLimitInfo{WaitSeconds: 1},
		}
	}}
	engine := newTestEngine(repo, strings.Repeat("a", 150_000), gw)
	job := seedJob(t, repo, "summary")

	if err := engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("a rate-limit pause is not a run error: %v", err)
	}

	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusPaused {
		t.Fatalf("expected paused, got %s", got.Status)
	}
	if got.PauseReason == "" {
		t.Fatal("expected pause reason")
	}
	if got.FailedChunks != 1 {
		t.Fatalf("expected 1 failed chunk, got %d", got.FailedChunks)
	}

	// Later chunks were never attempted.
	pending, _ := repo.ListChunksByStatus(context.Background(), job.ID, ChunkPending)
	if len(pending) != 2 {
		t.Fatalf("expected 2 untouched chunks, got %d", len(pending))
	}
	failed, _ := repo.ListChunksByStatus(context.Background(), job.ID, ChunkFailed)
	if len(failed) != 1 || failed[0].ErrorCode != ErrorCodeRateLimit {
		t.Fatalf("expected one RATE_LIMIT chunk, got %+v", failed)
	}
}

func TestRunGenericFailureContinuesToNextChunk(t *testing.T) {
	repo := NewMemoryRepo()
	boom := errors.New("bad gateway")
	var firstExtractFailed bool
	gw := &stubGateway{}
	gw.respond = func(req llm.Request, call int) (llm.Response, error) {
		if req.MaxTokens == extractMaxTokens && !firstExtractFailed {
			if call >= 3 {
				// All retry attempts of the first chunk consumed.
				firstExtractFailed = true
			}
			return llm.Response{}, boom
		}
		return llm.Response{Text: `{"resumo": "ok"}`}, nil
	}
	engine := newTestEngine(repo, strings.Repeat("a", 150_000), gw)
	job := seedJob(t, repo, "summary")

	if err := engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusPartial {
		t.Fatalf("expected partial, got %s", got.Status)
	}
	if got.CompletedChunks != 2 || got.FailedChunks != 1 {
		t.Fatalf("expected 2 completed / 1 failed, got %+v", got)
	}
	if got.ProcessedChunks != 3 {
		t.Fatalf("expected all 3 chunks processed, got %d", got.ProcessedChunks)
	}
	if got.FinalResult != "" {
		t.Fatal("partial jobs must not consolidate")
	}

	failed, _ := repo.ListChunksByStatus(context.Background(), job.ID, ChunkFailed)
	if len(failed) != 1 || failed[0].Index != 0 {
		t.Fatalf("expected chunk 0 failed, got %+v", failed)
	}
	if failed[0].RetryCount != defaultMaxRetries {
		t.Fatalf("expected %d attempts, got %d", defaultMaxRetries, failed[0].RetryCount)
	}
}

func TestRunFailsWhenNoChunkSucceeds(t *testing.T) {
	repo := NewMemoryRepo()
	gw := &stubGateway{respond: func(req llm.Request, call int) (llm.Response, error) {
		return llm.Response{}, errors.New("provider down")
	}}
	engine := newTestEngine(repo, "texto curto", gw)
	job := seedJob(t, repo, "summary")

	if err := engine.Run(context.Background(), job.ID); err == nil {
		t.Fatal("expected run error")
	}

	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatal("expected error message")
	}
}

func TestRunRecoversFromTransientRateLimit(t *testing.T) {
	repo := NewMemoryRepo()
	var waits []time.Duration
	gw := &stubGateway{}
	gw.respond = func(req llm.Request, call int) (llm.Response, error) {
		if call == 1 {
			return llm.Response{}, &llm.RateLimitError{
				Provider: "openai",
				Info:     llm.RateLimitInfo{WaitSeconds: 17},
			}
		}
		return llm.Response{Text: `{"resumo": "ok"}`}, nil
	}
	engine := newTestEngine(repo, "texto curto", gw)
	engine.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	job := seedJob(t, repo, "summary")

	if err := engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.RateLimitWaitUntil != nil || got.PauseReason != "" {
		t.Fatal("rate limit bookkeeping should be cleared after recovery")
	}

	chunks, _ := repo.ListChunks(context.Background(), job.ID)
	if chunks[0].RetryCount != 1 {
		t.Fatalf("expected 1 retry, got %d", chunks[0].RetryCount)
	}
	if chunks[0].RateLimitDelayS != 17 {
		t.Fatalf("expected recorded wait of 17s, got %d", chunks[0].RateLimitDelayS)
	}
	if len(waits) == 0 || waits[0] != 17*time.Second {
		t.Fatalf("expected first sleep of 17s, got %v", waits)
	}
}

func TestRunTimeoutIsNotTreatedAsRateLimit(t *testing.T) {
	repo := NewMemoryRepo()
	var waits []time.Duration
	gw := &stubGateway{respond: func(req llm.Request, call int) (llm.Response, error) {
		return llm.Response{}, fmt.Errorf("429 rate limit while awaiting response: %w", context.DeadlineExceeded)
	}}
	engine := newTestEngine(repo, "texto curto", gw)
	engine.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	job := seedJob(t, repo, "summary")

	if err := engine.Run(context.Background(), job.ID); err == nil {
		t.Fatal("expected run error when every attempt times out")
	}

	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.PauseReason != "" || got.RateLimitWaitUntil != nil {
		t.Fatal("a timeout must not leave rate-limit bookkeeping on the job")
	}

	failed, _ := repo.ListChunksByStatus(context.Background(), job.ID, ChunkFailed)
	if len(failed) != 1 || failed[0].ErrorCode != ErrorCodeUnknown {
		t.Fatalf("expected UNKNOWN error code, got %+v", failed)
	}
	if failed[0].RateLimitDelayS != 0 {
		t.Fatalf("a timeout must not record a throttle wait, got %ds", failed[0].RateLimitDelayS)
	}
	for _, w := range waits {
		if w != engine.cfg.RetryDelay {
			t.Fatalf("expected generic retry delay %v, got %v", engine.cfg.RetryDelay, w)
		}
	}
}

func TestRunStopsBetweenChunksOnCancel(t *testing.T) {
	repo := NewMemoryRepo()
	gw := &stubGateway{}
	gw.respond = func(req llm.Request, call int) (llm.Response, error) {
		if call == 1 {
			// Simulate an API-side cancel landing while the first chunk runs.
			job, err := repo.GetJob(context.Background(), "job-1")
			if err == nil {
				job.CancelRequested = true
				_ = repo.UpdateJob(context.Background(), job)
			}
		}
		return llm.Response{Text: `{"resumo": "ok"}`}, nil
	}
	engine := newTestEngine(repo, strings.Repeat("a", 150_000), gw)
	job := seedJob(t, repo, "summary")

	if err := engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.CompletedChunks != 1 {
		t.Fatalf("expected completed work to be kept, got %d", got.CompletedChunks)
	}
	pending, _ := repo.ListChunksByStatus(context.Background(), job.ID, ChunkPending)
	if len(pending) != 2 {
		t.Fatalf("expected later chunks untouched, got %d pending", len(pending))
	}
}

func TestConsolidationFailureKeepsChunkWork(t *testing.T) {
	repo := NewMemoryRepo()
	gw := &stubGateway{}
	gw.respond = func(req llm.Request, call int) (llm.Response, error) {
		if req.MaxTokens == consolidateMaxTokens {
			return llm.Response{}, errors.New("consolidation timeout")
		}
		return llm.Response{Text: `{"resumo": "ok"}`}, nil
	}
	engine := newTestEngine(repo, "texto curto", gw)
	job := seedJob(t, repo, "executive")

	if err := engine.Run(context.Background(), job.ID); err == nil {
		t.Fatal("expected consolidation error")
	}

	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	completed, _ := repo.ListChunksByStatus(context.Background(), job.ID, ChunkCompleted)
	if len(completed) != 1 {
		t.Fatalf("chunk work must survive, got %d completed", len(completed))
	}

	// Retry only the synthesis once the provider is back.
	gw.respond = nil
	strat, _ := StrategyFor(job.TaskType)
	if err := engine.Consolidate(context.Background(), &got, strat); err != nil {
		t.Fatalf("consolidate retry: %v", err)
	}
	final, _ := repo.GetJob(context.Background(), job.ID)
	if final.Status != StatusCompleted || final.FinalResult == "" {
		t.Fatalf("expected completed with result, got %+v", final)
	}
}

func TestRunDegradedParseStillCompletes(t *testing.T) {
	repo := NewMemoryRepo()
	gw := &stubGateway{respond: func(req llm.Request, call int) (llm.Response, error) {
		return llm.Response{Text: "I could not produce JSON, sorry."}, nil
	}}
	engine := newTestEngine(repo, "texto curto", gw)
	job := seedJob(t, repo, "summary")

	if err := engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	chunks, _ := repo.ListChunks(context.Background(), job.ID)
	if chunks[0].Status != ChunkCompleted {
		t.Fatalf("expected completed chunk, got %s", chunks[0].Status)
	}
	raw, ok := chunks[0].Result["raw_response"].(string)
	if !ok || raw == "" {
		t.Fatalf("expected raw_response fallback, got %+v", chunks[0].Result)
	}
}

func TestRunUnknownTaskTypeFailsJob(t *testing.T) {
	repo := NewMemoryRepo()
	engine := newTestEngine(repo, "texto", &stubGateway{})
	job := seedJob(t, repo, "summary")
	job.TaskType = "alchemy"
	if err := repo.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := engine.Run(context.Background(), job.ID); !errors.Is(err, ErrInvalidTaskType) {
		t.Fatalf("expected ErrInvalidTaskType, got %v", err)
	}
	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestRunIsNoOpOnTerminalJob(t *testing.T) {
	repo := NewMemoryRepo()
	gw := &stubGateway{}
	engine := newTestEngine(repo, "texto", gw)
	job := seedJob(t, repo, "summary")
	job.Status = StatusCompleted
	if err := repo.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := engine.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(gw.calls) != 0 {
		t.Fatalf("expected no llm calls, got %d", len(gw.calls))
	}
}
