package analysis

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"chatlens-backend/internal/llm"
	"chatlens-backend/internal/shared/telemetry"
)

// Processing defaults. All are overridable through Config.
const (
	defaultMaxRetries      = 3
	defaultRetryDelay      = 5 * time.Second
	defaultInterChunkDelay = 2 * time.Second
	defaultCallTimeout     = 120 * time.Second

	extractMaxTokens     = 2000
	refineMaxTokens      = 2500
	consolidateMaxTokens = 4000

	chunkTemperature       = 0.3
	consolidateTemperature = 0.5
)

// Config tunes retry and pacing behavior for chunk processing.
type Config struct {
	MaxRetries      int
	RetryDelay      time.Duration
	InterChunkDelay time.Duration
	CallTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.InterChunkDelay < 0 {
		c.InterChunkDelay = defaultInterChunkDelay
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	return c
}

// chunkOutcome reports how one chunk attempt loop ended.
type chunkOutcome struct {
	chunk       Chunk
	completed   bool
	rateLimited bool // retries exhausted specifically on rate limits
}

// processChunk drives one chunk through extraction and optional refine,
// applying the retry/backoff policy. Errors never escape: they are captured
// into the chunk record and summarized in the outcome.
func (e *Engine) processChunk(ctx context.Context, job *Job, chunk Chunk, chunkText, rollingContext string, strat Strategy) chunkOutcome {
	prompt := strat.ExtractPrompt(chunkText, chunk.Index+1, chunk.TotalChunks, job.DetailLevel)

	chunk.Prompt = prompt
	chunk.Status = ChunkProcessing
	now := time.Now().UTC()
	chunk.StartedAt = &now
	if err := e.Repo.UpdateChunk(ctx, chunk); err != nil {
		chunk.Status = ChunkFailed
		chunk.ErrorMessage = trimError(err)
		chunk.ErrorCode = ErrorCodeUnknown
		return chunkOutcome{chunk: chunk}
	}

	maxRetries := chunk.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.cfg.MaxRetries
	}

	started := time.Now()
	var lastErr error

	for chunk.RetryCount < maxRetries {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		resp, err := e.Gateway.Complete(ctx, llm.Request{
			Prompt:      prompt,
			Model:       job.Model,
			Temperature: chunkTemperature,
			MaxTokens:   extractMaxTokens,
			Timeout:     e.cfg.CallTimeout,
		})
		if err == nil {
			chunk.RawResponse = resp.Text
			result := parseStructured(resp.Text)

			if rollingContext != "" && chunk.Index > 0 {
				refined, ok := e.refineWithContext(ctx, job, result, rollingContext, strat)
				if ok {
					result = refined
					chunk.Refined = true
				}
			}

			completedAt := time.Now().UTC()
			chunk.Result = result
			chunk.Status = ChunkCompleted
			chunk.CompletedAt = &completedAt
			chunk.ProcessingTimeMs = int(time.Since(started).Milliseconds())
			chunk.ErrorMessage = ""
			chunk.ErrorCode = ""
			if err := e.Repo.UpdateChunk(ctx, chunk); err != nil {
				telemetry.Error("analysis.chunk.persist", map[string]any{
					"job_id": job.ID, "chunk_index": chunk.Index, "error": err.Error(),
				})
			}
			return chunkOutcome{chunk: chunk, completed: true}
		}

		chunk.RetryCount++
		retryAt := time.Now().UTC()
		chunk.LastRetryAt = &retryAt
		chunk.ErrorMessage = trimError(err)
		lastErr = err

		// A call deadline expiry retries on the generic path even when its
		// message mentions throttling; the rate-limit backoff below is for
		// provider throttling only.
		if info, ok := llm.RateLimitFromError(err); ok && !llm.IsTimeout(err) {
			chunk.ErrorCode = ErrorCodeRateLimit
			chunk.RateLimitDelayS = info.WaitSeconds

			waitUntil := time.Now().UTC().Add(time.Duration(info.WaitSeconds) * time.Second)
			job.PauseReason = rateLimitWaitReason(info.WaitSeconds)
			job.RateLimitWaitUntil = &waitUntil
			e.persistJob(ctx, job)
			e.persistChunk(ctx, chunk)

			telemetry.Info("analysis.chunk.rate_limit", map[string]any{
				"job_id": job.ID, "chunk_index": chunk.Index,
				"wait_seconds": info.WaitSeconds, "attempt": chunk.RetryCount,
			})
			if err := e.sleep(ctx, time.Duration(info.WaitSeconds)*time.Second); err != nil {
				break
			}

			job.PauseReason = ""
			job.RateLimitWaitUntil = nil
			e.persistJob(ctx, job)
			continue
		}

		chunk.ErrorCode = ErrorCodeUnknown
		e.persistChunk(ctx, chunk)
		telemetry.Error("analysis.chunk.attempt", map[string]any{
			"job_id": job.ID, "chunk_index": chunk.Index,
			"attempt": chunk.RetryCount, "max_retries": maxRetries, "error": trimError(err),
		})
		if chunk.RetryCount < maxRetries {
			if err := e.sleep(ctx, e.cfg.RetryDelay); err != nil {
				break
			}
		}
	}

	chunk.Status = ChunkFailed
	chunk.ErrorMessage = trimError(lastErr)
	e.persistChunk(ctx, chunk)

	return chunkOutcome{chunk: chunk, rateLimited: llm.IsRateLimit(lastErr)}
}

// refineWithContext merges the current extraction with the rolling context.
// A refine failure falls back to the unrefined extraction instead of failing
// the chunk.
func (e *Engine) refineWithContext(ctx context.Context, job *Job, extraction map[string]any, rollingContext string, strat Strategy) (map[string]any, bool) {
	current, err := json.Marshal(extraction)
	if err != nil {
		return nil, false
	}

	resp, err := e.Gateway.Complete(ctx, llm.Request{
		Prompt:      strat.RefinePrompt(string(current), rollingContext),
		Model:       job.Model,
		Temperature: chunkTemperature,
		MaxTokens:   refineMaxTokens,
		Timeout:     e.cfg.CallTimeout,
	})
	if err != nil {
		telemetry.Error("analysis.chunk.refine", map[string]any{
			"job_id": job.ID, "error": trimError(err),
		})
		return nil, false
	}
	return parseStructured(resp.Text), true
}

// parseStructured attempts to read a structured result from an LLM response.
// It never fails: unparseable responses degrade to a raw-text wrapper so a
// completed chunk's work is never lost to a formatting mismatch.
func parseStructured(text string) map[string]any {
	candidate := text
	if idx := strings.Index(text, "```json"); idx >= 0 {
		rest := text[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate = rest[:end]
		}
	} else if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate = rest[:end]
		}
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(candidate)), &parsed); err == nil {
		return parsed
	}
	return map[string]any{"raw_response": text}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(strings.ReplaceAll(err.Error(), "\n", " "))
	const maxLen = 500
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
