package analysis

import "time"

// Job statuses. Transitions only move forward except for explicit resume
// (paused/partial/failed -> processing).
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusPartial    = "partial"
	StatusPaused     = "paused"
	StatusCancelled  = "cancelled"
)

// Chunk statuses.
const (
	ChunkPending    = "pending"
	ChunkProcessing = "processing"
	ChunkCompleted  = "completed"
	ChunkFailed     = "failed"
)

// Chunk error codes.
const (
	ErrorCodeRateLimit = "RATE_LIMIT"
	ErrorCodeUnknown   = "UNKNOWN"
)

// Detail levels accepted at job creation.
const (
	DetailResumido  = "resumido"
	DetailNormal    = "normal"
	DetailDetalhado = "detalhado"
)

// Job is one user-initiated request to analyze a masked source text.
type Job struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	CreatedBy      string `json:"createdBy"`
	SourceID       string `json:"sourceId"`
	TaskType       string `json:"taskType"`
	DetailLevel    string `json:"detailLevel"`
	Model          string `json:"model"`
	Status         string `json:"status"`

	TotalChunks     int `json:"totalChunks"`
	ProcessedChunks int `json:"processedChunks"`
	CompletedChunks int `json:"completedChunks"`
	FailedChunks    int `json:"failedChunks"`

	CurrentStep string `json:"currentStep,omitempty"`
	FinalResult string `json:"finalResult,omitempty"`
	TokensUsed  int    `json:"tokensUsed"`

	ErrorMessage       string     `json:"errorMessage,omitempty"`
	PauseReason        string     `json:"pauseReason,omitempty"`
	RateLimitWaitUntil *time.Time `json:"rateLimitWaitUntil,omitempty"`
	CancelRequested    bool       `json:"cancelRequested"`

	AvgChunkTimeMs      int        `json:"avgChunkTimeMs"`
	EstimatedCompletion *time.Time `json:"estimatedCompletion,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Chunk is one unit of chunked work within a job. Offsets index into the
// source's masked text; the chunk text itself is not duplicated in storage.
type Chunk struct {
	ID          string `json:"id"`
	JobID       string `json:"jobId"`
	Index       int    `json:"index"`
	TotalChunks int    `json:"totalChunks"`
	StartChar   int    `json:"startChar"`
	EndChar     int    `json:"endChar"`

	Prompt      string         `json:"-"`
	RawResponse string         `json:"-"`
	Result      map[string]any `json:"result,omitempty"`
	Refined     bool           `json:"refined"`

	Status           string `json:"status"`
	RetryCount       int    `json:"retryCount"`
	MaxRetries       int    `json:"maxRetries"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	ErrorCode        string `json:"errorCode,omitempty"`
	ProcessingTimeMs int    `json:"processingTimeMs"`
	RateLimitDelayS  int    `json:"rateLimitDelayS"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	LastRetryAt *time.Time `json:"lastRetryAt,omitempty"`
}

// ChunkProgress is the per-chunk view exposed to pollers.
type ChunkProgress struct {
	Index            int    `json:"index"`
	Status           string `json:"status"`
	RetryCount       int    `json:"retryCount"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	ErrorCode        string `json:"errorCode,omitempty"`
	ProcessingTimeMs int    `json:"processingTimeMs"`
	RateLimitDelayS  int    `json:"rateLimitDelayS"`
}

// RateLimitWait describes an open rate-limit backoff window.
type RateLimitWait struct {
	Waiting          bool      `json:"waiting"`
	WaitUntil        time.Time `json:"waitUntil"`
	RemainingSeconds int       `json:"remainingSeconds"`
}

// Progress is a coherent snapshot of a job mid-run, derived from chunk rows.
type Progress struct {
	JobID       string `json:"jobId"`
	SourceID    string `json:"sourceId"`
	TaskType    string `json:"taskType"`
	Model       string `json:"model"`
	Status      string `json:"status"`
	PauseReason string `json:"pauseReason,omitempty"`

	TotalChunks      int     `json:"totalChunks"`
	CompletedChunks  int     `json:"completedChunks"`
	FailedChunks     int     `json:"failedChunks"`
	PendingChunks    int     `json:"pendingChunks"`
	ProcessingChunks int     `json:"processingChunks"`
	ProgressPercent  float64 `json:"progressPercent"`

	Chunks []ChunkProgress `json:"chunks"`

	StartedAt                 *time.Time     `json:"startedAt,omitempty"`
	EstimatedCompletion       *time.Time     `json:"estimatedCompletion,omitempty"`
	EstimatedRemainingSeconds int            `json:"estimatedRemainingSeconds,omitempty"`
	AvgChunkTimeMs            int            `json:"avgChunkTimeMs"`
	RateLimit                 *RateLimitWait `json:"rateLimit,omitempty"`

	CanResume      bool `json:"canResume"`
	CanChangeModel bool `json:"canChangeModel"`
}

// CanResumeFrom reports whether a job in the given status accepts a resume.
func CanResumeFrom(status string) bool {
	switch status {
	case StatusPaused, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// ValidDetailLevel reports whether level is an accepted detail level.
func ValidDetailLevel(level string) bool {
	switch level {
	case DetailResumido, DetailNormal, DetailDetalhado:
		return true
	}
	return false
}
