package usage

import "time"

// Usage represents an organization's plan consumption for the current period.
// One unit is one analysis job.
type Usage struct {
	Plan     string    `json:"plan"`
	Limit    int       `json:"limit"`
	Used     int       `json:"used"`
	ResetsAt time.Time `json:"resetsAt"`
}
