package sources

import "time"

// Source is a stored masked-text conversation transcript.
type Source struct {
	ID                   string    `json:"id"`
	OrganizationID       string    `json:"organizationId"`
	CreatedBy            string    `json:"createdBy"`
	FileName             string    `json:"fileName"`
	StorageKey           string    `json:"-"`
	OriginalChars        int       `json:"originalChars"`
	MaskedChars          int       `json:"maskedChars"`
	PseudonymizationMode string    `json:"pseudonymizationMode"`
	Preview              string    `json:"preview"`
	CreatedAt            time.Time `json:"createdAt"`
}

// Pseudonymization modes accepted on registration. The masking engine runs
// upstream; the mode is recorded so reports can state how names were replaced.
const (
	ModeRedact     = "redact"
	ModePseudonyms = "pseudonyms"
	ModeNone       = "none"
)

// ValidMode reports whether mode names a known pseudonymization mode.
func ValidMode(mode string) bool {
	switch mode {
	case ModeRedact, ModePseudonyms, ModeNone:
		return true
	}
	return false
}
