package models

import (
	"fmt"
	"strings"
	"time"
)

// Outcome of a single step inside a discovery attempt
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped"
)

// AttemptClass is the final classification of an attempt
type AttemptClass string

const (
	AttemptFormFound AttemptClass = "form_found"
	AttemptNoForm    AttemptClass = "no_form"
	AttemptError     AttemptClass = "error"
)

// AttemptRecord captures one candidate visited during form discovery.
// It only lives for the duration of a discovery run and is persisted as text in Job.Diagnostics.
type AttemptRecord struct {
	Index      int           `json:"index"`
	FromURL    string        `json:"fromUrl"`
	ToURL      string        `json:"toUrl"`
	Navigation Outcome       `json:"navigation"`
	Load       Outcome       `json:"load"`
	Handshake  Outcome       `json:"handshake"`
	FormCheck  Outcome       `json:"formCheck"`
	HasForm    bool          `json:"hasForm"`
	InputCount int           `json:"inputCount"`
	Class      AttemptClass  `json:"class"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// String renders the attempt as a single diagnostics line
func (a AttemptRecord) String() string {
	line := fmt.Sprintf("#%d %s -> %s nav=%s load=%s handshake=%s check=%s inputs=%d => %s (%s)",
		a.Index, a.FromURL, a.ToURL, a.Navigation, a.Load, a.Handshake, a.FormCheck,
		a.InputCount, a.Class, a.Duration.Round(time.Millisecond))
	if a.Error != "" {
		line += " error=" + a.Error
	}
	return line
}

// SummarizeAttempts renders the full attempt timeline
func SummarizeAttempts(attempts []AttemptRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "discovery attempts: %d\n", len(attempts))
	for _, a := range attempts {
		b.WriteString(a.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// TruncateDiagnostics bounds a diagnostics string to limit bytes, keeping the head
func TruncateDiagnostics(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	const marker = "\n...[truncated]"
	if limit <= len(marker) {
		return s[:limit]
	}
	cut := limit - len(marker)
	// avoid splitting a multi-byte rune
	for cut > 0 && cut < len(s) && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + marker
}
