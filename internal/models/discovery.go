package models

// DiscoveryState names the states of the form discovery state machine
type DiscoveryState string

const (
	DiscoveryCheckCurrent     DiscoveryState = "check_current"
	DiscoverySearchCandidates DiscoveryState = "search_candidates"
	DiscoveryTryNext          DiscoveryState = "try_next"
	DiscoveryFound            DiscoveryState = "found"
	DiscoveryExhausted        DiscoveryState = "exhausted"
)

// DiscoveryResult is the terminal state of one discovery run.
// FormURL is empty when State is DiscoveryExhausted.
type DiscoveryResult struct {
	State      DiscoveryState  `json:"state"`
	FormURL    string          `json:"formUrl,omitempty"`
	Candidates []string        `json:"candidates"`
	Attempts   []AttemptRecord `json:"attempts"`
}

// Found reports whether a form page was located
func (r *DiscoveryResult) Found() bool {
	return r != nil && r.State == DiscoveryFound
}
