package models

import "time"

const (
	MinConcurrency     = 1
	MaxConcurrency     = 5
	DefaultConcurrency = 3
)

// QueueSettings is the single persisted settings record of the queue
type QueueSettings struct {
	Key           string    `json:"-" badgerhold:"key"`
	Paused        bool      `json:"paused"`
	MaxConcurrent int       `json:"maxConcurrent"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ClampConcurrency bounds n to the supported range. Zero or negative values fall back to the default.
func ClampConcurrency(n int) int {
	switch {
	case n <= 0:
		return DefaultConcurrency
	case n < MinConcurrency:
		return MinConcurrency
	case n > MaxConcurrency:
		return MaxConcurrency
	}
	return n
}
