package models

import "time"

// Event is the envelope published on the job and result topics.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // dataset.submitted, dataset.finished
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}
