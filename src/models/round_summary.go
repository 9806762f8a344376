package models

import "time"

// RoundSummary is published next to every batch on the stats routing key.
type RoundSummary struct {
	BatchID    string    `json:"batch_id"`
	Sequence   int       `json:"sequence"`
	Rows       int       `json:"rows"`
	Fields     []string  `json:"fields"`
	Rounds     int       `json:"rounds"`
	Broadcasts int       `json:"broadcasts"`
	Discarded  []int     `json:"discarded_per_worker"`
	Forced     []int     `json:"forced_per_worker"`
	Warnings   []string  `json:"warnings,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
