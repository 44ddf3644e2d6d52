package rebuild

import (
	"time"
)

// HistoryRecord is the durable-in-memory trace of one finished rebuild.
type HistoryRecord struct {
	Nexus         string    `json:"nexus"`
	SourceURI     string    `json:"source_uri"`
	DestURI       string    `json:"dest_uri"`
	State         string    `json:"state"`
	BlocksCopied  uint64    `json:"blocks_copied"`
	BlocksSkipped uint64    `json:"blocks_skipped"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}
