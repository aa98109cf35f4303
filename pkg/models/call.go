package models

import (
	"time"
	"unicode/utf8"
)

// CallStatus is the state of a single dispatch attempt within a run.
type CallStatus string

// Call status constants.
const (
	CallStatusInProgress       CallStatus = "in_progress"
	CallStatusCompleted        CallStatus = "completed"
	CallStatusDuplicateBlocked CallStatus = "duplicate_blocked"
	CallStatusFailed           CallStatus = "failed"
	CallStatusCancelled        CallStatus = "cancelled"
)

// resultPreviewLimit bounds CallRecord.ResultPreview. The preview exists for
// observability only; full results flow back through the agent hierarchy.
const resultPreviewLimit = 200

// CallRecord is one entry in a run's dispatch ledger.
type CallRecord struct {
	ID              string     `json:"id"`
	TeamName        string     `json:"team_name"`
	WorkerName      string     `json:"worker_name,omitempty"`
	Task            string     `json:"task"`
	Status          CallStatus `json:"status"`
	TaskFingerprint uint64     `json:"task_fingerprint"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	ResultPreview   string     `json:"result_preview,omitempty"`
}

// Preview truncates a result to the preview limit, backing off to the
// nearest rune boundary so multi-byte text is never split mid-rune.
func Preview(result string) string {
	if len(result) <= resultPreviewLimit {
		return result
	}
	cut := resultPreviewLimit
	for cut > 0 && !utf8.RuneStart(result[cut]) {
		cut--
	}
	return result[:cut]
}
