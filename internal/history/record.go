// Package history reads, filters and exports the authenticated user's call
// records from the backend REST collaborator.
package history

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownStatus = errors.New("history: unknown status")

type Status string

const (
	StatusCompleted Status = "completed"
	StatusMissed    Status = "missed"
	StatusRejected  Status = "rejected"
	StatusNoAnswer  Status = "no-answer"

	// StatusAll matches every record in Filter.
	StatusAll Status = "all"
)

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case "":
		return StatusAll, nil
	case StatusAll, StatusCompleted, StatusMissed, StatusRejected, StatusNoAnswer:
		return s, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownStatus, raw)
	}
}

// Record is one call as the backend reports it. Caller and Receiver are only
// present on some backends.
type Record struct {
	Direction   string     `json:"direction"`
	Peer        string     `json:"peer"`
	Status      Status     `json:"status"`
	DurationSec int        `json:"duration_sec"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	EndReason   string     `json:"end_reason,omitempty"`
	Caller      string     `json:"caller,omitempty"`
	Receiver    string     `json:"receiver,omitempty"`
}

// Filter returns the records with status s. StatusAll returns a copy of
// records.
func Filter(records []Record, s Status) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if s == StatusAll || r.Status == s {
			out = append(out, r)
		}
	}
	return out
}

// Search returns the records whose peer, caller or receiver contains text,
// ignoring case. Blank text matches everything.
func Search(records []Record, text string) []Record {
	needle := strings.ToLower(strings.TrimSpace(text))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if needle == "" || matches(r, needle) {
			out = append(out, r)
		}
	}
	return out
}

func matches(r Record, needle string) bool {
	for _, field := range []string{r.Peer, r.Caller, r.Receiver} {
		if field != "" && strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}
