package history

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Backends disagree on key style and timestamp layout, so Record decoding
// accepts snake_case and camelCase keys and several timestamp forms. A
// timestamp that matches none of them decodes as unset rather than failing
// the whole list.
type wireRecord struct {
	Direction string `json:"direction"`
	Peer      string `json:"peer"`
	Status    Status `json:"status"`
	Caller    string `json:"caller"`
	Receiver  string `json:"receiver"`

	DurationSec      json.Number     `json:"duration_sec"`
	DurationSecCamel json.Number     `json:"durationSec"`
	CreatedAt        json.RawMessage `json:"created_at"`
	CreatedAtCamel   json.RawMessage `json:"createdAt"`
	StartedAt        json.RawMessage `json:"started_at"`
	StartedAtCamel   json.RawMessage `json:"startedAt"`
	EndedAt          json.RawMessage `json:"ended_at"`
	EndedAtCamel     json.RawMessage `json:"endedAt"`
	EndReason        string          `json:"end_reason"`
	EndReasonCamel   string          `json:"endReason"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Record{
		Direction:   w.Direction,
		Peer:        w.Peer,
		Status:      w.Status,
		Caller:      w.Caller,
		Receiver:    w.Receiver,
		DurationSec: parseDuration(w.DurationSec, w.DurationSecCamel),
		StartedAt:   parseTime(w.StartedAt, w.StartedAtCamel),
		EndedAt:     parseTime(w.EndedAt, w.EndedAtCamel),
		EndReason:   w.EndReason,
	}
	if r.EndReason == "" {
		r.EndReason = w.EndReasonCamel
	}
	if t := parseTime(w.CreatedAt, w.CreatedAtCamel); t != nil {
		r.CreatedAt = *t
	}
	return nil
}

func parseDuration(snake, camel json.Number) int {
	n := snake
	if n == "" {
		n = camel
	}
	f, err := n.Float64()
	if err != nil || f < 0 {
		return 0
	}
	return int(f)
}

// parseTime returns nil for a missing, null or unrecognised value. Numbers
// are Unix seconds, or milliseconds when too large to be seconds.
func parseTime(snake, camel json.RawMessage) *time.Time {
	raw := bytes.TrimSpace(snake)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = bytes.TrimSpace(camel)
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] != '"' {
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil || n <= 0 {
			return nil
		}
		t := time.Unix(n, 0).UTC()
		if n > 1e11 {
			t = time.UnixMilli(n).UTC()
		}
		return &t
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
