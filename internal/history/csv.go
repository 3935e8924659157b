package history

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

var csvHeader = []string{"direction", "peer", "status", "duration_sec", "created_at", "started_at", "ended_at", "end_reason"}

// WriteCSV writes records with a header row. Every field is quoted and
// embedded quotes are doubled; times are RFC 3339 in UTC with any fractional
// seconds kept, or empty.
func WriteCSV(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	writeCSVRow(bw, csvHeader)
	for _, r := range records {
		writeCSVRow(bw, []string{
			r.Direction,
			r.Peer,
			string(r.Status),
			strconv.Itoa(r.DurationSec),
			formatTime(&r.CreatedAt),
			formatTime(r.StartedAt),
			formatTime(r.EndedAt),
			r.EndReason,
		})
	}
	return bw.Flush()
}

func writeCSVRow(w *bufio.Writer, fields []string) {
	for i, f := range fields {
		if i > 0 {
			w.WriteByte(',')
		}
		w.WriteByte('"')
		w.WriteString(strings.ReplaceAll(f, `"`, `""`))
		w.WriteByte('"')
	}
	w.WriteByte('\n')
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ExportFileName names an export taken at now, e.g.
// ascapdx-call-history-2024-01-01T00-00-00-000Z.csv.
func ExportFileName(now time.Time) string {
	ts := now.UTC().Format("2006-01-02T15:04:05.000Z")
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return "ascapdx-call-history-" + ts + ".csv"
}
