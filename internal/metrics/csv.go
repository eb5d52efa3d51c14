package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Sample is one latency measurement to a peer over a chosen path.
type Sample struct {
	Timestamp time.Time
	AgentID   string
	PeerID    string
	Path      string // direct|relay
	RTTMs     float64
	JitterMs  float64
}

var csvHeader = []string{"timestamp", "agent_id", "peer_id", "path", "rtt_ms", "jitter_ms"}

// WriteCSV writes samples to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []Sample) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range items {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			s.AgentID,
			s.PeerID,
			s.Path,
			strconv.FormatFloat(s.RTTMs, 'f', 3, 64),
			strconv.FormatFloat(s.JitterMs, 'f', 3, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Error()
}

// AppendCSV appends samples to a CSV file, writing the header when the file
// is new. Not safe for concurrent writers.
func AppendCSV(path string, items []Sample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	info, err := os.Stat(path)
	fresh := err != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	defer writer.Flush()

	if fresh {
		if err := writer.Write(csvHeader); err != nil {
			return err
		}
	}
	for _, s := range items {
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			s.AgentID,
			s.PeerID,
			s.Path,
			strconv.FormatFloat(s.RTTMs, 'f', 3, 64),
			strconv.FormatFloat(s.JitterMs, 'f', 3, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Error()
}
