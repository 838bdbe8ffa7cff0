// Package audit is the append-only, best-effort event log that the
// Topology Manager's container and network operations (start, stop,
// kill, the network-state changes, partition and join) write one line
// to; create, destroy and add write no audit line. Write failures are
// logged and swallowed: auditing degrades service, it never blocks it.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/blockade/pkg/log"
	"github.com/cuemby/blockade/pkg/metrics"
	"github.com/cuemby/blockade/pkg/types"
)

// line is the on-disk JSON shape of one audit record.
type line struct {
	Timestamp float64       `json:"timestamp"`
	Event     string        `json:"event"`
	Status    string        `json:"status"`
	Targets   []interface{} `json:"targets"`
	Message   string        `json:"message"`
}

func normalizeTarget(t types.AuditTarget) interface{} {
	if t.Members != nil {
		return t.Members
	}
	return t.Name
}

// Log is the audit log for one topology: a single JSON-lines file that is
// created at construction time and reopened for append on every record.
type Log struct {
	path string
}

// Open touches <dataDir>/audit/<topologyID>.json (creating it and its
// directory if absent) and returns a Log bound to it.
func Open(dataDir, topologyID string) (*Log, error) {
	dir := filepath.Join(dataDir, "audit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create audit directory: %w", err)
	}
	path := filepath.Join(dir, topologyID+".json")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open the audit file %s: %w", path, err)
	}
	f.Close()
	return &Log{path: path}, nil
}

// LogEvent appends one record. Any I/O failure is logged at Warn level
// and swallowed — the calling operation's own success/failure is never
// affected by audit-log health.
func (l *Log) LogEvent(event string, status types.AuditStatus, message string, targets []types.AuditTarget) {
	normalized := make([]interface{}, 0, len(targets))
	for _, t := range targets {
		normalized = append(normalized, normalizeTarget(t))
	}

	rec := line{
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Event:     event,
		Status:    string(status),
		Targets:   normalized,
		Message:   message,
	}

	logger := log.WithComponent("audit")
	logger.Info().Str("event", rec.Event).Str("status", rec.Status).Interface("targets", rec.Targets).Msg(rec.Message)

	data, err := json.Marshal(rec)
	if err != nil {
		logger.Error().Err(err).Msg("failed to record an audit line")
		metrics.AuditWriteErrorsTotal.Inc()
		return
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Error().Err(err).Msg("failed to record an audit line")
		metrics.AuditWriteErrorsTotal.Inc()
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		logger.Error().Err(err).Msg("failed to record an audit line")
		metrics.AuditWriteErrorsTotal.Inc()
	}
}

// Event is one record as returned by ReadEvents.
type Event struct {
	Timestamp time.Time
	Event     string
	Status    string
	Targets   []interface{}
	Message   string
}

// ReadEvents reads every line of the audit log, in file order. Consumers
// that need a streaming read for a large log can instead open the file
// and scan it directly; this is the convenience path used by the REST
// events endpoint.
func (l *Log) ReadEvents() ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec line
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		sec := int64(rec.Timestamp)
		nsec := int64((rec.Timestamp - float64(sec)) * 1e9)
		events = append(events, Event{
			Timestamp: time.Unix(sec, nsec),
			Event:     rec.Event,
			Status:    rec.Status,
			Targets:   rec.Targets,
			Message:   rec.Message,
		})
	}
	return events, scanner.Err()
}

// Clean removes the audit log file entirely.
func (l *Log) Clean() error {
	return os.Remove(l.path)
}
