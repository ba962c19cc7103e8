package telemetry

import (
	"sync"
	"time"

	routex "github.com/routexhq/routex/internal"
)

// TraceRecord is the in-process summary of one traced request, kept for
// the admin tracing endpoints independently of the OTLP export.
type TraceRecord struct {
	TraceID    string    `json:"trace_id"`
	RequestID  string    `json:"request_id,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	Model      string    `json:"model,omitempty"`
	StatusCode int       `json:"status_code"`
	LatencyMs  int64     `json:"latency_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// TraceStore is a fixed-capacity ring of recent trace records.
type TraceStore struct {
	mu    sync.Mutex
	buf   []TraceRecord
	next  int
	held  int
	total int64
}

func NewTraceStore(capacity int) *TraceStore {
	if capacity <= 0 {
		capacity = 1024
	}
	return &TraceStore{buf: make([]TraceRecord, capacity)}
}

// Add appends a record, evicting the oldest when full.
func (s *TraceStore) Add(rec TraceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.next] = rec
	s.next = (s.next + 1) % len(s.buf)
	if s.held < len(s.buf) {
		s.held++
	}
	s.total++
}

// AddLog records the summary of a request log that carries a trace id.
// Untraced records are ignored.
func (s *TraceStore) AddLog(rec routex.RequestLog) {
	if rec.TraceID == "" {
		return
	}
	s.Add(TraceRecord{
		TraceID:    rec.TraceID,
		RequestID:  rec.ID,
		Channel:    rec.ChannelID,
		Model:      rec.Model,
		StatusCode: rec.StatusCode,
		LatencyMs:  rec.LatencyMs,
		CreatedAt:  rec.CreatedAt,
	})
}

// Recent returns up to limit records, newest first.
func (s *TraceStore) Recent(limit int) []TraceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > s.held {
		limit = s.held
	}
	out := make([]TraceRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (s.next - i + len(s.buf)) % len(s.buf)
		out = append(out, s.buf[idx])
	}
	return out
}

// Get looks up a record by trace id.
func (s *TraceStore) Get(traceID string) (TraceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 1; i <= s.held; i++ {
		idx := (s.next - i + len(s.buf)) % len(s.buf)
		if s.buf[idx].TraceID == traceID {
			return s.buf[idx], true
		}
	}
	return TraceRecord{}, false
}

// Stats reports the lifetime count and the number of records held.
func (s *TraceStore) Stats() (total int64, held int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, s.held
}

// Reset drops all held records; the lifetime count survives.
func (s *TraceStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
	s.held = 0
	clear(s.buf)
}
