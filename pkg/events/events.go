// Package events reports section progress to the outside world. Every
// status transition the pipeline makes is published as one Event, and so is
// every pair of sections that could not be aligned.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"histostack/internal/models"
	"histostack/pkg/logger"
)

// Event kinds.
const (
	KindTransition = "transition"
	KindPairFailed = "pair_failed"
)

// Event is one status transition of one section, or one failed pair.
type Event struct {
	ID         string        `json:"id"`
	RunID      string        `json:"run_id,omitempty"`
	Kind       string        `json:"kind"`
	VolumeID   string        `json:"volume"`
	OrderIndex int           `json:"section"`
	From       models.Status `json:"from,omitempty"`
	To         models.Status `json:"to,omitempty"`
	Reason     models.Reason `json:"reason,omitempty"`

	// Partner is the section a failed pair was registered against.
	Partner *int `json:"partner,omitempty"`

	Time time.Time `json:"time"`
}

// New stamps a transition event with a fresh ID and the current time.
func New(sec models.Section, from models.Status) Event {
	return Event{
		ID:         ulid.Make().String(),
		Kind:       KindTransition,
		VolumeID:   sec.VolumeID,
		OrderIndex: sec.OrderIndex,
		From:       from,
		To:         sec.Status,
		Reason:     sec.Reason,
		Time:       time.Now().UTC(),
	}
}

// NewPairFailed reports a pair that was stored as failed. The section keeps
// its status; the pair only counts for little in the global solve.
func NewPairFailed(p models.PairResult) Event {
	partner := p.To
	return Event{
		ID:         ulid.Make().String(),
		Kind:       KindPairFailed,
		VolumeID:   p.VolumeID,
		OrderIndex: p.From,
		Reason:     models.ReasonPairwiseNonConvergent,
		Partner:    &partner,
		Time:       time.Now().UTC(),
	}
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// LogSink writes events to a logger.
type LogSink struct {
	log logger.Logger
}

// NewLogSink creates a sink logging at info level, or warn for failures.
func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Emit(ctx context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("event", e.ID),
		zap.String("volume", e.VolumeID),
		zap.Int("section", e.OrderIndex),
	}
	if e.Kind == KindPairFailed {
		if e.Partner != nil {
			fields = append(fields, zap.Int("partner", *e.Partner))
		}
		s.log.WarnWithContext(ctx, "pair failed", append(fields, zap.String("reason", string(e.Reason)))...)
		return nil
	}

	fields = append(fields, zap.String("from", string(e.From)), zap.String("to", string(e.To)))
	if e.To == models.StatusFailed {
		s.log.WarnWithContext(ctx, "section failed", append(fields, zap.String("reason", string(e.Reason)))...)
		return nil
	}
	s.log.InfoWithContext(ctx, "section advanced", fields...)
	return nil
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// For returns the recorded transitions of one section.
func (r *Recorder) For(volumeID string, order int) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == KindTransition && e.VolumeID == volumeID && e.OrderIndex == order {
			out = append(out, e)
		}
	}
	return out
}

// JSONLines writes one JSON object per line.
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLines writes events to w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{enc: json.NewEncoder(w)}
}

func (j *JSONLines) Emit(_ context.Context, e Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(e)
}

// Fanout delivers each event to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
