package discovery

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// EventType distinguishes progress updates from the terminal event.
type EventType string

const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Stage is a step of a running scan. Stages only move forward.
type Stage string

const (
	StageInit       Stage = "init"
	StageSearching  Stage = "searching"
	StageProcessing Stage = "processing"
	StageSaving     Stage = "saving"
	StageComplete   Stage = "complete"
)

var stageOrder = map[Stage]int{
	StageInit:       0,
	StageSearching:  1,
	StageProcessing: 2,
	StageSaving:     3,
	StageComplete:   4,
}

// Sample is a short view of a saved resource included in the complete event.
type Sample struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Address         string `json:"address"`
	City            string `json:"city"`
	State           string `json:"state"`
	Status          string `json:"status"`
	ConfidenceScore int    `json:"confidenceScore"`
}

// Event is one line of the progress stream.
type Event struct {
	Type           EventType
	Stage          Stage
	Message        string
	Current        *int
	Total          *int
	ResourcesFound int
	Samples        []Sample
}

// MarshalJSON renders only the fields that belong to the event's type.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventComplete:
		samples := e.Samples
		if samples == nil {
			samples = []Sample{}
		}
		return json.Marshal(struct {
			Type           EventType `json:"type"`
			ResourcesFound int       `json:"resourcesFound"`
			Samples        []Sample  `json:"samples"`
		}{e.Type, e.ResourcesFound, samples})
	case EventError:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Message string    `json:"message"`
		}{e.Type, e.Message})
	default:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Stage   Stage     `json:"stage"`
			Message string    `json:"message"`
			Current *int      `json:"current,omitempty"`
			Total   *int      `json:"total,omitempty"`
		}{EventProgress, e.Stage, e.Message, e.Current, e.Total})
	}
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// Sink receives the events of one scan, in order.
type Sink interface {
	Emit(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

// Emit calls f.
func (f SinkFunc) Emit(e Event) error {
	return f(e)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) error { return nil })

// NDJSONSink writes one JSON object per line and flushes after each event
// when the writer supports it.
type NDJSONSink struct {
	enc     *json.Encoder
	flusher http.Flusher
}

// NewNDJSONSink writes events to w.
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	s := &NDJSONSink{enc: json.NewEncoder(w)}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// Emit implements Sink.
func (s *NDJSONSink) Emit(e Event) error {
	if err := s.enc.Encode(e); err != nil {
		return eris.Wrap(err, "discovery: write event")
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// emitter serializes events for one run. It keeps stages monotonic and drops
// anything sent after the terminal event.
type emitter struct {
	mu      sync.Mutex
	sink    Sink
	log     *zap.Logger
	stage   Stage
	started bool
	closed  bool
	failed  bool
}

func newEmitter(sink Sink, log *zap.Logger) *emitter {
	if sink == nil {
		sink = Discard
	}
	return &emitter{sink: sink, log: log}
}

func (em *emitter) progress(stage Stage, msg string, counts ...int) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.closed {
		return
	}
	if em.started && stageOrder[stage] < stageOrder[em.stage] {
		stage = em.stage
	}
	em.stage = stage
	em.started = true

	e := Event{Type: EventProgress, Stage: stage, Message: msg}
	if len(counts) == 2 {
		cur, total := counts[0], counts[1]
		e.Current, e.Total = &cur, &total
	}
	em.send(e)
}

func (em *emitter) finish(e Event) {
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.closed {
		return
	}
	em.closed = true
	em.send(e)
}

// stageName is the last stage reported.
func (em *emitter) stageName() Stage {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.stage
}

func (em *emitter) send(e Event) {
	if err := em.sink.Emit(e); err != nil && !em.failed {
		em.failed = true
		em.log.Warn("discovery: progress sink failed", zap.Error(err))
	}
}
