package discovery

import (
	"bufio"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEvent_MarshalJSON(t *testing.T) {
	cur, total := 1, 3
	tests := []struct {
		name string
		in   Event
		want string
	}{
		{
			"progress with counts",
			Event{Type: EventProgress, Stage: StageProcessing, Message: "Saved A", Current: &cur, Total: &total},
			`{"type":"progress","stage":"processing","message":"Saved A","current":1,"total":3}`,
		},
		{
			"progress without counts",
			Event{Type: EventProgress, Stage: StageInit, Message: "Starting"},
			`{"type":"progress","stage":"init","message":"Starting"}`,
		},
		{
			"complete with no samples",
			Event{Type: EventComplete},
			`{"type":"complete","resourcesFound":0,"samples":[]}`,
		},
		{
			"error drops progress fields",
			Event{Type: EventError, Stage: StageSearching, Message: "discovery scan timed out after 10m0s (0 resources saved)"},
			`{"type":"error","message":"discovery scan timed out after 10m0s (0 resources saved)"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.in)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestNDJSONSink_WritesLinesAndFlushes(t *testing.T) {
	w := httptest.NewRecorder()
	sink := NewNDJSONSink(w)

	require.NoError(t, sink.Emit(Event{Type: EventProgress, Stage: StageInit, Message: "Starting"}))
	require.NoError(t, sink.Emit(Event{Type: EventComplete, ResourcesFound: 2, Samples: []Sample{{ID: "r1", Name: "A"}}}))

	assert.True(t, w.Flushed)
	sc := bufio.NewScanner(strings.NewReader(w.Body.String()))
	var lines []map[string]any
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "progress", lines[0]["type"])
	assert.Equal(t, "complete", lines[1]["type"])
	assert.Equal(t, 2.0, lines[1]["resourcesFound"])
}

func TestEmitter_MonotonicAndClosed(t *testing.T) {
	rec := &recorder{}
	em := newEmitter(rec, zap.NewNop())

	em.progress(StageInit, "a")
	em.progress(StageProcessing, "b")
	em.progress(StageSearching, "late search progress")
	em.finish(Event{Type: EventComplete})
	em.progress(StageSaving, "after close")
	em.finish(Event{Type: EventError, Message: "second terminal"})

	evs := rec.all()
	require.Len(t, evs, 4)
	assert.Equal(t, StageProcessing, evs[2].Stage, "stage never moves backwards")
	assert.Equal(t, EventComplete, evs[3].Type)
}

func TestEmitter_NilSinkDiscards(t *testing.T) {
	em := newEmitter(nil, zap.NewNop())
	em.progress(StageInit, "a")
	em.finish(Event{Type: EventComplete})
	assert.Equal(t, StageInit, em.stageName())
}
