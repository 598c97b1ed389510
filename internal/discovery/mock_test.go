package discovery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/resource-discovery/internal/dedup"
	"github.com/sells-group/resource-discovery/internal/eligibility"
	"github.com/sells-group/resource-discovery/internal/model"
	"github.com/sells-group/resource-discovery/internal/normalize"
	"github.com/sells-group/resource-discovery/internal/policy"
	"github.com/sells-group/resource-discovery/internal/scorer"
	"github.com/sells-group/resource-discovery/internal/store"
	"github.com/sells-group/resource-discovery/pkg/geocode"
)

// fakeSearcher returns canned results. When block is set it waits on it
// without looking at ctx, like a provider that hangs.
type fakeSearcher struct {
	results  []model.RawCandidate
	err      error
	progress []string
	block    chan struct{}
	calls    atomic.Int32
}

func (f *fakeSearcher) Search(_ context.Context, _, _ string, onProgress func(string)) ([]model.RawCandidate, error) {
	f.calls.Add(1)
	for _, p := range f.progress {
		onProgress(p)
	}
	if f.block != nil {
		<-f.block
	}
	return f.results, f.err
}

// fakeGeocoder answers from a fixed table keyed by street.
type fakeGeocoder struct {
	points map[string][2]float64
	err    error
	// hang waits for ctx to end before failing.
	hang  bool
	calls atomic.Int32
}

func (f *fakeGeocoder) Geocode(ctx context.Context, addr geocode.AddressInput) (*geocode.Result, error) {
	f.calls.Add(1)
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.points[addr.Street]
	if !ok {
		return &geocode.Result{Matched: false}, nil
	}
	return &geocode.Result{Latitude: p[0], Longitude: p[1], Source: "census", Matched: true}, nil
}

// failingWriter fails inserts for the named candidates and delegates the rest.
type failingWriter struct {
	next  ResourceWriter
	fail  map[string]bool
	calls int
}

func (w *failingWriter) InsertResource(ctx context.Context, c model.CandidateResource, d model.Decision) (string, error) {
	w.calls++
	if w.fail[c.Name] {
		return "", errors.New("duplicate key value violates unique constraint")
	}
	return w.next.InsertResource(ctx, c, d)
}

// fakeLocker hands out one lock per area.
type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	err      error
	released []string
}

func (l *fakeLocker) Lock(_ context.Context, areaKey string) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[areaKey] {
		return nil, false, nil
	}
	l.held[areaKey] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, areaKey)
		l.released = append(l.released, areaKey)
		return nil
	}, true, nil
}

// recorder is a Sink that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
	onEmit func(Event)
}

func (r *recorder) Emit(e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	hook := r.onEmit
	r.mu.Unlock()
	if hook != nil {
		hook(e)
	}
	return nil
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) last() Event {
	evs := r.all()
	if len(evs) == 0 {
		return Event{}
	}
	return evs[len(evs)-1]
}

// harness wires a real pipeline over a temporary SQLite database.
type harness struct {
	t        *testing.T
	st       *store.SQLiteStore
	gate     *eligibility.Gate
	searcher *fakeSearcher
	deps     Deps
	cfg      Config
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "discovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	norm, err := normalize.New()
	require.NoError(t, err)

	h := &harness{
		t:        t,
		st:       st,
		searcher: &fakeSearcher{},
		now:      time.Now().UTC(),
	}
	h.gate = eligibility.NewGate(st, eligibility.WithClock(func() time.Time { return h.now }))
	pol := policy.New()
	h.deps = Deps{
		Gate:       h.gate,
		Searcher:   h.searcher,
		Normalizer: norm,
		Guard:      dedup.NewGuard(st, st, pol),
		Detector:   dedup.NewDetector(st),
		Scorer:     scorer.New(scorer.Config{}, pol),
		Writer:     st,
	}
	return h
}

func (h *harness) orchestrator() *Orchestrator {
	h.t.Helper()
	o, err := NewOrchestrator(h.deps, h.cfg)
	require.NoError(h.t, err)
	return o
}

func (h *harness) run(ctx context.Context, trig Trigger) (*Summary, *recorder, error) {
	h.t.Helper()
	rec := &recorder{}
	sum, err := h.orchestrator().Run(ctx, trig, rec)
	require.NotNil(h.t, sum)
	return sum, rec, err
}

func (h *harness) scans(areaKey string) []model.ScanEvent {
	h.t.Helper()
	evs, err := h.st.ListScans(context.Background(), store.ScanFilter{AreaKey: areaKey})
	require.NoError(h.t, err)
	return evs
}

func (h *harness) resources(scanID string) []store.StoredResource {
	h.t.Helper()
	rs, err := h.st.ListResources(context.Background(), scanID)
	require.NoError(h.t, err)
	return rs
}

// raw builds a provider result.
func raw(name, address string, extra ...any) model.RawCandidate {
	r := model.RawCandidate{"name": name, "address": address}
	for i := 0; i+1 < len(extra); i += 2 {
		r[extra[i].(string)] = extra[i+1]
	}
	return r
}
