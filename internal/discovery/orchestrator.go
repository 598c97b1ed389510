// Package discovery runs area scans: it checks eligibility, calls a search
// provider, screens each result for duplicates, scores it and saves it, while
// streaming progress to a Sink.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/resource-discovery/internal/dedup"
	"github.com/sells-group/resource-discovery/internal/eligibility"
	"github.com/sells-group/resource-discovery/internal/model"
	"github.com/sells-group/resource-discovery/internal/monitoring"
	"github.com/sells-group/resource-discovery/internal/resilience"
	"github.com/sells-group/resource-discovery/internal/scorer"
	"github.com/sells-group/resource-discovery/pkg/geocode"
)

const (
	// DefaultScanTimeout bounds everything after the eligibility check.
	DefaultScanTimeout = 10 * time.Minute
	// DefaultMaxSamples is the number of saved resources echoed in the
	// complete event.
	DefaultMaxSamples = 5
)

// Gate checks and records area eligibility.
type Gate interface {
	CheckEligibility(ctx context.Context, areaKey string) (eligibility.Decision, error)
	LogScanStart(ctx context.Context, areaKey, initiatorID string, meta map[string]any, force bool) (string, error)
	LogScanComplete(ctx context.Context, scanID string, outcome model.ScanOutcome, resourcesFound int) error
}

// Searcher finds raw candidates for an area. onProgress may be called any
// number of times while the search runs.
type Searcher interface {
	Search(ctx context.Context, city, state string, onProgress func(msg string)) ([]model.RawCandidate, error)
}

// Normalizer turns a raw provider result into a candidate.
type Normalizer interface {
	Normalize(raw model.RawCandidate, city, state string) (model.CandidateResource, error)
}

// Geocoder fills in coordinates for candidates that have none.
type Geocoder interface {
	Geocode(ctx context.Context, addr geocode.AddressInput) (*geocode.Result, error)
}

// Guard rejects candidates that are blocked or already known.
type Guard interface {
	IsDuplicateOrBlocked(ctx context.Context, c model.CandidateResource, inRun ...model.ExistingResource) (dedup.GuardResult, error)
}

// Detector finds likely duplicates of a candidate.
type Detector interface {
	DetectDuplicates(ctx context.Context, c model.CandidateResource, inRun ...model.ExistingResource) ([]model.DuplicateMatch, error)
}

// Scorer assigns confidence and decides auto-approval.
type Scorer interface {
	CalculateConfidence(c model.CandidateResource, sc scorer.Context) scorer.Result
	ShouldAutoApprove(score int, sourceURL string, isPotentialDuplicate bool) bool
}

// ResourceWriter saves an accepted candidate.
type ResourceWriter interface {
	InsertResource(ctx context.Context, c model.CandidateResource, d model.Decision) (string, error)
}

// AreaLocker gives a scan exclusive use of an area. Lock reports false when
// another holder has it.
type AreaLocker interface {
	Lock(ctx context.Context, areaKey string) (release func(context.Context) error, ok bool, err error)
}

// Deps are the collaborators of an Orchestrator. Geocoder, Locker and
// Metrics are optional.
type Deps struct {
	Gate       Gate
	Searcher   Searcher
	Normalizer Normalizer
	Geocoder   Geocoder
	Guard      Guard
	Detector   Detector
	Scorer     Scorer
	Writer     ResourceWriter
	Locker     AreaLocker
	Metrics    *monitoring.Metrics
}

// Config tunes a run.
type Config struct {
	ScanTimeout         time.Duration `mapstructure:"scan_timeout"`
	MaxSamples          int           `mapstructure:"max_samples"`
	AbortOnPersistError bool          `mapstructure:"abort_on_persist_error"`
}

// Orchestrator runs scans. It is safe for concurrent use across areas.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	nowFunc func() time.Time
}

// NewOrchestrator checks that the required collaborators are present.
func NewOrchestrator(deps Deps, cfg Config) (*Orchestrator, error) {
	var missing []string
	if deps.Gate == nil {
		missing = append(missing, "gate")
	}
	if deps.Searcher == nil {
		missing = append(missing, "searcher")
	}
	if deps.Normalizer == nil {
		missing = append(missing, "normalizer")
	}
	if deps.Guard == nil {
		missing = append(missing, "guard")
	}
	if deps.Detector == nil {
		missing = append(missing, "detector")
	}
	if deps.Scorer == nil {
		missing = append(missing, "scorer")
	}
	if deps.Writer == nil {
		missing = append(missing, "writer")
	}
	if len(missing) > 0 {
		return nil, resilience.NewConfigurationError("discovery: missing collaborators: %v", missing)
	}

	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultMaxSamples
	}
	return &Orchestrator{deps: deps, cfg: cfg, nowFunc: time.Now}, nil
}

// scanRun is the mutable state of one scan.
type scanRun struct {
	trig    Trigger
	areaKey string
	scanID  string
	started time.Time
	log     *zap.Logger
	emit    *emitter

	items   []ItemResult
	inRun   []model.ExistingResource
	samples []Sample
	found   int
}

// Run scans one area and streams progress to sink. A cached result returns
// without emitting anything. Every other path ends the stream with exactly
// one complete or error event. The returned error is non-nil when the scan
// did not complete, and the Summary is always set.
func (o *Orchestrator) Run(ctx context.Context, trig Trigger, sink Sink) (*Summary, error) {
	trig = trig.normalized()
	run := &scanRun{
		trig:    trig,
		areaKey: trig.AreaKey(),
		started: o.nowFunc(),
	}
	run.log = zap.L().With(zap.String("area", run.areaKey), zap.Bool("is_test", trig.IsTest))
	run.emit = newEmitter(sink, run.log)

	if err := trig.Validate(); err != nil {
		sum := o.summary(run, StateErrored, err)
		run.emit.finish(Event{Type: EventError, Message: sum.Message})
		o.deps.Metrics.ScanSkipped(string(StateErrored))
		return sum, err
	}

	if !trig.Force {
		d, err := o.deps.Gate.CheckEligibility(ctx, run.areaKey)
		if err != nil {
			run.emit.finish(Event{Type: EventError, Message: "failed to check scan eligibility"})
			o.deps.Metrics.ScanSkipped(string(StateErrored))
			return o.summary(run, StateErrored, err), err
		}
		if !d.ShouldSearch {
			run.log.Info("scan skipped", zap.String("reason", d.Reason))
			return o.cached(run, d.Reason), nil
		}
	}

	if o.deps.Locker != nil {
		release, ok, err := o.deps.Locker.Lock(ctx, run.areaKey)
		switch {
		case err != nil:
			run.log.Warn("area lock unavailable, continuing without it", zap.Error(err))
		case !ok:
			return o.cached(run, "a scan of this area is already running"), nil
		default:
			defer func() {
				if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
					run.log.Warn("release area lock", zap.Error(rerr))
				}
			}()
		}
	}

	meta := map[string]any{"city": trig.City, "state": trig.State}
	if trig.IsTest {
		meta["is_test"] = true
	}
	scanID, err := o.deps.Gate.LogScanStart(ctx, run.areaKey, trig.InitiatorID, meta, trig.Force)
	if errors.Is(err, eligibility.ErrAreaClaimed) {
		return o.cached(run, "a scan of this area was just started by another request"), nil
	}
	if err != nil {
		run.emit.finish(Event{Type: EventError, Message: "failed to record scan start"})
		o.deps.Metrics.ScanSkipped(string(StateErrored))
		return o.summary(run, StateErrored, err), err
	}
	run.scanID = scanID
	run.log = run.log.With(zap.String("scan_id", scanID))
	o.deps.Metrics.ScanStarted()

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.ScanTimeout)
	defer cancel()

	state, runErr := o.execute(runCtx, run)
	if runErr != nil {
		state, runErr = o.classify(ctx, runCtx, run, runErr)
	}

	if err := o.deps.Gate.LogScanComplete(context.WithoutCancel(ctx), run.scanID, state.outcome(), run.found); err != nil {
		run.log.Error("failed to record scan completion", zap.Error(err))
	}

	sum := o.summary(run, state, runErr)
	o.deps.Metrics.ScanFinished(string(state), sum.Duration)
	if state == StateCompleted {
		run.emit.progress(StageComplete, fmt.Sprintf("Discovery complete: %d resources found", run.found))
		run.emit.finish(Event{Type: EventComplete, ResourcesFound: run.found, Samples: run.samples})
		run.log.Info("scan finished",
			zap.Int("resources_found", run.found),
			zap.Int("candidates", len(run.items)),
			zap.Duration("duration", sum.Duration),
		)
		return sum, nil
	}

	run.emit.finish(Event{Type: EventError, Message: sum.Message})
	run.log.Warn("scan did not complete",
		zap.String("state", string(state)),
		zap.String("last_stage", string(run.emit.stageName())),
		zap.Int("resources_found", run.found),
		zap.Error(runErr),
	)
	return sum, runErr
}

// execute runs the search and candidate loop under ctx.
func (o *Orchestrator) execute(ctx context.Context, run *scanRun) (RunState, error) {
	trig := run.trig
	run.emit.progress(StageInit, fmt.Sprintf("Starting discovery for %s, %s", trig.City, trig.State))

	run.emit.progress(StageSearching, fmt.Sprintf("Searching for resources in %s, %s", trig.City, trig.State))
	raws, err := o.search(ctx, run)
	if err != nil {
		return StateErrored, err
	}

	total := len(raws)
	run.emit.progress(StageProcessing, fmt.Sprintf("Processing %d results", total), 0, total)
	for i, raw := range raws {
		if err := ctx.Err(); err != nil {
			return StateErrored, err
		}
		item, abort := o.processOne(ctx, run, i, raw)
		run.items = append(run.items, item)
		if abort != nil {
			return StateErrored, abort
		}
		run.emit.progress(StageProcessing, itemMessage(item), i+1, total)
	}
	if err := ctx.Err(); err != nil {
		return StateErrored, err
	}

	run.emit.progress(StageSaving, fmt.Sprintf("Saved %d of %d results", run.found, total))
	return StateCompleted, nil
}

type searchResult struct {
	raws []model.RawCandidate
	err  error
}

// search calls the provider in its own goroutine so the deadline holds even
// if the provider ignores ctx.
func (o *Orchestrator) search(ctx context.Context, run *scanRun) ([]model.RawCandidate, error) {
	onProgress := func(msg string) {
		if ctx.Err() != nil {
			return
		}
		run.emit.progress(StageSearching, msg)
	}

	done := make(chan searchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- searchResult{err: eris.Errorf("discovery: search panicked: %v", r)}
			}
		}()
		raws, err := o.deps.Searcher.Search(ctx, run.trig.City, run.trig.State, onProgress)
		done <- searchResult{raws: raws, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if resilience.IsConfiguration(res.err) {
				return nil, res.err
			}
			return nil, eris.Wrap(res.err, "discovery: search")
		}
		return res.raws, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// classify maps a run error onto a terminal state. parent is the caller's
// context and runCtx the one carrying the scan deadline.
func (o *Orchestrator) classify(parent, runCtx context.Context, run *scanRun, err error) (RunState, error) {
	switch {
	case parent.Err() != nil:
		return StateCancelled, eris.Wrap(parent.Err(), "discovery: scan cancelled")
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return StateTimedOut, &TimeoutError{Budget: o.cfg.ScanTimeout, ResourcesSaved: run.found}
	default:
		return StateErrored, err
	}
}

func (o *Orchestrator) cached(run *scanRun, reason string) *Summary {
	o.deps.Metrics.ScanSkipped(string(StateCached))
	return &Summary{
		State:   StateCached,
		AreaKey: run.areaKey,
		Reason:  reason,
	}
}

func (o *Orchestrator) summary(run *scanRun, state RunState, err error) *Summary {
	s := &Summary{
		State:          state,
		AreaKey:        run.areaKey,
		ScanID:         run.scanID,
		ResourcesFound: run.found,
		Samples:        run.samples,
		Items:          run.items,
		Duration:       o.nowFunc().Sub(run.started),
	}
	if err != nil {
		s.Message = userMessage(state, err)
	}
	return s
}

// userMessage is the text of the error event. Configuration and timeout
// errors are shown verbatim. Store errors name only the candidate; the
// cause is logged by processOne.
func userMessage(state RunState, err error) string {
	var ce *resilience.ConfigurationError
	var te *TimeoutError
	var pe *PersistenceError
	var ve *InvalidTriggerError
	switch {
	case errors.As(err, &ve):
		return ve.Error()
	case errors.As(err, &ce):
		return ce.Error()
	case errors.As(err, &te):
		return te.Error()
	case state == StateCancelled:
		return "discovery scan cancelled"
	case errors.As(err, &pe):
		return fmt.Sprintf("discovery scan stopped: save failed for %q", pe.Name)
	default:
		return "discovery scan failed"
	}
}

func itemMessage(it ItemResult) string {
	switch it.Status {
	case ItemInserted:
		return fmt.Sprintf("Saved %s", it.Name)
	case ItemDryRun:
		return fmt.Sprintf("Would save %s", it.Name)
	case ItemSkippedDuplicate:
		return fmt.Sprintf("Skipped %s: already known", it.Name)
	case ItemSkippedBlocked:
		return fmt.Sprintf("Skipped %s: blocked", it.Name)
	case ItemRejected:
		return fmt.Sprintf("Skipped result %d: invalid", it.Index+1)
	default:
		return fmt.Sprintf("Failed to save %s", it.Name)
	}
}
