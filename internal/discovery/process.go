package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/resource-discovery/internal/dedup"
	"github.com/sells-group/resource-discovery/internal/geo"
	"github.com/sells-group/resource-discovery/internal/model"
	"github.com/sells-group/resource-discovery/internal/scorer"
	"github.com/sells-group/resource-discovery/pkg/geocode"
)

// processOne screens, scores and saves one search result. It returns a
// non-nil error only when the run must stop.
func (o *Orchestrator) processOne(ctx context.Context, run *scanRun, idx int, raw model.RawCandidate) (ItemResult, error) {
	item := ItemResult{Index: idx}

	c, err := o.deps.Normalizer.Normalize(raw, run.trig.City, run.trig.State)
	if err != nil {
		run.log.Debug("rejected search result", zap.Int("index", idx), zap.Error(err))
		o.deps.Metrics.Candidate(string(ItemRejected))
		item.Status, item.Reason, item.Err = ItemRejected, err.Error(), err
		return item, nil
	}
	item.Name = c.Name
	log := run.log.With(zap.String("candidate", c.Name))

	if !c.HasLocation() {
		c = o.geocode(ctx, log, c)
	}

	guard, err := o.deps.Guard.IsDuplicateOrBlocked(ctx, c, run.inRun...)
	if err != nil {
		log.Warn("duplicate guard failed", zap.Error(err))
		o.deps.Metrics.Candidate(string(ItemFailed))
		item.Status, item.Reason, item.Err = ItemFailed, "duplicate check failed", err
		return item, nil
	}
	if guard.IsDuplicate {
		item.DuplicateID, item.Reason = guard.DuplicateID, guard.Reason
		item.Status = ItemSkippedDuplicate
		if guard.Type == dedup.GuardBlocked {
			item.Status = ItemSkippedBlocked
		}
		log.Debug("skipped candidate", zap.String("type", string(guard.Type)), zap.String("reason", guard.Reason))
		o.deps.Metrics.Candidate(string(item.Status))
		return item, nil
	}

	matches, err := o.deps.Detector.DetectDuplicates(ctx, c, run.inRun...)
	if err != nil {
		log.Warn("duplicate detection failed", zap.Error(err))
		o.deps.Metrics.Candidate(string(ItemFailed))
		item.Status, item.Reason, item.Err = ItemFailed, "duplicate detection failed", err
		return item, nil
	}
	for _, m := range matches {
		o.deps.Metrics.Match(string(m.Confidence))
	}
	potentialDup := dedup.HasHighConfidence(matches)

	now := o.nowFunc()
	score := o.deps.Scorer.CalculateConfidence(c, scorer.Context{DiscoveryDate: now})
	auto := o.deps.Scorer.ShouldAutoApprove(score.Score, c.SourceURL, potentialDup)
	o.deps.Metrics.Confidence(score.Score)

	status := model.StatusUnverified
	if auto {
		status = model.StatusCommunityVerified
	}
	d := model.Decision{
		Status:                status,
		ConfidenceScore:       score.Score,
		AutoApproved:          auto,
		PotentialDuplicateIDs: dedup.MatchedIDs(matches),
		DiscoveredAt:          now,
		ScanEventID:           run.scanID,
	}
	item.Verification, item.Confidence, item.MatchIDs = status, score.Score, d.PotentialDuplicateIDs

	if run.trig.IsTest {
		item.Status = ItemDryRun
		o.accept(run, &item, c, fmt.Sprintf("dry-run-%d", idx))
		return item, nil
	}

	id, err := o.deps.Writer.InsertResource(ctx, c, d)
	if err != nil {
		perr := &PersistenceError{Name: c.Name, Err: err}
		log.Error("failed to save resource", zap.Error(err))
		o.deps.Metrics.Candidate(string(ItemFailed))
		item.Status, item.Reason, item.Err = ItemFailed, "save failed", perr
		if o.cfg.AbortOnPersistError {
			return item, perr
		}
		return item, nil
	}

	item.Status = ItemInserted
	o.accept(run, &item, c, id)
	log.Debug("saved resource",
		zap.String("id", id),
		zap.Int("confidence", score.Score),
		zap.Bool("auto_approved", auto),
		zap.Int("matches", len(matches)),
	)
	return item, nil
}

// accept records an accepted candidate so later candidates in the run are
// compared against it.
func (o *Orchestrator) accept(run *scanRun, item *ItemResult, c model.CandidateResource, id string) {
	item.ResourceID = id
	run.found++
	run.inRun = append(run.inRun, c.AsExisting(id))
	o.deps.Metrics.Candidate(string(item.Status))

	if len(run.samples) < o.cfg.MaxSamples {
		run.samples = append(run.samples, Sample{
			ID:              id,
			Name:            c.Name,
			Address:         c.Address,
			City:            c.City,
			State:           c.State,
			Status:          string(item.Verification),
			ConfidenceScore: item.Confidence,
		})
	}
}

// geocode fills in missing coordinates. Failures leave c unchanged.
func (o *Orchestrator) geocode(ctx context.Context, log *zap.Logger, c model.CandidateResource) model.CandidateResource {
	if o.deps.Geocoder == nil || c.Address == "" {
		return c
	}
	res, err := o.deps.Geocoder.Geocode(ctx, geocode.AddressInput{
		Street:  c.Address,
		City:    c.City,
		State:   c.State,
		ZipCode: c.ZipCode,
	})
	if err != nil {
		log.Warn("geocoding failed, continuing without coordinates", zap.Error(err))
		o.deps.Metrics.Geocode("error")
		return c
	}
	if res == nil || !res.Matched {
		o.deps.Metrics.Geocode("unmatched")
		return c
	}
	o.deps.Metrics.Geocode("matched")
	return c.WithLocation(geo.Point{Lat: res.Latitude, Lng: res.Longitude})
}
