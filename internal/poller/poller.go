// Package poller fetches per-model availability from the upstream source,
// normalizes the responses, and applies them to the state store. Every fetch
// goes through the circuit breaker; parse failures count against the breaker
// the same way network failures do, since a malformed upstream is just as
// unusable as an unreachable one.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"stockwatch/internal/breaker"
	"stockwatch/internal/models"
	"stockwatch/internal/store"
	"stockwatch/internal/upstream"
)

// Fetcher retrieves the raw availability payload for one model.
type Fetcher interface {
	Fetch(ctx context.Context, model int) ([]byte, error)
}

// CircuitOpenError is reported for a model whose poll was short-circuited by
// the open breaker without any network call.
type CircuitOpenError struct {
	Model           int
	RecoverySeconds float64
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open, skipping model %d (recovery in %.0fs)", e.Model, e.RecoverySeconds)
}

// Poller runs one availability sweep across all configured models.
type Poller struct {
	fetcher Fetcher
	breaker *breaker.Breaker
	store   store.Store
	models  []int
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Poller over the given model IDs. timeout bounds each
// per-model fetch.
func New(fetcher Fetcher, b *breaker.Breaker, s store.Store, modelIDs []int, timeout time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		fetcher: fetcher,
		breaker: b,
		store:   s,
		models:  modelIDs,
		timeout: timeout,
		logger:  logger,
	}
}

// PollAll polls every configured model in parallel and returns an itemized
// report. Per-model failures never abort the run; every model appears in the
// report exactly once.
func (p *Poller) PollAll(ctx context.Context) *models.PollReport {
	started := time.Now()
	if len(p.models) == 0 {
		return &models.PollReport{Results: []models.ModelPollResult{}}
	}
	results := make([]models.ModelPollResult, len(p.models))

	workers := pool.New().WithMaxGoroutines(len(p.models))
	for idx, model := range p.models {
		i, m := idx, model
		workers.Go(func() {
			results[i] = p.pollModel(ctx, m)
		})
	}
	workers.Wait()

	report := &models.PollReport{
		Results:       results,
		ModelsChecked: len(results),
		Duration:      time.Since(started),
	}
	for _, res := range results {
		if res.Error != "" {
			report.Failed++
			continue
		}
		report.Successful++
		report.ChangesDetected += len(res.Changes)
	}

	p.logger.Info("Poll run finished",
		zap.Int("models_checked", report.ModelsChecked),
		zap.Int("successful", report.Successful),
		zap.Int("failed", report.Failed),
		zap.Int("changes_detected", report.ChangesDetected),
		zap.Duration("duration", report.Duration))
	return report
}

// pollModel fetches, normalizes, and stores one model's availability.
func (p *Poller) pollModel(ctx context.Context, model int) models.ModelPollResult {
	result := models.ModelPollResult{Model: model}

	if !p.breaker.CanCall() {
		status := p.breaker.Status()
		err := &CircuitOpenError{Model: model, RecoverySeconds: status.RecoverySeconds}
		result.Error = err.Error()
		return result
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := p.fetcher.Fetch(fetchCtx, model)
	if err != nil {
		reason := failureReason(err)
		p.breaker.RecordFailure(reason)
		result.Error = err.Error()
		result.FailureReason = reason
		p.logger.Warn("Upstream fetch failed",
			zap.Int("model", model),
			zap.Error(err))
		return result
	}

	records, shape, err := upstream.Normalize(body, model, time.Now().UTC())
	if err != nil {
		// A response we cannot parse counts against the breaker: the
		// upstream is effectively down for us.
		p.breaker.RecordFailure("parse")
		result.Error = err.Error()
		result.FailureReason = "parse"
		p.logger.Warn("Upstream response rejected",
			zap.Int("model", model),
			zap.Error(err))
		return result
	}
	p.breaker.RecordSuccess()

	result.Records = records
	for _, rec := range records {
		changed, oldStatus, upsertErr := p.store.UpsertAvailability(rec.Model, rec.Datacenter, rec.Status)
		if upsertErr != nil {
			p.logger.Error("Failed to store availability",
				zap.Int("model", rec.Model),
				zap.String("datacenter", rec.Datacenter),
				zap.Error(upsertErr))
			continue
		}
		if changed && oldStatus != "" {
			result.Changes = append(result.Changes, models.StatusChangeEvent{
				Model:      rec.Model,
				Datacenter: rec.Datacenter,
				OldStatus:  oldStatus,
				NewStatus:  rec.Status,
				Timestamp:  time.Now().UTC(),
			})
		}
	}

	p.logger.Debug("Model polled",
		zap.Int("model", model),
		zap.String("shape", shape),
		zap.Int("datacenters", len(records)),
		zap.Int("changes", len(result.Changes)))
	return result
}

// failureReason classifies a fetch error for breaker accounting.
func failureReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "network"
}
