package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go_market_core/coreerrors"
	"go_market_core/models"
)

// runOutcome carries a pipeline result across the timeout race.
type runOutcome struct {
	summary string
	err     error
}

// quantityOutcome is the resolution of one quantity spec.
type quantityOutcome struct {
	fused    models.FusedValue
	readings []models.ScoredReading
	err      error
}

// execute runs one job execution end to end and funnels the outcome
// through complete. The pipeline races the execution deadline; the
// loser's result is discarded and late provider responses are ignored.
func (c *Core) execute(ctx context.Context, cancel context.CancelFunc, def models.JobDefinition, runner Job, execCtx models.ExecutionContext) {
	defer cancel()

	resCh := make(chan runOutcome, 1)
	go func() {
		summary, err := c.runPipeline(ctx, runner, execCtx)
		resCh <- runOutcome{summary: summary, err: err}
	}()

	var outcome runOutcome
	select {
	case outcome = <-resCh:
	case <-ctx.Done():
		outcome = runOutcome{err: ctx.Err()}
	}

	if outcome.err != nil && errors.Is(outcome.err, context.DeadlineExceeded) {
		outcome.err = coreerrors.Timeoutf("execution exceeded the %s timeout", c.cfg.ExecutionTimeout)
	}
	c.complete(def, execCtx, outcome, c.timeNow())
}

// runPipeline fetches, scores and fuses every quantity the job declares,
// then lets the job compute its result from the fused values.
func (c *Core) runPipeline(ctx context.Context, runner Job, execCtx models.ExecutionContext) (string, error) {
	specs := runner.Quantities()
	fused := make(map[string]models.FusedValue, len(specs))

	if len(specs) > 0 {
		providers := c.pool.Providers()
		if len(providers) == 0 {
			return "", coreerrors.Providerf("no providers configured")
		}

		results := make([]quantityOutcome, len(specs))
		var wg sync.WaitGroup
		for i := range specs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = c.resolveQuantity(ctx, providers, specs[i])
			}(i)
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return "", err
		}

		for i, res := range results {
			spec := specs[i]
			if res.err != nil {
				if spec.Optional {
					log.Warn().Str("job_id", execCtx.JobID).Str("quantity", spec.ID).
						Err(res.err).Msg("Optional quantity skipped")
					continue
				}
				return "", res.err
			}

			fused[spec.ID] = res.fused
			if c.recorder != nil {
				c.recorder.RecordFusion(execCtx.JobID, execCtx.RunID, res.fused)
				if res.fused.ContributingCount >= 2 && res.fused.MaxDiscrepancy.IsPositive() {
					c.recorder.RecordDiscrepancy(execCtx.JobID, execCtx.RunID, res.fused, res.readings)
				}
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	return runner.Compute(ctx, fused)
}

// resolveQuantity fetches one quantity from every provider under
// governor admission, scores what came back and fuses it. Fusion starts
// only after every provider has responded or been denied.
func (c *Core) resolveQuantity(ctx context.Context, providers []string, spec models.QuantitySpec) quantityOutcome {
	var (
		mu       sync.Mutex
		readings []models.ScoredReading
	)

	var wg sync.WaitGroup
	for _, provider := range providers {
		wg.Add(1)
		go func(provider string) {
			defer wg.Done()

			var reading models.SourceReading
			called := false
			err := c.governor.ExecuteGoverned(ctx, provider, func(ctx context.Context) error {
				called = true
				var fetchErr error
				reading, fetchErr = c.pool.Fetch(ctx, provider, spec)
				return fetchErr
			})
			// Admission denials are the governor's doing, not the
			// provider's; only real calls move reputation.
			if called {
				c.scorer.RecordOutcome(provider, err == nil)
			}
			if err != nil {
				log.Debug().Str("provider", provider).Str("quantity", spec.ID).Err(err).
					Msg("Provider reading unavailable")
				return
			}

			scored := models.ScoredReading{Reading: reading, Score: c.scorer.Score(reading)}
			mu.Lock()
			readings = append(readings, scored)
			mu.Unlock()
		}(provider)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return quantityOutcome{err: err}
	}
	if len(readings) == 0 {
		return quantityOutcome{err: coreerrors.Providerf(
			"no usable readings for %s from %d providers", spec.ID, len(providers))}
	}

	// Deterministic fusion input order.
	sort.Slice(readings, func(i, j int) bool {
		return readings[i].Reading.Provider < readings[j].Reading.Provider
	})

	fusedValue, err := c.engine.Fuse(spec.ID, readings, spec.Strategy)
	if err != nil {
		return quantityOutcome{err: err}
	}
	return quantityOutcome{fused: fusedValue, readings: readings}
}

// complete applies one execution outcome to the job's state. It is the
// single point that clears the running flag; completions for jobs
// unregistered mid-run are discarded.
func (c *Core) complete(def models.JobDefinition, execCtx models.ExecutionContext, outcome runOutcome, finishedAt time.Time) {
	duration := finishedAt.Sub(execCtx.StartedAt)

	c.mu.Lock()

	if !def.ConcurrencyEligible {
		c.exclusiveRunning = false
	}
	c.runningCount--

	job, ok := c.jobs[def.ID]
	if !ok {
		c.mu.Unlock()
		log.Debug().Str("job_id", def.ID).Str("run_id", execCtx.RunID).
			Msg("Completion for unregistered job discarded")
		return
	}
	job.state.Running = false
	job.cancel = nil

	if outcome.err != nil && errors.Is(outcome.err, context.Canceled) {
		c.mu.Unlock()
		log.Info().Str("job_id", def.ID).Str("run_id", execCtx.RunID).
			Msg("Job execution cancelled")
		return
	}

	c.totalExecutions++
	job.state.ExecutionCount++
	job.state.AvgDuration += (duration - job.state.AvgDuration) / time.Duration(job.state.ExecutionCount)

	record := models.ExecutionRecord{
		RunID:      execCtx.RunID,
		JobID:      def.ID,
		DurationMs: duration.Milliseconds(),
		StartedAt:  execCtx.StartedAt,
		FinishedAt: finishedAt,
	}
	var events []Event

	if outcome.err == nil {
		job.state.ConsecutiveFailures = 0
		record.Status = models.ExecutionSucceeded
		record.Summary = outcome.summary

		events = append(events, Event{
			Type:       EventJobSucceeded,
			JobID:      def.ID,
			RunID:      execCtx.RunID,
			At:         finishedAt,
			DurationMs: duration.Milliseconds(),
			Summary:    outcome.summary,
		})
		if !job.paused {
			next := c.cfg.Adaptive.NextInterval(def.Interval(), duration, execCtx.Market)
			job.state.NextDue = finishedAt.Add(next)
			nextDue := job.state.NextDue
			events = append(events, Event{
				Type:    EventJobRescheduled,
				JobID:   def.ID,
				RunID:   execCtx.RunID,
				At:      finishedAt,
				NextDue: &nextDue,
			})
		}

		log.Info().Str("job_id", def.ID).Str("run_id", execCtx.RunID).
			Dur("duration", duration).Str("summary", outcome.summary).
			Msg("Job execution succeeded")
	} else {
		c.totalFailures++
		job.state.ConsecutiveFailures++
		failures := job.state.ConsecutiveFailures
		class := coreerrors.Classify(outcome.err)

		record.Status = models.ExecutionFailed
		record.ErrorClass = class
		record.ErrorMessage = outcome.err.Error()

		failed := Event{
			Type:       EventJobFailed,
			JobID:      def.ID,
			RunID:      execCtx.RunID,
			At:         finishedAt,
			DurationMs: duration.Milliseconds(),
			Error:      outcome.err.Error(),
			ErrorClass: class,
		}

		switch {
		case !coreerrors.Retryable(outcome.err):
			job.paused = true
			job.state.NextDue = farFuture
			log.Error().Err(outcome.err).Str("job_id", def.ID).Str("run_id", execCtx.RunID).
				Msg("Job failed with non-retryable error, pausing")
		case job.paused:
			log.Warn().Err(outcome.err).Str("job_id", def.ID).Str("run_id", execCtx.RunID).
				Msg("Paused job execution failed")
		case failures > def.Retry.MaxAttempts:
			job.state.ConsecutiveFailures = 0
			job.state.NextDue = finishedAt.Add(c.cfg.Cooldown)
			next := job.state.NextDue
			failed.WillRetry = true
			failed.NextAttemptAt = &next
			log.Warn().Err(outcome.err).Str("job_id", def.ID).Str("run_id", execCtx.RunID).
				Int("attempts", failures).Dur("cooldown", c.cfg.Cooldown).
				Msg("Job retry budget exhausted, cooling down")
		default:
			delay := retryDelay(def.BaseBackoff(), failures, c.cfg.Cooldown)
			job.state.NextDue = finishedAt.Add(delay)
			next := job.state.NextDue
			failed.WillRetry = true
			failed.NextAttemptAt = &next
			log.Warn().Err(outcome.err).Str("job_id", def.ID).Str("run_id", execCtx.RunID).
				Int("failures", failures).Dur("retry_in", delay).
				Msg("Job execution failed, retrying with backoff")
		}
		events = append(events, failed)
	}

	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.RecordExecution(record)
	}
	for _, event := range events {
		c.bus.Publish(event)
	}
}

// retryDelay returns the exponential backoff before the next retry,
// capped at the cool-down.
func retryDelay(base time.Duration, failures int, limit time.Duration) time.Duration {
	if base <= 0 {
		base = defaultBaseBackoffSeconds * time.Second
	}
	if failures < 1 {
		failures = 1
	}
	shift := failures - 1
	if shift > 20 {
		shift = 20
	}
	delay := base << uint(shift)
	if delay <= 0 || delay > limit {
		return limit
	}
	return delay
}
