// Package replay applies queued offline actions to the remote job service
// once connectivity returns.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"field-sync-agent/internal/config"
	"field-sync-agent/internal/models"
	"field-sync-agent/internal/queue"
	"field-sync-agent/internal/remote"
	"field-sync-agent/internal/telemetry"
)

// PrunePolicy selects how applied actions leave the queue.
type PrunePolicy string

const (
	// PruneAck removes each action by id as soon as it is applied.
	PruneAck PrunePolicy = "ack"
	// PrunePrefix removes only the leading run of applied actions after the
	// pass. Anything applied behind a failure stays queued and is sent again.
	PrunePrefix PrunePolicy = "prefix"
)

// Limiter gates dispatches. It matches ratelimit.TokenBucket.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Observer is told when a pass starts and finishes.
type Observer interface {
	SyncStarted(pending int)
	SyncCompleted(res Result)
}

// Options tunes pruning, dead-lettering and retry pacing.
type Options struct {
	PrunePolicy         PrunePolicy
	MaxAttempts         int
	DeadLetterPermanent bool
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
}

// OptionsFromConfig maps agent configuration onto engine options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		PrunePolicy:         PrunePolicy(cfg.PrunePolicy),
		MaxAttempts:         cfg.MaxAttempts,
		DeadLetterPermanent: cfg.DeadLetterPermanent,
		BackoffInitial:      cfg.BackoffInitial,
		BackoffMax:          cfg.BackoffMax,
	}
}

// Result summarises one replay pass.
type Result struct {
	Attempted    int  `json:"attempted"`
	Applied      int  `json:"applied"`
	Failed       int  `json:"failed"`
	DeadLettered int  `json:"dead_lettered"`
	Unknown      int  `json:"unknown"`
	Remaining    int  `json:"remaining"`
	Skipped      bool `json:"skipped"`
	RateLimited  bool `json:"rate_limited"`
}

// Engine drains the action queue against the remote service.
type Engine struct {
	queue  *queue.Store
	remote remote.JobService
	opts   Options

	running atomic.Bool
	trigger chan struct{}

	mu         sync.Mutex
	isOnline   func() bool
	limiter    Limiter
	limiterKey string
	onApplied  func(ctx context.Context)
	observers  []Observer
}

// New creates an engine. Unset options fall back to ack pruning and a 2s..5m
// retry backoff.
func New(q *queue.Store, svc remote.JobService, opts Options) *Engine {
	if opts.PrunePolicy != PrunePrefix {
		opts.PrunePolicy = PruneAck
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = 5 * time.Minute
	}
	return &Engine{
		queue:   q,
		remote:  svc,
		opts:    opts,
		trigger: make(chan struct{}, 1),
	}
}

// SetOnlineCheck installs the probe consulted before each pass.
func (e *Engine) SetOnlineCheck(fn func() bool) {
	e.mu.Lock()
	e.isOnline = fn
	e.mu.Unlock()
}

// SetLimiter rate-limits dispatches under key.
func (e *Engine) SetLimiter(l Limiter, key string) {
	e.mu.Lock()
	e.limiter = l
	e.limiterKey = key
	e.mu.Unlock()
}

// OnApplied registers the hook run after a pass that applied anything,
// typically a job-list refresh.
func (e *Engine) OnApplied(fn func(ctx context.Context)) {
	e.mu.Lock()
	e.onApplied = fn
	e.mu.Unlock()
}

// AddObserver subscribes o to pass notifications.
func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	e.observers = append(e.observers, o)
	e.mu.Unlock()
}

// Running reports whether a pass is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Trigger asks Run to start a pass. Requests made while one is pending coalesce.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Replay runs one pass over the queued actions in FIFO order. A call made
// while another pass is running returns immediately with Skipped set.
// Remote failures are recorded on the actions and never abort the pass; the
// returned error reports storage failures and cancellation only.
func (e *Engine) Replay(ctx context.Context) (Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		telemetry.ReplaySkipped.Inc()
		return Result{Skipped: true}, nil
	}

	e.mu.Lock()
	isOnline := e.isOnline
	onApplied := e.onApplied
	observers := append([]Observer(nil), e.observers...)
	e.mu.Unlock()

	pending := e.queue.Snapshot()
	if len(pending) == 0 {
		e.running.Store(false)
		return Result{}, nil
	}
	if isOnline != nil && !isOnline() {
		e.running.Store(false)
		telemetry.ReplaySkipped.Inc()
		return Result{Skipped: true, Remaining: len(pending)}, nil
	}

	for _, o := range observers {
		o.SyncStarted(len(pending))
	}
	log.Printf("replay: starting pass over %d queued actions", len(pending))
	start := time.Now()

	res, err := e.pass(ctx, pending)

	res.Remaining = e.queue.Len()
	telemetry.ReplayDuration.Observe(time.Since(start).Seconds())
	log.Printf("replay: pass done applied=%d failed=%d dead=%d unknown=%d remaining=%d",
		res.Applied, res.Failed, res.DeadLettered, res.Unknown, res.Remaining)
	e.running.Store(false)

	for _, o := range observers {
		o.SyncCompleted(res)
	}
	if res.Applied > 0 && onApplied != nil {
		onApplied(ctx)
	}
	return res, err
}

func (e *Engine) pass(ctx context.Context, pending []models.QueuedAction) (Result, error) {
	e.mu.Lock()
	limiter, limiterKey := e.limiter, e.limiterKey
	e.mu.Unlock()

	var (
		res      Result
		firstErr error
		prefix   int
		gap      bool
	)
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, a := range pending {
		if err := ctx.Err(); err != nil {
			keep(err)
			break
		}

		if isUnknown(a) {
			res.Unknown++
			gap = true
			log.Printf("replay: unknown action type %q for job %s (id=%s), leaving it queued", a.Type, a.JobID, a.ID)
			if _, err := e.queue.RecordFailure(ctx, a.ID, fmt.Errorf("%w %q", errUnknownType, a.Type)); err != nil {
				log.Printf("replay: record failure for %s: %v", a.ID, err)
				keep(err)
			}
			continue
		}

		if limiter != nil {
			allowed, _, err := limiter.Allow(ctx, limiterKey)
			switch {
			case err != nil:
				log.Printf("replay: rate limiter unavailable, continuing: %v", err)
			case !allowed:
				res.RateLimited = true
				telemetry.RateLimitRejects.Inc()
				log.Printf("replay: rate limited, %d actions left for a later pass", len(pending)-res.Attempted-res.Unknown)
			}
			if res.RateLimited {
				break
			}
		}

		res.Attempted++
		err := Apply(remote.WithIdempotencyKey(ctx, a.ID), e.remote, a)
		if err == nil {
			res.Applied++
			if !gap {
				prefix++
			}
			telemetry.ReplayApplied.WithLabelValues(string(a.Type)).Inc()
			if e.opts.PrunePolicy == PruneAck {
				if err := e.queue.Ack(ctx, a.ID); err != nil {
					log.Printf("replay: ack %s: %v", a.ID, err)
					keep(err)
				}
			}
			continue
		}

		res.Failed++
		gap = true
		telemetry.ReplayFailures.WithLabelValues(string(a.Type)).Inc()
		log.Printf("replay: %s for job %s failed (id=%s): %v", a.Type, a.JobID, a.ID, err)
		dead, ferr := e.handleFailure(ctx, a, err)
		keep(ferr)
		if dead {
			res.DeadLettered++
		}
	}

	if e.opts.PrunePolicy == PrunePrefix && prefix > 0 {
		if err := e.queue.Drain(ctx, prefix); err != nil {
			log.Printf("replay: drain %d: %v", prefix, err)
			keep(err)
		}
	}
	return res, firstErr
}

// handleFailure records the attempt and dead-letters the action when it has
// used up its attempts or the remote rejected it outright.
func (e *Engine) handleFailure(ctx context.Context, a models.QueuedAction, cause error) (bool, error) {
	updated, err := e.queue.RecordFailure(ctx, a.ID, cause)
	if err != nil {
		log.Printf("replay: record failure for %s: %v", a.ID, err)
		return false, err
	}
	if e.opts.PrunePolicy == PrunePrefix {
		return false, nil
	}

	var reason string
	switch {
	case e.opts.DeadLetterPermanent && remote.IsPermanent(cause):
		reason = fmt.Sprintf("rejected by remote: %v", cause)
	case e.opts.MaxAttempts > 0 && updated.Attempts >= e.opts.MaxAttempts:
		reason = fmt.Sprintf("gave up after %d attempts: %v", updated.Attempts, cause)
	default:
		return false, nil
	}
	if err := e.queue.DeadLetter(ctx, a.ID, reason); err != nil {
		log.Printf("replay: dead-letter %s: %v", a.ID, err)
		return false, err
	}
	return true, nil
}

func isUnknown(a models.QueuedAction) bool {
	if a.Data == nil {
		return true
	}
	_, ok := a.Data.(models.UnknownPayload)
	return ok || !a.Type.Known()
}

// Run serves Trigger requests until ctx is cancelled. A pass that leaves
// failures or is cut short by the rate limiter schedules a follow-up pass
// after an exponential backoff; a clean pass resets it.
func (e *Engine) Run(ctx context.Context) error {
	var (
		retry  *time.Timer
		retryC <-chan time.Time
		streak int
	)
	stopRetry := func() {
		if retry != nil {
			retry.Stop()
			retry, retryC = nil, nil
		}
	}
	defer stopRetry()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.trigger:
		case <-retryC:
			retry, retryC = nil, nil
		}

		res, err := e.Replay(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("replay: %v", err)
		}
		if res.Skipped {
			continue
		}
		if res.Failed == 0 && !res.RateLimited {
			streak = 0
			stopRetry()
			continue
		}

		streak++
		wait := backoffWithJitter(e.opts.BackoffInitial, e.opts.BackoffMax, streak)
		stopRetry()
		retry = time.NewTimer(wait)
		retryC = retry.C
		log.Printf("replay: %d actions still queued, retrying in %s", res.Remaining, wait.Round(time.Millisecond))
	}
}
