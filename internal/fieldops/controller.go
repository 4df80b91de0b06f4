// Package fieldops is the technician-facing side of the agent: check-in and
// check-out, the active job timer, status changes, notes and material usage.
// Each mutation goes straight to the job service while online and onto the
// offline queue otherwise.
package fieldops

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"field-sync-agent/internal/models"
	"field-sync-agent/internal/queue"
	"field-sync-agent/internal/remote"
	"field-sync-agent/internal/replay"
	"field-sync-agent/internal/store"
	"field-sync-agent/internal/telemetry"
)

const (
	KeyActiveTimer = "mobile_active_timer"
	KeyJobsCache   = "mobile_jobs_cache"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrAlreadyCheckedIn = errors.New("already checked in")
	ErrNotCheckedIn     = errors.New("not checked in")
	ErrTimerPaused      = errors.New("timer already paused")
	ErrTimerRunning     = errors.New("timer is not paused")
	ErrOffline          = errors.New("device is offline")
)

// Connectivity is the online flag the controller routes on.
type Connectivity interface {
	IsOnline() bool
}

// Outcome tells the caller whether a mutation was applied or deferred.
type Outcome struct {
	Queued bool                 `json:"queued"`
	Action *models.QueuedAction `json:"action,omitempty"`
}

// Controller owns the local job state of one technician.
type Controller struct {
	kv         store.KV
	queue      *queue.Store
	remote     remote.JobService
	net        Connectivity
	technician string
	deferred   func()

	// timerMu serializes check-in, check-out, pause and resume from guard to
	// persisted timer.
	timerMu sync.Mutex

	mu     sync.Mutex
	timer  *models.ActiveTimer
	jobs   []models.Job
	filter models.JobFilter

	now func() time.Time
}

// New builds a controller. Call Load before use.
func New(kv store.KV, q *queue.Store, svc remote.JobService, net Connectivity, technician string) *Controller {
	return &Controller{
		kv:         kv,
		queue:      q,
		remote:     svc,
		net:        net,
		technician: technician,
		filter:     models.JobFilter{AssignedTo: technician},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// OnDeferred registers fn to run when an action is queued while online
// because older actions are still pending.
func (c *Controller) OnDeferred(fn func()) {
	c.deferred = fn
}

// Load restores the active timer and the cached job list. Unreadable values
// are discarded.
func (c *Controller) Load(ctx context.Context) error {
	var timer models.ActiveTimer
	found, err := store.GetJSON(ctx, c.kv, KeyActiveTimer, &timer)
	if err != nil {
		if !errors.Is(err, store.ErrCorrupt) {
			return err
		}
		log.Printf("fieldops: discarding unreadable active timer: %v", err)
		if derr := c.kv.Delete(ctx, KeyActiveTimer); derr != nil {
			log.Printf("fieldops: clear unreadable active timer: %v", derr)
		}
		found = false
	}
	var jobs []models.Job
	if _, err := store.GetJSON(ctx, c.kv, KeyJobsCache, &jobs); err != nil {
		log.Printf("fieldops: discarding unreadable job cache: %v", err)
		jobs = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = nil
	if found && timer.JobID != "" {
		c.timer = &timer
	}
	c.jobs = jobs
	return nil
}

// submit applies a directly when online and queues it otherwise. While
// older actions are pending it queues behind them so the job service sees
// mutations in the order they were made. A failed direct call is returned
// and nothing is queued.
func (c *Controller) submit(ctx context.Context, op string, a models.QueuedAction) (Outcome, error) {
	if a.Timestamp.IsZero() {
		a.Timestamp = c.now()
	}
	online := c.net.IsOnline()
	if online && c.queue.Len() == 0 {
		if err := replay.Apply(ctx, c.remote, a); err != nil {
			telemetry.DirectCalls.WithLabelValues(op, "error").Inc()
			log.Printf("fieldops: %s for job %s failed: %v", op, a.JobID, err)
			return Outcome{}, fmt.Errorf("%s: %w", op, err)
		}
		telemetry.DirectCalls.WithLabelValues(op, "ok").Inc()
		return Outcome{}, nil
	}
	queued, err := c.queue.Enqueue(ctx, a)
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", op, err)
	}
	if online && c.deferred != nil {
		c.deferred()
	}
	return Outcome{Queued: true, Action: &queued}, nil
}

// CheckInRequest carries the optional device position at check-in.
type CheckInRequest struct {
	Location *models.Location `json:"location,omitempty"`
}

// CheckIn starts work on jobID: status in_progress and a running timer.
func (c *Controller) CheckIn(ctx context.Context, jobID string, req CheckInRequest) (Outcome, error) {
	if strings.TrimSpace(jobID) == "" {
		return Outcome{}, fmt.Errorf("%w: job id is required", ErrInvalidInput)
	}
	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	c.mu.Lock()
	if c.timer != nil {
		active := c.timer.JobID
		c.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w to job %s", ErrAlreadyCheckedIn, active)
	}
	c.mu.Unlock()

	now := c.now()
	out, err := c.submit(ctx, "check_in", models.QueuedAction{
		Type:      models.ActionCheckIn,
		JobID:     jobID,
		Timestamp: now,
		Data: models.CheckInData{
			StartedAt:  now,
			Location:   req.Location,
			Technician: c.technician,
		},
	})
	if err != nil {
		return Outcome{}, err
	}

	if err := c.saveTimer(ctx, &models.ActiveTimer{JobID: jobID, StartTime: now}); err != nil {
		return out, err
	}
	c.setLocalStatus(ctx, jobID, models.StatusInProgress)
	log.Printf("fieldops: checked in to job %s (queued=%v)", jobID, out.Queued)
	return out, nil
}

// CheckOutRequest closes the active timer. Billable defaults to true.
type CheckOutRequest struct {
	Notes      string `json:"notes,omitempty"`
	IsBillable *bool  `json:"is_billable,omitempty"`
}

// CheckOut records the worked hours for jobID and clears the timer.
func (c *Controller) CheckOut(ctx context.Context, jobID string, req CheckOutRequest) (Outcome, error) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	c.mu.Lock()
	timer := c.timer
	c.mu.Unlock()
	if timer == nil || timer.JobID != jobID {
		return Outcome{}, fmt.Errorf("%w to job %s", ErrNotCheckedIn, jobID)
	}

	now := c.now()
	billable := true
	if req.IsBillable != nil {
		billable = *req.IsBillable
	}
	out, err := c.submit(ctx, "check_out", models.QueuedAction{
		Type:      models.ActionCheckOut,
		JobID:     jobID,
		Timestamp: now,
		Data: models.CheckOutData{
			StartedAt:  timer.StartTime,
			EndedAt:    now,
			Hours:      models.FormatHours(timer.Elapsed(now)),
			IsBillable: billable,
			Notes:      req.Notes,
			Technician: c.technician,
		},
	})
	if err != nil {
		return Outcome{}, err
	}
	if err := c.saveTimer(ctx, nil); err != nil {
		return out, err
	}
	log.Printf("fieldops: checked out of job %s (queued=%v)", jobID, out.Queued)
	return out, nil
}

// ActiveTimer returns the running timer, if any.
func (c *Controller) ActiveTimer() (models.ActiveTimer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer == nil {
		return models.ActiveTimer{}, false
	}
	t := *c.timer
	return t, true
}

// PauseTimer stops the clock on the active job without checking out.
func (c *Controller) PauseTimer(ctx context.Context) (models.ActiveTimer, error) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	c.mu.Lock()
	if c.timer == nil {
		c.mu.Unlock()
		return models.ActiveTimer{}, ErrNotCheckedIn
	}
	if c.timer.PausedAt != nil {
		c.mu.Unlock()
		return models.ActiveTimer{}, ErrTimerPaused
	}
	next := *c.timer
	c.mu.Unlock()

	now := c.now()
	next.PausedAt = &now
	if err := c.saveTimer(ctx, &next); err != nil {
		return models.ActiveTimer{}, err
	}
	return next, nil
}

// ResumeTimer restarts a paused timer, adding the pause to TotalPaused.
func (c *Controller) ResumeTimer(ctx context.Context) (models.ActiveTimer, error) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	c.mu.Lock()
	if c.timer == nil {
		c.mu.Unlock()
		return models.ActiveTimer{}, ErrNotCheckedIn
	}
	if c.timer.PausedAt == nil {
		c.mu.Unlock()
		return models.ActiveTimer{}, ErrTimerRunning
	}
	next := *c.timer
	c.mu.Unlock()

	next.TotalPaused += c.now().Sub(*next.PausedAt)
	next.PausedAt = nil
	if err := c.saveTimer(ctx, &next); err != nil {
		return models.ActiveTimer{}, err
	}
	return next, nil
}

func (c *Controller) saveTimer(ctx context.Context, t *models.ActiveTimer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t == nil {
		if err := c.kv.Delete(ctx, KeyActiveTimer); err != nil {
			return fmt.Errorf("clear timer: %w", err)
		}
		c.timer = nil
		return nil
	}
	if err := store.SetJSON(ctx, c.kv, KeyActiveTimer, t); err != nil {
		return fmt.Errorf("persist timer: %w", err)
	}
	c.timer = t
	return nil
}

var validStatuses = map[string]bool{
	models.StatusScheduled:  true,
	models.StatusInProgress: true,
	models.StatusOnHold:     true,
	models.StatusCompleted:  true,
	models.StatusCancelled:  true,
}

// UpdateStatus changes the status of jobID.
func (c *Controller) UpdateStatus(ctx context.Context, jobID, status string) (Outcome, error) {
	if !validStatuses[status] {
		return Outcome{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	out, err := c.submit(ctx, "status_update", models.NewAction(jobID, models.StatusUpdateData{Status: status}))
	if err != nil {
		return Outcome{}, err
	}
	c.setLocalStatus(ctx, jobID, status)
	return out, nil
}

// AddNote sends a note and keeps a local copy for display.
func (c *Controller) AddNote(ctx context.Context, jobID, text string) (models.Note, Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Note{}, Outcome{}, fmt.Errorf("%w: note text is required", ErrInvalidInput)
	}
	out, err := c.submit(ctx, "add_note", models.NewAction(jobID, models.NoteData{Text: text, Author: c.technician}))
	if err != nil {
		return models.Note{}, Outcome{}, err
	}
	note, err := c.queue.AddNote(ctx, jobID, models.Note{Text: text, Author: c.technician})
	if err != nil {
		return models.Note{}, out, err
	}
	return note, out, nil
}

// Notes lists the notes recorded on this device for jobID.
func (c *Controller) Notes(jobID string) []models.Note {
	return c.queue.Notes(jobID)
}

// AddMaterial records material usage and sends it to the job service.
func (c *Controller) AddMaterial(ctx context.Context, jobID string, m models.MaterialUsage) (models.MaterialUsage, Outcome, error) {
	if strings.TrimSpace(m.ItemName) == "" || m.Quantity <= 0 {
		return models.MaterialUsage{}, Outcome{}, fmt.Errorf("%w: item name and a positive quantity are required", ErrInvalidInput)
	}
	if m.UsedAt.IsZero() {
		m.UsedAt = c.now()
	}
	out, err := c.submit(ctx, "add_material", models.NewAction(jobID, models.MaterialData{Material: m}))
	if err != nil {
		return models.MaterialUsage{}, Outcome{}, err
	}
	saved, err := c.queue.AddMaterial(ctx, jobID, m)
	if err != nil {
		return models.MaterialUsage{}, out, err
	}
	return saved, out, nil
}

// Materials lists the material usage recorded on this device for jobID.
func (c *Controller) Materials(jobID string) []models.MaterialUsage {
	return c.queue.Materials(jobID)
}
