// Package queue holds actions that could not be applied to the remote job
// service immediately. The sequence is persisted in full after every mutation.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"field-sync-agent/internal/models"
	"field-sync-agent/internal/store"
	"field-sync-agent/internal/telemetry"
)

// Storage keys. They match the keys the mobile client wrote so existing
// device data loads unchanged.
const (
	KeyQueue     = "mobile_offline_queue"
	KeyDead      = "mobile_offline_queue_dead"
	KeyNotes     = "mobile_job_notes"
	KeyMaterials = "mobile_material_usage"
)

// ErrActionNotFound is returned when an id is not in the queue.
var ErrActionNotFound = errors.New("queue: action not found")

// Store is the ordered action queue plus the per-job local maps that are
// loaded alongside it.
type Store struct {
	kv store.KV

	mu        sync.Mutex
	actions   []models.QueuedAction
	dead      []models.QueuedAction
	notes     map[string][]models.Note
	materials map[string][]models.MaterialUsage
	onChange  func(depth int)

	now   func() time.Time
	newID func() string
}

// New creates an empty store over kv. Call Load to read persisted state.
func New(kv store.KV) *Store {
	return &Store{
		kv:        kv,
		notes:     make(map[string][]models.Note),
		materials: make(map[string][]models.MaterialUsage),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     newActionID,
	}
}

// newActionID returns a UUIDv7, which sorts by creation instant.
func newActionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// OnChange registers fn to be called with the queue depth after every
// mutation. fn runs without the store lock held.
func (s *Store) OnChange(fn func(depth int)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Load reads the queue, dead letters, notes and material usage from storage.
// Missing or unreadable values load as empty.
func (s *Store) Load(ctx context.Context) error {
	actions, err := s.loadActions(ctx, KeyQueue)
	if err != nil {
		return err
	}
	dead, err := s.loadActions(ctx, KeyDead)
	if err != nil {
		return err
	}

	notes := make(map[string][]models.Note)
	if _, err := store.GetJSON(ctx, s.kv, KeyNotes, &notes); err != nil {
		if !errors.Is(err, store.ErrCorrupt) {
			return err
		}
		log.Printf("queue: discarding unreadable %s: %v", KeyNotes, err)
		notes = make(map[string][]models.Note)
	}
	materials := make(map[string][]models.MaterialUsage)
	if _, err := store.GetJSON(ctx, s.kv, KeyMaterials, &materials); err != nil {
		if !errors.Is(err, store.ErrCorrupt) {
			return err
		}
		log.Printf("queue: discarding unreadable %s: %v", KeyMaterials, err)
		materials = make(map[string][]models.MaterialUsage)
	}

	dead = withoutPending(dead, actions)

	s.mu.Lock()
	s.actions = actions
	s.dead = dead
	s.notes = notes
	s.materials = materials
	depth := len(actions)
	s.mu.Unlock()

	telemetry.QueueDepthGauge.Set(float64(depth))
	log.Printf("queue: loaded %d pending, %d dead-lettered", depth, len(dead))
	return nil
}

// loadActions decodes each element separately so one malformed action does
// not discard the rest of the queue.
func (s *Store) loadActions(ctx context.Context, key string) ([]models.QueuedAction, error) {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		log.Printf("queue: discarding unreadable %s: %v", key, err)
		return nil, nil
	}
	out := make([]models.QueuedAction, 0, len(elems))
	for i, e := range elems {
		var a models.QueuedAction
		if err := json.Unmarshal(e, &a); err != nil {
			log.Printf("queue: skipping unreadable entry %d in %s: %v", i, key, err)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Enqueue appends a to the end of the queue and persists the sequence.
// A missing ID or Timestamp is assigned here.
func (s *Store) Enqueue(ctx context.Context, a models.QueuedAction) (models.QueuedAction, error) {
	if a.Data == nil {
		return models.QueuedAction{}, errors.New("queue: action has no payload")
	}
	if a.Type == "" {
		a.Type = a.Data.ActionType()
	}
	if a.ID == "" {
		a.ID = s.newID()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now()
	}

	s.mu.Lock()
	next := make([]models.QueuedAction, len(s.actions), len(s.actions)+1)
	copy(next, s.actions)
	next = append(next, a)
	if err := s.commitLocked(ctx, next); err != nil {
		s.mu.Unlock()
		return models.QueuedAction{}, err
	}
	depth := len(next)
	fn := s.onChange
	s.mu.Unlock()

	telemetry.EnqueueCounter.WithLabelValues(string(a.Type)).Inc()
	log.Printf("queue: enqueued %s for job %s (id=%s depth=%d)", a.Type, a.JobID, a.ID, depth)
	notify(fn, depth)
	return a, nil
}

// Drain removes the first n actions and persists the remainder. n larger than
// the queue empties it.
func (s *Store) Drain(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	if n > len(s.actions) {
		n = len(s.actions)
	}
	next := append([]models.QueuedAction(nil), s.actions[n:]...)
	if err := s.commitLocked(ctx, next); err != nil {
		s.mu.Unlock()
		return err
	}
	depth := len(next)
	fn := s.onChange
	s.mu.Unlock()

	notify(fn, depth)
	return nil
}

// Ack removes the action with the given id and persists the remainder.
func (s *Store) Ack(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return ErrActionNotFound
	}
	next := make([]models.QueuedAction, 0, len(s.actions)-1)
	next = append(next, s.actions[:idx]...)
	next = append(next, s.actions[idx+1:]...)
	if err := s.commitLocked(ctx, next); err != nil {
		s.mu.Unlock()
		return err
	}
	depth := len(next)
	fn := s.onChange
	s.mu.Unlock()

	notify(fn, depth)
	return nil
}

// RecordFailure increments the attempt count of id and stores the cause.
func (s *Store) RecordFailure(ctx context.Context, id string, cause error) (models.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return models.QueuedAction{}, ErrActionNotFound
	}
	next := append([]models.QueuedAction(nil), s.actions...)
	next[idx].Attempts++
	if cause != nil {
		next[idx].LastError = cause.Error()
	}
	if err := s.commitLocked(ctx, next); err != nil {
		return models.QueuedAction{}, err
	}
	return next[idx], nil
}

// DeadLetter moves id from the queue to the dead-letter list. The dead list
// is written first and rolled back if the queue cannot be persisted.
func (s *Store) DeadLetter(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return ErrActionNotFound
	}
	a := s.actions[idx]
	if reason != "" {
		a.LastError = reason
	}
	dead := append(append([]models.QueuedAction(nil), s.dead...), a)
	if err := s.persistDeadLocked(ctx, dead); err != nil {
		s.mu.Unlock()
		return err
	}

	next := make([]models.QueuedAction, 0, len(s.actions)-1)
	next = append(next, s.actions[:idx]...)
	next = append(next, s.actions[idx+1:]...)
	if err := s.commitLocked(ctx, next); err != nil {
		if rerr := s.persistDeadLocked(ctx, s.dead); rerr != nil {
			log.Printf("queue: restore %s after failed dead-letter of %s: %v", KeyDead, a.ID, rerr)
		}
		s.mu.Unlock()
		return err
	}
	s.dead = dead
	depth := len(next)
	fn := s.onChange
	s.mu.Unlock()

	telemetry.DeadLetterCounter.WithLabelValues(string(a.Type)).Inc()
	log.Printf("queue: dead-lettered %s for job %s (id=%s attempts=%d): %s", a.Type, a.JobID, a.ID, a.Attempts, a.LastError)
	notify(fn, depth)
	return nil
}

// DeadLetters returns a copy of the dead-letter list.
func (s *Store) DeadLetters() []models.QueuedAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.QueuedAction(nil), s.dead...)
}

// RetryDeadLetters appends every dead letter back onto the queue with its
// attempt count reset and returns how many were requeued. Dead letters whose
// id is already pending are dropped rather than queued twice.
func (s *Store) RetryDeadLetters(ctx context.Context) (int, error) {
	s.mu.Lock()
	if len(s.dead) == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	prev := s.actions
	next := append([]models.QueuedAction(nil), s.actions...)
	count := 0
	for _, a := range withoutPending(s.dead, s.actions) {
		a.Attempts = 0
		a.LastError = ""
		next = append(next, a)
		count++
	}
	if err := s.commitLocked(ctx, next); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if err := s.kv.Delete(ctx, KeyDead); err != nil {
		if rerr := s.commitLocked(ctx, prev); rerr != nil {
			log.Printf("queue: restore %s after failed retry: %v", KeyQueue, rerr)
		}
		s.mu.Unlock()
		return 0, fmt.Errorf("clear dead letters: %w", err)
	}
	s.dead = nil
	depth := len(s.actions)
	fn := s.onChange
	s.mu.Unlock()

	log.Printf("queue: requeued %d dead-lettered actions", count)
	notify(fn, depth)
	return count, nil
}

// Snapshot returns a copy of the pending actions in FIFO order.
func (s *Store) Snapshot() []models.QueuedAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.QueuedAction(nil), s.actions...)
}

// Len returns the number of pending actions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions)
}

// Oldest returns the timestamp of the head of the queue ("pending since").
func (s *Store) Oldest() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.actions) == 0 {
		return time.Time{}, false
	}
	return s.actions[0].Timestamp, true
}

func (s *Store) indexLocked(id string) int {
	for i := range s.actions {
		if s.actions[i].ID == id {
			return i
		}
	}
	return -1
}

// commitLocked persists next and, only on success, makes it the in-memory queue.
func (s *Store) commitLocked(ctx context.Context, next []models.QueuedAction) error {
	if next == nil {
		next = []models.QueuedAction{}
	}
	if err := store.SetJSON(ctx, s.kv, KeyQueue, next); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	s.actions = next
	telemetry.QueueDepthGauge.Set(float64(len(next)))
	return nil
}

func (s *Store) persistDeadLocked(ctx context.Context, dead []models.QueuedAction) error {
	if dead == nil {
		dead = []models.QueuedAction{}
	}
	if err := store.SetJSON(ctx, s.kv, KeyDead, dead); err != nil {
		return fmt.Errorf("persist dead letters: %w", err)
	}
	return nil
}

// withoutPending returns the entries of dead whose id is not in pending.
func withoutPending(dead, pending []models.QueuedAction) []models.QueuedAction {
	if len(dead) == 0 || len(pending) == 0 {
		return dead
	}
	ids := make(map[string]struct{}, len(pending))
	for _, a := range pending {
		ids[a.ID] = struct{}{}
	}
	out := make([]models.QueuedAction, 0, len(dead))
	for _, a := range dead {
		if _, ok := ids[a.ID]; ok {
			continue
		}
		out = append(out, a)
	}
	return out
}

func notify(fn func(int), depth int) {
	if fn != nil {
		fn(depth)
	}
}
