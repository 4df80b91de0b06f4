package queue

import (
	"context"
	"fmt"

	"field-sync-agent/internal/models"
	"field-sync-agent/internal/store"
)

// AddNote records a note in the per-job notes map. The map is local display
// state; remote delivery goes through the action queue.
func (s *Store) AddNote(ctx context.Context, jobID string, n models.Note) (models.Note, error) {
	if n.ID == "" {
		n.ID = s.newID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneMap(s.notes)
	next[jobID] = append(append([]models.Note(nil), next[jobID]...), n)
	if err := store.SetJSON(ctx, s.kv, KeyNotes, next); err != nil {
		return models.Note{}, fmt.Errorf("persist notes: %w", err)
	}
	s.notes = next
	return n, nil
}

// Notes returns the notes recorded for jobID, oldest first.
func (s *Store) Notes(jobID string) []models.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Note(nil), s.notes[jobID]...)
}

// AddMaterial records material usage in the per-job map.
func (s *Store) AddMaterial(ctx context.Context, jobID string, m models.MaterialUsage) (models.MaterialUsage, error) {
	if m.ID == "" {
		m.ID = s.newID()
	}
	if m.UsedAt.IsZero() {
		m.UsedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := cloneMap(s.materials)
	next[jobID] = append(append([]models.MaterialUsage(nil), next[jobID]...), m)
	if err := store.SetJSON(ctx, s.kv, KeyMaterials, next); err != nil {
		return models.MaterialUsage{}, fmt.Errorf("persist material usage: %w", err)
	}
	s.materials = next
	return m, nil
}

// Materials returns the material usage recorded for jobID.
func (s *Store) Materials(jobID string) []models.MaterialUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.MaterialUsage(nil), s.materials[jobID]...)
}

func cloneMap[T any](m map[string][]T) map[string][]T {
	out := make(map[string][]T, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
