// Package artifacts keeps signatures, photos and voice notes captured on the
// device and uploads them when the device is back online.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"field-sync-agent/internal/models"
	"field-sync-agent/internal/store"
)

// Metadata keys. Signatures and voice notes are maps keyed by job id; photos
// get one list per job.
const (
	KeySignatures  = "job_signatures"
	KeyVoiceNotes  = "job_voice_notes"
	keyPhotoPrefix = "job_photos_"
	keyBlobPrefix  = "artifact_blob_"
	keyThumbPrefix = "artifact_thumb_"
)

var (
	ErrTooLarge    = errors.New("artifact too large")
	ErrEmpty       = errors.New("artifact is empty")
	ErrNotAnImage  = errors.New("artifact is not a decodable image")
	ErrNoThumbnail = errors.New("artifact has no thumbnail")
)

// PhotoKey is the metadata key for the photos of jobID.
func PhotoKey(jobID string) string { return keyPhotoPrefix + jobID }

// Store persists artifacts in the same key-value store as the queue.
type Store struct {
	kv         store.KV
	thumbWidth int
	maxBytes   int64

	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates an artifact store. thumbWidth is the photo thumbnail width
// in pixels; maxBytes caps a single upload.
func NewStore(kv store.KV, thumbWidth int, maxBytes int64) *Store {
	if thumbWidth <= 0 {
		thumbWidth = 320
	}
	if maxBytes <= 0 {
		maxBytes = 20 * 1024 * 1024
	}
	return &Store{
		kv:         kv,
		thumbWidth: thumbWidth,
		maxBytes:   maxBytes,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// MaxBytes is the largest accepted artifact.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Save stores body as a new artifact of kind for jobID. Signatures and photos
// must decode as images; photos also get a thumbnail.
func (s *Store) Save(ctx context.Context, jobID string, kind models.ArtifactKind, contentType string, body []byte) (models.Artifact, error) {
	if len(body) == 0 {
		return models.Artifact{}, ErrEmpty
	}
	if int64(len(body)) > s.maxBytes {
		return models.Artifact{}, fmt.Errorf("%w (>%d bytes)", ErrTooLarge, s.maxBytes)
	}

	a := models.Artifact{
		ID:          uuid.NewString(),
		JobID:       jobID,
		Kind:        kind,
		ContentType: contentType,
		Size:        int64(len(body)),
		CreatedAt:   s.now(),
	}

	var thumb []byte
	switch kind {
	case models.ArtifactSignature, models.ArtifactPhoto:
		cfg, format, err := image.DecodeConfig(bytes.NewReader(body))
		if err != nil {
			return models.Artifact{}, fmt.Errorf("%w: %v", ErrNotAnImage, err)
		}
		a.Width, a.Height = cfg.Width, cfg.Height
		if a.ContentType == "" || a.ContentType == "application/octet-stream" {
			a.ContentType = "image/" + format
		}
		if kind == models.ArtifactPhoto {
			thumb, err = Thumbnail(body, s.thumbWidth)
			if err != nil {
				return models.Artifact{}, err
			}
			a.HasThumbnail = true
		}
	case models.ArtifactVoiceNote:
		if a.ContentType == "" {
			a.ContentType = "application/octet-stream"
		}
	default:
		return models.Artifact{}, fmt.Errorf("unknown artifact kind %q", kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, list, byJob, err := s.readLocked(ctx, jobID, kind)
	if err != nil {
		return models.Artifact{}, err
	}
	if err := s.kv.Set(ctx, keyBlobPrefix+a.ID, body); err != nil {
		return models.Artifact{}, fmt.Errorf("store artifact body: %w", err)
	}
	if thumb != nil {
		if err := s.kv.Set(ctx, keyThumbPrefix+a.ID, thumb); err != nil {
			s.dropBlobs(ctx, a.ID)
			return models.Artifact{}, fmt.Errorf("store thumbnail: %w", err)
		}
	}
	if err := s.writeLocked(ctx, key, jobID, append(list, a), byJob); err != nil {
		s.dropBlobs(ctx, a.ID)
		return models.Artifact{}, err
	}
	return a, nil
}

// dropBlobs removes the body and thumbnail of an artifact whose metadata
// could not be recorded.
func (s *Store) dropBlobs(ctx context.Context, id string) {
	for _, key := range []string{keyBlobPrefix + id, keyThumbPrefix + id} {
		if err := s.kv.Delete(ctx, key); err != nil {
			log.Printf("artifacts: remove orphaned %s: %v", key, err)
		}
	}
}

// List returns every artifact of jobID, oldest first.
func (s *Store) List(ctx context.Context, jobID string) ([]models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Artifact
	for _, kind := range []models.ArtifactKind{models.ArtifactSignature, models.ArtifactPhoto, models.ArtifactVoiceNote} {
		list, err := s.listLocked(ctx, jobID, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, list...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Body returns the stored bytes of an artifact.
func (s *Store) Body(ctx context.Context, id string) ([]byte, error) {
	return s.kv.Get(ctx, keyBlobPrefix+id)
}

// ThumbnailBody returns the stored thumbnail of a photo.
func (s *Store) ThumbnailBody(ctx context.Context, id string) ([]byte, error) {
	raw, err := s.kv.Get(ctx, keyThumbPrefix+id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoThumbnail
	}
	return raw, err
}

// Unsynced returns every artifact that has not been uploaded yet.
func (s *Store) Unsynced(ctx context.Context) ([]models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []models.Artifact
	for _, key := range []string{KeySignatures, KeyVoiceNotes} {
		byJob, err := s.mapLocked(ctx, key)
		if err != nil {
			return nil, err
		}
		for _, list := range byJob {
			all = append(all, list...)
		}
	}
	photoKeys, err := s.kv.Keys(ctx, keyPhotoPrefix)
	if err != nil {
		return nil, fmt.Errorf("list photo keys: %w", err)
	}
	for _, key := range photoKeys {
		list, err := s.listAt(ctx, key)
		if err != nil {
			return nil, err
		}
		all = append(all, list...)
	}

	out := all[:0]
	for _, a := range all {
		if !a.Synced() {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkSynced records that a was uploaded to location.
func (s *Store) MarkSynced(ctx context.Context, a models.Artifact, location string) error {
	at := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(ctx, a.JobID, a.Kind, func(list []models.Artifact) []models.Artifact {
		for i := range list {
			if list[i].ID == a.ID {
				list[i].SyncedAt = &at
				list[i].Location = location
			}
		}
		return list
	})
}

func (s *Store) listLocked(ctx context.Context, jobID string, kind models.ArtifactKind) ([]models.Artifact, error) {
	_, list, _, err := s.readLocked(ctx, jobID, kind)
	return list, err
}

// readLocked returns the metadata key for jobID and kind, the current list
// and, for map-backed kinds, the whole map.
func (s *Store) readLocked(ctx context.Context, jobID string, kind models.ArtifactKind) (string, []models.Artifact, map[string][]models.Artifact, error) {
	if kind == models.ArtifactPhoto {
		key := PhotoKey(jobID)
		list, err := s.listAt(ctx, key)
		return key, list, nil, err
	}
	key := mapKey(kind)
	byJob, err := s.mapLocked(ctx, key)
	if err != nil {
		return "", nil, nil, err
	}
	return key, byJob[jobID], byJob, nil
}

func (s *Store) writeLocked(ctx context.Context, key, jobID string, list []models.Artifact, byJob map[string][]models.Artifact) error {
	if byJob == nil {
		return store.SetJSON(ctx, s.kv, key, list)
	}
	byJob[jobID] = list
	return store.SetJSON(ctx, s.kv, key, byJob)
}

// listAt reads a photo list. An unreadable value reads as empty.
func (s *Store) listAt(ctx context.Context, key string) ([]models.Artifact, error) {
	var list []models.Artifact
	if _, err := store.GetJSON(ctx, s.kv, key, &list); err != nil {
		if !errors.Is(err, store.ErrCorrupt) {
			return nil, err
		}
		log.Printf("artifacts: discarding unreadable %s: %v", key, err)
		return nil, nil
	}
	return list, nil
}

// mapLocked reads a per-job map. An unreadable value reads as empty.
func (s *Store) mapLocked(ctx context.Context, key string) (map[string][]models.Artifact, error) {
	byJob := make(map[string][]models.Artifact)
	if _, err := store.GetJSON(ctx, s.kv, key, &byJob); err != nil {
		if !errors.Is(err, store.ErrCorrupt) {
			return nil, err
		}
		log.Printf("artifacts: discarding unreadable %s: %v", key, err)
		return make(map[string][]models.Artifact), nil
	}
	return byJob, nil
}

func (s *Store) updateLocked(ctx context.Context, jobID string, kind models.ArtifactKind, fn func([]models.Artifact) []models.Artifact) error {
	key, list, byJob, err := s.readLocked(ctx, jobID, kind)
	if err != nil {
		return err
	}
	return s.writeLocked(ctx, key, jobID, fn(list), byJob)
}

func mapKey(kind models.ArtifactKind) string {
	if kind == models.ArtifactVoiceNote {
		return KeyVoiceNotes
	}
	return KeySignatures
}

// extension picks a file extension for uploads from the content type.
func extension(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "png"):
		return ".png"
	case strings.Contains(ct, "jpeg"), strings.Contains(ct, "jpg"):
		return ".jpg"
	case strings.Contains(ct, "gif"):
		return ".gif"
	case strings.Contains(ct, "m4a"), strings.Contains(ct, "mp4"):
		return ".m4a"
	case strings.Contains(ct, "mpeg"):
		return ".mp3"
	case strings.Contains(ct, "wav"):
		return ".wav"
	case strings.Contains(ct, "ogg"), strings.Contains(ct, "opus"):
		return ".ogg"
	case strings.Contains(ct, "webm"):
		return ".webm"
	default:
		return ".bin"
	}
}
