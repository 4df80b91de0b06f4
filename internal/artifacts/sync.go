package artifacts

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"field-sync-agent/internal/models"
	"field-sync-agent/internal/telemetry"
)

// Syncer uploads artifacts captured while offline.
type Syncer struct {
	store    *Store
	uploader Uploader
	deviceID string
	running  atomic.Bool
	onSynced func(n int)
}

// NewSyncer uploads artifacts from st through up. deviceID prefixes object keys.
func NewSyncer(st *Store, up Uploader, deviceID string) *Syncer {
	return &Syncer{store: st, uploader: up, deviceID: deviceID}
}

// OnSynced registers fn to be told how many artifacts a sync uploaded.
func (s *Syncer) OnSynced(fn func(n int)) { s.onSynced = fn }

// Sync uploads every unsynced artifact. An upload failure is logged and the
// artifact is left for the next sync. Concurrent calls return immediately.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.running.Store(false)

	pending, err := s.store.Unsynced(ctx)
	if err != nil {
		return 0, err
	}
	uploaded := 0
	for _, a := range pending {
		if err := ctx.Err(); err != nil {
			return uploaded, err
		}
		if err := s.upload(ctx, a); err != nil {
			log.Printf("artifacts: upload %s %s for job %s failed: %v", a.Kind, a.ID, a.JobID, err)
			continue
		}
		uploaded++
		telemetry.ArtifactsUploaded.WithLabelValues(string(a.Kind)).Inc()
	}
	if uploaded > 0 {
		log.Printf("artifacts: uploaded %d of %d pending", uploaded, len(pending))
		if s.onSynced != nil {
			s.onSynced(uploaded)
		}
	}
	return uploaded, nil
}

func (s *Syncer) upload(ctx context.Context, a models.Artifact) error {
	body, err := s.store.Body(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	key := sanitizeKey(fmt.Sprintf("%s/%s/%s/%s%s", s.deviceID, a.JobID, a.Kind, a.ID, extension(a.ContentType)))
	location, err := s.uploader.Upload(ctx, key, body, a.ContentType)
	if err != nil {
		return err
	}
	return s.store.MarkSynced(ctx, a, location)
}
