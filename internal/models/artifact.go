package models

import "time"

// ArtifactKind is the type of a captured job artifact.
type ArtifactKind string

const (
	ArtifactSignature ArtifactKind = "signature"
	ArtifactPhoto     ArtifactKind = "photo"
	ArtifactVoiceNote ArtifactKind = "voice_note"
)

// Artifact describes a signature, photo or voice note captured on the device.
// The bytes are stored separately and uploaded by the artifact syncer; they
// never travel through the action queue.
type Artifact struct {
	ID           string       `json:"id"`
	JobID        string       `json:"job_id"`
	Kind         ArtifactKind `json:"kind"`
	ContentType  string       `json:"content_type"`
	Size         int64        `json:"size"`
	Width        int          `json:"width,omitempty"`
	Height       int          `json:"height,omitempty"`
	HasThumbnail bool         `json:"has_thumbnail,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	SyncedAt     *time.Time   `json:"synced_at,omitempty"`
	Location     string       `json:"location,omitempty"`
}

// Synced reports whether the artifact has been uploaded.
func (a Artifact) Synced() bool { return a.SyncedAt != nil }
