package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionType names a deferred mutation variant.
type ActionType string

const (
	ActionCheckIn      ActionType = "check_in"
	ActionCheckOut     ActionType = "check_out"
	ActionStatusUpdate ActionType = "status_update"
	ActionAddNote      ActionType = "add_note"
	ActionAddMaterial  ActionType = "add_material"
)

// Known reports whether t belongs to the closed set of action types.
func (t ActionType) Known() bool {
	switch t {
	case ActionCheckIn, ActionCheckOut, ActionStatusUpdate, ActionAddNote, ActionAddMaterial:
		return true
	}
	return false
}

// ActionPayload is the variant-specific body of a QueuedAction.
// The set of implementations is closed to this package.
type ActionPayload interface {
	ActionType() ActionType
	sealed()
}

// CheckInData is queued when a technician starts work on a job offline.
type CheckInData struct {
	StartedAt  time.Time `json:"started_at"`
	Location   *Location `json:"location,omitempty"`
	Technician string    `json:"technician,omitempty"`
}

// CheckOutData is queued when a technician stops work on a job offline.
type CheckOutData struct {
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Hours      string    `json:"hours"`
	IsBillable bool      `json:"is_billable"`
	Notes      string    `json:"notes,omitempty"`
	Technician string    `json:"technician,omitempty"`
}

// StatusUpdateData changes only the job status.
type StatusUpdateData struct {
	Status string `json:"status"`
}

// NoteData carries a note that is replayed as a non-billable zero-hour labor entry.
type NoteData struct {
	Text   string `json:"text"`
	Author string `json:"author,omitempty"`
}

// MaterialData carries a material usage record.
type MaterialData struct {
	Material MaterialUsage `json:"material"`
}

// UnknownPayload preserves the body of an action whose type is not recognised.
type UnknownPayload struct {
	Type ActionType
	Raw  json.RawMessage
}

func (CheckInData) ActionType() ActionType      { return ActionCheckIn }
func (CheckOutData) ActionType() ActionType     { return ActionCheckOut }
func (StatusUpdateData) ActionType() ActionType { return ActionStatusUpdate }
func (NoteData) ActionType() ActionType         { return ActionAddNote }
func (MaterialData) ActionType() ActionType     { return ActionAddMaterial }
func (p UnknownPayload) ActionType() ActionType { return p.Type }

func (CheckInData) sealed()      {}
func (CheckOutData) sealed()     {}
func (StatusUpdateData) sealed() {}
func (NoteData) sealed()         {}
func (MaterialData) sealed()     {}
func (UnknownPayload) sealed()   {}

// QueuedAction is a mutation waiting to be applied to the remote job service.
type QueuedAction struct {
	ID        string
	Type      ActionType
	JobID     string
	Data      ActionPayload
	Timestamp time.Time
	Attempts  int
	LastError string
}

// NewAction builds an action for payload; ID and Timestamp are assigned on enqueue.
func NewAction(jobID string, payload ActionPayload) QueuedAction {
	return QueuedAction{
		Type:  payload.ActionType(),
		JobID: jobID,
		Data:  payload,
	}
}

type queuedActionJSON struct {
	ID        string          `json:"id"`
	Type      ActionType      `json:"type"`
	JobID     string          `json:"jobId"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Attempts  int             `json:"attempts,omitempty"`
	LastError string          `json:"lastError,omitempty"`
}

// MarshalJSON writes the action with its payload under "data".
func (a QueuedAction) MarshalJSON() ([]byte, error) {
	var data json.RawMessage
	switch p := a.Data.(type) {
	case nil:
		data = json.RawMessage("null")
	case UnknownPayload:
		data = p.Raw
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", a.Type, err)
		}
		data = raw
	}
	return json.Marshal(queuedActionJSON{
		ID:        a.ID,
		Type:      a.Type,
		JobID:     a.JobID,
		Data:      data,
		Timestamp: a.Timestamp,
		Attempts:  a.Attempts,
		LastError: a.LastError,
	})
}

// UnmarshalJSON decodes "data" into the variant named by "type".
func (a *QueuedAction) UnmarshalJSON(b []byte) error {
	var raw queuedActionJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	payload, err := decodePayload(raw.Type, raw.Data)
	if err != nil {
		return fmt.Errorf("action %s: %w", raw.ID, err)
	}
	*a = QueuedAction{
		ID:        raw.ID,
		Type:      raw.Type,
		JobID:     raw.JobID,
		Data:      payload,
		Timestamp: raw.Timestamp,
		Attempts:  raw.Attempts,
		LastError: raw.LastError,
	}
	return nil
}

func decodePayload(t ActionType, raw json.RawMessage) (ActionPayload, error) {
	if !t.Known() {
		return UnknownPayload{Type: t, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	switch t {
	case ActionCheckIn:
		var p CheckInData
		err := json.Unmarshal(raw, &p)
		return p, err
	case ActionCheckOut:
		var p CheckOutData
		err := json.Unmarshal(raw, &p)
		return p, err
	case ActionStatusUpdate:
		var p StatusUpdateData
		err := json.Unmarshal(raw, &p)
		return p, err
	case ActionAddNote:
		var p NoteData
		err := json.Unmarshal(raw, &p)
		return p, err
	case ActionAddMaterial:
		var p MaterialData
		err := json.Unmarshal(raw, &p)
		return p, err
	}
	return nil, fmt.Errorf("unhandled action type %q", t)
}

// FormatHours renders a duration as the two-decimal hour string used by labor entries.
func FormatHours(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.2f", d.Hours())
}
