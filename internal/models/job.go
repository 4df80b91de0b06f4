package models

import (
	"time"
)

// Job status values understood by the remote job service.
const (
	StatusScheduled  = "scheduled"
	StatusInProgress = "in_progress"
	StatusOnHold     = "on_hold"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Job is a work order as returned by the remote job service.
type Job struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Status        string     `json:"status"`
	CustomerName  string     `json:"customer_name,omitempty"`
	Address       string     `json:"address,omitempty"`
	AssignedTo    string     `json:"assigned_to,omitempty"`
	ScheduledDate *time.Time `json:"scheduled_date,omitempty"`
}

// JobPatch is a partial update of a job record.
type JobPatch struct {
	Status      string     `json:"status,omitempty"`
	ActualStart *time.Time `json:"actual_start_date,omitempty"`
	ActualEnd   *time.Time `json:"actual_end_date,omitempty"`
}

// JobFilter narrows a job listing.
type JobFilter struct {
	Status     string
	AssignedTo string
}

// Location is a one-shot device position.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// LaborEntry is a time record against a job. Hours travel as a two-decimal string.
type LaborEntry struct {
	Date           string    `json:"date"`
	Hours          string    `json:"hours"`
	Description    string    `json:"description,omitempty"`
	IsBillable     bool      `json:"is_billable"`
	TechnicianName string    `json:"technician_name,omitempty"`
	Location       *Location `json:"location,omitempty"`
}

// MaterialUsage records stock consumed on a job.
type MaterialUsage struct {
	ID       string    `json:"id"`
	ItemName string    `json:"item_name"`
	SKU      string    `json:"sku,omitempty"`
	Quantity float64   `json:"quantity"`
	Unit     string    `json:"unit,omitempty"`
	UnitCost float64   `json:"unit_cost,omitempty"`
	Notes    string    `json:"notes,omitempty"`
	UsedAt   time.Time `json:"used_at"`
}

// Note is a free-text job note kept on the device.
type Note struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ActiveTimer tracks the job currently checked in. TotalPaused accumulates
// completed pauses; PausedAt is set while a pause is open.
type ActiveTimer struct {
	JobID       string        `json:"job_id"`
	StartTime   time.Time     `json:"start_time"`
	TotalPaused time.Duration `json:"total_paused"`
	PausedAt    *time.Time    `json:"paused_at,omitempty"`
}

// Elapsed returns worked time at now, excluding paused intervals.
func (t ActiveTimer) Elapsed(now time.Time) time.Duration {
	paused := t.TotalPaused
	if t.PausedAt != nil {
		paused += now.Sub(*t.PausedAt)
	}
	d := now.Sub(t.StartTime) - paused
	if d < 0 {
		return 0
	}
	return d
}
