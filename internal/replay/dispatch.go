package replay

import (
	"context"
	"errors"
	"fmt"

	"field-sync-agent/internal/models"
	"field-sync-agent/internal/remote"
)

// errUnknownType marks actions whose type this build cannot apply. They stay
// queued so a newer agent can replay them.
var errUnknownType = errors.New("unknown action type")

const laborDateLayout = "2006-01-02"

// Apply performs the remote calls an action stands for. It serves both queued
// replays and direct calls made while online.
func Apply(ctx context.Context, svc remote.JobService, a models.QueuedAction) error {
	switch d := a.Data.(type) {
	case models.CheckInData:
		started := d.StartedAt
		if started.IsZero() {
			started = a.Timestamp
		}
		if err := svc.UpdateJob(ctx, a.JobID, models.JobPatch{
			Status:      models.StatusInProgress,
			ActualStart: &started,
		}); err != nil {
			return err
		}
		if d.Location == nil {
			return nil
		}
		return svc.AddJobLabor(ctx, a.JobID, models.LaborEntry{
			Date:           started.Format(laborDateLayout),
			Hours:          models.FormatHours(0),
			Description:    "Checked in",
			IsBillable:     false,
			TechnicianName: d.Technician,
			Location:       d.Location,
		})

	case models.CheckOutData:
		ended := d.EndedAt
		if ended.IsZero() {
			ended = a.Timestamp
		}
		return svc.AddJobLabor(ctx, a.JobID, models.LaborEntry{
			Date:           ended.Format(laborDateLayout),
			Hours:          d.Hours,
			Description:    d.Notes,
			IsBillable:     d.IsBillable,
			TechnicianName: d.Technician,
		})

	case models.StatusUpdateData:
		return svc.UpdateJob(ctx, a.JobID, models.JobPatch{Status: d.Status})

	case models.NoteData:
		return svc.AddJobLabor(ctx, a.JobID, models.LaborEntry{
			Date:           a.Timestamp.Format(laborDateLayout),
			Hours:          models.FormatHours(0),
			Description:    d.Text,
			IsBillable:     false,
			TechnicianName: d.Author,
		})

	case models.MaterialData:
		m := d.Material
		if m.UsedAt.IsZero() {
			m.UsedAt = a.Timestamp
		}
		return svc.AddJobMaterial(ctx, a.JobID, m)

	case models.UnknownPayload:
		return fmt.Errorf("%w %q", errUnknownType, d.Type)

	case nil:
		return fmt.Errorf("%w %q: no payload", errUnknownType, a.Type)

	default:
		return fmt.Errorf("%w %T", errUnknownType, d)
	}
}
