package fieldops

import (
	"context"
	"log"

	"field-sync-agent/internal/models"
	"field-sync-agent/internal/store"
)

// Jobs returns the cached job list.
func (c *Controller) Jobs() []models.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Job(nil), c.jobs...)
}

// RefreshJobs fetches the job list and replaces the cache. A zero filter
// reuses the last one, which starts as the technician's own jobs.
func (c *Controller) RefreshJobs(ctx context.Context, filter models.JobFilter) ([]models.Job, error) {
	if !c.net.IsOnline() {
		return c.Jobs(), ErrOffline
	}
	c.mu.Lock()
	if filter == (models.JobFilter{}) {
		filter = c.filter
	} else {
		c.filter = filter
	}
	c.mu.Unlock()

	jobs, err := c.remote.GetJobs(ctx, filter)
	if err != nil {
		return c.Jobs(), err
	}
	if err := store.SetJSON(ctx, c.kv, KeyJobsCache, jobs); err != nil {
		return jobs, err
	}
	c.mu.Lock()
	c.jobs = jobs
	c.mu.Unlock()
	return jobs, nil
}

// Reconcile refreshes the job list after queued actions were applied.
func (c *Controller) Reconcile(ctx context.Context) {
	if _, err := c.RefreshJobs(ctx, models.JobFilter{}); err != nil {
		log.Printf("fieldops: job refresh after sync failed: %v", err)
	}
}

// setLocalStatus shows a status change before the job service confirms it.
func (c *Controller) setLocalStatus(ctx context.Context, jobID, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := -1
	for i := range c.jobs {
		if c.jobs[i].ID == jobID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	next := append([]models.Job(nil), c.jobs...)
	next[idx].Status = status
	if err := store.SetJSON(ctx, c.kv, KeyJobsCache, next); err != nil {
		log.Printf("fieldops: persist job cache: %v", err)
		return
	}
	c.jobs = next
}
