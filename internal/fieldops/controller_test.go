package fieldops

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"field-sync-agent/internal/models"
	"field-sync-agent/internal/queue"
	"field-sync-agent/internal/store"
)

type flag struct{ v atomic.Bool }

func (f *flag) IsOnline() bool { return f.v.Load() }

type stubRemote struct {
	mu      sync.Mutex
	ops     []string
	patches []models.JobPatch
	labor   []models.LaborEntry
	jobs    []models.Job
	filters []models.JobFilter
	err     error
}

func (s *stubRemote) UpdateJob(_ context.Context, _ string, p models.JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "update")
	s.patches = append(s.patches, p)
	return s.err
}

func (s *stubRemote) AddJobLabor(_ context.Context, _ string, e models.LaborEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "labor")
	s.labor = append(s.labor, e)
	return s.err
}

func (s *stubRemote) AddJobMaterial(context.Context, string, models.MaterialUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "material")
	return s.err
}

func (s *stubRemote) GetJobs(_ context.Context, f models.JobFilter) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, f)
	return s.jobs, s.err
}

type harness struct {
	kv     store.KV
	q      *queue.Store
	remote *stubRemote
	net    *flag
	ctl    *Controller
	clock  time.Time
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	return newHarnessOver(t, online, store.NewMemory())
}

func newHarnessOver(t *testing.T, online bool, kv store.KV) *harness {
	t.Helper()
	h := &harness{
		kv:     kv,
		remote: &stubRemote{},
		net:    &flag{},
		clock:  time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	h.net.v.Store(online)
	h.q = queue.New(h.kv)
	require.NoError(t, h.q.Load(context.Background()))
	h.ctl = h.reopen(t)
	return h
}

func (h *harness) reopen(t *testing.T) *Controller {
	t.Helper()
	ctl := New(h.kv, h.q, h.remote, h.net, "Sam Rivera")
	ctl.now = func() time.Time { return h.clock }
	require.NoError(t, ctl.Load(context.Background()))
	return ctl
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

// slowQueueKV delays queue writes so concurrent callers overlap.
type slowQueueKV struct {
	store.KV
}

func (s slowQueueKV) Set(ctx context.Context, key string, value []byte) error {
	if key == queue.KeyQueue {
		time.Sleep(5 * time.Millisecond)
	}
	return s.KV.Set(ctx, key, value)
}

func countQueued(q *queue.Store, typ models.ActionType) int {
	n := 0
	for _, a := range q.Snapshot() {
		if a.Type == typ {
			n++
		}
	}
	return n
}

func TestOfflineCheckInQueuesAndStartsTimer(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	loc := &models.Location{Latitude: 40.7, Longitude: -74.0}

	out, err := h.ctl.CheckIn(ctx, "J7", CheckInRequest{Location: loc})
	require.NoError(t, err)
	require.True(t, out.Queued)
	require.NotNil(t, out.Action)
	assert.Equal(t, models.ActionCheckIn, out.Action.Type)
	assert.Empty(t, h.remote.ops)

	queued := h.q.Snapshot()
	require.Len(t, queued, 1)
	data, ok := queued[0].Data.(models.CheckInData)
	require.True(t, ok)
	assert.Equal(t, loc, data.Location)
	assert.Equal(t, "Sam Rivera", data.Technician)

	timer, ok := h.reopen(t).ActiveTimer()
	require.True(t, ok)
	assert.Equal(t, "J7", timer.JobID)
	assert.True(t, timer.StartTime.Equal(h.clock))
}

func TestOnlineCheckInCallsRemoteDirectly(t *testing.T) {
	h := newHarness(t, true)

	out, err := h.ctl.CheckIn(context.Background(), "J7", CheckInRequest{Location: &models.Location{Latitude: 1, Longitude: 2}})
	require.NoError(t, err)
	assert.False(t, out.Queued)
	assert.Equal(t, []string{"update", "labor"}, h.remote.ops)
	assert.Equal(t, models.StatusInProgress, h.remote.patches[0].Status)
	assert.Equal(t, "0.00", h.remote.labor[0].Hours)
	assert.Zero(t, h.q.Len())
}

func TestDirectFailureIsReturnedNotQueued(t *testing.T) {
	h := newHarness(t, true)
	h.remote.err = errors.New("502 bad gateway")

	_, err := h.ctl.CheckIn(context.Background(), "J7", CheckInRequest{})
	require.Error(t, err)
	assert.Zero(t, h.q.Len())
	_, running := h.ctl.ActiveTimer()
	assert.False(t, running)
}

func TestCheckInTwiceIsRejected(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.ctl.CheckIn(ctx, "J7", CheckInRequest{})
	require.NoError(t, err)
	_, err = h.ctl.CheckIn(ctx, "J8", CheckInRequest{})
	assert.ErrorIs(t, err, ErrAlreadyCheckedIn)
}

func TestCheckOutExcludesPausedTime(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.ctl.CheckIn(ctx, "J7", CheckInRequest{})
	require.NoError(t, err)
	h.advance(time.Hour)
	_, err = h.ctl.PauseTimer(ctx)
	require.NoError(t, err)
	h.advance(30 * time.Minute)
	_, err = h.ctl.ResumeTimer(ctx)
	require.NoError(t, err)
	h.advance(90 * time.Minute)

	out, err := h.ctl.CheckOut(ctx, "J7", CheckOutRequest{Notes: "Flushed radiators"})
	require.NoError(t, err)
	require.True(t, out.Queued)

	data, ok := out.Action.Data.(models.CheckOutData)
	require.True(t, ok)
	assert.Equal(t, "2.50", data.Hours)
	assert.True(t, data.IsBillable)
	assert.Equal(t, "Flushed radiators", data.Notes)

	_, running := h.ctl.ActiveTimer()
	assert.False(t, running)
	_, running = h.reopen(t).ActiveTimer()
	assert.False(t, running)
}

func TestCheckOutRequiresMatchingCheckIn(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.ctl.CheckOut(ctx, "J7", CheckOutRequest{})
	assert.ErrorIs(t, err, ErrNotCheckedIn)

	_, err = h.ctl.CheckIn(ctx, "J7", CheckInRequest{})
	require.NoError(t, err)
	_, err = h.ctl.CheckOut(ctx, "J8", CheckOutRequest{})
	assert.ErrorIs(t, err, ErrNotCheckedIn)
}

func TestTimerPauseResumeErrors(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.ctl.PauseTimer(ctx)
	assert.ErrorIs(t, err, ErrNotCheckedIn)

	_, err = h.ctl.CheckIn(ctx, "J7", CheckInRequest{})
	require.NoError(t, err)
	_, err = h.ctl.ResumeTimer(ctx)
	assert.ErrorIs(t, err, ErrTimerRunning)
	_, err = h.ctl.PauseTimer(ctx)
	require.NoError(t, err)
	_, err = h.ctl.PauseTimer(ctx)
	assert.ErrorIs(t, err, ErrTimerPaused)
}

func TestOfflineNoteIsKeptLocallyAndQueued(t *testing.T) {
	h := newHarness(t, false)

	note, out, err := h.ctl.AddNote(context.Background(), "J7", "  Dog in yard  ")
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.Equal(t, "Dog in yard", note.Text)
	assert.Equal(t, "Sam Rivera", note.Author)

	require.Len(t, h.ctl.Notes("J7"), 1)
	assert.Equal(t, models.ActionAddNote, h.q.Snapshot()[0].Type)

	_, _, err = h.ctl.AddNote(context.Background(), "J7", "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMaterialValidationAndRecording(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, _, err := h.ctl.AddMaterial(ctx, "J7", models.MaterialUsage{ItemName: "fuse"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	saved, out, err := h.ctl.AddMaterial(ctx, "J7", models.MaterialUsage{ItemName: "fuse", Quantity: 3})
	require.NoError(t, err)
	assert.False(t, out.Queued)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, []string{"material"}, h.remote.ops)
	assert.Len(t, h.ctl.Materials("J7"), 1)
}

func TestUpdateStatusIsOptimistic(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.remote.jobs = []models.Job{{ID: "J7", Title: "Boiler service", Status: models.StatusScheduled}}

	_, err := h.ctl.RefreshJobs(ctx, models.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, []models.JobFilter{{AssignedTo: "Sam Rivera"}}, h.remote.filters)

	h.net.v.Store(false)
	out, err := h.ctl.UpdateStatus(ctx, "J7", models.StatusOnHold)
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.Equal(t, models.StatusOnHold, h.ctl.Jobs()[0].Status)
	assert.Equal(t, models.StatusOnHold, h.reopen(t).Jobs()[0].Status)

	_, err = h.ctl.UpdateStatus(ctx, "J7", "teleported")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRefreshJobsOfflineReturnsCache(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.remote.jobs = []models.Job{{ID: "J1"}}
	_, err := h.ctl.RefreshJobs(ctx, models.JobFilter{Status: models.StatusScheduled})
	require.NoError(t, err)

	h.net.v.Store(false)
	jobs, err := h.ctl.RefreshJobs(ctx, models.JobFilter{})
	assert.ErrorIs(t, err, ErrOffline)
	assert.Len(t, jobs, 1)

	h.net.v.Store(true)
	h.ctl.Reconcile(ctx)
	assert.Equal(t, models.JobFilter{Status: models.StatusScheduled}, h.remote.filters[len(h.remote.filters)-1])
}

func TestLoadDiscardsCorruptTimer(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.kv.Set(ctx, KeyActiveTimer, []byte("{not json")))

	ctl := New(h.kv, h.q, h.remote, h.net, "Sam Rivera")
	require.NoError(t, ctl.Load(ctx))
	_, running := ctl.ActiveTimer()
	assert.False(t, running)

	_, err := h.kv.Get(ctx, KeyActiveTimer)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = ctl.CheckIn(ctx, "J7", CheckInRequest{})
	require.NoError(t, err)
}

func TestConcurrentCheckInAndCheckOutApplyOnce(t *testing.T) {
	h := newHarnessOver(t, false, slowQueueKV{KV: store.NewMemory()})
	ctx := context.Background()

	run := func(fn func() error) []error {
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = fn()
			}(i)
		}
		wg.Wait()
		return errs
	}

	errs := run(func() error {
		_, err := h.ctl.CheckIn(ctx, "J2", CheckInRequest{})
		return err
	})
	assert.Equal(t, 1, countQueued(h.q, models.ActionCheckIn))
	assert.True(t, (errs[0] == nil) != (errs[1] == nil), "exactly one check-in succeeds: %v", errs)

	errs = run(func() error {
		_, err := h.ctl.CheckOut(ctx, "J2", CheckOutRequest{})
		return err
	})
	assert.Equal(t, 1, countQueued(h.q, models.ActionCheckOut))
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrNotCheckedIn)
		}
	}
}

func TestOnlineMutationQueuesBehindPendingActions(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	var deferred atomic.Int32
	h.ctl.OnDeferred(func() { deferred.Add(1) })

	_, err := h.ctl.CheckIn(ctx, "J7", CheckInRequest{})
	require.NoError(t, err)
	assert.Zero(t, deferred.Load())

	h.net.v.Store(true)
	h.advance(time.Hour)
	out, err := h.ctl.CheckOut(ctx, "J7", CheckOutRequest{})
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.Empty(t, h.remote.ops)
	assert.Equal(t, int32(1), deferred.Load())

	queued := h.q.Snapshot()
	require.Len(t, queued, 2)
	assert.Equal(t, models.ActionCheckIn, queued[0].Type)
	assert.Equal(t, models.ActionCheckOut, queued[1].Type)
}
