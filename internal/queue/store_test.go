package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"field-sync-agent/internal/models"
	"field-sync-agent/internal/store"
)

// countingKV records writes so tests can assert that no-ops stay no-ops.
type countingKV struct {
	store.KV
	mu         sync.Mutex
	sets       int
	fail       error
	failKey    string
	failDelete error
}

func (c *countingKV) Set(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	c.sets++
	fail := c.fail
	if c.failKey != "" && c.failKey != key {
		fail = nil
	}
	c.mu.Unlock()
	if fail != nil {
		return fail
	}
	return c.KV.Set(ctx, key, value)
}

func (c *countingKV) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	fail := c.failDelete
	c.mu.Unlock()
	if fail != nil {
		return fail
	}
	return c.KV.Delete(ctx, key)
}

func (c *countingKV) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

func newTestStore(kv store.KV) *Store {
	s := New(kv)
	var seq int
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		seq++
		return base.Add(time.Duration(seq) * time.Second)
	}
	s.newID = func() string { return fmt.Sprintf("act-%03d", seq) }
	return s
}

func statusAction(job, status string) models.QueuedAction {
	return models.NewAction(job, models.StatusUpdateData{Status: status})
}

func genAction(t *rapid.T, label string) models.QueuedAction {
	job := rapid.StringMatching(`J[0-9]{1,3}`).Draw(t, label+"-job")
	switch rapid.IntRange(0, 4).Draw(t, label+"-kind") {
	case 0:
		return models.NewAction(job, models.CheckInData{
			StartedAt: time.Unix(rapid.Int64Range(1e9, 2e9).Draw(t, label+"-start"), 0).UTC(),
		})
	case 1:
		return models.NewAction(job, models.CheckOutData{
			Hours:      fmt.Sprintf("%.2f", rapid.Float64Range(0, 12).Draw(t, label+"-hours")),
			IsBillable: rapid.Bool().Draw(t, label+"-billable"),
		})
	case 2:
		return models.NewAction(job, models.StatusUpdateData{Status: rapid.SampledFrom([]string{"in_progress", "on_hold", "completed"}).Draw(t, label+"-status")})
	case 3:
		return models.NewAction(job, models.NoteData{Text: rapid.StringMatching(`[a-zA-Z0-9 .,]{0,40}`).Draw(t, label+"-text")})
	default:
		return models.NewAction(job, models.MaterialData{Material: models.MaterialUsage{
			ItemName: "pipe",
			Quantity: float64(rapid.IntRange(1, 50).Draw(t, label+"-qty")),
		}})
	}
}

func TestEnqueuePreservesFIFOOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		s := New(store.NewMemory())

		n := rapid.IntRange(1, 25).Draw(t, "n")
		var ids []string
		for i := 0; i < n; i++ {
			a, err := s.Enqueue(ctx, genAction(t, fmt.Sprintf("a%d", i)))
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			ids = append(ids, a.ID)
		}

		snap := s.Snapshot()
		if len(snap) != n {
			t.Fatalf("expected %d actions, got %d", n, len(snap))
		}
		for i := range snap {
			if snap[i].ID != ids[i] {
				t.Fatalf("position %d: want %s got %s", i, ids[i], snap[i].ID)
			}
		}

		// Acknowledging in order always removes the head.
		for i := 0; i < n; i++ {
			if head := s.Snapshot()[0].ID; head != ids[i] {
				t.Fatalf("head before ack %d: want %s got %s", i, ids[i], head)
			}
			if err := s.Ack(ctx, ids[i]); err != nil {
				t.Fatalf("ack: %v", err)
			}
		}
		if s.Len() != 0 {
			t.Fatalf("queue not empty after acking everything: %d", s.Len())
		}
	})
}

func TestReloadReproducesQueueAfterEveryMutation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		kv := store.NewMemory()
		s := New(kv)

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch op := rapid.IntRange(0, 2).Draw(t, fmt.Sprintf("op%d", i)); {
			case op == 0 || s.Len() == 0:
				if _, err := s.Enqueue(ctx, genAction(t, fmt.Sprintf("e%d", i))); err != nil {
					t.Fatalf("enqueue: %v", err)
				}
			case op == 1:
				n := rapid.IntRange(0, s.Len()).Draw(t, fmt.Sprintf("drain%d", i))
				if err := s.Drain(ctx, n); err != nil {
					t.Fatalf("drain: %v", err)
				}
			default:
				snap := s.Snapshot()
				victim := snap[rapid.IntRange(0, len(snap)-1).Draw(t, fmt.Sprintf("ack%d", i))]
				if err := s.Ack(ctx, victim.ID); err != nil {
					t.Fatalf("ack: %v", err)
				}
			}

			reloaded := New(kv)
			if err := reloaded.Load(ctx); err != nil {
				t.Fatalf("load: %v", err)
			}
			want, got := s.Snapshot(), reloaded.Snapshot()
			if len(want) != len(got) {
				t.Fatalf("step %d: reloaded %d actions, memory has %d", i, len(got), len(want))
			}
			for j := range want {
				if !assert.ObjectsAreEqual(want[j], got[j]) {
					t.Fatalf("step %d: action %d differs after reload:\nwant %+v\ngot  %+v", i, j, want[j], got[j])
				}
			}
		}
	})
}

func TestEnqueueAssignsIDAndTimestamp(t *testing.T) {
	s := newTestStore(store.NewMemory())
	a, err := s.Enqueue(context.Background(), statusAction("J1", "on_hold"))
	require.NoError(t, err)
	assert.Equal(t, models.ActionStatusUpdate, a.Type)
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.Timestamp.IsZero())

	oldest, ok := s.Oldest()
	require.True(t, ok)
	assert.Equal(t, a.Timestamp, oldest)
}

func TestEnqueueRejectsMissingPayload(t *testing.T) {
	s := New(store.NewMemory())
	_, err := s.Enqueue(context.Background(), models.QueuedAction{JobID: "J1"})
	assert.Error(t, err)
}

func TestDefaultIDsAreTimeOrdered(t *testing.T) {
	s := New(store.NewMemory())
	ctx := context.Background()
	a, err := s.Enqueue(ctx, statusAction("J1", "on_hold"))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := s.Enqueue(ctx, statusAction("J1", "in_progress"))
	require.NoError(t, err)
	assert.Less(t, a.ID, b.ID)
}

func TestDrainRemovesPrefixOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(store.NewMemory())
	for _, st := range []string{"a", "b", "c"} {
		_, err := s.Enqueue(ctx, statusAction("J1", st))
		require.NoError(t, err)
	}

	require.NoError(t, s.Drain(ctx, 1))
	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].Data.(models.StatusUpdateData).Status)

	require.NoError(t, s.Drain(ctx, 10))
	assert.Equal(t, 0, s.Len())
}

func TestDrainZeroDoesNotWrite(t *testing.T) {
	kv := &countingKV{KV: store.NewMemory()}
	s := New(kv)
	require.NoError(t, s.Drain(context.Background(), 0))
	assert.Equal(t, 0, kv.writes())
}

func TestAckUnknownID(t *testing.T) {
	s := New(store.NewMemory())
	assert.ErrorIs(t, s.Ack(context.Background(), "nope"), ErrActionNotFound)
}

func TestFailedPersistLeavesMemoryUntouched(t *testing.T) {
	ctx := context.Background()
	kv := &countingKV{KV: store.NewMemory()}
	s := New(kv)
	a, err := s.Enqueue(ctx, statusAction("J1", "on_hold"))
	require.NoError(t, err)

	kv.fail = errors.New("disk full")
	_, err = s.Enqueue(ctx, statusAction("J2", "on_hold"))
	require.Error(t, err)
	assert.Error(t, s.Ack(ctx, a.ID))
	assert.Equal(t, 1, s.Len())
}

func TestDeadLetterRollsBackWhenQueueWriteFails(t *testing.T) {
	ctx := context.Background()
	kv := &countingKV{KV: store.NewMemory()}
	s := newTestStore(kv)
	a, err := s.Enqueue(ctx, statusAction("J1", "completed"))
	require.NoError(t, err)

	kv.fail, kv.failKey = errors.New("disk full"), KeyQueue
	require.Error(t, s.DeadLetter(ctx, a.ID, "job deleted"))
	assert.Equal(t, 1, s.Len())
	assert.Empty(t, s.DeadLetters())

	reloaded := New(kv)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 1, reloaded.Len())
	assert.Empty(t, reloaded.DeadLetters())

	kv.fail = nil
	n, err := reloaded.RetryDeadLetters(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{a.ID}, ids(reloaded.Snapshot()))
}

func TestRetryDeadLettersRollsBackWhenClearFails(t *testing.T) {
	ctx := context.Background()
	kv := &countingKV{KV: store.NewMemory()}
	s := newTestStore(kv)
	a, err := s.Enqueue(ctx, statusAction("J1", "completed"))
	require.NoError(t, err)
	require.NoError(t, s.DeadLetter(ctx, a.ID, "job deleted"))

	kv.failDelete = errors.New("disk full")
	_, err = s.RetryDeadLetters(ctx)
	require.Error(t, err)
	assert.Zero(t, s.Len())
	assert.Len(t, s.DeadLetters(), 1)

	reloaded := New(kv)
	require.NoError(t, reloaded.Load(ctx))
	assert.Zero(t, reloaded.Len())
	assert.Len(t, reloaded.DeadLetters(), 1)

	kv.failDelete = nil
	n, err := s.RetryDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{a.ID}, ids(s.Snapshot()))
}

func TestLoadDropsDeadLettersThatArePending(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	row := `[{"id":"1","type":"status_update","jobId":"J1","data":{"status":"completed"},"timestamp":"2024-05-01T08:00:00Z"}]`
	require.NoError(t, kv.Set(ctx, KeyQueue, []byte(row)))
	require.NoError(t, kv.Set(ctx, KeyDead, []byte(row)))

	s := New(kv)
	require.NoError(t, s.Load(ctx))
	assert.Equal(t, 1, s.Len())
	assert.Empty(t, s.DeadLetters())
}

func TestRecordFailureAndDeadLetterLifecycle(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	s := newTestStore(kv)

	first, err := s.Enqueue(ctx, statusAction("J1", "in_progress"))
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, statusAction("J2", "in_progress"))
	require.NoError(t, err)

	updated, err := s.RecordFailure(ctx, first.ID, errors.New("502 bad gateway"))
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Attempts)
	assert.Equal(t, "502 bad gateway", updated.LastError)

	require.NoError(t, s.DeadLetter(ctx, first.ID, "job deleted"))
	assert.Equal(t, []string{second.ID}, ids(s.Snapshot()))
	dead := s.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "job deleted", dead[0].LastError)

	reloaded := New(kv)
	require.NoError(t, reloaded.Load(ctx))
	assert.Len(t, reloaded.DeadLetters(), 1)

	n, err := s.RetryDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, s.DeadLetters())
	snap := s.Snapshot()
	assert.Equal(t, []string{second.ID, first.ID}, ids(snap))
	assert.Zero(t, snap[1].Attempts)
	assert.Empty(t, snap[1].LastError)
}

func TestLoadTreatsCorruptDataAsEmpty(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	require.NoError(t, kv.Set(ctx, KeyQueue, []byte(`{{{`)))
	require.NoError(t, kv.Set(ctx, KeyNotes, []byte(`[1,2]`)))

	s := New(kv)
	require.NoError(t, s.Load(ctx))
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Notes("J1"))
}

func TestLoadSkipsOnlyMalformedEntries(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	raw := `[
		{"id":"1","type":"status_update","jobId":"J1","data":{"status":"in_progress"},"timestamp":"2024-05-01T08:00:00Z"},
		{"id":"2","type":"status_update","jobId":"J1","data":{"status":42},"timestamp":"2024-05-01T08:01:00Z"},
		{"id":"3","type":"mystery","jobId":"J1","data":{"x":1},"timestamp":"2024-05-01T08:02:00Z"}
	]`
	require.NoError(t, kv.Set(ctx, KeyQueue, []byte(raw)))

	s := New(kv)
	require.NoError(t, s.Load(ctx))
	assert.Equal(t, []string{"1", "3"}, ids(s.Snapshot()))
}

func TestOnChangeReportsDepth(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemory())
	var depths []int
	s.OnChange(func(d int) { depths = append(depths, d) })

	a, err := s.Enqueue(ctx, statusAction("J1", "on_hold"))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, statusAction("J1", "in_progress"))
	require.NoError(t, err)
	require.NoError(t, s.Ack(ctx, a.ID))
	assert.Equal(t, []int{1, 2, 1}, depths)
}

func TestNotesAndMaterialsPersistPerJob(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	s := newTestStore(kv)

	_, err := s.AddNote(ctx, "J1", models.Note{Text: "dog in yard"})
	require.NoError(t, err)
	_, err = s.AddNote(ctx, "J2", models.Note{Text: "call ahead"})
	require.NoError(t, err)
	m, err := s.AddMaterial(ctx, "J1", models.MaterialUsage{ItemName: "PVC elbow", Quantity: 4})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.False(t, m.UsedAt.IsZero())

	reloaded := New(kv)
	require.NoError(t, reloaded.Load(ctx))
	notes := reloaded.Notes("J1")
	require.Len(t, notes, 1)
	assert.Equal(t, "dog in yard", notes[0].Text)
	mats := reloaded.Materials("J1")
	require.Len(t, mats, 1)
	assert.Equal(t, 4.0, mats[0].Quantity)
	assert.Empty(t, reloaded.Materials("J2"))
}

func ids(actions []models.QueuedAction) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.ID)
	}
	return out
}
