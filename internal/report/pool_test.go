package report

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"hpjflow/internal/journal"
	"hpjflow/internal/store"
	"hpjflow/internal/task"
	"hpjflow/internal/webhook"
)

type sentReport struct {
	url string
	r   webhook.Report
}

type fakeSender struct {
	mu      sync.Mutex
	reports []sentReport
}

func (f *fakeSender) SendAlarm(context.Context, string, []int64, string) error { return nil }

func (f *fakeSender) SendReport(_ context.Context, url string, r webhook.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, sentReport{url: url, r: r})
	return nil
}

func (f *fakeSender) sent() []sentReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentReport(nil), f.reports...)
}

type fixture struct {
	pool    *Pool
	store   *store.Store
	journal *journal.Repo
	sender  *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "report.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, journal.EnsureSchema(db))

	st := store.New(db, zerolog.Nop())
	jr := journal.NewRepo(db)
	sender := &fakeSender{}
	p, err := New(Config{
		Store:      st,
		Journal:    jr,
		Sender:     sender,
		Logger:     zerolog.Nop(),
		Workers:    2,
		PopTimeout: 50 * time.Millisecond,
		Location:   time.UTC,
	})
	require.NoError(t, err)
	return &fixture{pool: p, store: st, journal: jr, sender: sender}
}

func (f *fixture) seedUser(t *testing.T, ch task.Channel, channelID int64) journal.User {
	t.Helper()
	u, err := f.journal.UpsertUser(context.Background(), ch, channelID)
	require.NoError(t, err)
	return u
}

func TestProcessDeliversRenderedReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	u := f.seedUser(t, task.ChannelTelegram, 42)
	require.NoError(t, f.store.SetWebhookURL(ctx, "telegram", "https://tg.example"))
	require.NoError(t, f.journal.SaveEntry(ctx, u.ID, "02.01.24", json.RawMessage(`{"pain":"mild"}`)))
	require.NoError(t, f.journal.SaveEntry(ctx, u.ID, "05.01.24", json.RawMessage(`{"pain":"none"}`)))

	err := f.pool.process(ctx, task.ReportTask{
		UserID: u.ID, Channel: task.ChannelTelegram, ChannelID: 42,
		Requester: task.RequesterChannel, Start: "01.01.24", End: "07.01.24",
	})
	require.NoError(t, err)

	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "https://tg.example", sent[0].url)
	assert.Equal(t, int64(42), sent[0].r.ChannelID)
	assert.Equal(t, "hpj_01.01.24-07.01.24.html", sent[0].r.Filename)
	assert.Contains(t, string(sent[0].r.File), "02.01.24")
}

func TestProcessConsumesTaskForUnregisteredChannel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.seedUser(t, task.ChannelTelegram, 42)

	err := f.pool.process(ctx, task.ReportTask{
		UserID: u.ID, Channel: task.ChannelTelegram, ChannelID: 42,
		Requester: task.RequesterChannel, Start: "01.01.24", End: "07.01.24",
	})
	require.NoError(t, err, "missing webhook url is a config error, not a retryable failure")
	assert.Empty(t, f.sender.sent())
}

func TestProcessEmptyPeriodForChannelRequester(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.seedUser(t, task.ChannelTelegram, 42)
	require.NoError(t, f.store.SetWebhookURL(ctx, "telegram", "https://tg.example"))

	err := f.pool.process(ctx, task.ReportTask{
		UserID: u.ID, Channel: task.ChannelTelegram, ChannelID: 42,
		Requester: task.RequesterChannel, Start: "01.01.24", End: "07.01.24",
	})
	require.NoError(t, err)

	sent := f.sender.sent()
	require.Len(t, sent, 1, "interactive requests get an answer even with no entries")
	assert.Nil(t, sent[0].r.File)
	assert.Empty(t, sent[0].r.Filename)
}

func TestProcessEmptyPeriodForSchedulerRequesterIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.seedUser(t, task.ChannelTelegram, 42)
	require.NoError(t, f.store.SetWebhookURL(ctx, "telegram", "https://tg.example"))

	err := f.pool.process(ctx, task.ReportTask{
		UserID: u.ID, Channel: task.ChannelTelegram, ChannelID: 42,
		Requester: task.RequesterScheduler, Start: "01.01.24", End: "07.01.24",
	})
	require.NoError(t, err)
	assert.Empty(t, f.sender.sent())
}

func TestEnqueueWeeklyCoversOnlyRegisteredChannels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tg := f.seedUser(t, task.ChannelTelegram, 42)
	f.seedUser(t, task.ChannelDiscord, 1001) // no callback registered
	require.NoError(t, f.store.SetWebhookURL(ctx, "telegram", "https://tg.example"))

	require.NoError(t, f.pool.enqueueWeekly(ctx, nil))

	payload, err := f.store.Pop(ctx, store.ReportQueue)
	require.NoError(t, err)
	got, err := task.DecodeReport(payload)
	require.NoError(t, err)
	assert.Equal(t, tg.ID, got.UserID)
	assert.Equal(t, task.RequesterScheduler, got.Requester)

	_, err = f.store.Pop(ctx, store.ReportQueue)
	assert.ErrorIs(t, err, store.ErrEmpty, "users on unregistered channels get no weekly task")
}

func TestLastWeekBounds(t *testing.T) {
	cases := []struct {
		now        time.Time
		start, end string
	}{
		// A Monday: the week that just ended.
		{time.Date(2024, 3, 18, 23, 0, 0, 0, time.UTC), "11.03.24", "17.03.24"},
		// Mid-week points at the same completed week.
		{time.Date(2024, 3, 21, 12, 0, 0, 0, time.UTC), "11.03.24", "17.03.24"},
		// A Sunday still belongs to the running week.
		{time.Date(2024, 3, 24, 12, 0, 0, 0, time.UTC), "11.03.24", "17.03.24"},
		// Year boundary.
		{time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC), "25.12.23", "31.12.23"},
	}
	for _, tc := range cases {
		start, end := lastWeek(tc.now)
		assert.Equal(t, tc.start, start, "start for %s", tc.now)
		assert.Equal(t, tc.end, end, "end for %s", tc.now)
	}
}

func TestCleanupHandlerAgesOutEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	u := f.seedUser(t, task.ChannelTelegram, 42)

	old := time.Now().AddDate(0, 0, -90).Format(task.DateLayout)
	fresh := time.Now().Format(task.DateLayout)
	require.NoError(t, f.journal.SaveEntry(ctx, u.ID, old, json.RawMessage(`{}`)))
	require.NoError(t, f.journal.SaveEntry(ctx, u.ID, fresh, json.RawMessage(`{}`)))

	require.NoError(t, f.pool.cleanupJournal(ctx, nil))

	entries, err := f.journal.EntriesBetween(ctx, u.ID, old, fresh)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, fresh, entries[0].Date)
}

type blockingSender struct {
	fakeSender
	entered chan struct{}
	release chan struct{}
	ctxErr  error
}

func (b *blockingSender) SendReport(ctx context.Context, url string, r webhook.Report) error {
	close(b.entered)
	<-b.release
	b.mu.Lock()
	b.ctxErr = ctx.Err()
	b.mu.Unlock()
	return b.fakeSender.SendReport(ctx, url, r)
}

func TestShutdownFinishesInflightDeliveryAndStopsPickingUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(filepath.Join(t.TempDir(), "report.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, journal.EnsureSchema(db))

	st := store.New(db, zerolog.Nop())
	jr := journal.NewRepo(db)
	sender := &blockingSender{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	p, err := New(Config{
		Store:      st,
		Journal:    jr,
		Sender:     sender,
		Logger:     zerolog.Nop(),
		Workers:    1,
		PopTimeout: 50 * time.Millisecond,
		Location:   time.UTC,
	})
	require.NoError(t, err)

	u, err := jr.UpsertUser(ctx, task.ChannelTelegram, 42)
	require.NoError(t, err)
	require.NoError(t, st.SetWebhookURL(ctx, "telegram", "https://tg.example"))
	require.NoError(t, jr.SaveEntry(ctx, u.ID, "02.01.24", json.RawMessage(`{"pain":"mild"}`)))

	tsk := task.ReportTask{
		UserID: u.ID, Channel: task.ChannelTelegram, ChannelID: 42,
		Requester: task.RequesterChannel, Start: "01.01.24", End: "07.01.24",
	}
	require.NoError(t, st.Push(ctx, store.ReportQueue, tsk.Encode()))
	require.NoError(t, st.Push(ctx, store.ReportQueue, tsk.Encode()))

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	// The single worker is now mid-delivery; shut down underneath it.
	<-sender.entered
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while a delivery was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(sender.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the delivery finished")
	}

	assert.NoError(t, sender.ctxErr, "in-flight delivery must not see the shutdown cancellation")
	assert.Len(t, sender.sent(), 1)

	n, err := st.QueueLen(context.Background(), store.ReportQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "no new task is picked up after shutdown")
}

func TestRunProcessesQueuedTasksAndDrains(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)

	u := f.seedUser(t, task.ChannelTelegram, 42)
	require.NoError(t, f.store.SetWebhookURL(ctx, "telegram", "https://tg.example"))
	require.NoError(t, f.journal.SaveEntry(ctx, u.ID, "02.01.24", json.RawMessage(`{"pain":"mild"}`)))

	tsk := task.ReportTask{
		UserID: u.ID, Channel: task.ChannelTelegram, ChannelID: 42,
		Requester: task.RequesterChannel, Start: "01.01.24", End: "07.01.24",
	}
	require.NoError(t, f.store.Push(ctx, store.ReportQueue, tsk.Encode()))
	require.NoError(t, f.store.Push(ctx, store.ReportQueue, "garbage;;"))

	done := make(chan struct{})
	go func() {
		f.pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(f.sender.sent()) == 1
	}, 2*time.Second, 20*time.Millisecond)

	n, err := f.store.QueueLen(ctx, store.ReportQueue)
	require.NoError(t, err)
	assert.Zero(t, n, "malformed task is consumed, not requeued")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not drain on context cancel")
	}
}
