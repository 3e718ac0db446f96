package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"ledgercal/internal/audit"
	"ledgercal/internal/calendar"
	"ledgercal/internal/config"
	"ledgercal/internal/credentials"
	"ledgercal/internal/database"
	"ledgercal/internal/events"
	"ledgercal/internal/models"
	"ledgercal/internal/queue"
)

type fakeCalendar struct {
	mu     sync.Mutex
	events map[string]*calendar.Event
	nextID int
	calls  map[string]int

	createErr error
	updateErr error
	getErr    error
	listErr   error
	// errOnce clears the matching error after its first use.
	errOnce bool

	changes *calendar.ChangeList
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{
		events: make(map[string]*calendar.Event),
		calls:  make(map[string]int),
	}
}

func (f *fakeCalendar) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, userID int64, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create"]++
	if f.createErr != nil {
		err := f.createErr
		if f.errOnce {
			f.createErr = nil
		}
		return nil, err
	}
	f.nextID++
	stored := *ev
	stored.ID = fmt.Sprintf("ext-%d", f.nextID)
	stored.Etag = "etag-1"
	stored.Updated = time.Now()
	f.events[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (f *fakeCalendar) UpdateEvent(ctx context.Context, userID int64, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["update"]++
	if f.updateErr != nil {
		err := f.updateErr
		if f.errOnce {
			f.updateErr = nil
		}
		return nil, err
	}
	existing, ok := f.events[ev.ID]
	if !ok {
		return nil, &calendar.APIError{Class: calendar.ClassNotFound, Err: errors.New("no such event")}
	}
	if ev.Etag != "" && ev.Etag != existing.Etag {
		return nil, &calendar.APIError{Class: calendar.ClassPrecondition, Err: errors.New("etag mismatch")}
	}
	stored := *ev
	stored.Etag = existing.Etag + "'"
	stored.Updated = time.Now()
	f.events[ev.ID] = &stored
	out := stored
	return &out, nil
}

func (f *fakeCalendar) DeleteEvent(ctx context.Context, userID int64, calendarID, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["delete"]++
	if _, ok := f.events[eventID]; !ok {
		return &calendar.APIError{Class: calendar.ClassNotFound, Err: errors.New("no such event")}
	}
	delete(f.events, eventID)
	return nil
}

func (f *fakeCalendar) GetEvent(ctx context.Context, userID int64, calendarID, eventID string) (*calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get"]++
	if f.getErr != nil {
		return nil, f.getErr
	}
	ev, ok := f.events[eventID]
	if !ok {
		return nil, &calendar.APIError{Class: calendar.ClassNotFound, Err: errors.New("no such event")}
	}
	out := *ev
	return &out, nil
}

func (f *fakeCalendar) ListChanges(ctx context.Context, userID int64, calendarID, syncToken string) (*calendar.ChangeList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list"]++
	if f.listErr != nil {
		err := f.listErr
		if f.errOnce {
			f.listErr = nil
		}
		return nil, err
	}
	if f.changes != nil {
		return f.changes, nil
	}
	return &calendar.ChangeList{NextSyncToken: "tok-next"}, nil
}

func (f *fakeCalendar) Watch(ctx context.Context, userID int64, calendarID, channelID, token, address string) (*calendar.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["watch"]++
	return &calendar.Channel{ID: channelID, ResourceID: "res-1", Expiry: time.Now().Add(time.Hour), Token: token}, nil
}

func (f *fakeCalendar) StopChannel(ctx context.Context, userID int64, channelID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["stop"]++
	return nil
}

type fakeRefresher struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeRefresher) Refresh(ctx context.Context, userID int64) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{AccessToken: "fresh"}, nil
}

type workerFixture struct {
	w   *SyncWorker
	db  *database.DB
	cal *fakeCalendar
	ref *fakeRefresher
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "worker.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewEventBus()
	audit.NewRecorder(db, bus, &logger)
	cal := newFakeCalendar()
	ref := &fakeRefresher{}
	q := queue.NewService(db, nil, &logger)

	cfg := config.SyncConfig{
		Workers:           1,
		PollInterval:      10 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		MaxRetries:        3,
		InitialRetryDelay: time.Millisecond,
		MaxRetryDelay:     10 * time.Millisecond,
	}
	return &workerFixture{
		w:   NewSyncWorker(db, cal, ref, q, bus, cfg, &logger),
		db:  db,
		cal: cal,
		ref: ref,
	}
}

func (fx *workerFixture) enableSync(t *testing.T, userID int64, direction string) *models.SyncSettings {
	t.Helper()
	s := models.DefaultSyncSettings(userID)
	s.Enabled = true
	s.ConsentGiven = true
	s.Direction = direction
	require.NoError(t, fx.db.SaveSyncSettings(context.Background(), s))
	return s
}

func (fx *workerFixture) addEvent(t *testing.T, userID int64, title string) *models.FinanceEvent {
	t.Helper()
	ev := &models.FinanceEvent{
		UserID:      userID,
		Category:    models.CategoryBill,
		Title:       title,
		AmountCents: 4250,
		Currency:    "EUR",
		DueDate:     time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, fx.db.CreateFinanceEvent(context.Background(), ev))
	return ev
}

// enqueueAndClaim pushes a job straight into the store and claims it, the
// way a running worker would receive it.
func (fx *workerFixture) enqueueAndClaim(t *testing.T, job *models.QueueJob) *models.QueueJob {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fx.db.EnqueueJob(ctx, job))
	claimed, err := fx.db.ClaimNextJob(ctx, "test-worker", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return claimed
}

func (fx *workerFixture) process(t *testing.T, job *models.QueueJob) {
	t.Helper()
	logger := zerolog.Nop()
	fx.w.process(context.Background(), &logger, job)
}

func TestRetryPolicy_NextDelay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second, BackoffFactor: 2}

	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, 2*time.Second, p.NextDelay(2))
	assert.Equal(t, 4*time.Second, p.NextDelay(3))
	assert.Equal(t, 8*time.Second, p.NextDelay(4))
	assert.Equal(t, 10*time.Second, p.NextDelay(5), "clamped at max")
	assert.Equal(t, time.Second, p.NextDelay(0), "attempt floor")
}

func TestRetryPolicy_JitterBounds(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2}

	for attempt := 1; attempt <= 5; attempt++ {
		base := p.NextDelay(attempt)
		for i := 0; i < 50; i++ {
			d := p.NextDelayJittered(attempt)
			assert.GreaterOrEqual(t, d, base)
			assert.Less(t, d, base+base/4+time.Nanosecond)
		}
	}
}

func TestProcess_CreatesExternalEvent(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionToExternal)
	ev := fx.addEvent(t, 1, "Rent")

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	assert.Equal(t, 1, fx.cal.called("create"))
	assert.Len(t, fx.cal.events, 1)

	m, err := fx.db.GetMappingByInternalID(ctx, 1, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MappingStatusSynced, m.Status)
	assert.Equal(t, models.OriginInternal, m.Origin)
	assert.NotEmpty(t, m.Etag)

	done, err := fx.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)

	records, err := fx.db.ListAuditRecords(ctx, 1, 10)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, models.AuditEventCreated, records[0].Action)
}

func TestProcess_SkipsUnchangedEvent(t *testing.T) {
	fx := newWorkerFixture(t)
	fx.enableSync(t, 1, models.DirectionToExternal)
	ev := fx.addEvent(t, 1, "Rent")

	// First run creates the event and stamps the mapping.
	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)
	require.Equal(t, 1, fx.cal.called("create"))

	// Redelivery of the same work must not touch the calendar again.
	job = fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	assert.Equal(t, 1, fx.cal.called("create"))
	assert.Equal(t, 0, fx.cal.called("update"))
}

func TestProcess_UpdatesChangedEvent(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionToExternal)
	ev := fx.addEvent(t, 1, "Rent")

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	// Edit the internal event after the first sync.
	time.Sleep(5 * time.Millisecond)
	ev.Title = "Rent September"
	require.NoError(t, fx.db.UpdateFinanceEvent(ctx, ev))
	ev, err := fx.db.GetFinanceEvent(ctx, 1, ev.ID)
	require.NoError(t, err)

	job = fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	assert.Equal(t, 1, fx.cal.called("update"))
	m, err := fx.db.GetMappingByInternalID(ctx, 1, ev.ID)
	require.NoError(t, err)
	for _, stored := range fx.cal.events {
		assert.Contains(t, stored.Summary, "Rent September")
	}
	assert.Equal(t, models.MappingStatusSynced, m.Status)
}

func TestProcess_DeletionPropagates(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionToExternal)
	ev := fx.addEvent(t, 1, "Rent")

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)
	require.Len(t, fx.cal.events, 1)

	require.NoError(t, fx.db.MarkFinanceEventDeleted(ctx, 1, ev.ID))
	job = fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	assert.Empty(t, fx.cal.events)
	_, err := fx.db.GetMappingByInternalID(ctx, 1, ev.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestProcess_DisabledUserJobDropped(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	s := fx.enableSync(t, 1, models.DirectionToExternal)
	ev := fx.addEvent(t, 1, "Rent")

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})

	// User disables sync while the job sits in the queue.
	s.Enabled = false
	require.NoError(t, fx.db.SaveSyncSettings(ctx, s))

	fx.process(t, job)

	assert.Equal(t, 0, fx.cal.called("create"))
	done, err := fx.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
}

func TestProcess_ConflictInternalWins(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionToExternal)
	ev := fx.addEvent(t, 1, "Rent")

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	// External copy edited behind our back: bump its etag so the
	// conditional update fails, but keep its timestamp older than the
	// internal edit below.
	for id, stored := range fx.cal.events {
		stored.Etag = "etag-external-edit"
		stored.Updated = time.Now().Add(-time.Hour)
		fx.cal.events[id] = stored
	}

	time.Sleep(5 * time.Millisecond)
	ev.Title = "Rent Updated"
	require.NoError(t, fx.db.UpdateFinanceEvent(ctx, ev))

	job = fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	for _, stored := range fx.cal.events {
		assert.Contains(t, stored.Summary, "Rent Updated", "internal copy overwrote the external edit")
	}

	records, err := fx.db.ListAuditRecords(ctx, 1, 20)
	require.NoError(t, err)
	var sawConflict bool
	for _, r := range records {
		if r.Action == models.AuditConflictResolved {
			sawConflict = true
			assert.Contains(t, r.Details, `"winner":"internal"`)
		}
	}
	assert.True(t, sawConflict, "conflict should be audited")
}

func TestProcess_ConflictExternalWins(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionBidirectional)
	ev := fx.addEvent(t, 1, "Rent")

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	time.Sleep(5 * time.Millisecond)
	ev.Title = "Rent Internal Edit"
	require.NoError(t, fx.db.UpdateFinanceEvent(ctx, ev))

	// External copy edited later than the internal edit.
	for id, stored := range fx.cal.events {
		stored.Etag = "etag-external-edit"
		stored.Summary = "Rent External Edit (42.50 EUR)"
		stored.Updated = time.Now().Add(time.Hour)
		fx.cal.events[id] = stored
	}

	job = fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	got, err := fx.db.GetFinanceEvent(ctx, 1, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "Rent External Edit", got.Title, "external title applied with amount suffix stripped")

	m, err := fx.db.GetMappingByInternalID(ctx, 1, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OriginExternal, m.Origin)
}

func TestProcess_TransientErrorReschedules(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionToExternal)
	ev := fx.addEvent(t, 1, "Rent")
	fx.cal.createErr = &calendar.APIError{Class: calendar.ClassTransient, Err: errors.New("backend error")}

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	got, err := fx.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "backend error")
}

func TestProcess_ExhaustedRetriesFailTerminally(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionToExternal)
	ev := fx.addEvent(t, 1, "Rent")
	fx.cal.createErr = &calendar.APIError{Class: calendar.ClassTransient, Err: errors.New("backend error")}

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal, MaxRetries: 1})
	fx.process(t, job)

	// Pull the retry forward and run the final attempt.
	_, err := fx.db.ExecContext(ctx, `UPDATE sync_jobs SET scheduled_for = ? WHERE id = ?`, time.Now().Add(-time.Second), job.ID)
	require.NoError(t, err)
	claimed, err := fx.db.ClaimNextJob(ctx, "test-worker", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	fx.process(t, claimed)

	got, err := fx.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)

	records, err := fx.db.ListAuditRecords(ctx, 1, 10)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, models.AuditSyncFailed, records[0].Action)
}

func TestProcess_PermanentErrorFailsImmediately(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionToExternal)
	ev := fx.addEvent(t, 1, "Rent")
	fx.cal.createErr = &calendar.APIError{Class: calendar.ClassPermanent, Err: errors.New("bad request")}

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	got, err := fx.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount, "no retries spent on permanent errors")
}

func TestProcess_AuthFailureRefreshesOnce(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionToExternal)
	ev := fx.addEvent(t, 1, "Rent")
	fx.cal.createErr = &calendar.APIError{Class: calendar.ClassAuth, Err: errors.New("invalid credentials")}
	fx.cal.errOnce = true

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	assert.Equal(t, 1, fx.ref.calls, "one refresh attempt after auth failure")
	got, err := fx.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status, "job retries after successful refresh")
}

func TestProcess_AuthFailureWithDeadTokenFlagsReconnect(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionToExternal)
	ev := fx.addEvent(t, 1, "Rent")
	fx.cal.createErr = &calendar.APIError{Class: calendar.ClassAuth, Err: errors.New("invalid credentials")}
	fx.ref.err = errors.New("refresh token revoked")

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	got, err := fx.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)

	s, err := fx.db.GetSyncSettings(ctx, 1)
	require.NoError(t, err)
	assert.True(t, s.ReconnectRequired)
	assert.NotEmpty(t, s.LastError)
}

func TestProcess_TokenSourceFailureFlagsReconnect(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionToExternal)
	ev := fx.addEvent(t, 1, "Rent")

	// The credential store failing before any API call takes the same
	// path as a rejected API credential: one refresh, then reconnect.
	fx.cal.createErr = credentials.ErrReconnectRequired
	fx.ref.err = credentials.ErrReconnectRequired

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	assert.Equal(t, 1, fx.ref.calls)
	got, err := fx.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status, "no endless retries on a dead token")

	s, err := fx.db.GetSyncSettings(ctx, 1)
	require.NoError(t, err)
	assert.True(t, s.ReconnectRequired)
}

func TestProcess_FailureStampsMapping(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionToExternal)
	ev := fx.addEvent(t, 1, "Rent")

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	time.Sleep(5 * time.Millisecond)
	ev.Title = "Rent September"
	require.NoError(t, fx.db.UpdateFinanceEvent(ctx, ev))
	ev, err := fx.db.GetFinanceEvent(ctx, 1, ev.ID)
	require.NoError(t, err)
	fx.cal.updateErr = &calendar.APIError{Class: calendar.ClassTransient, Err: errors.New("backend error")}
	fx.cal.errOnce = true

	job = fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	m, err := fx.db.GetMappingByInternalID(ctx, 1, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MappingStatusError, m.Status)
	assert.Equal(t, 1, m.ErrorCount)
	assert.Contains(t, m.ErrorMessage, "backend error")

	inErr, err := fx.db.CountMappingsInError(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, inErr)

	// A later successful push clears the bookkeeping.
	job = fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	m, err = fx.db.GetMappingByInternalID(ctx, 1, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MappingStatusSynced, m.Status)
	assert.Equal(t, 0, m.ErrorCount)
	assert.Empty(t, m.ErrorMessage)
}

func TestProcess_ConflictStatusSurvivesFailedResolution(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionToExternal)
	ev := fx.addEvent(t, 1, "Rent")

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	// Both sides changed, and fetching the external copy for resolution
	// keeps failing.
	for id, stored := range fx.cal.events {
		stored.Etag = "etag-external-edit"
		fx.cal.events[id] = stored
	}
	time.Sleep(5 * time.Millisecond)
	ev.Title = "Rent Updated"
	require.NoError(t, fx.db.UpdateFinanceEvent(ctx, ev))
	fx.cal.getErr = &calendar.APIError{Class: calendar.ClassTransient, Err: errors.New("backend error")}

	job = fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	m, err := fx.db.GetMappingByInternalID(ctx, 1, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MappingStatusConflict, m.Status, "mid-resolution state kept, not downgraded")
	assert.Equal(t, 1, m.ErrorCount)
	assert.NotEmpty(t, m.ErrorMessage)
}

func TestProcess_ExcludedDirectionJobDropped(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	s := fx.enableSync(t, 1, models.DirectionBidirectional)

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, Direction: models.DirectionFromExternal})

	// User goes outbound-only while the inbound job sits in the queue.
	s.Direction = models.DirectionToExternal
	require.NoError(t, fx.db.SaveSyncSettings(ctx, s))

	fx.process(t, job)

	assert.Equal(t, 0, fx.cal.called("list"))
	done, err := fx.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
}

func TestProcess_RateLimitHonorsRetryAfter(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionToExternal)
	ev := fx.addEvent(t, 1, "Rent")
	fx.cal.createErr = &calendar.APIError{
		Class:      calendar.ClassRateLimited,
		RetryAfter: 2 * time.Second,
		Err:        errors.New("rate limit exceeded"),
	}

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	before := time.Now()
	fx.process(t, job)

	got, err := fx.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.True(t, got.ScheduledFor.After(before.Add(time.Second)), "retry-after pushes the next attempt out")
}

func TestProcess_TokenExpiredClearsCursor(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	s := fx.enableSync(t, 1, models.DirectionFromExternal)
	s.SyncToken = "stale-cursor"
	require.NoError(t, fx.db.SaveSyncSettings(ctx, s))
	fx.cal.listErr = &calendar.APIError{Class: calendar.ClassTokenExpired, Err: errors.New("sync token invalid")}

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, Direction: models.DirectionFromExternal})
	fx.process(t, job)

	got, err := fx.db.GetSyncSettings(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, got.SyncToken)

	j, err := fx.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, j.Status, "job retries with a full listing")
}

func TestProcess_FullSyncExpands(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	s := fx.enableSync(t, 1, models.DirectionBidirectional)
	s.Categories = []string{models.CategoryBill}
	require.NoError(t, fx.db.SaveSyncSettings(ctx, s))

	fx.addEvent(t, 1, "Rent")
	fx.addEvent(t, 1, "Electricity")
	skipped := &models.FinanceEvent{
		UserID: 1, Category: models.CategoryIncome, Title: "Salary",
		AmountCents: 300000, Currency: "EUR", DueDate: time.Now(),
	}
	require.NoError(t, fx.db.CreateFinanceEvent(ctx, skipped))

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, Direction: models.DirectionToExternal})
	fx.process(t, job)

	done, err := fx.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)

	// Two bill events plus one inbound listing job; the income event is
	// outside the synced categories.
	active, err := fx.db.CountActiveJobs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, active)

	got, err := fx.db.GetSyncSettings(ctx, 1)
	require.NoError(t, err)
	assert.NotNil(t, got.LastFullSyncAt)
}

func TestProcess_ExternalChangesApplied(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionBidirectional)
	ev := fx.addEvent(t, 1, "Rent")

	// Seed the external side via a normal outbound sync.
	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	var externalID string
	for id := range fx.cal.events {
		externalID = id
	}
	fx.cal.changes = &calendar.ChangeList{
		Changes: []calendar.Change{{
			Event: calendar.Event{
				ID:      externalID,
				Etag:    "etag-2",
				Summary: "Rent moved (42.50 EUR)",
				Date:    time.Date(2026, 9, 20, 0, 0, 0, 0, time.UTC),
				Updated: time.Now().Add(time.Minute),
			},
		}},
		NextSyncToken: "tok-42",
	}

	job = fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, Direction: models.DirectionFromExternal})
	fx.process(t, job)

	got, err := fx.db.GetFinanceEvent(ctx, 1, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "Rent moved", got.Title)
	assert.Equal(t, time.Date(2026, 9, 20, 0, 0, 0, 0, time.UTC), got.DueDate.UTC())

	s, err := fx.db.GetSyncSettings(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "tok-42", s.SyncToken)
	assert.NotNil(t, s.LastIncrementalAt)
}

func TestProcess_ExternalDeletionApplied(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionBidirectional)
	ev := fx.addEvent(t, 1, "Rent")

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal})
	fx.process(t, job)

	var externalID string
	for id := range fx.cal.events {
		externalID = id
	}
	fx.cal.changes = &calendar.ChangeList{
		Changes:       []calendar.Change{{Event: calendar.Event{ID: externalID}, Deleted: true}},
		NextSyncToken: "tok-43",
	}

	job = fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, Direction: models.DirectionFromExternal})
	fx.process(t, job)

	_, err := fx.db.GetFinanceEvent(ctx, 1, ev.ID)
	require.ErrorIs(t, err, database.ErrNotFound, "soft-deleted events are hidden from reads")
	_, err = fx.db.GetMappingByExternalID(ctx, 1, externalID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestProcess_UnmappedExternalEventImported(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionFromExternal)

	fx.cal.changes = &calendar.ChangeList{
		Changes: []calendar.Change{{
			Event: calendar.Event{
				ID:      "foreign-1",
				Etag:    "etag-f1",
				Summary: "Dentist",
				Date:    time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC),
				Updated: time.Now(),
			},
		}},
		NextSyncToken: "tok-44",
	}

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, Direction: models.DirectionFromExternal})
	fx.process(t, job)

	evts, err := fx.db.ListFinanceEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, evts, 1, "calendar event without a marker becomes a new finance event")
	assert.Equal(t, "Dentist", evts[0].Title)
	assert.Equal(t, models.CategoryBill, evts[0].Category, "no category header defaults to bill")
	assert.Equal(t, models.DefaultCurrency, evts[0].Currency)
	assert.Equal(t, int64(0), evts[0].AmountCents, "amounts are never taken from the calendar")

	m, err := fx.db.GetMappingByExternalID(ctx, 1, "foreign-1")
	require.NoError(t, err)
	assert.Equal(t, evts[0].ID, m.InternalID)
	assert.Equal(t, models.OriginExternal, m.Origin)
	assert.Equal(t, models.MappingStatusSynced, m.Status)

	s, err := fx.db.GetSyncSettings(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "tok-44", s.SyncToken)

	records, err := fx.db.ListAuditRecords(ctx, 1, 10)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, models.AuditEventCreated, records[0].Action)
	assert.Contains(t, records[0].Details, `"origin":"external"`)
}

func TestProcess_ImportReadsCategoryHeader(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionFromExternal)

	fx.cal.changes = &calendar.ChangeList{
		Changes: []calendar.Change{{
			Event: calendar.Event{
				ID:          "foreign-2",
				Summary:     "Paycheck",
				Description: "Category: income\nAmount: 0.00 USD\n\nleft by hand",
				Date:        time.Date(2026, 10, 5, 0, 0, 0, 0, time.UTC),
				Updated:     time.Now(),
			},
		}},
		NextSyncToken: "tok-46",
	}

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, Direction: models.DirectionFromExternal})
	fx.process(t, job)

	evts, err := fx.db.ListFinanceEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, models.CategoryIncome, evts[0].Category)
	assert.Equal(t, "left by hand", evts[0].Notes)
}

func TestProcess_ImportOutsideSyncedCategoriesSkipped(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	s := fx.enableSync(t, 1, models.DirectionFromExternal)
	s.Categories = []string{models.CategoryIncome}
	require.NoError(t, fx.db.SaveSyncSettings(ctx, s))

	// No category header, so the import would land in bills, which the
	// user does not sync.
	fx.cal.changes = &calendar.ChangeList{
		Changes: []calendar.Change{{
			Event: calendar.Event{ID: "foreign-3", Summary: "Dentist", Updated: time.Now()},
		}},
		NextSyncToken: "tok-47",
	}

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, Direction: models.DirectionFromExternal})
	fx.process(t, job)

	evts, err := fx.db.ListFinanceEvents(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, evts)

	got, err := fx.db.GetSyncSettings(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "tok-47", got.SyncToken, "skipped changes still advance the cursor")
}

func TestProcess_RelinksFromMarker(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx := context.Background()
	fx.enableSync(t, 1, models.DirectionBidirectional)
	ev := fx.addEvent(t, 1, "Rent")

	// External event carries the marker but no mapping row exists.
	fx.cal.changes = &calendar.ChangeList{
		Changes: []calendar.Change{{
			Event: calendar.Event{
				ID:         "ext-relink",
				Etag:       "etag-9",
				Summary:    "Rent (42.50 EUR)",
				InternalID: ev.ID,
				Updated:    time.Now(),
			},
		}},
		NextSyncToken: "tok-45",
	}

	job := fx.enqueueAndClaim(t, &models.QueueJob{UserID: 1, Direction: models.DirectionFromExternal})
	fx.process(t, job)

	m, err := fx.db.GetMappingByExternalID(ctx, 1, "ext-relink")
	require.NoError(t, err)
	assert.Equal(t, ev.ID, m.InternalID)
}

func TestWorkerPool_ProcessesQueuedJob(t *testing.T) {
	fx := newWorkerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.enableSync(t, 1, models.DirectionToExternal)
	ev := fx.addEvent(t, 1, "Rent")

	require.NoError(t, fx.db.EnqueueJob(context.Background(), &models.QueueJob{
		UserID: 1, EventID: &ev.ID, Direction: models.DirectionToExternal,
	}))

	fx.w.Start(ctx)

	require.Eventually(t, func() bool {
		j, err := fx.db.CountActiveJobs(context.Background(), 1)
		return err == nil && j == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	fx.w.Wait()

	assert.Equal(t, 1, fx.cal.called("create"))
}
