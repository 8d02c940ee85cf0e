package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cutline/internal/config"
	"cutline/internal/db"
	"cutline/internal/domain"
	"cutline/internal/engine"
	"cutline/internal/logging"
	"cutline/internal/migrate"
	"cutline/internal/repo"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clock
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn), "migrate")

	eng, err := engine.New(conn, config.Default("cutline-test"), logging.Discard())
	require.NoError(t, err)
	clk := &clock{t: time.Date(2025, 10, 15, 3, 0, 0, 0, time.UTC)}
	eng.Now = clk.Now
	return testEnv{Engine: eng, Ctx: ctx, Clock: clk}
}

func (env testEnv) request(t *testing.T, mode domain.AssignmentMode, max int, budget int64) domain.ProjectRequest {
	t.Helper()
	req, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		Title:        "Brand film cut",
		Mode:         mode,
		MaxAssignees: max,
		Budget:       budget,
		ActorID:      "ops-1",
	})
	require.NoError(t, err)
	return req
}

func (env testEnv) claim(t *testing.T, requestID, producerID string) domain.Assignment {
	t.Helper()
	a, err := env.Engine.Claim(env.Ctx, requestID, producerID)
	require.NoError(t, err)
	return a
}

func TestCreateRequestDefaultsAndValidation(t *testing.T) {
	env := newTestEnv(t)

	req, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{
		Title:        "  Teaser  ",
		MaxAssignees: 5,
		Budget:       100000,
		Deadline:     "2025-11-01T18:00:00+09:00",
		Categories:   []string{"ad", "ad", " shorts "},
		ActorID:      "ops-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "Teaser", req.Title)
	assert.Equal(t, domain.ModeSingle, req.Mode)
	assert.Equal(t, 1, req.MaxAssignees, "SINGLE caps capacity at one")
	assert.Equal(t, domain.RequestOpen, req.Status)
	assert.Equal(t, []string{"ad", "shorts"}, req.Categories)
	require.NotNil(t, req.Deadline)
	assert.Equal(t, "2025-11-01T09:00:00Z", *req.Deadline)

	cases := []engine.RequestCreateOptions{
		{Title: "", ActorID: "ops-1"},
		{Title: "x"},
		{Title: "x", ActorID: "ops-1", Mode: "ROUND_ROBIN"},
		{Title: "x", ActorID: "ops-1", Mode: domain.ModeMultiple, MaxAssignees: 0},
		{Title: "x", ActorID: "ops-1", Budget: -1},
		{Title: "x", ActorID: "ops-1", Priority: 2},
		{Title: "x", ActorID: "ops-1", Deadline: "next friday"},
	}
	for i, c := range cases {
		_, err := env.Engine.CreateRequest(env.Ctx, c)
		assert.ErrorIsf(t, err, domain.ErrInvalidInput, "case %d", i)
	}
}

func TestSingleModeAdmitsOneClaim(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 0, 50000)

	env.claim(t, req.ID, "producer-a")
	for _, p := range []string{"producer-b", "producer-c"} {
		_, err := env.Engine.Claim(env.Ctx, req.ID, p)
		assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
	}
	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestFull, got.Status)
	assert.Equal(t, 1, got.CurrentAssignees)
}

func TestConcurrentClaimsNeverOvershoot(t *testing.T) {
	env := newTestEnv(t)
	const capacity, attempts = 3, 10
	req := env.request(t, domain.ModeGroup, capacity, 80000)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      int
		rejected int
		other    []error
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Engine.Claim(env.Ctx, req.ID, fmt.Sprintf("producer-%02d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, domain.ErrCapacityExceeded):
				rejected++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, other)
	assert.Equal(t, capacity, won)
	assert.Equal(t, attempts-capacity, rejected)
	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity, got.CurrentAssignees)
	assert.Equal(t, domain.RequestFull, got.Status)

	active, err := env.Engine.ListAssignments(env.Ctx, repo.AssignmentFilter{RequestID: req.ID, ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, capacity)
}

func TestMultipleModeScenario(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeMultiple, 2, 150000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, p := range []string{"producer-a", "producer-b"} {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			_, errs[i] = env.Engine.Claim(env.Ctx, req.ID, p)
		}(i, p)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestFull, got.Status)

	_, err = env.Engine.Claim(env.Ctx, req.ID, "producer-c")
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
}

func TestDuplicateClaimIsRejected(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeMultiple, 3, 10000)
	env.claim(t, req.ID, "producer-a")

	_, err := env.Engine.Claim(env.Ctx, req.ID, "producer-a")
	assert.ErrorIs(t, err, domain.ErrDuplicateClaim)

	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentAssignees)
}

func TestClaimOnMissingRequest(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Claim(env.Ctx, "nope", "producer-a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReleaseReopensCapacity(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeMultiple, 2, 30000)
	a := env.claim(t, req.ID, "producer-a")
	env.claim(t, req.ID, "producer-b")

	released, err := env.Engine.Release(env.Ctx, a.ID, "ops-1")
	require.NoError(t, err)
	require.NotNil(t, released.ReleasedAt)
	assert.Equal(t, "ops-1", *released.ReleasedBy)

	got, err := env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestOpen, got.Status)
	assert.Equal(t, 1, got.CurrentAssignees)

	_, err = env.Engine.Release(env.Ctx, a.ID, "ops-1")
	assert.ErrorIs(t, err, domain.ErrAssignmentReleased)

	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{AssignmentID: a.ID, ProducerID: "producer-a", Label: "v1.0"})
	assert.ErrorIs(t, err, domain.ErrAssignmentReleased)

	env.claim(t, req.ID, "producer-c")
	got, err = env.Engine.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestFull, got.Status)

	all, err := env.Engine.ListAssignments(env.Ctx, repo.AssignmentFilter{RequestID: req.ID})
	require.NoError(t, err)
	assert.Len(t, all, 3, "released assignments are kept")
}

func TestUpdateRequestKeepsClaimedBudget(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeMultiple, 2, 150000)
	a := env.claim(t, req.ID, "producer-a")

	budget := int64(999000)
	title := "Brand film cut (extended)"
	updated, err := env.Engine.UpdateRequest(env.Ctx, engine.RequestUpdateOptions{ID: req.ID, Budget: &budget, Title: &title, ActorID: "ops-1"})
	require.NoError(t, err)
	assert.Equal(t, budget, updated.Budget)
	assert.Equal(t, title, updated.Title)

	got, err := env.Engine.GetAssignment(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150000), got.BudgetSnapshot)

	late := env.claim(t, req.ID, "producer-b")
	assert.Equal(t, budget, late.BudgetSnapshot)
}

func TestCancelBlocksClaimsAndSubmissions(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeMultiple, 3, 40000)
	a := env.claim(t, req.ID, "producer-a")

	cancelled, err := env.Engine.CancelRequest(env.Ctx, req.ID, "ops-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestCancelled, cancelled.Status)
	require.NotNil(t, cancelled.ClosedAt)

	_, err = env.Engine.Claim(env.Ctx, req.ID, "producer-b")
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)

	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{AssignmentID: a.ID, ProducerID: "producer-a", Label: "v1.0"})
	assert.ErrorIs(t, err, domain.ErrRequestClosed)

	title := "renamed"
	_, err = env.Engine.UpdateRequest(env.Ctx, engine.RequestUpdateOptions{ID: req.ID, Title: &title, ActorID: "ops-1"})
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)

	_, err = env.Engine.CloseRequest(env.Ctx, req.ID, "ops-1")
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
}

func TestListRequestsOrdersUrgentFirst(t *testing.T) {
	env := newTestEnv(t)
	first := env.request(t, domain.ModeSingle, 1, 1000)
	env.Clock.Set(env.Clock.Now().Add(time.Minute))
	urgent, err := env.Engine.CreateRequest(env.Ctx, engine.RequestCreateOptions{Title: "Rush", Priority: 1, Budget: 1000, ActorID: "ops-1"})
	require.NoError(t, err)

	list, err := env.Engine.ListRequests(env.Ctx, repo.RequestFilter{Status: string(domain.RequestOpen)})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, urgent.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestMutationsAppendEvents(t *testing.T) {
	env := newTestEnv(t)
	req := env.request(t, domain.ModeSingle, 1, 1000)
	a := env.claim(t, req.ID, "producer-a")
	_, err := env.Engine.Release(env.Ctx, a.ID, "ops-1")
	require.NoError(t, err)

	evs, err := env.Engine.ListEvents(env.Ctx, engine.EventFilter{})
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, "assignment.released", evs[0].Type)
	assert.Equal(t, "ops-1", evs[0].ActorID)
	assert.Equal(t, "assignment.claimed", evs[1].Type)
	assert.Equal(t, "request.created", evs[2].Type)

	after, err := env.Engine.EventsAfter(env.Ctx, evs[2].ID, 10)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "assignment.claimed", after[0].Type)

	claims, err := env.Engine.ListEvents(env.Ctx, engine.EventFilter{EntityKind: "assignment", EntityID: a.ID})
	require.NoError(t, err)
	assert.Len(t, claims, 2)
}
