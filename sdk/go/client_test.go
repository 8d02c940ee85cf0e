package cutlinesdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cutline/internal/config"
	"cutline/internal/db"
	"cutline/internal/engine"
	"cutline/internal/logging"
	"cutline/internal/migrate"
	"cutline/internal/server"
)

const secret = "sdk-secret"

func newServer(t *testing.T) string {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	e, err := engine.New(conn, config.Default("cutline-sdk"), logging.Discard())
	require.NoError(t, err)
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv.URL + "/v0"
}

func clientAs(t *testing.T, baseURL, actor, role string) *Client {
	t.Helper()
	token, err := server.SignToken(secret, actor, []string{role}, time.Hour)
	require.NoError(t, err)
	c := New(baseURL)
	c.BearerToken = token
	return c
}

func TestClientClaimReviewApprove(t *testing.T) {
	ctx := context.Background()
	base := newServer(t)
	ops := clientAs(t, base, "ops-1", "operator")
	producer := clientAs(t, base, "prod-1", "producer")
	reviewer := clientAs(t, base, "rev-1", "reviewer")

	req, err := ops.CreateRequest(ctx, CreateRequest{Title: "Launch teaser", Budget: 500000})
	require.NoError(t, err)
	assert.Equal(t, "OPEN", req.Status)
	assert.Equal(t, 1, req.MaxAssignees)

	asg, err := producer.Claim(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500000), asg.BudgetSnapshot)

	_, err = clientAs(t, base, "prod-2", "producer").Claim(ctx, req.ID)
	require.Error(t, err)
	assert.True(t, IsCode(err, "capacity_exceeded"), "got %v", err)

	v, err := producer.SubmitVersion(ctx, asg.ID, "v1.0", "first cut")
	require.NoError(t, err)
	assert.Equal(t, 1, v.Slot)

	v, err = reviewer.BeginReview(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "IN_REVIEW", v.Status)

	fb, err := reviewer.AddFeedback(ctx, v.ID, "logo too small", 12.5)
	require.NoError(t, err)
	assert.Equal(t, "pending", fb.Status)

	res, err := reviewer.Approve(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", res.Version.Status)
	assert.Equal(t, int64(500000), res.Settlement.Amount)
	assert.Equal(t, "PRIMARY", res.Settlement.Kind)

	_, err = reviewer.Approve(ctx, v.ID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "already_settled", apiErr.Code)

	recs, err := clientAs(t, base, "fin-1", "settlement").Settlements(ctx, map[string]string{"producer_id": "prod-1"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, v.ID, recs[0].SourceRef)
}

func TestClientEventsPaging(t *testing.T) {
	ctx := context.Background()
	base := newServer(t)
	ops := clientAs(t, base, "ops-1", "operator")
	for _, title := range []string{"a", "b", "c"} {
		_, err := ops.CreateRequest(ctx, CreateRequest{Title: title, Budget: 1000})
		require.NoError(t, err)
	}
	page, err := ops.EventsPage(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	rest, err := ops.EventsPage(ctx, 2, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, rest.Items, 1)
	assert.Empty(t, rest.NextCursor)
}

func TestClientErrorsWithoutCredentials(t *testing.T) {
	c := New(newServer(t))
	_, err := c.GetRequest(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.Code)
}
