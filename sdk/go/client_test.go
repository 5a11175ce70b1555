package matterlinesdk_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matterline/internal/config"
	"matterline/internal/engine"
	"matterline/internal/inference/inferencetest"
	"matterline/internal/memstore"
	"matterline/internal/server"
	matterlinesdk "matterline/sdk/go"
)

func newClient(t *testing.T) *matterlinesdk.Client {
	t.Helper()
	cfg := config.Default()
	cfg.Inference.BackoffInitialMS = 1
	cfg.Inference.BackoffMaxMS = 2
	e := engine.New(memstore.New(), inferencetest.Pipeline(inferencetest.New()), cfg)
	handler, err := server.New(server.Config{
		Engine: e,
		Auth:   server.AuthConfig{JWTSecret: "sdk-secret"},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	token, err := server.IssueToken("sdk-secret", "sdk-user")
	require.NoError(t, err)
	c := matterlinesdk.New(srv.URL)
	c.BearerToken = token
	return c
}

func TestClientDrivesWorkspaceToLock(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	ws, err := c.CreateWorkspace(ctx, matterlinesdk.NewWorkspace{
		TenantID:   "firm-7",
		SourceType: "email",
		SourceRaw:  "The landlord sent a notice to vacate within 15 days.",
	})
	require.NoError(t, err)
	assert.Equal(t, "RECEIVED", ws.CurrentState)
	assert.Equal(t, "sdk-user", ws.StateChangedBy)

	step, err := c.RunNextStage(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "facts", step.Stage)
	assert.NotEmpty(t, step.Created)

	run, err := c.RunStages(ctx, ws.ID, 0)
	require.NoError(t, err)
	assert.Len(t, run.Stages, 6)
	assert.Equal(t, "READY_FOR_HUMAN", run.Workspace.CurrentState)

	sum, err := c.Summary(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "READY_FOR_HUMAN", sum.State)
	assert.Equal(t, 1, sum.Facts)

	locked, err := c.Lock(ctx, ws.ID, "handed to counsel")
	require.NoError(t, err)
	assert.True(t, locked.Locked)

	list, err := c.ListWorkspaces(ctx, "firm-7", "LOCKED", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ws.ID, list[0].ID)

	page, err := c.EventsPage(ctx, ws.ID, 200, "")
	require.NoError(t, err)
	require.NotEmpty(t, page.Items)
	assert.Equal(t, "workspace.created", page.Items[0].Type)
	assert.Equal(t, "workspace.locked", page.Items[len(page.Items)-1].Type)
}

func TestClientSurfacesErrorCodes(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.GetWorkspace(ctx, "nope")
	var apiErr *matterlinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	ws, err := c.CreateWorkspace(ctx, matterlinesdk.NewWorkspace{SourceType: "form", SourceRaw: "Permit request"})
	require.NoError(t, err)
	_, err = c.Transition(ctx, ws.ID, "LOCKED", "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "invalid_transition", apiErr.Code)

	cancelled, err := c.Transition(ctx, ws.ID, "CANCELLED", "client withdrew")
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", cancelled.CurrentState)
	assert.NotNil(t, cancelled.CompletedAt)

	c.BearerToken = ""
	_, err = c.GetWorkspace(ctx, ws.ID)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 401, apiErr.StatusCode)
}
