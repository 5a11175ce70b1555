package app

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matterline/internal/config"
	"matterline/internal/db"
	"matterline/internal/domain"
	"matterline/internal/engine"
	"matterline/internal/inference"
	"matterline/internal/inference/inferencetest"
)

func TestOpenPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(Options{Workspace: dir, Client: inferencetest.Pipeline(inferencetest.New())})
	require.NoError(t, err)
	ws, err := a.Engine.CreateWorkspace(context.Background(), engine.CreateWorkspace{
		SourceType: "email",
		SourceRaw:  "Request for documents",
		ActorID:    "clerk",
	})
	require.NoError(t, err)
	_, err = a.Engine.RunNextStage(context.Background(), ws.ID)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = os.Stat(db.Path(dir))
	require.NoError(t, err)

	b, err := Open(Options{Workspace: dir, Client: inferencetest.New()})
	require.NoError(t, err)
	defer b.Close()
	got, err := b.Engine.GetWorkspace(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFactsExtracted, got.CurrentState)
	assert.Equal(t, int64(2), got.Version)
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	yml := "inference:\n  max_validation_retries: 0\n  guard:\n    max_failures: 3\n"
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(yml), 0o644))

	a, err := Open(Options{Workspace: dir, Memory: true, Client: inferencetest.New()})
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, 0, a.Config.Inference.MaxValidationRetries)
	require.NotNil(t, a.Guard)
	assert.IsType(t, inference.GuardedClient{}, a.Engine.Inference)

	_, err = os.Stat(filepath.Join(dir, ".matterline"))
	assert.True(t, os.IsNotExist(err), "memory mode must not create the state dir")
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yml")
	require.NoError(t, os.WriteFile(path, []byte("inference: [oops"), 0o644))
	_, err := Open(Options{ConfigPath: path, Memory: true})
	require.Error(t, err)
}

func TestMetricsHandlerExposesEngineMetrics(t *testing.T) {
	a, err := Open(Options{Memory: true, Client: inferencetest.Pipeline(inferencetest.New())})
	require.NoError(t, err)
	ws, err := a.Engine.CreateWorkspace(context.Background(), engine.CreateWorkspace{
		SourceType: "form",
		SourceRaw:  "Benefit claim",
		ActorID:    "clerk",
	})
	require.NoError(t, err)
	_, err = a.Engine.RunNextStage(context.Background(), ws.ID)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	a.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "matterline_transitions_total")
	assert.Contains(t, string(body), `stage="facts"`)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "json")
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, `"msg":"shown"`), out)

	_, err = NewLogger(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = NewLogger(&buf, "info", "xml")
	assert.Error(t, err)
}
