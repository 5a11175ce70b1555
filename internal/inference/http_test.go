package inference_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matterline/internal/config"
	"matterline/internal/domain"
	"matterline/internal/inference"
)

func chatServer(t *testing.T, status int, content string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body struct {
			Model    string              `json:"model"`
			Messages []inference.Message `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "triage-model", body.Model)
		if status != http.StatusOK {
			http.Error(w, "nope", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func clientFor(urls ...string) *inference.HTTPClient {
	return inference.NewHTTPClient(config.InferenceConfig{
		BaseURLs:       urls,
		Model:          "triage-model",
		APIKey:         "secret",
		TimeoutSeconds: 5,
	})
}

func TestHTTPClientComplete(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"entities":[]}`, nil)
	resp, err := clientFor(srv.URL).Complete(context.Background(), inference.Request{Stage: "facts", Preamble: "p", Directive: "d", Snapshot: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, `{"entities":[]}`, resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestHTTPClientFallsBackAcrossEndpoints(t *testing.T) {
	var downHits, upHits atomic.Int32
	down := chatServer(t, http.StatusServiceUnavailable, "", &downHits)
	up := chatServer(t, http.StatusOK, "ok", &upHits)

	resp, err := clientFor(down.URL+"/v1/", up.URL).Complete(context.Background(), inference.Request{Snapshot: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.EqualValues(t, 1, downHits.Load())
	assert.EqualValues(t, 1, upHits.Load())
}

func TestHTTPClientErrorsClassify(t *testing.T) {
	badRequest := chatServer(t, http.StatusBadRequest, "", nil)
	_, err := clientFor(badRequest.URL).Complete(context.Background(), inference.Request{Snapshot: []byte(`{}`)})
	require.Error(t, err)
	assert.True(t, inference.IsPermanent(err))
	classified := inference.Classify("facts", time.Second, err)
	var unavailable *domain.UpstreamUnavailableError
	require.True(t, errors.As(classified, &unavailable))
	assert.True(t, unavailable.Permanent)
	assert.False(t, domain.IsRetryable(classified))

	throttled := chatServer(t, http.StatusTooManyRequests, "", nil)
	_, err = clientFor(badRequest.URL, throttled.URL).Complete(context.Background(), inference.Request{Snapshot: []byte(`{}`)})
	require.Error(t, err)
	assert.False(t, inference.IsPermanent(err))
	assert.True(t, domain.IsRetryable(inference.Classify("facts", time.Second, err)))
}

func TestClassifyDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(slow.Close)

	_, err := clientFor(slow.URL).Complete(ctx, inference.Request{Snapshot: []byte(`{}`)})
	require.Error(t, err)
	classified := inference.Classify("facts", 20*time.Millisecond, err)
	assert.True(t, errors.Is(classified, domain.ErrUpstreamTimeout))
	assert.Equal(t, domain.CodeUpstreamTimeout, domain.CodeOf(classified))
}

func TestGuardTripsAndRecovers(t *testing.T) {
	var calls int
	failing := inference.ClientFunc(func(ctx context.Context, req inference.Request) (inference.Response, error) {
		calls++
		return inference.Response{}, errors.New("connection refused")
	})
	guard := inference.NewGuard(2, time.Hour)
	client := inference.GuardedClient{Client: failing, Guard: guard}

	for i := 0; i < 2; i++ {
		_, err := client.Complete(context.Background(), inference.Request{})
		require.Error(t, err)
	}
	assert.False(t, guard.Allow())
	assert.Equal(t, 2, guard.Failures())

	_, err := client.Complete(context.Background(), inference.Request{})
	require.ErrorIs(t, err, inference.ErrGuardOpen)
	assert.Equal(t, 2, calls)

	guard.RecordSuccess()
	assert.True(t, guard.Allow())
	assert.True(t, guard.DisabledUntil().IsZero())
}

func TestGuardIgnoresCallerCancellation(t *testing.T) {
	guard := inference.NewGuard(1, time.Hour)
	client := inference.GuardedClient{
		Client: inference.ClientFunc(func(ctx context.Context, req inference.Request) (inference.Response, error) {
			return inference.Response{}, ctx.Err()
		}),
		Guard: guard,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Complete(ctx, inference.Request{})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, guard.Allow())
	assert.Zero(t, guard.Failures())
}
