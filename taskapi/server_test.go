package taskapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kestrelsec/kestrel/queue"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/wire"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/etcdtest"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	var reg, err = registry.NewClient(etcdtest.TestClient(), "/kestrel.test")
	require.NoError(t, err)
	fabric, err := queue.NewFabric(etcdtest.TestClient(), "/kestrel.test", time.Minute, 0)
	require.NoError(t, err)

	var s = &Server{Registry: reg, Fabric: fabric, KeyID: "key", Token: "secret"}
	var srv = httptest.NewServer(s.Mux())
	t.Cleanup(srv.Close)
	return s, srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, authed bool) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if authed {
		req.SetBasicAuth("key", "secret")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func taskBatch(taskID string, deadline time.Time) taskMessage {
	return taskMessage{
		MessageID:   "m-1",
		MessageTime: deadline.Add(-24 * time.Hour).UnixMilli(),
		Tasks: []taskDetail{{
			TaskID:      taskID,
			Type:        "delta",
			ProjectName: "libpng",
			Focus:       "pngrutil",
			Deadline:    deadline.UnixMilli(),
			Source: []sourceDetail{
				{Type: "repo", URL: "https://example/repo.tar.gz",
					SHA256: "00112233445566778899AABBCCDDEEFF00112233445566778899aabbccddeeff"},
				{Type: "fuzz-tooling", URL: "https://example/tooling.tar.gz",
					SHA256: "ffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100"},
				{Type: "diff", URL: "https://example/diff.tar.gz",
					SHA256: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"},
			},
			Metadata: map[string]string{"round": "2"},
		}},
	}
}

func TestSubmitAdmitsAndEnqueues(t *testing.T) {
	defer etcdtest.Cleanup()
	var s, srv = testServer(t)
	var ctx = context.Background()

	var resp = do(t, srv, http.MethodPost, "/v1/task", taskBatch("t-api", time.Now().Add(time.Hour)), true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	task, _, err := s.Registry.GetTask(ctx, "t-api")
	require.NoError(t, err)
	require.Equal(t, wire.TaskStatePending, task.State)
	require.Equal(t, wire.TaskKindDelta, task.Kind)
	require.Equal(t, "libpng", task.ProjectName)
	require.Len(t, task.Sources, 3)
	// sha256 digests are normalised to lower case.
	require.Equal(t,
		"00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
		task.Sources[0].SHA256)

	msgs, err := s.Fabric.Peek(ctx, wire.QueueTaskDownload, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// A replayed batch is absorbed without re-enqueueing.
	resp = do(t, srv, http.MethodPost, "/v1/task", taskBatch("t-api", time.Now().Add(time.Hour)), true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs, err = s.Fabric.Peek(ctx, wire.QueueTaskDownload, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestSubmitRejectsBadBatches(t *testing.T) {
	defer etcdtest.Cleanup()
	var _, srv = testServer(t)

	// Unknown source type.
	var batch = taskBatch("t-bad", time.Now().Add(time.Hour))
	batch.Tasks[0].Source[0].Type = "tarball"
	var resp = do(t, srv, http.MethodPost, "/v1/task", batch, true)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Deadline not after message time.
	batch = taskBatch("t-bad", time.Now().Add(time.Hour))
	batch.MessageTime = batch.Tasks[0].Deadline
	resp = do(t, srv, http.MethodPost, "/v1/task", batch, true)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestDeleteCancelsAndBroadcasts(t *testing.T) {
	defer etcdtest.Cleanup()
	var s, srv = testServer(t)
	var ctx = context.Background()

	do(t, srv, http.MethodPost, "/v1/task", taskBatch("t-del", time.Now().Add(time.Hour)), true)

	var resp = do(t, srv, http.MethodPost, "/v1/task/delete", deleteRequest{TaskID: "t-del"}, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	task, _, err := s.Registry.GetTask(ctx, "t-del")
	require.NoError(t, err)
	require.True(t, task.Cancelled)

	msgs, err := s.Fabric.Peek(ctx, wire.QueueTaskDelete, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	resp = do(t, srv, http.MethodPost, "/v1/task/delete", deleteRequest{TaskID: "t-missing"}, true)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusAndAuth(t *testing.T) {
	defer etcdtest.Cleanup()
	var _, srv = testServer(t)

	do(t, srv, http.MethodPost, "/v1/task", taskBatch("t-status", time.Now().Add(time.Hour)), true)

	var resp = do(t, srv, http.MethodGet, "/v1/task/t-status/status", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, "pending", status.State)
	require.False(t, status.Cancelled)

	resp = do(t, srv, http.MethodGet, "/v1/task/t-missing/status", nil, true)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Wrong or missing credentials are rejected before any processing.
	resp = do(t, srv, http.MethodGet, "/v1/task/t-status/status", nil, false)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = do(t, srv, http.MethodPost, "/v1/task", taskBatch("t-nope", time.Now().Add(time.Hour)), false)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
