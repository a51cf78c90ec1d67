package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelsec/kestrel/ops"
	"github.com/kestrelsec/kestrel/queue"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/wire"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/etcdtest"
)

func digest(b []byte) string {
	var sum = sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func testDownloader(t *testing.T) (*Downloader, *queue.Fabric) {
	var reg, err = registry.NewClient(etcdtest.TestClient(), "/kestrel.test")
	require.NoError(t, err)
	fabric, err := queue.NewFabric(etcdtest.TestClient(), "/kestrel.test", time.Minute, 0)
	require.NoError(t, err)

	var scratch = t.TempDir()
	blobs, err := OpenBlobCache(scratch)
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	return &Downloader{Registry: reg, Fabric: fabric, Blobs: blobs, Scratch: scratch}, fabric
}

func downloadTask(id string, srv *httptest.Server, repo, tooling []byte) wire.TaskDownload {
	return wire.TaskDownload{Task: wire.Task{
		TaskID:      id,
		Kind:        wire.TaskKindFull,
		ProjectName: "zlib",
		DeadlineMS:  time.Now().Add(time.Hour).UnixMilli(),
		MessageMS:   time.Now().UnixMilli(),
		Sources: []wire.SourceDetail{
			{SHA256: digest(repo), Type: wire.SourceTypeRepo, URL: srv.URL + "/repo"},
			{SHA256: digest(tooling), Type: wire.SourceTypeFuzzTooling, URL: srv.URL + "/tooling"},
		},
	}}
}

func TestDownloadHappyPath(t *testing.T) {
	defer etcdtest.Cleanup()
	var repo, tooling = []byte("repo-bytes"), []byte("tooling-bytes")

	var hits atomic.Int64
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/repo":
			w.Write(repo)
		case "/tooling":
			w.Write(tooling)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var d, fabric = testDownloader(t)
	var ctx = context.Background()

	var dl = downloadTask("t-dl", srv, repo, tooling)
	require.NoError(t, d.Handle(ctx, &dl, queue.Message{}))

	// Sources landed under the task's scratch tree.
	var got, err = os.ReadFile(filepath.Join(d.Scratch, "t-dl", "sources", "repo", "source"))
	require.NoError(t, err)
	require.Equal(t, repo, got)

	// The downloaded catalogue records local paths.
	sources, err := d.Registry.GetDownloaded(ctx, "t-dl")
	require.NoError(t, err)
	require.Len(t, sources, 2)
	for _, s := range sources {
		require.NotEmpty(t, s.LocalPath)
	}

	// task_ready was published.
	msgs, err := fabric.Peek(ctx, wire.QueueTaskReady, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// A second task with the same sources is served from the blob cache.
	var before = hits.Load()
	var dl2 = downloadTask("t-dl2", srv, repo, tooling)
	require.NoError(t, d.Handle(ctx, &dl2, queue.Message{}))
	require.Equal(t, before, hits.Load())

	// Redelivery of the first download is idempotent: it only re-announces.
	require.NoError(t, d.Handle(ctx, &dl, queue.Message{}))
	msgs, err = fabric.Peek(ctx, wire.QueueTaskReady, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
}

func TestDownloadDigestMismatchErrorsTask(t *testing.T) {
	defer etcdtest.Cleanup()
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not the declared bytes"))
	}))
	defer srv.Close()

	var d, fabric = testDownloader(t)
	var ctx = context.Background()

	var dl = downloadTask("t-bad", srv, []byte("declared-repo"), []byte("declared-tooling"))
	var err = d.Handle(ctx, &dl, queue.Message{})
	require.Equal(t, ops.KindTerminal, ops.Classify(err))

	task, _, err := d.Registry.GetTask(ctx, "t-bad")
	require.NoError(t, err)
	require.Equal(t, wire.TaskStateErrored, task.State)

	// Teardown was broadcast.
	msgs, err := fabric.Peek(ctx, wire.QueueTaskDelete, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestDownloadObservesCancellation(t *testing.T) {
	defer etcdtest.Cleanup()
	var d, _ = testDownloader(t)
	var ctx = context.Background()

	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var dl = downloadTask("t-cxl", srv, []byte("r"), []byte("f"))
	dl.Task.Cancelled = true

	var err = d.Handle(ctx, &dl, queue.Message{})
	require.Equal(t, ops.KindTerminal, ops.Classify(err))
}

func TestMain(m *testing.M) { etcdtest.TestMainWithEtcd(m) }
