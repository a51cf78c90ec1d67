// Package downloader fetches and unpacks task sources onto the shared
// scratch filesystem, verifying content digests and deduplicating repeat
// sources through a cross-task blob cache. On success it publishes
// task_ready; on persistent failure it marks the task errored and emits a
// TaskDelete.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kestrelsec/kestrel/ops"
	"github.com/kestrelsec/kestrel/queue"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/wire"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// fetchAttempts bounds per-source fetch retries before the task errors.
const fetchAttempts = 5

// Downloader consumes task_download_queue.
type Downloader struct {
	Registry *registry.Client
	Fabric   *queue.Fabric
	Blobs    *BlobCache
	Scratch  string

	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// Handle processes one TaskDownload.
func (d *Downloader) Handle(ctx context.Context, rec wire.Record, _ queue.Message) error {
	var dl = rec.(*wire.TaskDownload)
	var task = dl.Task

	// Register the task. Redelivery finds it already present, which is fine;
	// a task already past Downloading re-emits task_ready idempotently.
	var cur, err = d.Registry.UpdateTask(ctx, task.TaskID, func(t *wire.Task, exists bool) error {
		if !exists {
			task.State = wire.TaskStateDownloading
			*t = task
			return nil
		}
		if t.State.Terminal() {
			return registry.ErrUnchanged
		}
		if t.State == wire.TaskStatePending {
			t.State = wire.TaskStateDownloading
			return nil
		}
		return registry.ErrUnchanged
	})
	if err != nil {
		return err
	}
	if cur.State.Terminal() || cur.Cancelled {
		return ops.Terminal(fmt.Errorf("task %s is %s", task.TaskID, cur.State))
	}
	if cur.State != wire.TaskStateDownloading {
		// Already downloaded by a prior delivery.
		return d.publishReady(ctx, task.TaskID)
	}

	var grp, gctx = errgroup.WithContext(ctx)
	var fetched = make([]wire.SourceDetail, len(task.Sources))
	for i := range task.Sources {
		grp.Go(func() error {
			var src, err = d.fetchSource(gctx, task.TaskID, task.Sources[i])
			if err != nil {
				return err
			}
			fetched[i] = src
			return nil
		})
	}

	if err = grp.Wait(); err != nil {
		return d.failTask(ctx, task.TaskID, err)
	}

	for i := range fetched {
		if err = d.Registry.PutDownloaded(ctx, task.TaskID, &fetched[i]); err != nil {
			return err
		}
	}
	return d.publishReady(ctx, task.TaskID)
}

func (d *Downloader) publishReady(ctx context.Context, taskID string) error {
	var _, err = d.Fabric.Push(ctx, wire.QueueTaskReady, &wire.TaskReady{TaskID: taskID})
	return err
}

// failTask marks the task errored and broadcasts its teardown. Terminal
// errors pass through so that cancellation is not double-reported.
func (d *Downloader) failTask(ctx context.Context, taskID string, cause error) error {
	log.WithFields(log.Fields{"task": taskID, "err": cause}).Error("task download failed")

	var _, err = d.Registry.UpdateTask(ctx, taskID, func(t *wire.Task, exists bool) error {
		if !exists || t.State.Terminal() {
			return registry.ErrUnchanged
		}
		t.State = wire.TaskStateErrored
		return nil
	})
	if err != nil {
		return err
	}
	if _, err = d.Fabric.Push(ctx, wire.QueueTaskDelete, &wire.TaskDelete{TaskID: taskID}); err != nil {
		return err
	}
	return ops.Terminal(cause)
}

// fetchSource resolves one source to a local path under the task's scratch
// tree, via the blob cache. Retries with exponential backoff, checking for
// task cancellation before each attempt.
func (d *Downloader) fetchSource(ctx context.Context, taskID string, src wire.SourceDetail) (wire.SourceDetail, error) {
	var err error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt != 0 {
			var wait = ops.FullJitter(time.Second<<attempt, time.Second<<(attempt+1))
			if err := ops.Sleep(ctx, wait); err != nil {
				return src, err
			}
		}

		if cancelled, cerr := d.taskCancelled(ctx, taskID); cerr != nil {
			return src, cerr
		} else if cancelled {
			return src, ops.Terminal(fmt.Errorf("task %s cancelled during download", taskID))
		}

		var blob string
		if blob, err = d.resolveBlob(ctx, src); err != nil {
			if ops.Classify(err) == ops.KindValidation {
				return src, err // Digest mismatch or bad URL: never retried.
			}
			log.WithFields(log.Fields{
				"task": taskID, "url": src.URL, "attempt": attempt, "err": err,
			}).Warn("source fetch attempt failed")
			continue
		}

		var local string
		if local, err = d.placeSource(taskID, src, blob); err != nil {
			continue
		}
		src.LocalPath = local
		return src, nil
	}
	return src, fmt.Errorf("fetching %s after %d attempts: %w", src.URL, fetchAttempts, err)
}

func (d *Downloader) taskCancelled(ctx context.Context, taskID string) (bool, error) {
	var task, _, err = d.Registry.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return task.Cancelled || task.State.Terminal(), nil
}

// resolveBlob returns a blob-cache path of the source content, fetching and
// verifying it on a cache miss.
func (d *Downloader) resolveBlob(ctx context.Context, src wire.SourceDetail) (string, error) {
	if path, ok, err := d.Blobs.Lookup(src.SHA256); err != nil {
		return "", err
	} else if ok {
		return path, nil
	}

	var client = d.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return "", ops.Validation(fmt.Errorf("building request for %s: %w", src.URL, err))
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", src.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: status %d", src.URL, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Join(d.Scratch, "blobs"), ".fetch-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var hasher = sha256.New()
	if _, err = io.Copy(io.MultiWriter(tmp, hasher), resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("reading %s: %w", src.URL, err)
	}
	if err = tmp.Close(); err != nil {
		return "", err
	}

	if sum := hex.EncodeToString(hasher.Sum(nil)); sum != src.SHA256 {
		// Digest mismatch is not retryable trouble: the upstream content
		// disagrees with the task's declaration.
		return "", ops.Validation(fmt.Errorf("%s: sha256 %s does not match declared %s", src.URL, sum, src.SHA256))
	}
	return d.Blobs.Commit(src.SHA256, tmp.Name())
}

// placeSource copies the blob into the task's scratch tree, atomically via
// a rename within the same filesystem.
func (d *Downloader) placeSource(taskID string, src wire.SourceDetail, blob string) (string, error) {
	var dir = filepath.Join(d.Scratch, taskID, "sources", src.Type.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	var dst = filepath.Join(dir, "source")
	if _, err := os.Stat(dst); err == nil {
		return dst, nil // Placed by a prior delivery.
	}

	var tmp = dst + ".tmp"
	if err := copyFile(blob, tmp); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return dst, nil
}

func copyFile(from, to string) error {
	var src, err = os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err = io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
