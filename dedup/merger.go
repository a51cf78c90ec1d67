package dedup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kestrelsec/kestrel/ops"
	"github.com/kestrelsec/kestrel/queue"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/wire"
	log "github.com/sirupsen/logrus"
)

// seenTokens bounds the in-process cache of recently merged tokens. The
// crashes catalogue remains the source of truth; the cache just short-cuts
// the common storm of identical crashes from a hot harness.
const seenTokens = 8192

// Merger consumes raw_crash_queue. The first crash of each
// (task, crash_token) is recorded and forwarded to the tracer; duplicates
// are counted and banked into the task's forensic bag.
type Merger struct {
	Registry *registry.Client
	Fabric   *queue.Fabric
	Scratch  string

	seen *lru.Cache[string, struct{}]
}

func NewMerger(reg *registry.Client, fabric *queue.Fabric, scratch string) (*Merger, error) {
	var seen, err = lru.New[string, struct{}](seenTokens)
	if err != nil {
		return nil, err
	}
	return &Merger{Registry: reg, Fabric: fabric, Scratch: scratch, seen: seen}, nil
}

// Handle processes one raw Crash.
func (m *Merger) Handle(ctx context.Context, rec wire.Record, _ queue.Message) error {
	var crash = rec.(*wire.Crash)

	crash.CrashToken = Token(crash.Target.Sanitizer, NormalizedFrames(crash.Stacktrace))
	if crash.CrashID == "" {
		crash.CrashID = uuid.NewString()
	}

	var key = crash.TaskID + "\x00" + crash.CrashToken
	if _, ok := m.seen.Get(key); ok {
		return m.duplicate(crash)
	}

	var err = m.Registry.InsertCrash(ctx, crash)
	if errors.Is(err, registry.ErrConflict) {
		m.seen.Add(key, struct{}{})
		return m.duplicate(crash)
	} else if err != nil {
		return err
	}
	m.seen.Add(key, struct{}{})

	log.WithFields(log.Fields{
		"task": crash.TaskID, "token": crash.CrashToken, "harness": crash.HarnessName,
	}).Info("merged new crash")

	_, err = m.Fabric.Push(ctx, wire.QueueTracer, crash)
	return err
}

// duplicate banks a crash whose token is already recorded. The input path
// is kept: duplicate inputs are cheap forensic material for patch workers.
func (m *Merger) duplicate(crash *wire.Crash) error {
	ops.CrashesDeduped.WithLabelValues(crash.TaskID).Inc()

	var dir = filepath.Join(m.Scratch, crash.TaskID, "forensics")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var f, err = os.OpenFile(filepath.Join(dir, "duplicates.log"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%d %s %s %s\n",
		time.Now().UnixMilli(), crash.CrashToken, crash.HarnessName, crash.InputPath)
	return err
}
