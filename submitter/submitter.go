// Package submitter drives submission ledgers against the external
// competition API. Each ledger entry advances PoV, then patch, then
// bundle, with at most one in-flight external request per artifact.
//
// At-most-once submission: a reference nonce is committed to the ledger
// BEFORE the first POST, and every POST carries it. A crash between POST
// and recording the server's id re-POSTs the same nonce, which the server
// deduplicates; the server-minted id is then CAS-recorded exactly once.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelsec/kestrel/capi"
	"github.com/kestrelsec/kestrel/ops"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/wire"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// DefaultTick paces ledger sweeps.
	DefaultTick = 5 * time.Second
	// DefaultPollInitial and DefaultPollMax bound the status poll interval,
	// which doubles while a submission stays non-terminal.
	DefaultPollInitial = 2 * time.Second
	DefaultPollMax     = 60 * time.Second
	// DefaultHardStop freezes a task's ledgers this long before its
	// deadline: no new external submissions after that point.
	DefaultHardStop = time.Minute

	// Rate budgets of the external API.
	taskRateLimit   = rate.Limit(5)
	globalRateLimit = rate.Limit(50)

	// submitAttempts bounds transient retries of one POST.
	submitAttempts = 10
)

// Submitter sweeps submission ledgers. One Submitter processes each task's
// entries serially; ledger writes are CAS, so a second Submitter (e.g.
// during a rolling restart) is safe, just wasteful.
type Submitter struct {
	Registry *registry.Client
	API      *capi.Client

	Tick        time.Duration
	PollInitial time.Duration
	PollMax     time.Duration
	HardStop    time.Duration

	global  *rate.Limiter
	mu      sync.Mutex
	perTask map[string]*rate.Limiter
	polls   map[string]*pollState
}

type pollState struct {
	interval time.Duration
	next     time.Time
}

func New(reg *registry.Client, api *capi.Client) *Submitter {
	return &Submitter{
		Registry:    reg,
		API:         api,
		Tick:        DefaultTick,
		PollInitial: DefaultPollInitial,
		PollMax:     DefaultPollMax,
		HardStop:    DefaultHardStop,
		global:      rate.NewLimiter(globalRateLimit, int(globalRateLimit)),
		perTask:     make(map[string]*rate.Limiter),
		polls:       make(map[string]*pollState),
	}
}

// Run sweeps until the context is cancelled.
func (s *Submitter) Run(ctx context.Context) error {
	var ticker = time.NewTicker(s.Tick)
	defer ticker.Stop()

	for {
		if err := s.Sweep(ctx); err != nil {
			log.WithField("err", err).Warn("submission sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep processes every live task's ledger entries once.
func (s *Submitter) Sweep(ctx context.Context) error {
	var tasks, err = s.Registry.ScanTasks(ctx)
	if err != nil {
		return err
	}
	for i := range tasks {
		if err = s.ProcessTask(ctx, &tasks[i]); err != nil {
			log.WithFields(log.Fields{"task": tasks[i].TaskID, "err": err}).
				Warn("processing task submissions")
		}
	}
	return nil
}

// ProcessTask advances each ledger entry of one task.
func (s *Submitter) ProcessTask(ctx context.Context, task *wire.Task) error {
	var entries, err = s.Registry.ScanSubmissionsByTask(ctx, task.TaskID)
	if err != nil {
		return err
	}

	var frozen = task.Cancelled || task.State.Terminal() ||
		time.Until(task.Deadline()) < s.HardStop

	for i := range entries {
		if err = s.processEntry(ctx, task, &entries[i], frozen); err != nil {
			ops.LogBoundary(task.TaskID, "submitter", err)
		}
	}
	return nil
}

func (s *Submitter) processEntry(ctx context.Context, task *wire.Task, entry *wire.SubmissionEntry, frozen bool) error {
	if frozen && !entry.Stop {
		var _, err = s.Registry.UpdateSubmission(ctx, entry.InternalPatchID,
			func(e *wire.SubmissionEntry, exists bool) error {
				if !exists || e.Stop {
					return registry.ErrUnchanged
				}
				e.Stop = true
				return nil
			})
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{"task": task.TaskID, "ipid": entry.InternalPatchID}).
			Info("ledger frozen ahead of deadline")
		return nil
	}
	if entry.Stop {
		return nil
	}

	if err := s.drivePOV(ctx, task, entry); err != nil {
		return err
	}
	if err := s.drivePatch(ctx, task, entry); err != nil {
		return err
	}
	return s.driveBundle(ctx, task, entry)
}

// drivePOV advances the entry's first unresolved PoV submission one step.
func (s *Submitter) drivePOV(ctx context.Context, task *wire.Task, entry *wire.SubmissionEntry) error {
	for i := range entry.Crashes {
		var cs = &entry.Crashes[i]
		if cs.Result.Terminal() {
			continue
		}

		if cs.RefKey == "" {
			return s.mutateCrash(ctx, entry.InternalPatchID, i, func(c *wire.CrashSubmission) {
				c.RefKey = "pov-" + uuid.NewString()
			})
		}
		if cs.CompetitionPOVID == "" {
			return s.postPOV(ctx, task, entry, i, cs)
		}
		return s.pollPOV(ctx, task, entry, i, cs)
	}
	return nil
}

func (s *Submitter) postPOV(ctx context.Context, task *wire.Task, entry *wire.SubmissionEntry, i int, cs *wire.CrashSubmission) error {
	var id string
	var result wire.SubmissionResult
	var err = s.withRetry(ctx, task, func(rctx context.Context) error {
		var e error
		id, result, e = s.API.SubmitPOV(rctx, task.TaskID, cs.RefKey, &cs.Crash)
		return e
	})
	if err != nil {
		return s.recordRejection(ctx, entry.InternalPatchID, err, func(e *wire.SubmissionEntry) {
			e.Crashes[i].Result = wire.ResultErrored
		})
	}

	ops.Submissions.WithLabelValues("pov", result.String()).Inc()
	log.WithFields(log.Fields{
		"task": task.TaskID, "ipid": entry.InternalPatchID, "pov": id,
	}).Info("submitted proof of vulnerability")

	return s.mutateCrash(ctx, entry.InternalPatchID, i, func(c *wire.CrashSubmission) {
		if c.CompetitionPOVID == "" { // First writer wins.
			c.CompetitionPOVID = id
			c.Result = result
		}
	})
}

func (s *Submitter) pollPOV(ctx context.Context, task *wire.Task, entry *wire.SubmissionEntry, i int, cs *wire.CrashSubmission) error {
	if !s.pollDue(entry.InternalPatchID + "/pov/" + cs.CompetitionPOVID) {
		return nil
	}
	var result, err = s.API.POVStatus(ctx, task.TaskID, cs.CompetitionPOVID)
	if err != nil {
		return err
	}
	if result == cs.Result {
		return nil
	}
	return s.mutateCrash(ctx, entry.InternalPatchID, i, func(c *wire.CrashSubmission) {
		c.Result = result
	})
}

// drivePatch submits the current candidate once its PoV checks pass and a
// PoV submission has passed externally.
func (s *Submitter) drivePatch(ctx context.Context, task *wire.Task, entry *wire.SubmissionEntry) error {
	if _, ok := entry.PassedPOV(); !ok {
		return nil
	}
	if int(entry.PatchIdx) >= len(entry.Patches) {
		return nil
	}
	var idx = entry.PatchIdx
	var ps = &entry.Patches[idx]
	if !ps.PovPassing() || ps.Result.Terminal() {
		return nil
	}

	if ps.RefKey == "" {
		return s.mutatePatch(ctx, entry.InternalPatchID, int(idx), func(p *wire.PatchSubmission) {
			p.RefKey = "patch-" + uuid.NewString()
		})
	}
	if ps.CompetitionPatchID == "" {
		var id string
		var result wire.SubmissionResult
		var err = s.withRetry(ctx, task, func(rctx context.Context) error {
			var e error
			id, result, e = s.API.SubmitPatch(rctx, task.TaskID, ps.RefKey, ps.Patch.Diff)
			return e
		})
		if err != nil {
			return s.recordRejection(ctx, entry.InternalPatchID, err, func(e *wire.SubmissionEntry) {
				e.Patches[idx].Result = wire.ResultErrored
			})
		}

		ops.Submissions.WithLabelValues("patch", result.String()).Inc()
		log.WithFields(log.Fields{
			"task": task.TaskID, "ipid": entry.InternalPatchID, "patch": id,
		}).Info("submitted candidate patch")

		return s.mutatePatch(ctx, entry.InternalPatchID, int(idx), func(p *wire.PatchSubmission) {
			if p.CompetitionPatchID == "" {
				p.CompetitionPatchID = id
				p.Result = result
			}
		})
	}

	if !s.pollDue(entry.InternalPatchID + "/patch/" + ps.CompetitionPatchID) {
		return nil
	}
	var result, err = s.API.PatchStatus(ctx, task.TaskID, ps.CompetitionPatchID)
	if err != nil {
		return err
	}
	if result == ps.Result {
		return nil
	}
	return s.mutatePatch(ctx, entry.InternalPatchID, int(idx), func(p *wire.PatchSubmission) {
		p.Result = result
	})
}

// driveBundle links a passed PoV and patch into a bundle, once.
func (s *Submitter) driveBundle(ctx context.Context, task *wire.Task, entry *wire.SubmissionEntry) error {
	var pov, okPOV = entry.PassedPOV()
	var patch, okPatch = entry.PassedPatch()
	if !okPOV || !okPatch || len(entry.Bundles) != 0 {
		return nil
	}

	var b = wire.BundleSubmission{
		CompetitionPOVID:   pov.CompetitionPOVID,
		CompetitionPatchID: patch.CompetitionPatchID,
	}
	var err = s.withRetry(ctx, task, func(rctx context.Context) error {
		var e error
		b.BundleID, e = s.API.CreateBundle(rctx, task.TaskID, &b)
		return e
	})
	if err != nil {
		return err
	}
	ops.Submissions.WithLabelValues("bundle", "created").Inc()

	var _, uerr = s.Registry.UpdateSubmission(ctx, entry.InternalPatchID,
		func(e *wire.SubmissionEntry, exists bool) error {
			if !exists || len(e.Bundles) != 0 {
				return registry.ErrUnchanged
			}
			e.Bundles = append(e.Bundles, b)
			return nil
		})
	return uerr
}

// withRetry runs |post| under the rate budgets, retrying transient failures
// with full-jitter backoff. Validation failures return immediately. The
// whole loop runs under the task's hard-stop deadline, so a burst of
// transient failures cannot keep POSTing past it.
func (s *Submitter) withRetry(ctx context.Context, task *wire.Task, post func(context.Context) error) error {
	var rctx, cancel = context.WithDeadline(ctx, task.Deadline().Add(-s.HardStop))
	defer cancel()

	var err error
	for attempt := 0; attempt != submitAttempts; attempt++ {
		if err = s.global.Wait(rctx); err != nil {
			return err
		}
		if err = s.taskLimiter(task.TaskID).Wait(rctx); err != nil {
			return err
		}
		if err = post(rctx); err == nil {
			return nil
		}
		if ops.Classify(err) != ops.KindTransient {
			return err
		}
		var ceil = time.Second << attempt
		if ceil > time.Minute {
			ceil = time.Minute
		}
		if serr := ops.Sleep(rctx, ops.FullJitter(0, ceil)); serr != nil {
			return serr
		}
	}
	return ops.Exhaustion(fmt.Errorf("after %d attempts: %w", submitAttempts, err))
}

// recordRejection marks an artifact errored on non-retryable failure, and
// passes transient trouble through for the next sweep.
func (s *Submitter) recordRejection(ctx context.Context, ipid string, cause error, mark func(*wire.SubmissionEntry)) error {
	switch ops.Classify(cause) {
	case ops.KindValidation, ops.KindExhaustion, ops.KindTerminal:
	default:
		return cause
	}
	log.WithFields(log.Fields{"ipid": ipid, "err": cause}).Warn("submission rejected")
	var _, err = s.Registry.UpdateSubmission(ctx, ipid,
		func(e *wire.SubmissionEntry, exists bool) error {
			if !exists {
				return registry.ErrUnchanged
			}
			mark(e)
			return nil
		})
	if err != nil {
		return err
	}
	return nil
}

func (s *Submitter) mutateCrash(ctx context.Context, ipid string, i int, mutate func(*wire.CrashSubmission)) error {
	var _, err = s.Registry.UpdateSubmission(ctx, ipid,
		func(e *wire.SubmissionEntry, exists bool) error {
			if !exists || i >= len(e.Crashes) {
				return errors.New("ledger entry vanished")
			}
			mutate(&e.Crashes[i])
			return nil
		})
	return err
}

func (s *Submitter) mutatePatch(ctx context.Context, ipid string, i int, mutate func(*wire.PatchSubmission)) error {
	var _, err = s.Registry.UpdateSubmission(ctx, ipid,
		func(e *wire.SubmissionEntry, exists bool) error {
			if !exists || i >= len(e.Patches) {
				return errors.New("ledger entry vanished")
			}
			mutate(&e.Patches[i])
			return nil
		})
	return err
}

// pollDue rate-limits status polls of one artifact, doubling the interval
// up to PollMax while it stays non-terminal. State is in-memory: a restart
// just polls promptly once.
func (s *Submitter) pollDue(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var now = time.Now()
	var ps, ok = s.polls[key]
	if !ok {
		s.polls[key] = &pollState{interval: s.PollInitial, next: now.Add(s.PollInitial)}
		return true
	}
	if now.Before(ps.next) {
		return false
	}
	if ps.interval *= 2; ps.interval > s.PollMax {
		ps.interval = s.PollMax
	}
	ps.next = now.Add(ps.interval)
	return true
}

func (s *Submitter) taskLimiter(taskID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	var l, ok = s.perTask[taskID]
	if !ok {
		l = rate.NewLimiter(taskRateLimit, int(taskRateLimit))
		s.perTask[taskID] = l
	}
	return l
}
