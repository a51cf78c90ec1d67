package dedup

import (
	"context"

	"github.com/google/uuid"
	"github.com/kestrelsec/kestrel/queue"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/wire"
	log "github.com/sirupsen/logrus"
)

// Promoter consumes traced_crash_queue. A traced crash whose tracer-side
// token matches an existing vulnerability of the task is subsumed into it;
// otherwise a new confirmed vulnerability is minted and announced. A
// CAS-inserted token claim serializes the choice: two promoters racing on
// one root cause agree on a single internal patch id.
//
// Grouping runs on the tracer stacktrace, not the fuzzer one: the tracer
// build symbolizes consistently, so crashes that fuzzed differently but
// share a root cause converge here.
type Promoter struct {
	Registry *registry.Client
	Fabric   *queue.Fabric
}

// Handle processes one TracedCrash.
func (p *Promoter) Handle(ctx context.Context, rec wire.Record, _ queue.Message) error {
	var tc = rec.(*wire.TracedCrash)
	var token = groupToken(tc)

	var claim = &wire.VulnToken{
		TaskID:          tc.Crash.TaskID,
		Token:           token,
		InternalPatchID: uuid.NewString(),
	}
	var ipid, won, err = p.Registry.ClaimVulnToken(ctx, claim)
	if err != nil {
		return err
	}
	if won {
		log.WithFields(log.Fields{
			"task": tc.Crash.TaskID, "ipid": ipid, "token": token,
		}).Info("claimed new vulnerability token")
	}
	return p.merge(ctx, ipid, tc)
}

// merge upserts the claimed vulnerability with this crash. Creation also
// announces it; a claim orphaned by a crashed promoter is finished here on
// the next delivery of any crash sharing the token.
func (p *Promoter) merge(ctx context.Context, ipid string, tc *wire.TracedCrash) error {
	var created = false
	var vuln, err = p.Registry.UpdateVulnerability(ctx, ipid, func(v *wire.ConfirmedVulnerability, exists bool) error {
		if !exists {
			created = true
			v.InternalPatchID = ipid
			v.TaskID = tc.Crash.TaskID
			v.Crashes = []wire.TracedCrash{*tc}
			return nil
		}
		for i := range v.Crashes {
			if v.Crashes[i].Crash.CrashID == tc.Crash.CrashID {
				return registry.ErrUnchanged // Redelivery.
			}
		}
		v.Crashes = append(v.Crashes, *tc)
		return nil
	})
	if err != nil {
		return err
	}

	if created {
		log.WithFields(log.Fields{
			"task": tc.Crash.TaskID, "ipid": ipid,
		}).Info("confirmed new vulnerability")
		_, err = p.Fabric.Push(ctx, wire.QueueConfirmedVuln, vuln)
		return err
	}

	log.WithFields(log.Fields{
		"task": tc.Crash.TaskID, "ipid": ipid, "crash": tc.Crash.CrashID,
	}).Info("subsumed traced crash into existing vulnerability")
	return nil
}

func groupToken(tc *wire.TracedCrash) string {
	return Token(tc.Crash.Target.Sanitizer, NormalizedFrames(tc.TracerStacktrace))
}
