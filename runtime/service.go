package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kestrelsec/kestrel/builder"
	"github.com/kestrelsec/kestrel/capi"
	"github.com/kestrelsec/kestrel/dedup"
	"github.com/kestrelsec/kestrel/downloader"
	"github.com/kestrelsec/kestrel/gc"
	"github.com/kestrelsec/kestrel/queue"
	"github.com/kestrelsec/kestrel/registry"
	"github.com/kestrelsec/kestrel/router"
	"github.com/kestrelsec/kestrel/scheduler"
	"github.com/kestrelsec/kestrel/submitter"
	"github.com/kestrelsec/kestrel/taskapi"
	"github.com/kestrelsec/kestrel/weights"
	"github.com/kestrelsec/kestrel/wire"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.gazette.dev/core/task"
)

// Service is the assembled Kestrel core.
type Service struct {
	Config   Config
	Registry *registry.Client
	Fabric   *queue.Fabric

	Downloader *downloader.Downloader
	Builder    *builder.Dispatcher
	Weights    *weights.Allocator
	Merger     *dedup.Merger
	Promoter   *dedup.Promoter
	Router     *router.Router
	Scheduler  *scheduler.Scheduler
	Submitter  *submitter.Submitter
	GC         *gc.Collector
	TaskAPI    *taskapi.Server
}

// NewService constructs every component against a dialed etcd client.
func NewService(cfg Config, etcd *clientv3.Client) (*Service, error) {
	var reg, err = registry.NewClient(etcd, cfg.Kestrel.Root)
	if err != nil {
		return nil, fmt.Errorf("building registry: %w", err)
	}
	fabric, err := queue.NewFabric(etcd, cfg.Kestrel.Root, cfg.Kestrel.Visibility, cfg.Kestrel.QueueHighWater)
	if err != nil {
		return nil, fmt.Errorf("building queue fabric: %w", err)
	}
	blobs, err := downloader.OpenBlobCache(cfg.Kestrel.Scratch)
	if err != nil {
		return nil, fmt.Errorf("opening blob cache: %w", err)
	}
	merger, err := dedup.NewMerger(reg, fabric, cfg.Kestrel.Scratch)
	if err != nil {
		return nil, fmt.Errorf("building crash merger: %w", err)
	}

	var api = &capi.Client{
		BaseURL: cfg.API.Endpoint,
		KeyID:   cfg.API.KeyID,
		Token:   cfg.API.KeyToken,
	}

	var sub = submitter.New(reg, api)
	sub.HardStop = cfg.Kestrel.HardStop

	var sched = scheduler.New(reg, fabric, cfg.Kestrel.Scratch)
	sched.RequiredAcks = cfg.Kestrel.RequiredAcks

	return &Service{
		Config:   cfg,
		Registry: reg,
		Fabric:   fabric,
		Downloader: &downloader.Downloader{
			Registry: reg, Fabric: fabric, Blobs: blobs, Scratch: cfg.Kestrel.Scratch,
		},
		Builder: &builder.Dispatcher{
			Registry: reg, Fabric: fabric, Scratch: cfg.Kestrel.Scratch,
			Tool: cfg.Kestrel.BuildTool, LLMProxy: cfg.Kestrel.LLMProxy,
		},
		Weights:  &weights.Allocator{Registry: reg},
		Merger:   merger,
		Promoter: &dedup.Promoter{Registry: reg, Fabric: fabric},
		Router: &router.Router{
			Registry: reg, Fabric: fabric, FreezeWindow: cfg.Kestrel.FreezeWindow,
		},
		Scheduler: sched,
		Submitter: sub,
		GC:        gc.New(reg, fabric, cfg.Kestrel.Scratch),
		TaskAPI: &taskapi.Server{
			Registry: reg, Fabric: fabric,
			KeyID: cfg.Kestrel.KeyID, Token: cfg.Kestrel.KeyToken,
		},
	}, nil
}

// QueueTasks starts every consumer loop, sweeper, and the inbound API under
// |tasks|.
func (s *Service) QueueTasks(tasks *task.Group) {
	var specs = []queue.Consumer{
		{Queue: wire.QueueTaskDownload, Group: "downloader", Component: "downloader", Handler: s.Downloader.Handle},
		{Queue: wire.QueueBuildRequest, Group: "builder", Component: "builder", Handler: s.Builder.Handle},
		{Queue: wire.QueueTaskReady, Group: "scheduler", Component: "scheduler", Handler: s.Scheduler.HandleTaskReady},
		{Queue: wire.QueueBuildOutput, Group: "scheduler", Component: "scheduler", Handler: s.Scheduler.HandleBuildOutput},
		{Queue: wire.QueueBuildOutput, Group: "weights", Component: "weights", Handler: s.Weights.HandleBuildOutput},
		{Queue: wire.QueueBuildOutput, Group: "router", Component: "router", Handler: s.Router.HandleBuildOutput},
		{Queue: wire.QueueRawCrash, Group: "merger", Component: "merger", Handler: s.Merger.Handle},
		{Queue: wire.QueueTracedCrash, Group: "promoter", Component: "promoter", Handler: s.Promoter.Handle},
		{Queue: wire.QueueConfirmedVuln, Group: "router", Component: "router", Handler: s.Router.HandleConfirmedVuln},
		{Queue: wire.QueuePatchResult, Group: "router", Component: "router", Handler: s.Router.HandlePatchResult},
		{Queue: wire.QueuePOVReproduceResponse, Group: "router", Component: "router", Handler: s.Router.HandlePOVResponse},
		{Queue: wire.QueueTaskDelete, Group: "gc-" + s.GC.Fleet, Component: "gc", Handler: s.GC.HandleTaskDelete},
	}

	var workers = s.Config.Kestrel.Workers
	if workers < 1 {
		workers = 1
	}
	for _, spec := range specs {
		for i := 0; i != workers; i++ {
			var c = spec
			c.Fabric = s.Fabric
			c.Name = fmt.Sprintf("%s-%d", c.Component, i)
			tasks.Queue(fmt.Sprintf("consume %s/%s/%d", c.Queue, c.Group, i), func() error {
				return dropCancelled(c.Run(tasks.Context()))
			})
		}
	}

	tasks.Queue("scheduler.sweep", func() error {
		return dropCancelled(s.Scheduler.Run(tasks.Context()))
	})
	tasks.Queue("submitter.sweep", func() error {
		return dropCancelled(s.Submitter.Run(tasks.Context()))
	})
	tasks.Queue("gc.reaper", func() error {
		return dropCancelled(s.GC.Run(tasks.Context()))
	})
	tasks.Queue("queue.janitor", func() error {
		return dropCancelled(s.janitor(tasks.Context()))
	})

	s.queueAPIServer(tasks)
}

// queueAPIServer serves the inbound task API and the metrics endpoint.
func (s *Service) queueAPIServer(tasks *task.Group) {
	var mux = http.NewServeMux()
	mux.Handle("/v1/", s.TaskAPI.Mux())
	mux.Handle("/metrics", promhttp.Handler())

	var srv = &http.Server{Addr: s.Config.Kestrel.Listen, Handler: mux}

	tasks.Queue("task-api.serve", func() error {
		log.WithField("addr", srv.Addr).Info("serving task API")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	tasks.Queue("task-api.shutdown", func() error {
		<-tasks.Context().Done()
		var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// janitor periodically drops queue messages every consumer group has acked.
func (s *Service) janitor(ctx context.Context) error {
	var ticker = time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for _, q := range wire.Queues() {
			if _, err := s.Fabric.Sweep(ctx, q); err != nil && ctx.Err() == nil {
				log.WithFields(log.Fields{"queue": q, "err": err}).Warn("queue sweep failed")
			}
		}
	}
}

func dropCancelled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
