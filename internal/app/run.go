package app

import (
	"context"
	"fmt"
	"time"

	"marzbot/internal/broadcast"
	rtsup "marzbot/internal/runtime/supervisor"
	"marzbot/internal/scheduler"
	"marzbot/internal/transport"
	"marzbot/internal/transport/telegram"
	"marzbot/internal/transport/telegram/router"
	logx "marzbot/pkg/logx"
)

const (
	JobDeliver = "broadcast.deliver"
	JobSweep   = "broadcast.sweep"

	updatesBuffer = 256
)

// RunAdmin runs the administrator bot until ctx is done. ready is called once
// the bot is polling.
func RunAdmin(ctx context.Context, rt *Runtime, ready func()) error {
	s := rt.Settings
	if err := s.RequireAdmin(); err != nil {
		return err
	}
	log := rt.Log.With(logx.String("comp", "admin"))
	ad, err := telegram.New(telegram.Config{Token: s.AdminToken, PollTimeout: s.PollTimeout, Name: "admin"}, rt.Log)
	if err != nil {
		return fmt.Errorf("admin bot: %w", err)
	}
	bot, err := NewAdminBot(ad, s.AdminIDs, rt.panel(), rt.Producer(), rt.Queue, log)
	if err != nil {
		return err
	}
	return serve(ctx, rt, log, ad, bot.Router(), nil, ready)
}

// RunClient runs the client bot together with the delivery worker, the
// retention sweeper and the queue watcher.
func RunClient(ctx context.Context, rt *Runtime, ready func()) error {
	s := rt.Settings
	if err := s.RequireClient(); err != nil {
		return err
	}
	if rt.Panel == nil {
		return s.RequirePanel()
	}
	log := rt.Log.With(logx.String("comp", "client"))
	ad, err := telegram.New(telegram.Config{Token: s.ClientToken, PollTimeout: s.PollTimeout, Name: "client"}, rt.Log)
	if err != nil {
		return fmt.Errorf("client bot: %w", err)
	}
	bot, err := NewClientBot(ad, rt.panel(), rt.linkStore(), log)
	if err != nil {
		return err
	}
	sched, err := NewDeliveryScheduler(rt, rt.Worker(ad), rt.Sweeper())
	if err != nil {
		return err
	}
	return serve(ctx, rt, log, ad, bot.Router(), sched, ready)
}

// NewDeliveryScheduler registers the delivery and retention jobs.
func NewDeliveryScheduler(rt *Runtime, w *broadcast.Worker, sw *broadcast.Sweeper) (*scheduler.Scheduler, error) {
	s := rt.Settings
	sched, err := scheduler.New(scheduler.Config{Timezone: s.Timezone}, rt.Log.With(logx.String("comp", "scheduler")))
	if err != nil {
		return nil, err
	}
	err = sched.Add(scheduler.Job{
		Name:         JobDeliver,
		Spec:         "interval:" + s.PollInterval.String(),
		InitialDelay: s.InitialDelay,
		Run: func(ctx context.Context) error {
			w.RunOnce(ctx)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	err = sched.Add(scheduler.Job{
		Name:    JobSweep,
		Spec:    s.SweepSchedule,
		Timeout: 5 * time.Minute,
		Run: func(ctx context.Context) error {
			sw.Run(ctx)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return sched, nil
}

func serve(ctx context.Context, rt *Runtime, log logx.Logger, ad transport.Adapter, r *router.Router, sched *scheduler.Scheduler, ready func()) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(true))
	obs := rt.Observability()
	if err := obs.Start(sup.Context()); err != nil {
		sup.Cancel()
		return fmt.Errorf("observability: %w", err)
	}

	updates := make(chan transport.Update, updatesBuffer)
	if err := ad.Start(sup.Context(), updates); err != nil {
		sup.Cancel()
		_ = obs.Stop(context.Background())
		return err
	}
	sup.Go("commands.dispatch", func(c context.Context) error { return r.Run(c, updates) })
	sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		if err := r.PublishMenu(mctx); err != nil {
			log.Warn("menu publish failed", logx.Err(err))
		}
	})

	if sched != nil {
		sched.Start(sup.Context())
		if rt.Settings.WatchQueue {
			sup.Go0("queue.watch", func(c context.Context) {
				rt.Queue.Watch(c, func() { sched.RunNow(JobDeliver) })
			})
		}
	}

	log.Info("started", logx.String("queue_dir", rt.Queue.Dir()))
	if ready != nil {
		ready()
	}

	<-sup.Context().Done()
	runErr := sup.Err()
	log.Info("stopping")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	step(stopCtx, log, "scheduler", 5*time.Second, func(c context.Context) error {
		if sched == nil {
			return nil
		}
		return sched.Stop(c)
	})
	step(stopCtx, log, "adapter", 2*time.Second, ad.Stop)
	step(stopCtx, log, "observability", time.Second, obs.Stop)
	step(stopCtx, log, "supervisor", 3*time.Second, sup.Wait)
	log.Info("stopped")
	return runErr
}

// step runs one shutdown step bounded by limit and the caller's deadline.
func step(ctx context.Context, log logx.Logger, name string, limit time.Duration, fn func(context.Context) error) {
	sctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	start := time.Now()
	if err := fn(sctx); err != nil {
		log.Warn("stop step error", logx.String("step", name), logx.Err(err))
		return
	}
	log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
}
