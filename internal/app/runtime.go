package app

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"marzbot/internal/broadcast"
	"marzbot/internal/config"
	"marzbot/internal/marzban"
	"marzbot/internal/metrics"
	"marzbot/internal/observability"
	"marzbot/internal/queue"
	"marzbot/internal/storage"
	logx "marzbot/pkg/logx"
)

// Runtime holds what every command shares: logging, the queue, the optional
// storage side tables, the panel client and the metrics registry.
type Runtime struct {
	Settings *config.Settings
	Log      logx.Logger
	Queue    *queue.Store
	Store    storage.Store
	Panel    *marzban.Client
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	logs *logx.Service
}

// NewRuntime opens the shared resources. The panel client is built only when
// the panel is configured; needPanel turns a missing panel into an error.
func NewRuntime(s *config.Settings, needPanel bool) (*Runtime, error) {
	logs, log := logx.New(logx.Config{
		Level:   s.LogLevel,
		Console: s.LogConsole,
		File:    logx.FileConfig{Enabled: s.LogFile.Enabled, Path: s.LogFile.Path},
	})
	rt := &Runtime{Settings: s, Log: log, logs: logs}

	q, err := queue.Open(s.QueueDir, log.With(logx.String("comp", "queue")))
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Queue = q

	st, err := storage.Open(storage.Config{
		Driver:      s.StorageDriver,
		Path:        s.StoragePath,
		BusyTimeout: s.StorageBusyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	rt.Store = st
	if st != nil {
		log.Info("storage enabled", logx.String("driver", s.StorageDriver), logx.String("path", s.StoragePath))
	}

	if perr := s.RequirePanel(); perr == nil {
		rt.Panel, err = marzban.New(marzban.Config{
			BaseURL:  s.MarzbanURL,
			Username: s.MarzbanUsername,
			Password: s.MarzbanPassword,
			Timeout:  s.MarzbanTimeout,
		}, log.With(logx.String("comp", "marzban")))
		if err != nil {
			rt.Close()
			return nil, err
		}
	} else if needPanel {
		rt.Close()
		return nil, perr
	}

	rt.Registry = prometheus.NewRegistry()
	rt.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.Metrics = metrics.New(rt.Registry)
	return rt, nil
}

// Close releases storage and log sinks. Safe on a partially built Runtime.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Store != nil {
		errs = append(errs, rt.Store.Close())
		rt.Store = nil
	}
	if rt.logs != nil {
		errs = append(errs, rt.logs.Close())
		rt.logs = nil
	}
	return errors.Join(errs...)
}

// directory returns the panel as a broadcast.Directory, or nil without one.
func (rt *Runtime) directory() broadcast.Directory {
	if rt.Panel == nil {
		return nil
	}
	return rt.Panel
}

func (rt *Runtime) panel() Panel {
	if rt.Panel == nil {
		return nil
	}
	return rt.Panel
}

func (rt *Runtime) auditor() broadcast.Auditor {
	if rt.Store == nil {
		return nil
	}
	return rt.Store
}

func (rt *Runtime) linkStore() LinkStore {
	if rt.Store == nil {
		return nil
	}
	return rt.Store
}

func (rt *Runtime) Producer() *broadcast.Producer {
	opts := []broadcast.ProducerOption{
		broadcast.WithProducerAudit(rt.auditor()),
		broadcast.WithProducerHooks(rt.Metrics.Hooks()),
	}
	if ls := rt.linkStore(); ls != nil {
		opts = append(opts, broadcast.WithProducerLinks(ls))
	}
	return broadcast.NewProducer(rt.Queue, rt.directory(), rt.Log.With(logx.String("comp", "producer")), opts...)
}

func (rt *Runtime) Sweeper() *broadcast.Sweeper {
	return broadcast.NewSweeper(rt.Queue, rt.Settings.Retention,
		rt.Log.With(logx.String("comp", "sweeper")), rt.auditor(), rt.Metrics.Hooks())
}

func (rt *Runtime) Worker(send broadcast.Sender) *broadcast.Worker {
	s := rt.Settings
	opts := []broadcast.WorkerOption{
		broadcast.WithAudit(rt.auditor()),
		broadcast.WithHooks(rt.Metrics.Hooks()),
		broadcast.WithLogger(rt.Log.With(logx.String("comp", "worker"))),
	}
	if ls := rt.linkStore(); ls != nil {
		opts = append(opts, broadcast.WithLinks(ls))
	}
	return broadcast.NewWorker(rt.Queue, rt.directory(), send, broadcast.WorkerConfig{
		NoticePrefix: s.NoticePrefix,
		PaceEvery:    s.PaceEvery,
		PaceShort:    s.PaceShort,
		PaceLong:     s.PaceLong,
		RatePerSec:   s.RatePerSec,
		RateBurst:    s.RateBurst,
		LogFailures:  s.LogFailures,
	}, opts...)
}

func (rt *Runtime) Observability() *observability.Server {
	s := rt.Settings
	return observability.New(observability.Config{
		Enabled:       s.ObsEnabled,
		Addr:          s.ObsAddr,
		Token:         s.ObsToken,
		AllowInsecure: s.ObsAllowInsecure,
		Pprof:         s.ObsPprof,
	}, rt.Registry, rt.Log)
}
