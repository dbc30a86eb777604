package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "marzbot/pkg/logx"
)

type Config struct {
	// Timezone is an IANA name, e.g. "Europe/Moscow". Empty means local time.
	Timezone string
	// DefaultTimeout bounds a job run when the job sets none. 0 means no bound.
	DefaultTimeout time.Duration
}

// Job is one periodic task.
type Job struct {
	Name string
	// Spec is a cron expression or an interval, see ParseSchedule.
	Spec string
	// InitialDelay, when set, runs the job once that long after Start in
	// addition to its regular schedule.
	InitialDelay time.Duration
	Timeout      time.Duration
	Run          func(ctx context.Context) error
}

// Entry describes a registered job.
type Entry struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type registered struct {
	job     Job
	id      cron.EntryID
	wrapped cron.Job
}

type Scheduler struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	chain  cron.Chain
	jobs   []*registered

	ctx     context.Context
	cancel  context.CancelFunc
	timers  []*time.Timer
	running bool
	wg      sync.WaitGroup
}

func New(cfg Config, log logx.Logger) (*Scheduler, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone %q: %w", tz, err)
		}
		loc = l
	}
	cl := cronLogger{log: log}
	chain := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		log:    log,
		cfg:    cfg,
		loc:    loc,
		parser: parser,
		chain:  chain,
		c:      cron.New(cron.WithParser(parser), cron.WithLocation(loc), cron.WithLogger(cl)),
	}, nil
}

func (s *Scheduler) Location() *time.Location { return s.loc }

// Add registers a job. Jobs may be added before or after Start.
func (s *Scheduler) Add(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		return errors.New("job name required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: run func required", job.Name)
	}
	ps, err := ParseSchedule(job.Spec)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}

	var sched cron.Schedule
	if ps.IsInterval() {
		sched = cron.Every(ps.Every)
	} else {
		sched, err = s.parser.Parse(ps.Cron)
		if err != nil {
			return fmt.Errorf("job %s: cron %q: %w", job.Name, ps.Cron, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.jobs {
		if r.job.Name == job.Name {
			return fmt.Errorf("job %s already registered", job.Name)
		}
	}
	r := &registered{job: job}
	r.wrapped = s.chain.Then(cron.FuncJob(func() { s.runJob(r.job) }))
	r.id = s.c.Schedule(sched, r.wrapped)
	s.jobs = append(s.jobs, r)
	if s.running && job.InitialDelay > 0 {
		s.armInitialLocked(r)
	}
	s.log.Info("job registered", logx.String("job", job.Name), logx.String("spec", job.Spec), logx.String("tz", s.loc.String()))
	return nil
}

// Start begins dispatching. ctx is the parent of every job context.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, r := range s.jobs {
		if r.job.InitialDelay > 0 {
			s.armInitialLocked(r)
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("jobs", len(s.jobs)))
}

// RunNow triggers a job immediately, subject to the same overlap guard.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.Lock()
	var target *registered
	for _, r := range s.jobs {
		if r.job.Name == name {
			target = r
		}
	}
	if target == nil || !s.running {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		target.wrapped.Run()
	}()
	return true
}

// Stop halts dispatching, cancels running jobs and waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	cancel := s.cancel
	s.mu.Unlock()

	cronDone := s.c.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Entries lists registered jobs with their next and previous activation.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, r := range s.jobs {
		e := s.c.Entry(r.id)
		out = append(out, Entry{Name: r.job.Name, Spec: r.job.Spec, Next: e.Next, Prev: e.Prev})
	}
	return out
}

func (s *Scheduler) armInitialLocked(r *registered) {
	t := time.AfterFunc(r.job.InitialDelay, func() {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()
		r.wrapped.Run()
	})
	s.timers = append(s.timers, t)
}

func (s *Scheduler) runJob(job Job) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	start := time.Now()
	err := job.Run(ctx)
	took := time.Since(start)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("job failed", logx.String("job", job.Name), logx.Duration("took", took), logx.Err(err))
		return
	}
	s.log.Debug("job done", logx.String("job", job.Name), logx.Duration("took", took))
}

// cronLogger routes robfig/cron's internal logging through logx.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
