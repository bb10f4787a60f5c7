package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

// DefaultGracePeriod bounds how long Stop waits for in-flight ticks
const DefaultGracePeriod = 60 * time.Second

// ErrGraceExceeded is returned by Stop when ticks were still running after the grace period
var ErrGraceExceeded = errors.New("ticks still running after grace period")

// Job is a periodic engine tick
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// TickRecorder receives tick outcomes. metrics.Recorder implements it.
type TickRecorder interface {
	RecordTick(tick string, skipped bool, latency time.Duration)
}

// Options configures a Scheduler
type Options struct {
	GracePeriod time.Duration
	Recorder    TickRecorder
}

// JobInfo describes a registered job
type JobInfo struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Next     time.Time     `json:"next"`
	Prev     time.Time     `json:"prev"`
}

type entry struct {
	job Job
	id  cron.EntryID
}

// Scheduler drives jobs on independent timers. A job never overlaps itself:
// cron skips a firing while the previous one runs, and manual runs join an
// in-flight run through a singleflight group keyed by job name.
type Scheduler struct {
	cron  *cron.Cron
	group singleflight.Group
	wg    sync.WaitGroup

	mu       sync.RWMutex
	jobs     map[string]entry
	stopping bool

	ctx    context.Context
	cancel context.CancelFunc
	grace  time.Duration
	rec    TickRecorder
	log    *logger.Logger
}

// New creates a scheduler. Ticks run with a context cancelled when Stop
// gives up waiting.
func New(opts Options) *Scheduler {
	log := logger.GetLogger("scheduler")
	cronLog := logger.NewCronLogger(log)

	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		jobs:   make(map[string]entry),
		ctx:    ctx,
		cancel: cancel,
		grace:  opts.GracePeriod,
		rec:    opts.Recorder,
		log:    log,
	}
}

// Add registers a job. Intervals under a second are rounded up by cron.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.InvalidArgument("job requires a name and a run function")
	}
	if job.Interval <= 0 {
		return errors.InvalidArgument(fmt.Sprintf("job %s requires a positive interval", job.Name))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return errors.AlreadyExists("job already registered: " + job.Name)
	}

	name := job.Name
	id, err := s.cron.AddFunc("@every "+job.Interval.String(), func() {
		s.run(name, job.Run)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to schedule job %s", name)
	}
	s.jobs[name] = entry{job: job, id: id}

	s.log.Infow("Job registered", "job", name, "interval", job.Interval)
	return nil
}

// Start starts the timers
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("Scheduler started")
}

// RunNow runs a job immediately and waits for it. If the job is already
// running the call waits for that run instead of starting another.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	e, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return errors.NotFound("job not found: " + name)
	}
	s.run(name, e.job.Run)
	return nil
}

func (s *Scheduler) run(name string, fn func(ctx context.Context)) {
	s.mu.RLock()
	if s.stopping {
		s.mu.RUnlock()
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()
	defer s.wg.Done()

	ran := false
	_, _, _ = s.group.Do(name, func() (interface{}, error) {
		ran = true
		start := time.Now()
		s.log.Debugw("Running job", "job", name)

		fn(s.ctx)

		latency := time.Since(start)
		if s.rec != nil {
			s.rec.RecordTick(name, false, latency)
		}
		s.log.Debugw("Job completed", "job", name, "duration", latency)
		return nil, nil
	})

	if !ran {
		s.log.Infow("Job already running, joined in-flight run", "job", name)
		if s.rec != nil {
			s.rec.RecordTick(name, true, 0)
		}
	}
}

// Jobs lists the registered jobs with their next run times
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for name, e := range s.jobs {
		ce := s.cron.Entry(e.id)
		out = append(out, JobInfo{
			Name:     name,
			Interval: e.job.Interval,
			Next:     ce.Next,
			Prev:     ce.Prev,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop stops issuing new ticks and waits up to the grace period for running
// ones. Past the grace period the tick context is cancelled and Stop returns
// ErrGraceExceeded without waiting further.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	select {
	case <-done:
		s.cancel()
		s.log.Info("Scheduler stopped")
		return nil
	case <-timer.C:
		s.cancel()
		s.log.Warnw("Grace period elapsed, cancelling running ticks", "grace", s.grace)
		return ErrGraceExceeded
	}
}
