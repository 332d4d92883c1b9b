// Package trigger drives the periodic passes of the pipeline (reminder tick,
// pending flush) from cron schedules. A run that is still going when its next
// slot arrives is skipped, and a panicking run is recovered.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"omninotify/internal/model"
	logx "omninotify/pkg/logx"
)

// Job is one periodic pass. now is when the run started.
type Job func(ctx context.Context, now time.Time) error

type Config struct {
	// Timezone is the IANA zone cron expressions are evaluated in.
	Timezone string
}

type entry struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	job     Job
	id      cron.EntryID
	stats   *runStats
}

type runStats struct {
	mu      sync.Mutex
	runs    uint64
	fails   uint64
	last    time.Time
	took    time.Duration
	lastErr string
}

// Info describes one registered trigger.
type Info struct {
	Name    string
	Spec    string
	Next    time.Time
	Prev    time.Time
	Runs    uint64
	Fails   uint64
	Took    time.Duration
	LastErr string
}

type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	loc     *time.Location
	c       *cron.Cron
	entries []*entry
	base    context.Context
	cancel  context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log.With(logx.String("comp", "trigger"))}
}

// Add registers (or replaces, by name) a job. Jobs added after Start are
// scheduled right away.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("trigger: name required")
	}
	if job == nil {
		return errors.New("trigger: job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", name, err)
	}
	if _, err := ps.Schedule(); err != nil {
		return fmt.Errorf("trigger %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{name: name, spec: ps, timeout: timeout, job: job, stats: &runStats{}}
	for i, cur := range s.entries {
		if cur.name == name {
			if s.c != nil && cur.id != 0 {
				s.c.Remove(cur.id)
			}
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	s.entries = append(s.entries, e)
	if s.c != nil {
		return s.scheduleLocked(e)
	}
	return nil
}

// Apply swaps the config. A timezone change restarts cron with every job
// re-registered.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || old == strings.TrimSpace(cfg.Timezone) {
		return
	}
	prev := s.c
	s.startLocked()
	go func() { <-prev.Stop().Done() }()
	s.log.Info("trigger timezone changed", logx.String("tz", s.loc.String()))
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.base, s.cancel = context.WithCancel(ctx)
	s.startLocked()
	s.log.Info("triggers started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.entries)))
}

func (s *Service) startLocked() {
	loc, ok := model.ResolveLocation(s.cfg.Timezone)
	if !ok {
		s.log.Debug("unknown trigger timezone, using UTC", logx.String("tz", s.cfg.Timezone))
	}
	s.loc = loc
	cl := cronLogger{s.log}
	s.c = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		// Recover must sit inside SkipIfStillRunning: the skip guard only
		// returns its token when the wrapped job returns normally.
		cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
	)
	for _, e := range s.entries {
		if err := s.scheduleLocked(e); err != nil {
			s.log.Error("trigger register failed", logx.String("name", e.name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) scheduleLocked(e *entry) error {
	sched, err := e.spec.Schedule()
	if err != nil {
		return err
	}
	e.id = s.c.Schedule(sched, cron.FuncJob(func() { s.run(e) }))
	s.log.Debug("trigger registered",
		logx.String("name", e.name), logx.String("spec", e.spec.String()), logx.Duration("timeout", e.timeout))
	return nil
}

func (s *Service) run(e *entry) {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if base == nil || base.Err() != nil {
		return
	}
	ctx := base
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, e.timeout)
		defer cancel()
	}

	start := time.Now()
	err := e.job(ctx, start)
	took := time.Since(start)

	e.stats.mu.Lock()
	e.stats.runs++
	e.stats.last = start
	e.stats.took = took
	e.stats.lastErr = ""
	if err != nil {
		e.stats.fails++
		e.stats.lastErr = err.Error()
	}
	e.stats.mu.Unlock()

	if err != nil {
		s.log.Warn("trigger run failed", logx.String("name", e.name), logx.Duration("took", took), logx.Err(err))
		return
	}
	s.log.Trace("trigger run", logx.String("name", e.name), logx.Duration("took", took))
}

// Stop halts scheduling and waits for running jobs until ctx expires; running
// jobs then see their context cancelled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	start := time.Now()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("triggers stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	c := s.c
	s.mu.Unlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		it := Info{Name: e.name, Spec: e.spec.String()}
		if c != nil && e.id != 0 {
			ce := c.Entry(e.id)
			it.Next, it.Prev = ce.Next, ce.Prev
		}
		e.stats.mu.Lock()
		it.Runs, it.Fails, it.Took, it.LastErr = e.stats.runs, e.stats.fails, e.stats.took, e.stats.lastErr
		e.stats.mu.Unlock()
		out = append(out, it)
	}
	return out
}

// cronLogger routes robfig/cron's own messages (skips, recovered panics).
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
