// Package schedule triggers bus work on fixed intervals.
//
// A job moves Idle → Due → Dispatching → Idle on every tick. Its action
// typically issues an RPC call or publishes an event through the bus; a
// failing (or panicking) action is logged and the job simply waits for its
// next tick — the schedule never halts.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is a job's position in its dispatch cycle.
type State int32

const (
	StateIdle State = iota
	StateDue
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDue:
		return "due"
	case StateDispatching:
		return "dispatching"
	default:
		return "unknown"
	}
}

var (
	ErrDuplicateJob     = errors.New("job already scheduled")
	ErrUnknownJob       = errors.New("unknown job")
	ErrSchedulerStarted = errors.New("scheduler already started")
)

// Job describes one recurring trigger.
type Job struct {
	Name   string
	Every  time.Duration
	Action func(ctx context.Context) error
}

type job struct {
	Job
	state atomic.Int32
}

// Scheduler runs registered jobs until stopped. Add jobs first, then Start.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger.Named("scheduler"),
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Every <= 0 || j.Action == nil {
		return fmt.Errorf("job needs a name, a positive interval and an action")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSchedulerStarted
	}
	if _, exists := s.jobs[j.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.Name)
	}
	s.jobs[j.Name] = &job{Job: j}
	return nil
}

// Start launches one ticker loop per job.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSchedulerStarted
	}
	s.started = true
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.run(j)
	}
	return nil
}

// Stop halts all jobs and waits for in-flight actions to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// JobState reports where a job currently is in its cycle.
func (s *Scheduler) JobState(name string) (State, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return StateIdle, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return State(j.state.Load()), nil
}

// run is a job's ticker loop. The action executes inline, so a run that
// overlaps the next tick coalesces it instead of piling up goroutines.
func (s *Scheduler) run(j *job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.state.Store(int32(StateDue))
			s.dispatch(j)
			j.state.Store(int32(StateIdle))
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) dispatch(j *job) {
	j.state.Store(int32(StateDispatching))
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled action panicked",
				zap.String("job", j.Name), zap.Any("panic", r))
		}
	}()
	if err := j.Action(s.ctx); err != nil {
		s.logger.Warn("scheduled action failed",
			zap.String("job", j.Name), zap.Error(err))
	}
}
