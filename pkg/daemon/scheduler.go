package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	preCheckMaxTimes = 6
	preCheckInterval = time.Second * 10
	idleWait         = time.Hour * 10000
)

// TaskFunc represents a runnable task.
type TaskFunc func() error

// ErrorFunc receives task and precheck failures.
type ErrorFunc func(err error)

// Scheduler runs a task on a cron schedule. A run is skipped while the
// previous one is still going.
type Scheduler struct {
	OnError  ErrorFunc // called on task or precheck error
	Task     TaskFunc  // task callback
	PreCheck TaskFunc  // retried before each run until it passes

	parser cron.Parser

	mu       sync.Mutex
	expr     string
	schedule cron.Schedule
	nextRun  time.Time
	running  bool
	busy     bool

	controlCh chan controlMsg
	stopCh    chan struct{}
}

type controlKind int

const (
	ctrlRecalculate controlKind = iota // schedule changed or cleared
	ctrlSkip                           // next run skipped
)

type controlMsg struct {
	kind controlKind
	data any
}

func newCronParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

func NewScheduler(task, preCheck TaskFunc, onError ErrorFunc) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}

	return &Scheduler{
		OnError:   onError,
		Task:      task,
		PreCheck:  preCheck,
		parser:    newCronParser(),
		controlCh: make(chan controlMsg, 4),
		stopCh:    make(chan struct{}),
	}
}

func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh: // already closed
	default:
		close(s.stopCh)
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.runScheduled()
}

// Schedule replaces the schedule. An empty expression clears it.
func (s *Scheduler) Schedule(cronExpr string) error {
	var sh cron.Schedule
	if cronExpr != "" {
		var err error
		sh, err = s.parser.Parse(cronExpr)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.expr = cronExpr
	s.schedule = sh
	if sh != nil {
		s.nextRun = sh.Next(time.Now())
	} else {
		s.nextRun = time.Time{}
	}
	running := s.running
	s.mu.Unlock()

	if running {
		s.trySendControl(ctrlRecalculate, sh)
	}
	return nil
}

// Skip skips the next scheduled run.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to skip")
	}
	s.nextRun = s.schedule.Next(s.nextRun)
	running := s.running
	s.mu.Unlock()

	if running {
		s.trySendControl(ctrlSkip, nil)
	}
	return nil
}

// Status returns the active expression, the next run (zero if none) and
// whether the scheduler loop is running.
func (s *Scheduler) Status() (expr string, nextRun time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.expr, s.nextRun, s.running
}

func (s *Scheduler) runScheduled() {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		logrus.Debug("scheduler stopped")
	}()

	logrus.Debug("scheduler started")

	for {
		attempts := 0

		schedule, nextRun := s.snapshot()
		var timer *time.Timer
		if schedule == nil || nextRun.IsZero() {
			timer = time.NewTimer(idleWait)
		} else {
			timer = time.NewTimer(max(time.Until(nextRun), 0))
		}

		for {
			select {
			case <-timer.C:
				if schedule == nil || nextRun.IsZero() {
					break
				}

				logrus.Debugf("running scheduled task planned for %s", nextRun.Format(time.DateTime))

				if s.PreCheck != nil {
					if err := s.PreCheck(); err != nil {
						attempts++
						if attempts <= preCheckMaxTimes {
							logrus.Debugf("precheck failed (%d/%d): %v; retrying in %s", attempts, preCheckMaxTimes, err, preCheckInterval)
							if attempts == 1 {
								s.sendError(fmt.Errorf("precheck failed: %v", err))
							}
							timer.Reset(preCheckInterval)
							continue
						}

						s.sendError(fmt.Errorf("precheck failed %d times, skipping run: %v", attempts, err))
						s.advanceNextRun()
						break
					}
				}

				s.runTask()
				s.advanceNextRun()
			case <-s.stopCh:
				timer.Stop()
				return
			case msg := <-s.controlCh:
				logrus.WithFields(logrus.Fields{
					"kind": msg.kind,
				}).Debug("received control msg")
				timer.Stop()
			}

			break
		}
	}
}

func (s *Scheduler) runTask() {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		s.sendError(fmt.Errorf("previous run still in progress, skipping"))
		return
	}
	s.busy = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.busy = false
			s.mu.Unlock()
		}()
		if err := s.Task(); err != nil {
			s.sendError(fmt.Errorf("task failed: %v", err))
		}
	}()
}

func (s *Scheduler) snapshot() (cron.Schedule, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule, s.nextRun
}

func (s *Scheduler) advanceNextRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return
	}
	s.nextRun = s.schedule.Next(time.Now())
}

func (s *Scheduler) sendError(err error) {
	if s.OnError == nil {
		return
	}

	go s.OnError(err)
}

func (s *Scheduler) trySendControl(kind controlKind, data any) {
	select {
	case s.controlCh <- controlMsg{kind: kind, data: data}:
	default:
	}
}
