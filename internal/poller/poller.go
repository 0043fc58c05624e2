// Package poller turns a fire-and-poll generation API into a single terminal
// outcome. One Poller runs at most one poll loop at a time.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/infographic/internal/imagegen"
)

// State is the lifecycle state of a generation task.
type State string

const (
	StateIdle      State = "idle"
	StateSubmitted State = "submitted"
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

const (
	DefaultInterval = 3 * time.Second
	DefaultTimeout  = 5 * time.Minute

	defaultFailureReason = "generation failed"
)

var (
	ErrTimedOut        = errors.New("generation timed out")
	ErrCancelled       = errors.New("generation cancelled")
	ErrFailed          = errors.New("generation failed")
	ErrNotStarted      = errors.New("poller not started")
	ErrEmptySubmission = errors.New("submission has neither a task id nor a result")
)

// Checker queries the provider for a task's status.
type Checker interface {
	Status(ctx context.Context, taskID string) (imagegen.Status, error)
}

// Update is emitted on every state change. The last Update of a loop is
// always terminal.
type Update struct {
	TaskID   string `json:"taskId,omitempty"`
	State    State  `json:"state"`
	ImageURL string `json:"imageUrl,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Err maps a terminal update to its error, or nil on success.
func (u Update) Err() error {
	switch u.State {
	case StateFailed:
		return fmt.Errorf("%w: %s", ErrFailed, u.Error)
	case StateTimedOut:
		return ErrTimedOut
	case StateCancelled:
		return ErrCancelled
	}
	return nil
}

// UpdateCallback receives state changes. It runs on the poll goroutine (or
// the caller of Start/Cancel) and must not call back into the Poller.
type UpdateCallback func(Update)

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

func WithTimeout(d time.Duration) Option {
	return func(p *Poller) { p.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

func WithOnUpdate(cb UpdateCallback) Option {
	return func(p *Poller) { p.onUpdate = cb }
}

// loop is one submission's polling run.
type loop struct {
	taskID string
	cancel context.CancelFunc
	done   chan struct{}
	exited chan struct{}

	emitMu   sync.Mutex
	finished bool
	outcome  Update
}

type Poller struct {
	checker  Checker
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	onUpdate UpdateCallback

	mu      sync.Mutex
	state   State
	current *loop
}

func New(checker Checker, opts ...Option) *Poller {
	p := &Poller{
		checker:  checker,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the state of the current (or last) loop.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start begins tracking sub. Any loop still running is cancelled first. An
// ImmediateResult completes at once without querying the provider; a
// TaskSubmitted starts polling after one interval. The timeout is measured
// from this call.
func (p *Poller) Start(ctx context.Context, sub imagegen.Submission) error {
	p.Cancel()

	l := &loop{done: make(chan struct{})}

	switch s := sub.(type) {
	case imagegen.ImmediateResult:
		if len(s.URLs) == 0 {
			return ErrEmptySubmission
		}
		p.install(l)
		p.transition(l, Update{State: StateSucceeded, ImageURL: s.URLs[0]})
		return nil
	case imagegen.TaskSubmitted:
		if s.TaskID == "" {
			return ErrEmptySubmission
		}
		l.taskID = s.TaskID
	default:
		return ErrEmptySubmission
	}

	loopCtx, cancel := context.WithTimeout(ctx, p.timeout)
	l.cancel = cancel
	l.exited = make(chan struct{})
	p.install(l)
	p.transition(l, Update{State: StateSubmitted})

	go p.run(loopCtx, l)
	return nil
}

func (p *Poller) install(l *loop) {
	p.mu.Lock()
	p.current = l
	p.mu.Unlock()
}

// Cancel abandons the current loop locally. The provider is not told; no
// further status query is issued once Cancel returns.
func (p *Poller) Cancel() {
	p.mu.Lock()
	l := p.current
	p.mu.Unlock()
	if l == nil {
		return
	}
	p.transition(l, Update{State: StateCancelled, Error: ErrCancelled.Error()})
	if l.cancel != nil {
		l.cancel()
		<-l.exited
	}
}

// Wait blocks until the current loop reaches a terminal state and returns
// its final Update.
func (p *Poller) Wait(ctx context.Context) (Update, error) {
	p.mu.Lock()
	l := p.current
	p.mu.Unlock()
	if l == nil {
		return Update{}, ErrNotStarted
	}

	select {
	case <-l.done:
		return l.outcome, nil
	case <-ctx.Done():
		return Update{}, ctx.Err()
	}
}

// transition records u for l and emits it, unless l already finished.
func (p *Poller) transition(l *loop, u Update) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	if l.finished {
		return
	}
	u.TaskID = l.taskID

	p.mu.Lock()
	if p.current == l {
		p.state = u.State
	}
	p.mu.Unlock()

	if u.State.Terminal() {
		l.finished = true
		l.outcome = u
	}
	if p.onUpdate != nil {
		p.onUpdate(u)
	}
	if u.State.Terminal() {
		close(l.done)
	}
}

func (p *Poller) run(ctx context.Context, l *loop) {
	defer close(l.exited)
	defer l.cancel()

	logger := p.logger.With("task_id", l.taskID)
	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			p.stop(ctx, l)
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			p.stop(ctx, l)
			return
		}

		attempt++
		status, err := p.checker.Status(ctx, l.taskID)
		if ctx.Err() != nil {
			// Anything that arrived after cancel or timeout is ignored.
			p.stop(ctx, l)
			return
		}

		if err != nil {
			logger.Warn("status check failed, will retry on next tick", "attempt", attempt, "error", err)
		} else {
			switch s := status.(type) {
			case imagegen.StatusPending, imagegen.StatusNotFound:
				logger.Debug("task pending", "attempt", attempt)
				p.transition(l, Update{State: StatePending})
			case imagegen.StatusRunning:
				logger.Debug("task running", "attempt", attempt)
				p.transition(l, Update{State: StateRunning})
			case imagegen.StatusSucceeded:
				logger.Info("task succeeded", "attempt", attempt)
				p.transition(l, Update{State: StateSucceeded, ImageURL: s.URL})
				return
			case imagegen.StatusFailed:
				reason := s.Reason
				if reason == "" {
					reason = defaultFailureReason
				}
				logger.Warn("task failed", "attempt", attempt, "reason", reason)
				p.transition(l, Update{State: StateFailed, Error: reason})
				return
			case imagegen.StatusUnrecognized:
				logger.Warn("unrecognized task status, still polling", "attempt", attempt, "raw", s.Raw)
			default:
				logger.Warn("unexpected status type, still polling", "attempt", attempt, "type", fmt.Sprintf("%T", status))
			}
		}

		timer.Reset(p.interval)
	}
}

func (p *Poller) stop(ctx context.Context, l *loop) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		p.logger.Warn("task timed out", "task_id", l.taskID, "timeout", p.timeout)
		p.transition(l, Update{State: StateTimedOut, Error: ErrTimedOut.Error()})
		return
	}
	p.transition(l, Update{State: StateCancelled, Error: ErrCancelled.Error()})
}
