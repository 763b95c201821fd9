package execution

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/birdayz/flowvm/internal/metrics"
	"github.com/birdayz/flowvm/kmodule"
)

type WorkerState string

const (
	StateIdle    WorkerState = "IDLE"
	StateRunning WorkerState = "RUNNING"
	StateStopped WorkerState = "STOPPED"
)

var (
	ErrAlreadyRunning = errors.New("worker already running")
	ErrStopped        = errors.New("worker stopped")
)

// Worker drains the signal queue of one scheme on its own goroutine.
// Callbacks of a scheme never run concurrently with each other.
type Worker struct {
	log     *slog.Logger
	name    string
	queue   *Queue
	tokens  chan<- struct{}
	metrics *metrics.Scheme

	table []kmodule.Callback

	mu    sync.Mutex
	state WorkerState
	done  chan struct{}
}

// NewWorker creates an idle worker. Every dequeued Sync sends one value on
// tokens; the channel must have room for one token per worker that can be
// synced at the same time.
func NewWorker(log *slog.Logger, name string, tokens chan<- struct{}, m *metrics.Scheme) *Worker {
	return &Worker{
		log:     log.With("scheme", name),
		name:    name,
		queue:   NewQueue(),
		tokens:  tokens,
		metrics: m,
		state:   StateIdle,
		done:    make(chan struct{}),
	}
}

// Bind installs the callback table. It must be called before Run.
func (w *Worker) Bind(table []kmodule.Callback) {
	w.table = table
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// changeState must be called with w.mu held.
func (w *Worker) changeState(newState WorkerState) {
	w.log.Info("Change state", "from", w.state, "to", newState)
	w.state = newState
}

// Wired reports whether f has a bound callback.
func (w *Worker) Wired(f kmodule.FlowID) bool {
	return !f.IsSentinel() && int(f) < len(w.table) && w.table[f] != nil
}

// Pending returns the number of queued flow ids.
func (w *Worker) Pending() int {
	return w.queue.Len()
}

// Post enqueues f without blocking. It is safe to call from any goroutine,
// including the worker's own callbacks.
func (w *Worker) Post(f kmodule.FlowID) {
	w.queue.Push(f)
}

// Stop asks the worker to exit once it dequeues the request. Flows posted
// after Stop may or may not run.
func (w *Worker) Stop() {
	w.Post(kmodule.Stop)
}

// Sync posts a barrier request if the worker is running and reports
// whether it did. A posted request produces exactly one token, even if the
// worker stops before reaching it.
func (w *Worker) Sync() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateRunning {
		return false
	}
	w.queue.Push(kmodule.Sync)
	return true
}

// Run starts the worker goroutine.
func (w *Worker) Run() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case StateRunning:
		return ErrAlreadyRunning
	case StateStopped:
		return ErrStopped
	}
	w.changeState(StateRunning)
	go w.loop()
	return nil
}

// Join blocks until the worker goroutine exits. It returns immediately for
// a worker that was never started.
func (w *Worker) Join() error {
	w.mu.Lock()
	idle := w.state == StateIdle
	w.mu.Unlock()
	if idle {
		return nil
	}
	<-w.done
	return nil
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		f := w.queue.Pop()
		w.metrics.Depth(w.queue.Len())
		if f == kmodule.Stop {
			w.stopped()
			return
		}
		w.handleFlow(f)
	}
}

// stopped moves to STOPPED and releases barriers still queued behind the
// Stop request.
func (w *Worker) stopped() {
	w.mu.Lock()
	w.changeState(StateStopped)
	w.mu.Unlock()

	dropped := 0
	for _, f := range w.queue.Drain() {
		if f == kmodule.Sync {
			w.tokens <- struct{}{}
			continue
		}
		dropped++
	}
	if dropped > 0 {
		w.log.Debug("Dropped flows queued after stop", "count", dropped)
	}
	w.metrics.Depth(0)
}
