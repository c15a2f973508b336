package search

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Ron111104/LEGALYTICS/internal/metrics"
)

// State is a step of the per-request retrieval lifecycle.
type State int

// Lifecycle states. Failed is reachable from every non-terminal state.
const (
	AwaitingInput State = iota
	TextAcquired
	Embedded
	Searched
	Responded
	Failed
)

var stateNames = [...]string{"awaiting_input", "text_acquired", "embedded", "searched", "responded", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Responded || s == Failed }

// Input kinds used as a metrics label.
const (
	inputNone = "none"
	inputFile = "file"
	inputText = "text"
	inputBoth = "both"
)

// run tracks one request through the lifecycle. It is private to the request;
// the mutex covers the timeout path racing the worker.
type run struct {
	mu    sync.Mutex
	state State
	input string
	stage time.Time
	log   *zap.Logger
}

func newRun(log *zap.Logger) *run {
	return &run{state: AwaitingInput, input: inputNone, stage: time.Now(), log: log}
}

// advance moves to the next state and records how long the finished stage took.
func (r *run) advance(to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	now := time.Now()
	metrics.SearchStageDuration.WithLabelValues(to.String()).Observe(now.Sub(r.stage).Seconds())
	r.log.Debug("search state", zap.Stringer("from", r.state), zap.Stringer("to", to))
	r.state, r.stage = to, now
	if to == Responded {
		metrics.SearchOutcomesTotal.WithLabelValues(to.String(), "", r.input).Inc()
	}
}

// fail moves to Failed and returns err for convenient returns.
func (r *run) fail(err *Error) *Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return err
	}
	r.log.Debug("search state",
		zap.Stringer("from", r.state),
		zap.Stringer("to", Failed),
		zap.String("kind", string(err.Kind)),
	)
	r.state = Failed
	metrics.SearchOutcomesTotal.WithLabelValues(Failed.String(), string(err.Kind), r.input).Inc()
	return err
}

func (r *run) current() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
