// Package worker implements the background cycles of the chain engine:
// block production, index flushing and checkpoint creation.
package worker

import (
	"sync"
	"time"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/state"
)

// Defaults for the background cycles.
const (
	defaultProduceInterval    = 12 * time.Second
	defaultFlushInterval      = time.Minute
	defaultCheckpointInterval = time.Minute
)

// =============================================================================

// Config tunes the worker cycles. Zero values take the defaults.
type Config struct {
	ProduceInterval    time.Duration
	FlushInterval      time.Duration
	CheckpointInterval time.Duration
}

// Worker manages the background workflows for the chain engine.
type Worker struct {
	state       *state.State
	wg          sync.WaitGroup
	shut        chan struct{}
	flushSignal chan bool
	cfg         Config
	evHandler   state.EventHandler
}

// Run creates a worker, registers it with the state package, and starts up
// all the background processes.
func Run(st *state.State, cfg Config, evHandler state.EventHandler) {
	if cfg.ProduceInterval == 0 {
		cfg.ProduceInterval = defaultProduceInterval
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = defaultCheckpointInterval
	}

	w := Worker{
		state:       st,
		shut:        make(chan struct{}),
		flushSignal: make(chan bool, 1),
		cfg:         cfg,
		evHandler:   evHandler,
	}

	// Register this worker with the state package.
	st.Worker = &w

	// Load the set of operations we need to run.
	operations := []func(){
		w.produceOperations,
		w.flushOperations,
		w.checkpointOperations,
	}

	// Set waitgroup to match the number of G's we need for the set
	// of operations we have.
	g := len(operations)
	w.wg.Add(g)

	// We don't want to return until we know all the G's are up and running.
	hasStarted := make(chan bool)

	// Start all the operational G's.
	for _, op := range operations {
		go func(op func()) {
			defer w.wg.Done()
			hasStarted <- true
			op()
		}(op)
	}

	// Wait for the G's to report they are running.
	for i := 0; i < g; i++ {
		<-hasStarted
	}
}

// =============================================================================
// These methods implement the state.Worker interface.

// Shutdown terminates the goroutines performing work.
func (w *Worker) Shutdown() {
	w.evHandler("worker: shutdown: started")
	defer w.evHandler("worker: shutdown: completed")

	w.evHandler("worker: shutdown: terminate goroutines")
	close(w.shut)
	w.wg.Wait()
}

// SignalFlush requests an index flush ahead of the regular cycle. If a
// signal is already pending, this one is dropped; a flush is coming anyway.
func (w *Worker) SignalFlush() {
	select {
	case w.flushSignal <- true:
	default:
	}
}

// =============================================================================

// isShutdown is used to test if a shutdown has been signaled.
func (w *Worker) isShutdown() bool {
	select {
	case <-w.shut:
		return true
	default:
		return false
	}
}
