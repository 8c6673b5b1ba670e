package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/state"
)

// produceOperations handles the block production cycle. Each tick runs one
// selection round; the node only builds a block when its validator wins.
func (w *Worker) produceOperations() {
	w.evHandler("worker: produceOperations: G started")
	defer w.evHandler("worker: produceOperations: G completed")

	ticker := time.NewTicker(w.cfg.ProduceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if w.isShutdown() {
				return
			}
			w.runProduceOperation()
		case <-w.shut:
			return
		}
	}
}

// runProduceOperation attempts one block production.
func (w *Worker) runProduceOperation() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ProduceInterval)
	defer cancel()

	block, err := w.state.ProduceBlock(ctx)
	switch {
	case errors.Is(err, state.ErrNotSelected):
		return
	case err != nil:
		w.evHandler("worker: runProduceOperation: ERROR: %s", err)
		return
	}

	w.evHandler("worker: runProduceOperation: produced height[%d] hash[%s]", block.Header.Height, block.Hash())
	w.SignalFlush()
}
