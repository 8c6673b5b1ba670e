package worker

import "time"

// flushOperations persists the chain index on a timer and on demand. A tick
// arriving while a flush is in progress is simply dropped.
func (w *Worker) flushOperations() {
	w.evHandler("worker: flushOperations: G started")
	defer w.evHandler("worker: flushOperations: G completed")

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if w.isShutdown() {
				return
			}
			w.runFlushOperation()
		case <-w.flushSignal:
			if w.isShutdown() {
				return
			}
			w.runFlushOperation()
		case <-w.shut:
			return
		}
	}
}

// runFlushOperation performs one index flush.
func (w *Worker) runFlushOperation() {
	if err := w.state.Flush(); err != nil {
		w.evHandler("worker: runFlushOperation: ERROR: %s", err)
		return
	}
}
