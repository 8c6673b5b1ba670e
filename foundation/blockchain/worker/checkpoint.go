package worker

import "time"

// checkpointOperations creates checkpoints as the chain crosses interval
// boundaries. CheckpointIfDue is idempotent, so a cheap timer is enough.
func (w *Worker) checkpointOperations() {
	w.evHandler("worker: checkpointOperations: G started")
	defer w.evHandler("worker: checkpointOperations: G completed")

	ticker := time.NewTicker(w.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if w.isShutdown() {
				return
			}
			if err := w.state.CheckpointIfDue(); err != nil {
				w.evHandler("worker: checkpointOperations: ERROR: %s", err)
			}
		case <-w.shut:
			return
		}
	}
}
