package execution

import (
	"fmt"

	"github.com/birdayz/flowvm/kmodule"
)

func (w *Worker) handleFlow(f kmodule.FlowID) {
	switch f {
	case kmodule.Sync:
		w.tokens <- struct{}{}
		return
	case kmodule.Nowhere:
		return
	}
	if f.IsSentinel() {
		return
	}
	w.metrics.Chased(w.chase(f))
}

// chase runs the chain starting at f until it reaches a sentinel or an
// unwired id. It is a loop, so the chain length never grows the stack.
// A sentinel returned by a callback only ends the chain.
func (w *Worker) chase(f kmodule.FlowID) (n int) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Callback panicked", "flow", f, "error", fmt.Sprint(r))
			w.metrics.Panicked()
		}
	}()

	table := w.table
	for !f.IsSentinel() && int(f) < len(table) {
		cb := table[f]
		if cb == nil {
			return n
		}
		n++
		f = cb()
	}
	return n
}
