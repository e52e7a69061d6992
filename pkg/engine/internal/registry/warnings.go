package registry

import (
	"slices"
	"sync"
)

// warningList accumulates warnings from concurrent block executions.
type warningList struct {
	mut  sync.Mutex
	msgs []string
}

func (w *warningList) add(msg string) {
	w.mut.Lock()
	defer w.mut.Unlock()
	w.msgs = append(w.msgs, msg)
}

func (w *warningList) all() []string {
	w.mut.Lock()
	defer w.mut.Unlock()
	return slices.Clone(w.msgs)
}
