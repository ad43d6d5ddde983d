package store

import (
	"log"
	"sync"
	"time"
)

// Saver debounces snapshot writes: any burst of Mark calls within the window
// collapses into one Save of the full current snapshot. Saving is best-effort;
// a failed write is logged, reported, and retried on the next Mark. The
// mutation path never blocks on the write.
type Saver struct {
	store    Store
	key      string
	window   time.Duration
	snapshot func() ([]byte, error)
	onResult func(error) // optional; receives nil on success

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewSaver creates a debounced saver. snapshot is called on the saver's own
// timer goroutine to produce the bytes to persist.
func NewSaver(s Store, key string, window time.Duration, snapshot func() ([]byte, error), onResult func(error)) *Saver {
	return &Saver{
		store:    s,
		key:      key,
		window:   window,
		snapshot: snapshot,
		onResult: onResult,
	}
}

// Mark notes that the document changed and schedules a save.
// Marks inside the debounce window coalesce into the pending save.
func (sv *Saver) Mark() {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if sv.stopped {
		return
	}
	if sv.timer != nil {
		// a save is already pending; it will pick up the latest snapshot
		return
	}
	sv.timer = time.AfterFunc(sv.window, sv.fire)
}

func (sv *Saver) fire() {
	sv.mu.Lock()
	sv.timer = nil
	stopped := sv.stopped
	sv.mu.Unlock()

	if stopped {
		return
	}
	sv.save()
}

// Flush performs any pending save immediately. Used on session teardown.
func (sv *Saver) Flush() {
	sv.mu.Lock()
	hadPending := sv.timer != nil
	if sv.timer != nil {
		sv.timer.Stop()
		sv.timer = nil
	}
	sv.mu.Unlock()

	if hadPending {
		sv.save()
	}
}

// Stop flushes pending work and prevents further saves. Idempotent.
func (sv *Saver) Stop() {
	sv.mu.Lock()
	if sv.stopped {
		sv.mu.Unlock()
		return
	}
	sv.stopped = true
	hadPending := sv.timer != nil
	if sv.timer != nil {
		sv.timer.Stop()
		sv.timer = nil
	}
	sv.mu.Unlock()

	if hadPending {
		sv.save()
	}
}

func (sv *Saver) save() {
	data, err := sv.snapshot()
	if err == nil {
		err = sv.store.Save(sv.key, data)
	}
	if err != nil {
		log.Printf("store: save %s failed: %v", sv.key, err)
	}
	if sv.onResult != nil {
		sv.onResult(err)
	}
}
