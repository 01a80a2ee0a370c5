package serialmux

import (
	"context"
	"net/http"
	"sync"
)

// DisabledSerialMux is a no-op link used when no vehicle is attached (for
// --disable-serial). It always reports Disconnected, so the dispatcher never
// writes, while the API and admin routes keep working. Subscriber channels
// are tracked so they can be deterministically closed on Unsubscribe() or
// Close(), allowing readers to unblock predictably during shutdown.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	watchers    map[string]chan Status
	closing     bool
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{
		subscribers: make(map[string]chan string),
		watchers:    make(map[string]chan Status),
	}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		// If already closing, return a closed channel so callers don't block.
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledSerialMux) WatchStatus() (string, chan Status) {
	id := randomID()
	ch := make(chan Status)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		close(ch)
		return id, ch
	}
	d.watchers[id] = ch
	return id, ch
}

func (d *DisabledSerialMux) UnwatchStatus(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.watchers[id]; ok {
		close(ch)
		delete(d.watchers, id)
	}
}

func (d *DisabledSerialMux) Write([]byte) (int, error) { return 0, ErrNotConnected }

func (d *DisabledSerialMux) SendCommand(string) error { return ErrNotConnected }

func (d *DisabledSerialMux) Status() Status { return Disconnected }

func (d *DisabledSerialMux) Stats() Stats { return Stats{} }

func (d *DisabledSerialMux) Connect() error { return ErrNoOpener }

func (d *DisabledSerialMux) Disconnect() error { return nil }

func (d *DisabledSerialMux) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	for id, ch := range d.watchers {
		close(ch)
		delete(d.watchers, id)
	}
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/serial-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("serial disabled"))
	})
}
