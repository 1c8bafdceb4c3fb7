package chatsync

import (
	"slices"
	"time"

	"github.com/mahaj/meeting-chat/pkg/model"
)

// TypingTimeout is how long a typing signal stays valid without a refresh.
const TypingTimeout = 3 * time.Second

type typist struct {
	name string
	last time.Time
}

// TypingTracker holds the remote participants currently typing, keyed by
// address. Not safe for concurrent use.
type TypingTracker struct {
	timeout time.Duration
	active  map[string]typist
}

func NewTypingTracker(timeout time.Duration) *TypingTracker {
	if timeout <= 0 {
		timeout = TypingTimeout
	}
	return &TypingTracker{
		timeout: timeout,
		active:  make(map[string]typist),
	}
}

// Signal marks the sender as typing at the given time, restarting its expiry.
func (t *TypingTracker) Signal(sender model.Sender, at time.Time) {
	name := sender.DisplayName
	if name == "" {
		name = sender.Address
	}
	t.active[sender.Address] = typist{name: name, last: at}
}

// Stop reports whether the address was being tracked.
func (t *TypingTracker) Stop(address string) bool {
	if _, ok := t.active[address]; !ok {
		return false
	}
	delete(t.active, address)
	return true
}

// ExpireTick drops every sender whose last signal is at least timeout old
// and reports whether anything was removed.
func (t *TypingTracker) ExpireTick(now time.Time) bool {
	changed := false
	for addr, ty := range t.active {
		if now.Sub(ty.last) >= t.timeout {
			delete(t.active, addr)
			changed = true
		}
	}
	return changed
}

// Names returns the display names currently typing, sorted.
func (t *TypingTracker) Names() []string {
	names := make([]string, 0, len(t.active))
	for _, ty := range t.active {
		names = append(names, ty.name)
	}
	slices.Sort(names)
	return names
}

// Reset forgets everyone, used when the connection drops.
func (t *TypingTracker) Reset() bool {
	if len(t.active) == 0 {
		return false
	}
	clear(t.active)
	return true
}

// Debouncer throttles the local user's typing signals. Keystroke says when a
// typing signal should go out (at most once per window of continued input);
// the stop callback fires once, window after the last keystroke.
type Debouncer struct {
	window   time.Duration
	onStop   func(gen uint64)
	active   bool
	lastSent time.Time
	gen      uint64
	timer    *time.Timer
}

// NewDebouncer calls onStop from the timer goroutine with the generation that
// armed it; the owner hands that back to Expired on its own goroutine.
func NewDebouncer(window time.Duration, onStop func(gen uint64)) *Debouncer {
	if window <= 0 {
		window = TypingTimeout
	}
	return &Debouncer{window: window, onStop: onStop}
}

// Keystroke records input at now, re-arms the stop timer and reports whether a
// typing signal is due.
func (d *Debouncer) Keystroke(now time.Time) bool {
	emit := !d.active || now.Sub(d.lastSent) >= d.window
	if emit {
		d.lastSent = now
	}
	d.active = true
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, func() { d.onStop(gen) })
	return emit
}

// Expired reports whether a stop signal is due for the timer generation gen.
// Stale generations, from timers re-armed since, report false.
func (d *Debouncer) Expired(gen uint64) bool {
	if gen != d.gen || !d.active {
		return false
	}
	d.active = false
	return true
}

// typing reports whether the local user is considered typing.
func (d *Debouncer) typing() bool {
	return d.active
}

// Cancel stops the pending timer without emitting a stop.
func (d *Debouncer) Cancel() {
	d.gen++
	d.active = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
