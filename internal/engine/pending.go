package engine

import (
	"sync"
	"time"

	"github.com/jpvasquez/sri-downloader/internal/sri"
)

// pendingConfirmation is the single slot correlating a fired download trigger
// with the next observed browser download. The engine is serialized, so at
// most one trigger ever awaits confirmation; arming while armed is a bug and
// is rejected rather than silently overwriting the slot.
//
// Correlation is purely by timing: any download observed while the slot is
// armed and within the window confirms it. The portal's trigger mechanism
// does not expose which file it initiated, so there is nothing to match on.
type pendingConfirmation struct {
	mu      sync.Mutex
	armed   bool
	armedAt time.Time
	window  time.Duration
	ch      chan bool
	timer   *time.Timer
}

// Arm prepares the slot and returns the channel the outcome will arrive on.
// Exactly one value is delivered: true on confirmation, false on timeout.
func (p *pendingConfirmation) Arm(now time.Time, window time.Duration) (<-chan bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.armed {
		return nil, sri.ErrConfirmationArmed
	}
	p.armed = true
	p.armedAt = now
	p.window = window
	p.ch = make(chan bool, 1)
	ch := p.ch
	p.timer = time.AfterFunc(window, p.expire)
	return ch, nil
}

// Confirm resolves the slot with success if it is armed and the event falls
// inside the window. Late or unsolicited events are ignored so they can never
// corrupt a subsequent slot.
func (p *pendingConfirmation) Confirm(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.armed {
		return false
	}
	if now.Sub(p.armedAt) >= p.window {
		return false
	}
	p.resolveLocked(true)
	return true
}

// Disarm clears the slot without delivering an outcome. Used when the trigger
// invocation itself fails and the caller will not wait on the channel.
func (p *pendingConfirmation) Disarm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.armed {
		return
	}
	p.clearLocked()
}

func (p *pendingConfirmation) expire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.armed {
		return
	}
	p.resolveLocked(false)
}

func (p *pendingConfirmation) resolveLocked(ok bool) {
	p.ch <- ok
	p.clearLocked()
}

func (p *pendingConfirmation) clearLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.armed = false
	p.ch = nil
}
