package player

import "sync"

// Surface is the minimal control interface of the local media element. The
// decode/render stack behind it is outside this module; implementations are
// expected to fire the corresponding Notify* call on the Registry as a side
// effect of every state change, whether user- or engine-initiated.
type Surface interface {
	Play()
	Pause()
	Seek(seconds float64)
	SetSpeed(speed float64)
	CurrentTime() float64
	Duration() float64
}

// handlers are the engine-side callbacks for surface state changes.
type handlers struct {
	onPlay  func()
	onPause func()
	onSeek  func(seconds float64)
	onSpeed func(speed float64)
	onStall func()
}

// Registry bridges the component owning the media surface and the
// synchronization engine. Both sides hold it by reference; there is no
// ambient global. The surface owner calls the Notify* methods from its own
// state-change callbacks, the engine attaches its handlers via bind.
//
// The surface is mutated only by the engine, never by UI handlers directly;
// that is what keeps the echo-suppression invariant intact.
type Registry struct {
	mu      sync.RWMutex
	surface Surface
	h       handlers
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Attach installs the live surface. Replacing an existing surface is allowed;
// the engine keeps working against whichever surface is current.
func (r *Registry) Attach(s Surface) {
	r.mu.Lock()
	r.surface = s
	r.mu.Unlock()
}

// Detach removes the surface, e.g. when the owning view unmounts.
func (r *Registry) Detach() {
	r.mu.Lock()
	r.surface = nil
	r.mu.Unlock()
}

// Surface returns the currently attached surface, or nil.
func (r *Registry) Surface() Surface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.surface
}

func (r *Registry) bind(h handlers) {
	r.mu.Lock()
	r.h = h
	r.mu.Unlock()
}

// NotifyPlay reports that the surface transitioned to playing.
func (r *Registry) NotifyPlay() {
	if fn := r.snapshot().onPlay; fn != nil {
		fn()
	}
}

// NotifyPause reports that the surface transitioned to paused.
func (r *Registry) NotifyPause() {
	if fn := r.snapshot().onPause; fn != nil {
		fn()
	}
}

// NotifySeek reports that the surface position jumped to seconds.
func (r *Registry) NotifySeek(seconds float64) {
	if fn := r.snapshot().onSeek; fn != nil {
		fn(seconds)
	}
}

// NotifySpeed reports that the playback rate changed.
func (r *Registry) NotifySpeed(speed float64) {
	if fn := r.snapshot().onSpeed; fn != nil {
		fn(speed)
	}
}

// NotifyStall reports that local playback stalled on an empty buffer.
func (r *Registry) NotifyStall() {
	if fn := r.snapshot().onStall; fn != nil {
		fn()
	}
}

func (r *Registry) snapshot() handlers {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.h
}
