package main

import (
	"sync"
	"time"

	"watchparty/internal/infrastructure/clock/port"
	"watchparty/internal/pkg/player"
)

// headlessSurface simulates a media element for the reference client: it has
// no decoder, just a position that advances with wall time while playing.
// Every mutation fires the matching Registry notification, mirroring how a
// real surface reports its state changes.
type headlessSurface struct {
	reg *player.Registry
	clk port.Clock

	mu      sync.Mutex
	playing bool
	speed   float64
	base    float64
	mark    time.Time
}

func newHeadlessSurface(reg *player.Registry, clk port.Clock) *headlessSurface {
	return &headlessSurface{reg: reg, clk: clk, speed: 1}
}

var _ player.Surface = (*headlessSurface)(nil)

func (h *headlessSurface) Play() {
	h.mu.Lock()
	if !h.playing {
		h.playing = true
		h.mark = h.clk.Now()
	}
	h.mu.Unlock()
	h.reg.NotifyPlay()
}

func (h *headlessSurface) Pause() {
	h.mu.Lock()
	if h.playing {
		h.base = h.positionLocked()
		h.playing = false
	}
	h.mu.Unlock()
	h.reg.NotifyPause()
}

func (h *headlessSurface) Seek(seconds float64) {
	h.mu.Lock()
	h.base = seconds
	h.mark = h.clk.Now()
	h.mu.Unlock()
	h.reg.NotifySeek(seconds)
}

func (h *headlessSurface) SetSpeed(speed float64) {
	h.mu.Lock()
	h.base = h.positionLocked()
	h.mark = h.clk.Now()
	h.speed = speed
	h.mu.Unlock()
	h.reg.NotifySpeed(speed)
}

func (h *headlessSurface) CurrentTime() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.positionLocked()
}

func (h *headlessSurface) Duration() float64 { return 2 * 60 * 60 }

func (h *headlessSurface) positionLocked() float64 {
	if !h.playing {
		return h.base
	}
	return h.base + h.clk.Now().Sub(h.mark).Seconds()*h.speed
}
