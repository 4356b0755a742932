package visibility

import (
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/harmonica"
)

const fadeFPS = 60

// Fader animates window opacity toward a target along a critically damped
// spring. Only one animation runs at a time; FadeTo supersedes whatever is
// in flight and continues from the current opacity.
type Fader struct {
	set      func(float64) error
	duration time.Duration

	// finishing is held from the final generation check until the
	// completion returns, so FadeTo never returns while a superseded
	// completion is still running.
	finishing sync.Mutex

	mu      sync.Mutex
	opacity float64
	gen     uint64
	cancel  chan struct{}
	running sync.WaitGroup
}

// NewFader returns a fader that reports each frame to set. A zero duration
// applies targets immediately.
func NewFader(set func(float64) error, duration time.Duration) *Fader {
	return &Fader{set: set, duration: duration}
}

// Opacity returns the last applied opacity.
func (f *Fader) Opacity() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opacity
}

// FadeTo starts an animation to target. then runs after the final frame
// unless a later FadeTo supersedes this one first; once FadeTo returns, no
// earlier completion runs.
func (f *Fader) FadeTo(target float64, then func()) {
	target = math.Max(0, math.Min(1, target))

	f.finishing.Lock()
	defer f.finishing.Unlock()
	f.mu.Lock()
	if f.cancel != nil {
		close(f.cancel)
		f.cancel = nil
	}
	f.gen++
	gen := f.gen
	if f.duration <= 0 {
		f.opacity = target
		f.mu.Unlock()
		f.apply(target)
		if then != nil {
			then()
		}
		return
	}
	cancel := make(chan struct{})
	f.cancel = cancel
	from := f.opacity
	f.running.Add(1)
	f.mu.Unlock()

	go f.run(gen, from, target, cancel, then)
}

// Wait blocks until no animation is running.
func (f *Fader) Wait() {
	f.running.Wait()
}

// Stop cancels the in-flight animation, leaving opacity where it is.
func (f *Fader) Stop() {
	f.finishing.Lock()
	f.mu.Lock()
	if f.cancel != nil {
		close(f.cancel)
		f.cancel = nil
	}
	f.gen++
	f.mu.Unlock()
	f.finishing.Unlock()
	f.running.Wait()
}

func (f *Fader) run(gen uint64, from, target float64, cancel <-chan struct{}, then func()) {
	defer f.running.Done()

	frame := time.Second / fadeFPS
	frames := int(math.Ceil(float64(f.duration) / float64(frame)))
	// Settle within the fixed duration: a critically damped spring is
	// within about 1% of its target after 6.6/omega seconds.
	omega := 6.6 / f.duration.Seconds()
	spring := harmonica.NewSpring(harmonica.FPS(fadeFPS), omega, 1.0)

	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	pos, vel := from, 0.0
	for i := 1; i <= frames; i++ {
		select {
		case <-cancel:
			return
		case <-ticker.C:
		}
		pos, vel = spring.Update(pos, vel, target)
		if i == frames {
			pos = target
		}
		pos = math.Max(0, math.Min(1, pos))
		if !f.commit(gen, pos) {
			return
		}
	}

	f.finishing.Lock()
	defer f.finishing.Unlock()
	f.mu.Lock()
	current := gen == f.gen
	if current {
		f.cancel = nil
	}
	f.mu.Unlock()
	if current && then != nil {
		then()
	}
}

// commit records and applies one frame if gen is still the live animation.
func (f *Fader) commit(gen uint64, v float64) bool {
	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return false
	}
	f.opacity = v
	f.mu.Unlock()
	f.apply(v)
	return true
}

func (f *Fader) apply(v float64) {
	if f.set != nil {
		_ = f.set(v)
	}
}
