// Package drawer implements the snap state machine of the mobile listing
// drawer: three snap heights derived from the viewport, tap cycling, free
// dragging with velocity-aware snapping, and a checkout override.
package drawer

import (
	"errors"
	"fmt"
	"math"
)

const (
	// HeaderHeight is the strip kept visible above the drawer.
	HeaderHeight = 48.0
	// SnapBuffer absorbs spring overshoot when deciding where a tap starts.
	SnapBuffer = 10.0
	// FlingVelocity is the |vy| in px/s above which a release snaps in the
	// gesture's direction instead of to the nearest point.
	FlingVelocity = 500.0
)

var (
	// ErrInvalidViewport is returned for a non-positive viewport.
	ErrInvalidViewport = errors.New("drawer: viewport must be positive")
	// ErrUnknownEvent is returned by Apply for an unsupported event type.
	ErrUnknownEvent = errors.New("drawer: unknown event")
)

// State is the drawer's position.
type State string

const (
	Collapsed State = "collapsed"
	Mid       State = "mid"
	Full      State = "full"
	Dragging  State = "dragging"
)

// Viewport is the screen size in CSS pixels.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Snaps are the three rest heights. The collapsed drawer leaves a square
// the width of the screen for the map.
type Snaps struct {
	Collapsed float64 `json:"collapsed"`
	Mid       float64 `json:"mid"`
	Full      float64 `json:"full"`
}

// SnapsFor computes the rest heights for vp.
func SnapsFor(vp Viewport) Snaps {
	full := math.Max(vp.Height-HeaderHeight, 0)
	collapsed := math.Max(vp.Height-(HeaderHeight+vp.Width), 0)
	return Snaps{
		Collapsed: collapsed,
		Mid:       collapsed + (full-collapsed)*0.5,
		Full:      full,
	}
}

// Height returns the rest height for s. Dragging has no rest height and
// reports the collapsed one.
func (s Snaps) Height(st State) float64 {
	switch st {
	case Mid:
		return s.Mid
	case Full:
		return s.Full
	default:
		return s.Collapsed
	}
}

type point struct {
	state  State
	height float64
}

func (s Snaps) points() [3]point {
	return [3]point{{Collapsed, s.Collapsed}, {Mid, s.Mid}, {Full, s.Full}}
}

// Snapshot is the externally visible drawer state.
type Snapshot struct {
	State      State    `json:"state"`
	Height     float64  `json:"height"`
	Snaps      Snaps    `json:"snaps"`
	Viewport   Viewport `json:"viewport"`
	Checkout   bool     `json:"checkout"`
	Remembered State    `json:"remembered"`
}

// Drawer is not safe for concurrent use.
type Drawer struct {
	vp         Viewport
	snaps      Snaps
	state      State
	height     float64
	remembered State
	checkout   bool
}

// New returns a collapsed drawer for vp.
func New(vp Viewport) (*Drawer, error) {
	if vp.Width <= 0 || vp.Height <= 0 {
		return nil, fmt.Errorf("%w: %vx%v", ErrInvalidViewport, vp.Width, vp.Height)
	}
	snaps := SnapsFor(vp)
	return &Drawer{
		vp:         vp,
		snaps:      snaps,
		state:      Collapsed,
		height:     snaps.Collapsed,
		remembered: Collapsed,
	}, nil
}

// Snapshot returns the current state.
func (d *Drawer) Snapshot() Snapshot {
	return Snapshot{
		State:      d.state,
		Height:     d.height,
		Snaps:      d.snaps,
		Viewport:   d.vp,
		Checkout:   d.checkout,
		Remembered: d.remembered,
	}
}

// Tap cycles collapsed → mid → full → collapsed. Ignored during checkout.
func (d *Drawer) Tap() {
	if d.checkout {
		return
	}
	switch {
	case d.height <= d.snaps.Collapsed+SnapBuffer:
		d.settle(Mid)
	case d.height <= d.snaps.Mid+SnapBuffer:
		d.settle(Full)
	default:
		d.settle(Collapsed)
	}
}

// Drag moves the drawer by a pointer delta. dy is in screen coordinates,
// so a negative dy (finger moving up) grows the drawer.
func (d *Drawer) Drag(dy float64) {
	d.state = Dragging
	d.height = clamp(d.height-dy, d.snaps.Collapsed, d.snaps.Full)
}

// Release ends a drag. A fling faster than FlingVelocity goes to the next
// snap point in its direction; anything slower goes to the nearest one.
// vy is in screen coordinates (negative is upward).
func (d *Drawer) Release(vy float64) {
	pts := d.snaps.points()
	var target State

	switch {
	case vy < -FlingVelocity:
		target = Full
		for _, p := range pts {
			if p.height > d.height+SnapBuffer {
				target = p.state
				break
			}
		}
	case vy > FlingVelocity:
		target = Collapsed
		for i := len(pts) - 1; i >= 0; i-- {
			if pts[i].height < d.height-SnapBuffer {
				target = pts[i].state
				break
			}
		}
	default:
		target = pts[0].state
		best := math.Abs(pts[0].height - d.height)
		for _, p := range pts[1:] {
			if dist := math.Abs(p.height - d.height); dist < best {
				target, best = p.state, dist
			}
		}
	}
	d.settle(target)
}

// Resize recomputes the snap heights. A resting drawer keeps its state; a
// dragging one keeps its height, clamped to the new range.
func (d *Drawer) Resize(vp Viewport) error {
	if vp.Width <= 0 || vp.Height <= 0 {
		return fmt.Errorf("%w: %vx%v", ErrInvalidViewport, vp.Width, vp.Height)
	}
	d.vp = vp
	d.snaps = SnapsFor(vp)
	if d.state == Dragging {
		d.height = clamp(d.height, d.snaps.Collapsed, d.snaps.Full)
		return nil
	}
	d.height = d.snaps.Height(d.state)
	return nil
}

// OpenCheckout forces the drawer full. Until CloseCheckout, taps are
// ignored and snap positions are not remembered.
func (d *Drawer) OpenCheckout() {
	d.checkout = true
	d.state = Full
	d.height = d.snaps.Full
}

// CloseCheckout restores the snap point remembered before checkout.
func (d *Drawer) CloseCheckout() {
	if !d.checkout {
		return
	}
	d.checkout = false
	d.state = d.remembered
	d.height = d.snaps.Height(d.remembered)
}

func (d *Drawer) settle(s State) {
	d.state = s
	d.height = d.snaps.Height(s)
	if !d.checkout {
		d.remembered = s
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
