package drawer

import "fmt"

// EventType names a gesture or signal the drawer reacts to.
type EventType string

const (
	EventTap     EventType = "tap"
	EventDrag    EventType = "drag"
	EventRelease EventType = "release"
	EventResize  EventType = "resize"
)

// Event is the wire form of a drawer gesture.
type Event struct {
	Type      EventType `json:"type"`
	DeltaY    float64   `json:"delta_y,omitempty"`
	VelocityY float64   `json:"velocity_y,omitempty"`
	Width     float64   `json:"width,omitempty"`
	Height    float64   `json:"height,omitempty"`
}

// Apply dispatches ev.
func (d *Drawer) Apply(ev Event) error {
	switch ev.Type {
	case EventTap:
		d.Tap()
	case EventDrag:
		d.Drag(ev.DeltaY)
	case EventRelease:
		d.Release(ev.VelocityY)
	case EventResize:
		return d.Resize(Viewport{Width: ev.Width, Height: ev.Height})
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
	return nil
}
