package browser

// Frame identifies a document in the page's frame tree.
type Frame struct {
	ID  string
	URL string
	// Main is set for the top-level document.
	Main bool
}

// Rect is a layout box in CSS pixels relative to the top-level viewport.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Visible reports whether the box has a non-zero area.
func (r Rect) Visible() bool {
	return r.Width > 0 && r.Height > 0
}

// Center returns the midpoint of the box.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Element is a resolved reference to a DOM node: the candidate that matched
// and the frame it matched in. Node handles are not kept across calls, so the
// reference is re-resolved by selector whenever it is used.
type Element struct {
	Target   string
	Selector string
	Frame    Frame
	Rect     Rect
}

// InMainDocument reports whether the element lives in the top-level document.
func (e *Element) InMainDocument() bool {
	return e.Frame.Main || e.Frame.ID == ""
}

// Modifier is a bitmask of held modifier keys, using the DevTools protocol
// bit values.
type Modifier int64

const (
	ModAlt   Modifier = 1
	ModCtrl  Modifier = 2
	ModMeta  Modifier = 4
	ModShift Modifier = 8
)

// KeyEvent describes one key press. The session dispatches it as a
// keyDown/keyUp pair.
type KeyEvent struct {
	Key       string
	Code      string
	Text      string
	KeyCode   int64
	Modifiers Modifier
	// Commands are editing commands the browser runs with the key press,
	// such as "paste" or "selectAll". Synthetic shortcuts do nothing without them.
	Commands []string
}

// MouseEventType is the phase of a mouse event.
type MouseEventType string

const (
	MouseMoved    MouseEventType = "mouseMoved"
	MousePressed  MouseEventType = "mousePressed"
	MouseReleased MouseEventType = "mouseReleased"
)

// MouseEvent is a single left-button mouse event in viewport coordinates.
type MouseEvent struct {
	Type       MouseEventType
	X, Y       float64
	ClickCount int64
}
