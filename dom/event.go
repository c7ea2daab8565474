package dom

import "golang.org/x/net/html"

// Event is a snapshot of a user input event. It is a plain value so it can
// be kept past the dispatch that produced it.
type Event struct {
	Type    string // "mousedown", "mouseup", "click", "keydown"
	Target  *html.Node
	ClientX float64
	ClientY float64
	Alt     bool
	Shift   bool
	Ctrl    bool
	Meta    bool
	Detail  int    // click count
	Key     string // for keydown
	Seq     uint64 // dispatch sequence number, shared by all listeners
}

// Listener handles an event.
type Listener func(Event)

type listener struct {
	fn Listener
}

// Listen registers fn on root. Listeners on a shadow root see events whose
// target is inside that shadow tree, with the original target; document
// listeners see the target retargeted to the outermost shadow host.
func (d *Document) Listen(root Root, fn Listener) (remove func()) {
	key := root.Node()
	l := &listener{fn: fn}
	d.listeners[key] = append(d.listeners[key], l)
	return func() {
		ls := d.listeners[key]
		for i, x := range ls {
			if x == l {
				d.listeners[key] = append(ls[:i], ls[i+1:]...)
				return
			}
		}
	}
}

// Dispatch delivers ev along the composed path of its target and returns
// the sequence number assigned to it.
func (d *Document) Dispatch(ev Event) uint64 {
	d.seq++
	ev.Seq = d.seq
	target := ev.Target
	for target != nil {
		root := d.RootOf(target)
		if root == nil {
			break
		}
		ev.Target = target
		for _, l := range append([]*listener(nil), d.listeners[root.Node()]...) {
			l.fn(ev)
		}
		target = root.Host()
	}
	return ev.Seq
}
