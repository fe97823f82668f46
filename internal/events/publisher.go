package events

import "sync"

// Scope restricts who receives a message. A session receives it when its
// user holds Permission or is listed in Actors. An empty Scope reaches everyone.
type Scope struct {
	Permission string
	Actors     []string
}

func (s Scope) Open() bool {
	return s.Permission == "" && len(s.Actors) == 0
}

// Message is one fan-out notification.
type Message struct {
	Name  string
	Data  any
	Scope Scope
}

// Publisher delivers committed changes to live subscribers. Publish must not
// block on slow consumers.
type Publisher interface {
	Publish(msg Message)
}

// Discard drops every message.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Message) {}

// Recorder keeps published messages in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *Recorder) Publish(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

// Messages returns a copy of what was published so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// Names lists published message names in order.
func (r *Recorder) Names() []string {
	var out []string
	for _, m := range r.Messages() {
		out = append(out, m.Name)
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}

// Fanout publishes to every wrapped publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(msg Message) {
	for _, p := range f {
		if p != nil {
			p.Publish(msg)
		}
	}
}
