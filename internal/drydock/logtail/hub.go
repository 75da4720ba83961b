// Package logtail fans build logs out to any number of subscribers.
//
// Each build id has one substream holding every fragment published so far.
// A subscriber that attaches late replays the buffered fragments before it
// sees new ones, and every subscriber receives exactly one terminal message
// after which its channel is closed.
package logtail

import (
	"context"
	"log/slog"
	"sync"
)

// Terminal ends a substream.
type Terminal struct {
	Success bool
	// ImageID is set on successful builds.
	ImageID string
	// Log is the complete concatenated log.
	Log string
}

// Message is one item delivered to a subscriber: a log fragment, or, as the
// final message, the terminal event.
type Message struct {
	Data     string
	Terminal *Terminal
}

type substream struct {
	mu     sync.Mutex
	frags  []string
	term   *Terminal
	notify chan struct{}
	// open is set once a build runs under this id; a substream created
	// only by subscribers is not.
	open bool

	subs int // guarded by Hub.mu
}

func newSubstream() *substream {
	return &substream{notify: make(chan struct{})}
}

// wake releases every pump waiting on the current notify channel.
// Caller holds s.mu.
func (s *substream) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

// Hub holds the substreams of in-flight builds.
type Hub struct {
	mu         sync.Mutex
	streams    map[string]*substream
	onTerminal func(buildID string, t Terminal)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{streams: make(map[string]*substream)}
}

// OnTerminal registers fn to be called once per finished substream.
func (h *Hub) OnTerminal(fn func(buildID string, t Terminal)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onTerminal = fn
}

func (h *Hub) stream(buildID string) *substream {
	s, ok := h.streams[buildID]
	if !ok {
		s = newSubstream()
		h.streams[buildID] = s
	}
	return s
}

// Open creates the substream for buildID if it does not exist yet and
// marks it as running. Publish and Finish only reach opened or subscribed
// substreams.
func (h *Hub) Open(buildID string) {
	h.mu.Lock()
	s := h.stream(buildID)
	h.mu.Unlock()

	s.mu.Lock()
	s.open = true
	s.mu.Unlock()
}

// Publish appends a fragment. It never blocks on subscribers. Fragments
// for an unknown build, or published after Finish, are dropped.
func (h *Hub) Publish(buildID, data string) {
	if data == "" {
		return
	}
	h.mu.Lock()
	s, ok := h.streams[buildID]
	h.mu.Unlock()
	if !ok {
		slog.Debug("logtail: fragment for unknown build dropped", "build_id", buildID)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.term != nil {
		slog.Debug("logtail: fragment after terminal dropped", "build_id", buildID)
		return
	}
	s.open = true
	s.frags = append(s.frags, data)
	s.wake()
}

// Finish delivers the terminal event. Only the first call for a substream
// has any effect; it reports whether this call was that one. Once a
// finished substream is gone, later calls find nothing and report false.
func (h *Hub) Finish(buildID string, t Terminal) bool {
	h.mu.Lock()
	s, ok := h.streams[buildID]
	fn := h.onTerminal
	h.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	if s.term != nil {
		s.mu.Unlock()
		return false
	}
	s.term = &t
	s.wake()
	s.mu.Unlock()

	h.mu.Lock()
	if s.subs == 0 && h.streams[buildID] == s {
		delete(h.streams, buildID)
	}
	h.mu.Unlock()

	if fn != nil {
		fn(buildID, t)
	}
	return true
}

// Subscribe attaches to buildID's substream, creating it if needed. The
// channel delivers every fragment from the first one on, then the terminal
// message, then closes. It also closes, without a terminal message, when
// ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, buildID string) <-chan Message {
	h.mu.Lock()
	s := h.stream(buildID)
	s.subs++
	h.mu.Unlock()

	out := make(chan Message)
	go func() {
		defer close(out)
		defer h.detach(buildID, s)
		h.pump(ctx, s, out)
	}()
	return out
}

func (h *Hub) pump(ctx context.Context, s *substream, out chan<- Message) {
	next := 0
	for {
		s.mu.Lock()
		pending := s.frags[next:]
		term := s.term
		notify := s.notify
		s.mu.Unlock()

		for _, f := range pending {
			select {
			case out <- Message{Data: f}:
				next++
			case <-ctx.Done():
				return
			}
		}
		// No fragment is appended after the terminal, so pending held the
		// rest of the stream.
		if term != nil {
			select {
			case out <- Message{Terminal: term}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) detach(buildID string, s *substream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.subs--
	if s.subs > 0 || h.streams[buildID] != s {
		return
	}
	// A substream no build opened holds nothing to replay.
	s.mu.Lock()
	idle := s.term != nil || !s.open
	s.mu.Unlock()
	if idle {
		delete(h.streams, buildID)
	}
}

// Active returns the number of substreams currently held.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// Completed returns a subscription for a build that finished before the
// subscriber attached: the stored log as one fragment, then t.
func Completed(t Terminal) <-chan Message {
	out := make(chan Message, 2)
	if t.Log != "" {
		out <- Message{Data: t.Log}
	}
	out <- Message{Terminal: &t}
	close(out)
	return out
}
