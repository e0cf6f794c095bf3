// Package web is the browser-facing bridge: a small HTTP app that
// re-exposes a user's live stream as MJPEG plus chunked WAV and feeds a
// websocket presence channel for the viewer page. Pushes from the TCP
// core are best-effort; a stuck viewer loses data, never the core.
package web

import (
	"sync"
)

// Event is one presence update pushed to websocket viewers.
type Event struct {
	Type  string   `json:"type"` // "users" or "media"
	Users []string `json:"users,omitempty"`
	Kind  string   `json:"kind,omitempty"`
	User  string   `json:"user,omitempty"`
	State string   `json:"state,omitempty"`
}

// Per-subscriber channel depths. Frames are large and replaceable, audio
// is small and frequent. Overflow drops.
const (
	frameSubDepth = 4
	audioSubDepth = 64
	eventSubDepth = 16
)

// Broadcaster is the hand-off point between the TCP dispatcher and the
// attached HTTP/websocket viewers.
type Broadcaster struct {
	mu        sync.Mutex
	lastFrame map[string][]byte
	frameSubs map[string]map[chan []byte]struct{}
	audioSubs map[string]map[chan []byte]struct{}
	eventSubs map[chan Event]struct{}
	users     []string
	media     map[string]map[string]struct{} // kind → active users
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		lastFrame: make(map[string][]byte),
		frameSubs: make(map[string]map[chan []byte]struct{}),
		audioSubs: make(map[string]map[chan []byte]struct{}),
		eventSubs: make(map[chan Event]struct{}),
		media:     make(map[string]map[string]struct{}),
	}
}

// SetFrame stores the last-known JPEG for a user and offers it to every
// attached MJPEG viewer.
func (b *Broadcaster) SetFrame(user string, jpeg []byte) {
	cp := make([]byte, len(jpeg))
	copy(cp, jpeg)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFrame[user] = cp
	for ch := range b.frameSubs[user] {
		select {
		case ch <- cp:
		default: // viewer behind, it will get a later frame
		}
	}
}

// PushAudio offers a PCM chunk to every attached audio viewer.
func (b *Broadcaster) PushAudio(user string, pcm []byte) {
	cp := make([]byte, len(pcm))
	copy(cp, pcm)

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.audioSubs[user] {
		select {
		case ch <- cp:
		default:
		}
	}
}

// SetUsers replaces the authoritative users list and notifies presence
// viewers.
func (b *Broadcaster) SetUsers(users []string) {
	cp := make([]string, len(users))
	copy(cp, users)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.users = cp
	b.publishLocked(Event{Type: "users", Users: cp})
}

// SetMedia records a media-activity change and notifies presence viewers.
func (b *Broadcaster) SetMedia(kind, user string, active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.media[kind]
	if set == nil {
		set = make(map[string]struct{})
		b.media[kind] = set
	}
	state := "stop"
	if active {
		set[user] = struct{}{}
		state = "start"
	} else {
		delete(set, user)
	}
	b.publishLocked(Event{Type: "media", Kind: kind, User: user, State: state})
}

func (b *Broadcaster) publishLocked(ev Event) {
	for ch := range b.eventSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscribeFrames attaches an MJPEG viewer to a user's stream and
// returns the last-known frame, if any, for immediate delivery.
func (b *Broadcaster) SubscribeFrames(user string) (ch chan []byte, last []byte) {
	ch = make(chan []byte, frameSubDepth)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frameSubs[user] == nil {
		b.frameSubs[user] = make(map[chan []byte]struct{})
	}
	b.frameSubs[user][ch] = struct{}{}
	return ch, b.lastFrame[user]
}

// UnsubscribeFrames detaches an MJPEG viewer.
func (b *Broadcaster) UnsubscribeFrames(user string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.frameSubs[user], ch)
	if len(b.frameSubs[user]) == 0 {
		delete(b.frameSubs, user)
	}
}

// SubscribeAudio attaches an audio viewer to a user's stream.
func (b *Broadcaster) SubscribeAudio(user string) chan []byte {
	ch := make(chan []byte, audioSubDepth)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.audioSubs[user] == nil {
		b.audioSubs[user] = make(map[chan []byte]struct{})
	}
	b.audioSubs[user][ch] = struct{}{}
	return ch
}

// UnsubscribeAudio detaches an audio viewer.
func (b *Broadcaster) UnsubscribeAudio(user string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.audioSubs[user], ch)
	if len(b.audioSubs[user]) == 0 {
		delete(b.audioSubs, user)
	}
}

// SubscribeEvents attaches a presence viewer and returns the initial
// snapshot events it should receive before any live updates.
func (b *Broadcaster) SubscribeEvents() (chan Event, []Event) {
	ch := make(chan Event, eventSubDepth)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eventSubs[ch] = struct{}{}

	initial := []Event{{Type: "users", Users: append([]string(nil), b.users...)}}
	for kind, set := range b.media {
		for user := range set {
			initial = append(initial, Event{Type: "media", Kind: kind, User: user, State: "start"})
		}
	}
	return ch, initial
}

// UnsubscribeEvents detaches a presence viewer.
func (b *Broadcaster) UnsubscribeEvents(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.eventSubs, ch)
}
