// Package hub holds the process-wide session registry: which peer is
// which user, where each user's UDP media endpoints are, and who is
// currently producing which media kind. Every index lives under one
// mutex; handlers go through these primitives and never touch the maps.
package hub

import (
	"log/slog"
	"net/netip"
	"sort"
	"sync"
)

// Peer is the outbound half of an accepted control connection. SendFrame
// queues one complete encoded frame; droppable marks media fan-out that
// may be shed under backpressure. Kick schedules the connection for
// close after its queue drains.
type Peer interface {
	SendFrame(frame []byte, droppable bool)
	Kick(reason string)
}

// Endpoints are a user's learned UDP media destinations.
type Endpoints struct {
	Voice netip.AddrPort
	Video netip.AddrPort
}

// Registry is the shared index binding peers, users, endpoints and
// active-media state together.
type Registry struct {
	mu        sync.Mutex
	userByPer map[Peer]string
	peerByUsr map[string]Peer
	endpoints map[string]Endpoints
	byVoice   map[netip.AddrPort]string
	byVideo   map[netip.AddrPort]string
	media     map[string]map[string]struct{} // kind → set of users
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		userByPer: make(map[Peer]string),
		peerByUsr: make(map[string]Peer),
		endpoints: make(map[string]Endpoints),
		byVoice:   make(map[netip.AddrPort]string),
		byVideo:   make(map[netip.AddrPort]string),
		media:     make(map[string]map[string]struct{}),
	}
}

// Bind authenticates p as user. If the user was already bound to a
// different peer, that peer is displaced: its binding and the user's
// endpoint mappings are retracted, and it is returned so the caller can
// close it after flushing. A peer re-authenticating under a new name
// gives up the old identity entirely: its binding, endpoints and
// active-media entries; the vacated name and its stopped kinds are
// returned so the caller can broadcast the stops. Binding the same peer
// under the same name again is a no-op.
func (r *Registry) Bind(p Peer, user string) (displaced Peer, oldUser string, stopped []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.peerByUsr[user]; ok && prev != p {
		displaced = prev
		delete(r.userByPer, prev)
		r.dropEndpointsLocked(user)
	}
	if old, ok := r.userByPer[p]; ok && old != user {
		oldUser = old
		delete(r.peerByUsr, old)
		r.dropEndpointsLocked(old)
		stopped = r.dropMediaLocked(old)
	}
	r.userByPer[p] = user
	r.peerByUsr[user] = p
	return displaced, oldUser, stopped
}

// Unbind clears p's binding. It returns the username p was bound to,
// the media kinds the user was active in (already removed from the
// sets), and whether the user actually left the authenticated set. A
// displaced peer unbinds with removed=false: its user is already bound
// to a newer peer and no presence change happened.
func (r *Registry) Unbind(p Peer) (user string, stopped []string, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.userByPer[p]
	if !ok {
		return "", nil, false
	}
	delete(r.userByPer, p)
	if r.peerByUsr[user] != p {
		return user, nil, false
	}
	delete(r.peerByUsr, user)
	r.dropEndpointsLocked(user)
	return user, r.dropMediaLocked(user), true
}

// dropMediaLocked removes user from every active-media set and returns
// the kinds it was removed from, sorted.
func (r *Registry) dropMediaLocked(user string) (stopped []string) {
	for kind, set := range r.media {
		if _, ok := set[user]; ok {
			delete(set, user)
			stopped = append(stopped, kind)
		}
	}
	sort.Strings(stopped)
	return stopped
}

func (r *Registry) dropEndpointsLocked(user string) {
	ep, ok := r.endpoints[user]
	if !ok {
		return
	}
	delete(r.endpoints, user)
	if r.byVoice[ep.Voice] == user {
		delete(r.byVoice, ep.Voice)
	}
	if r.byVideo[ep.Video] == user {
		delete(r.byVideo, ep.Video)
	}
}

// UserOf returns the username bound to p, or "".
func (r *Registry) UserOf(p Peer) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userByPer[p]
}

// PeerOf returns the authenticated peer for a user, or nil.
func (r *Registry) PeerOf(user string) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peerByUsr[user]
}

// Peers snapshots all authenticated peers.
func (r *Registry) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peerByUsr))
	for _, p := range r.peerByUsr {
		out = append(out, p)
	}
	return out
}

// PeersExcept snapshots all authenticated peers other than skip.
func (r *Registry) PeersExcept(skip Peer) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peerByUsr))
	for _, p := range r.peerByUsr {
		if p != skip {
			out = append(out, p)
		}
	}
	return out
}

// Users returns the sorted usernames of authenticated peers.
func (r *Registry) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.peerByUsr))
	for u := range r.peerByUsr {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// AnnounceUDP records the user's media endpoints, replacing any previous
// announcement atomically so a stale reverse entry can never
// misattribute a datagram. It is a no-op for users who are not
// authenticated.
func (r *Registry) AnnounceUDP(user string, addr netip.Addr, voicePort, videoPort uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peerByUsr[user]; !ok {
		return false
	}
	r.dropEndpointsLocked(user)
	ep := Endpoints{
		Voice: netip.AddrPortFrom(addr.Unmap(), voicePort),
		Video: netip.AddrPortFrom(addr.Unmap(), videoPort),
	}
	r.endpoints[user] = ep
	r.byVoice[ep.Voice] = user
	r.byVideo[ep.Video] = user
	slog.Debug("udp endpoints announced", "user", user, "voice", ep.Voice, "video", ep.Video)
	return true
}

// UserEndpoints returns the learned endpoints for a user.
func (r *Registry) UserEndpoints(user string) (Endpoints, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[user]
	return ep, ok
}

// UserByVoice resolves a datagram source on the voice port to a user.
func (r *Registry) UserByVoice(src netip.AddrPort) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byVoice[normalize(src)]
}

// UserByVideo resolves a datagram source on the video port to a user.
func (r *Registry) UserByVideo(src netip.AddrPort) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byVideo[normalize(src)]
}

// VoiceTargets lists every other user's voice endpoint.
func (r *Registry) VoiceTargets(exclude string) []netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]netip.AddrPort, 0, len(r.endpoints))
	for user, ep := range r.endpoints {
		if user != exclude && ep.Voice.Port() != 0 {
			out = append(out, ep.Voice)
		}
	}
	return out
}

// VideoTargets lists every other user's video endpoint.
func (r *Registry) VideoTargets(exclude string) []netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]netip.AddrPort, 0, len(r.endpoints))
	for user, ep := range r.endpoints {
		if user != exclude && ep.Video.Port() != 0 {
			out = append(out, ep.Video)
		}
	}
	return out
}

// SetMedia updates the active set for one kind and reports whether the
// membership actually changed.
func (r *Registry) SetMedia(kind, user string, start bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.media[kind]
	if set == nil {
		set = make(map[string]struct{})
		r.media[kind] = set
	}
	_, active := set[user]
	if start == active {
		return false
	}
	if start {
		set[user] = struct{}{}
	} else {
		delete(set, user)
	}
	return true
}

// MediaSnapshot returns each kind's active users, sorted.
func (r *Registry) MediaSnapshot() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]string, len(r.media))
	for kind, set := range r.media {
		if len(set) == 0 {
			continue
		}
		users := make([]string, 0, len(set))
		for u := range set {
			users = append(users, u)
		}
		sort.Strings(users)
		out[kind] = users
	}
	return out
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
