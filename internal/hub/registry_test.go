package hub

import (
	"net/netip"
	"reflect"
	"testing"
)

type fakePeer struct {
	frames  [][]byte
	kicked  bool
	kickMsg string
}

func (p *fakePeer) SendFrame(frame []byte, droppable bool) {
	p.frames = append(p.frames, frame)
}

func (p *fakePeer) Kick(reason string) {
	p.kicked = true
	p.kickMsg = reason
}

func ap(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func TestBindUnbind(t *testing.T) {
	r := New()
	p := &fakePeer{}

	if got := r.UserOf(p); got != "" {
		t.Fatalf("unauthenticated peer has user %q", got)
	}
	if displaced, _, _ := r.Bind(p, "alice"); displaced != nil {
		t.Fatal("unexpected displacement on first bind")
	}
	if got := r.UserOf(p); got != "alice" {
		t.Fatalf("UserOf = %q", got)
	}
	if r.PeerOf("alice") != p {
		t.Fatal("PeerOf mismatch")
	}
	if got := r.Users(); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("Users = %v", got)
	}

	user, stopped, removed := r.Unbind(p)
	if !removed || user != "alice" || len(stopped) != 0 {
		t.Fatalf("Unbind = %q %v %v", user, stopped, removed)
	}
	if len(r.Users()) != 0 || r.PeerOf("alice") != nil {
		t.Fatal("state left behind after unbind")
	}
	if _, _, removed := r.Unbind(p); removed {
		t.Fatal("second unbind reported a presence change")
	}
}

func TestDisplacementRetractsOldPeer(t *testing.T) {
	r := New()
	p1, p2 := &fakePeer{}, &fakePeer{}

	r.Bind(p1, "alice")
	r.AnnounceUDP("alice", netip.MustParseAddr("10.0.0.1"), 50001, 50002)

	displaced, oldUser, stopped := r.Bind(p2, "alice")
	if displaced != p1 {
		t.Fatalf("displaced = %v, want p1", displaced)
	}
	if oldUser != "" || len(stopped) != 0 {
		t.Fatalf("displacement vacated %q with stops %v", oldUser, stopped)
	}
	if r.PeerOf("alice") != p2 {
		t.Fatal("new peer is not authoritative")
	}
	if got := r.UserOf(p1); got != "" {
		t.Fatalf("old peer still bound as %q", got)
	}
	// The old connection's endpoint mappings must be gone.
	if got := r.UserByVoice(ap("10.0.0.1:50001")); got != "" {
		t.Fatalf("stale voice endpoint resolves to %q", got)
	}
	if got := r.Users(); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("Users after displacement = %v", got)
	}

	// Unbinding the displaced peer later must not disturb the new binding
	// and must not report a presence change.
	user, _, removed := r.Unbind(p1)
	if removed || user != "alice" {
		t.Fatalf("unbind displaced = %q removed=%v", user, removed)
	}
	if r.PeerOf("alice") != p2 {
		t.Fatal("unbinding the displaced peer removed the new binding")
	}
}

func TestAnnounceUDPIndicesStayConsistent(t *testing.T) {
	r := New()
	p := &fakePeer{}

	// Not authenticated: no endpoint entry may exist.
	if r.AnnounceUDP("alice", netip.MustParseAddr("10.0.0.1"), 50001, 50002) {
		t.Fatal("announce accepted for unauthenticated user")
	}

	r.Bind(p, "alice")
	if !r.AnnounceUDP("alice", netip.MustParseAddr("10.0.0.1"), 50001, 50002) {
		t.Fatal("announce rejected for authenticated user")
	}
	if got := r.UserByVoice(ap("10.0.0.1:50001")); got != "alice" {
		t.Fatalf("voice reverse index = %q", got)
	}
	if got := r.UserByVideo(ap("10.0.0.1:50002")); got != "alice" {
		t.Fatalf("video reverse index = %q", got)
	}

	// Re-announce supersedes: old reverse entries must vanish atomically.
	r.AnnounceUDP("alice", netip.MustParseAddr("10.0.0.2"), 60001, 60002)
	if got := r.UserByVoice(ap("10.0.0.1:50001")); got != "" {
		t.Fatalf("stale voice entry = %q", got)
	}
	if got := r.UserByVideo(ap("10.0.0.2:60002")); got != "alice" {
		t.Fatalf("new video entry = %q", got)
	}
	ep, ok := r.UserEndpoints("alice")
	if !ok || ep.Voice != ap("10.0.0.2:60001") || ep.Video != ap("10.0.0.2:60002") {
		t.Fatalf("forward index = %+v %v", ep, ok)
	}

	// Unbind retracts everything.
	r.Unbind(p)
	if got := r.UserByVoice(ap("10.0.0.2:60001")); got != "" {
		t.Fatalf("endpoint survives unbind: %q", got)
	}
	if _, ok := r.UserEndpoints("alice"); ok {
		t.Fatal("forward endpoints survive unbind")
	}
}

func TestUserByVoiceUnmapsV4InV6(t *testing.T) {
	r := New()
	p := &fakePeer{}
	r.Bind(p, "alice")
	r.AnnounceUDP("alice", netip.MustParseAddr("10.0.0.1"), 50001, 50002)

	mapped := netip.AddrPortFrom(netip.MustParseAddr("::ffff:10.0.0.1"), 50001)
	if got := r.UserByVoice(mapped); got != "alice" {
		t.Fatalf("mapped lookup = %q", got)
	}
}

func TestMediaSets(t *testing.T) {
	r := New()
	p1, p2 := &fakePeer{}, &fakePeer{}
	r.Bind(p1, "alice")
	r.Bind(p2, "bob")

	if !r.SetMedia("screen", "alice", true) {
		t.Fatal("first start reported no change")
	}
	if r.SetMedia("screen", "alice", true) {
		t.Fatal("repeated start reported a change")
	}
	r.SetMedia("voice", "alice", true)
	r.SetMedia("screen", "bob", true)

	snap := r.MediaSnapshot()
	if !reflect.DeepEqual(snap["screen"], []string{"alice", "bob"}) {
		t.Fatalf("screen set = %v", snap["screen"])
	}
	if !reflect.DeepEqual(snap["voice"], []string{"alice"}) {
		t.Fatalf("voice set = %v", snap["voice"])
	}

	// Unbind reports exactly the kinds the user was active in.
	_, stopped, _ := r.Unbind(p1)
	if !reflect.DeepEqual(stopped, []string{"screen", "voice"}) {
		t.Fatalf("stopped kinds = %v", stopped)
	}
	snap = r.MediaSnapshot()
	if !reflect.DeepEqual(snap["screen"], []string{"bob"}) {
		t.Fatalf("screen set after unbind = %v", snap["screen"])
	}
	if _, ok := snap["voice"]; ok {
		t.Fatal("voice set should be empty after unbind")
	}
}

func TestRebindUnderNewNameVacatesOldIdentity(t *testing.T) {
	r := New()
	p := &fakePeer{}
	r.Bind(p, "alice")
	r.AnnounceUDP("alice", netip.MustParseAddr("10.0.0.1"), 50001, 50002)
	r.SetMedia("screen", "alice", true)
	r.SetMedia("voice", "alice", true)

	displaced, oldUser, stopped := r.Bind(p, "bob")
	if displaced != nil {
		t.Fatalf("displaced = %v, want nil", displaced)
	}
	if oldUser != "alice" || !reflect.DeepEqual(stopped, []string{"screen", "voice"}) {
		t.Fatalf("vacated %q with stops %v", oldUser, stopped)
	}

	// Nothing of the old identity may survive: binding, endpoints or
	// active-media entries.
	if r.PeerOf("alice") != nil {
		t.Fatal("alice still bound")
	}
	if got := r.UserByVoice(ap("10.0.0.1:50001")); got != "" {
		t.Fatalf("stale voice endpoint resolves to %q", got)
	}
	if snap := r.MediaSnapshot(); len(snap) != 0 {
		t.Fatalf("media snapshot after rebind = %v", snap)
	}
	if got := r.Users(); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Fatalf("Users = %v", got)
	}
}

func TestTargetsExcludeSender(t *testing.T) {
	r := New()
	p1, p2, p3 := &fakePeer{}, &fakePeer{}, &fakePeer{}
	r.Bind(p1, "alice")
	r.Bind(p2, "bob")
	r.Bind(p3, "carol")
	r.AnnounceUDP("alice", netip.MustParseAddr("10.0.0.1"), 50001, 50002)
	r.AnnounceUDP("bob", netip.MustParseAddr("10.0.0.2"), 50001, 50002)
	// carol never announced: she must not appear as a target.

	voice := r.VoiceTargets("alice")
	if len(voice) != 1 || voice[0] != ap("10.0.0.2:50001") {
		t.Fatalf("voice targets = %v", voice)
	}
	video := r.VideoTargets("bob")
	if len(video) != 1 || video[0] != ap("10.0.0.1:50002") {
		t.Fatalf("video targets = %v", video)
	}

	peers := r.PeersExcept(p1)
	if len(peers) != 2 {
		t.Fatalf("PeersExcept returned %d peers", len(peers))
	}
	for _, p := range peers {
		if p == p1 {
			t.Fatal("sender present in PeersExcept")
		}
	}
}
