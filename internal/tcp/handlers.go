package tcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"krug/server/internal/auth"
	"krug/server/internal/protocol"
)

func (s *Server) handleLogin(c *Conn, _ string, m protocol.Message) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Register bool   `json:"register"`
	}
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		s.sendError(c, "Invalid login payload")
		return
	}
	if req.Username == "" || req.Password == "" {
		s.sendError(c, "Username/password required")
		return
	}

	if req.Register {
		if err := s.creds.Register(req.Username, req.Password); err != nil {
			if errors.Is(err, auth.ErrUserExists) {
				s.sendError(c, "User already exists")
			} else {
				s.sendError(c, err.Error())
			}
			return
		}
	} else if !s.creds.Verify(req.Username, req.Password) {
		s.sendError(c, "Invalid credentials")
		return
	}

	displaced, oldUser, stopped := s.reg.Bind(c, req.Username)
	if displaced != nil {
		displaced.Kick("signed in from another connection")
	}
	c.log.Info("user authenticated", "user", req.Username, "registered", req.Register)

	c.SendFrame(protocol.Encode(s.serverMsg(protocol.TagLoginResponse, []byte("ok"), "")), false)

	// A re-authentication under a new name vacates the old identity; its
	// still-active media stops like on a disconnect.
	for _, kind := range stopped {
		s.broadcast(s.serverMsg(protocol.TagMediaControl, mediaControlPayload(kind, "stop"), oldUser), nil, false)
		s.bridge.SetMedia(kind, oldUser, false)
	}
	s.broadcastUsers()

	// Media snapshot so the new client can render existing LIVE tags,
	// its own still-active kinds included (reconnects).
	for kind, users := range s.reg.MediaSnapshot() {
		for _, u := range users {
			m := s.serverMsg(protocol.TagMediaControl, mediaControlPayload(kind, "start"), u)
			c.SendFrame(protocol.Encode(m), false)
		}
	}
}

func (s *Server) handleChat(c *Conn, user string, m protocol.Message) {
	text := string(m.Payload)
	s.hist.Append(user + ": " + text)
	// Canonical echo: the sender receives its own message back with the
	// server-stamped identity and timestamp.
	out := s.serverMsg(protocol.TagChatMessage, m.Payload, user)
	out.Recipient = m.Recipient
	s.broadcast(out, nil, false)
}

func (s *Server) handleChatMedia(c *Conn, user string, m protocol.Message) {
	s.hist.Append(user + ": [media]")
	out := s.serverMsg(protocol.TagChatMedia, m.Payload, user)
	out.Recipient = m.Recipient
	s.broadcast(out, nil, false)
}

func (s *Server) handleHistory(c *Conn, _ string, _ protocol.Message) {
	payload := []byte(joinLines(s.hist.Snapshot()))
	c.SendFrame(protocol.Encode(s.serverMsg(protocol.TagHistoryResponse, payload, "")), false)
}

func (s *Server) handleUsersList(c *Conn, _ string, _ protocol.Message) {
	payload := []byte(joinLines(s.reg.Users()))
	c.SendFrame(protocol.Encode(s.serverMsg(protocol.TagUsersListResponse, payload, "")), false)
}

// handleVoiceChunk is the legacy TCP voice path kept for old clients;
// the UDP relay is the preferred route.
func (s *Server) handleVoiceChunk(c *Conn, user string, m protocol.Message) {
	s.broadcast(s.serverMsg(protocol.TagVoiceChunk, m.Payload, user), c, true)
}

func (s *Server) handleScreenFrame(c *Conn, user string, m protocol.Message) {
	// Reserved frame ids (config/stop/presence) ride the same path; the
	// receivers interpret them.
	s.broadcast(s.serverMsg(protocol.TagScreenFrame, m.Payload, user), c, true)
}

func (s *Server) handleStreamAudio(c *Conn, user string, m protocol.Message) {
	s.broadcast(s.serverMsg(protocol.TagStreamAudio, m.Payload, user), c, true)
	// Payload is u32 seq, i64 timestamp, then raw PCM. The bridge gets
	// the PCM tail only.
	if len(m.Payload) > 12 {
		s.bridge.PushAudio(user, m.Payload[12:])
	}
}

func (s *Server) handleWebFrame(c *Conn, user string, m protocol.Message) {
	if len(m.Payload) == 0 {
		return
	}
	s.bridge.SetFrame(user, m.Payload)
}

func (s *Server) handleMediaControl(c *Conn, user string, m protocol.Message) {
	var req struct {
		Kind  string `json:"kind"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(m.Payload, &req); err != nil || req.Kind == "" {
		s.sendError(c, "Invalid media control payload")
		return
	}
	var start bool
	switch req.State {
	case "start":
		start = true
	case "stop":
		start = false
	default:
		s.sendError(c, fmt.Sprintf("Unknown media state %q", req.State))
		return
	}

	s.reg.SetMedia(req.Kind, user, start)
	s.bridge.SetMedia(req.Kind, user, start)
	s.broadcast(s.serverMsg(protocol.TagMediaControl, mediaControlPayload(req.Kind, req.State), user), c, false)
}

func (s *Server) handlePing(c *Conn, _ string, m protocol.Message) {
	c.SendFrame(protocol.Encode(s.serverMsg(protocol.TagPong, m.Payload, "")), false)
}

func (s *Server) handleUdpPorts(c *Conn, user string, m protocol.Message) {
	var req struct {
		VoicePort int `json:"voicePort"`
		VideoPort int `json:"videoPort"`
	}
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		s.sendError(c, "Invalid ports payload")
		return
	}
	if !validPort(req.VoicePort) || !validPort(req.VideoPort) {
		s.sendError(c, "Ports must be in 1..65535")
		return
	}

	// The address is the connection's observed source, not anything the
	// client claims; only the ports come from the payload (NAT).
	tcpAddr, ok := c.sock.RemoteAddr().(*net.TCPAddr)
	if !ok {
		s.sendError(c, "Unsupported transport for UDP announcement")
		return
	}
	addr := tcpAddr.AddrPort().Addr()
	s.reg.AnnounceUDP(user, addr, uint16(req.VoicePort), uint16(req.VideoPort))
	c.log.Debug("udp ports announced", "user", user, "addr", addr, "voice", req.VoicePort, "video", req.VideoPort)
}

func (s *Server) handleLogout(c *Conn, _ string, _ protocol.Message) {
	c.SendFrame(protocol.Encode(s.serverMsg(protocol.TagLogoutRequest, []byte("bye"), "")), false)
	s.disconnect(c)
}

func mediaControlPayload(kind, state string) []byte {
	b, _ := json.Marshal(struct {
		Kind  string `json:"kind"`
		State string `json:"state"`
	}{kind, state})
	return b
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}
