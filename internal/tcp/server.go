// Package tcp is the control-port dispatcher: it accepts client
// connections, reassembles framed records, gates them on authentication
// and fans the results out to the rest of the hub.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"krug/server/internal/auth"
	"krug/server/internal/history"
	"krug/server/internal/hub"
	"krug/server/internal/protocol"
)

// Bridge receives the media the web viewers consume plus presence
// updates for the viewer page. Implemented by the web broadcaster; a
// stuck viewer must never block these calls.
type Bridge interface {
	SetFrame(user string, jpeg []byte)
	PushAudio(user string, pcm []byte)
	SetUsers(users []string)
	SetMedia(kind, user string, active bool)
}

type handlerFunc func(c *Conn, user string, m protocol.Message)

// Server is the framed-record dispatcher on the control port.
type Server struct {
	addr   string
	reg    *hub.Registry
	creds  *auth.Store
	hist   *history.Log
	bridge Bridge
	log    *slog.Logger

	ln       net.Listener
	handlers map[protocol.Tag]handlerFunc
	needAuth map[protocol.Tag]bool
}

// New wires a dispatcher. All collaborators are passed in explicitly;
// the server owns no global state.
func New(addr string, reg *hub.Registry, creds *auth.Store, hist *history.Log, bridge Bridge) *Server {
	s := &Server{
		addr:   addr,
		reg:    reg,
		creds:  creds,
		hist:   hist,
		bridge: bridge,
		log:    slog.Default().With("component", "tcp"),
	}
	s.handlers = map[protocol.Tag]handlerFunc{
		protocol.TagLoginRequest:         s.handleLogin,
		protocol.TagChatMessage:          s.handleChat,
		protocol.TagChatMedia:            s.handleChatMedia,
		protocol.TagHistoryRequest:       s.handleHistory,
		protocol.TagUsersListRequest:     s.handleUsersList,
		protocol.TagVoiceChunk:           s.handleVoiceChunk,
		protocol.TagScreenFrame:          s.handleScreenFrame,
		protocol.TagStreamAudio:          s.handleStreamAudio,
		protocol.TagWebFrame:             s.handleWebFrame,
		protocol.TagMediaControl:         s.handleMediaControl,
		protocol.TagPing:                 s.handlePing,
		protocol.TagUdpPortsAnnouncement: s.handleUdpPorts,
		protocol.TagLogoutRequest:        s.handleLogout,
	}
	s.needAuth = map[protocol.Tag]bool{
		protocol.TagChatMessage:          true,
		protocol.TagChatMedia:            true,
		protocol.TagHistoryRequest:       true,
		protocol.TagUsersListRequest:     true,
		protocol.TagVoiceChunk:           true,
		protocol.TagScreenFrame:          true,
		protocol.TagStreamAudio:          true,
		protocol.TagWebFrame:             true,
		protocol.TagMediaControl:         true,
		protocol.TagPing:                 true,
		protocol.TagUdpPortsAnnouncement: true,
	}
	return s
}

// Listen binds the control port. A bind failure here is fatal for the
// process; the caller decides that.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind control port %s: %w", s.addr, err)
	}
	s.ln = ln
	s.log.Info("control port listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.serveConn(nc)
	}
}

// Run is Listen followed by Serve.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) serveConn(nc net.Conn) {
	c := newConn(nc, s.log)
	c.log.Debug("connection accepted")
	go c.writeLoop()

	for {
		frame, err := protocol.ReadFrame(nc)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				// The length prefix is garbage; there is no way to resync.
				s.sendError(c, "Malformed message")
				c.log.Warn("unrecoverable framing error", "err", err)
			}
			break
		}
		m, err := protocol.Decode(frame)
		if err != nil {
			// The frame boundary held, so keep the connection and report.
			s.sendError(c, "Malformed message")
			continue
		}
		s.dispatch(c, m)
	}
	s.disconnect(c)
}

func (s *Server) dispatch(c *Conn, m protocol.Message) {
	h, ok := s.handlers[m.Type]
	if !ok {
		s.sendError(c, "Unsupported message type")
		return
	}
	user := s.reg.UserOf(c)
	if s.needAuth[m.Type] && user == "" {
		s.sendError(c, "Not authenticated")
		return
	}
	h(c, user, m)
}

// disconnect runs the cleanup for a closed or closing connection. Safe
// to reach twice (logout then socket close): the second unbind is a
// no-op and broadcasts nothing.
func (s *Server) disconnect(c *Conn) {
	c.Kick("")
	user, stopped, removed := s.reg.Unbind(c)
	if !removed {
		if user != "" {
			c.log.Debug("displaced connection closed", "user", user)
		}
		return
	}
	for _, kind := range stopped {
		s.broadcast(s.serverMsg(protocol.TagMediaControl, mediaControlPayload(kind, "stop"), user), nil, false)
		s.bridge.SetMedia(kind, user, false)
	}
	s.broadcastUsers()
	c.log.Info("user disconnected", "user", user)
}

// broadcast fans one record out to every authenticated connection,
// optionally skipping one peer. Within one call the frame is encoded
// once and enqueued in iteration order.
func (s *Server) broadcast(m protocol.Message, except hub.Peer, droppable bool) {
	frame := protocol.Encode(m)
	var peers []hub.Peer
	if except != nil {
		peers = s.reg.PeersExcept(except)
	} else {
		peers = s.reg.Peers()
	}
	for _, p := range peers {
		p.SendFrame(frame, droppable)
	}
}

// broadcastUsers sends the authoritative users list to everyone and
// mirrors it to the web bridge.
func (s *Server) broadcastUsers() {
	users := s.reg.Users()
	m := s.serverMsg(protocol.TagUsersListResponse, []byte(strings.Join(users, "\n")), "")
	s.broadcast(m, nil, false)
	s.bridge.SetUsers(users)
}

func (s *Server) sendError(c *Conn, reason string) {
	c.SendFrame(protocol.Encode(s.serverMsg(protocol.TagError, []byte(reason), "")), false)
}

// serverMsg builds a server-originated record. sender defaults to
// "server"; fan-out copies that relay a user's action carry that user.
func (s *Server) serverMsg(t protocol.Tag, payload []byte, sender string) protocol.Message {
	if sender == "" {
		sender = "server"
	}
	return protocol.Message{
		Type:      t,
		Sender:    sender,
		Payload:   payload,
		Timestamp: nowMillis(),
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
