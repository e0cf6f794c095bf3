// Package udp is the media relay: two fixed ports (voice and video),
// each running a receive loop that attributes datagrams by their learned
// source endpoint, rewrites the SSRC authoritatively and fans the bytes
// out to every other participant. No jitter buffering, no reordering,
// no retransmission — per datagram the only state touched is the
// endpoint index.
package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"krug/server/internal/hub"
	"krug/server/internal/protocol"
)

const recvBufSize = 64 * 1024

// malformedLogInterval rate-limits the log line for malformed datagrams
// from known endpoints; the drop itself stays silent and cheap.
const malformedLogInterval = 5 * time.Second

// SFU relays media datagrams between announced endpoints.
type SFU struct {
	reg       *hub.Registry
	voicePort int
	videoPort int
	log       *slog.Logger

	voice *net.UDPConn
	video *net.UDPConn

	datagrams atomic.Uint64
	bytes     atomic.Uint64
}

// New wires a relay for the two media ports.
func New(reg *hub.Registry, voicePort, videoPort int) *SFU {
	return &SFU{
		reg:       reg,
		voicePort: voicePort,
		videoPort: videoPort,
		log:       slog.Default().With("component", "udp"),
	}
}

// Listen binds both ports. Either bind failing is fatal for the caller.
func (s *SFU) Listen() error {
	voice, err := net.ListenUDP("udp", &net.UDPAddr{Port: s.voicePort})
	if err != nil {
		return fmt.Errorf("bind voice port %d: %w", s.voicePort, err)
	}
	video, err := net.ListenUDP("udp", &net.UDPAddr{Port: s.videoPort})
	if err != nil {
		voice.Close()
		return fmt.Errorf("bind video port %d: %w", s.videoPort, err)
	}
	s.voice, s.video = voice, video
	s.log.Info("media ports listening", "voice", voice.LocalAddr().String(), "video", video.LocalAddr().String())
	return nil
}

// VoiceAddr returns the bound voice address. Valid after Listen.
func (s *SFU) VoiceAddr() netip.AddrPort { return s.voice.LocalAddr().(*net.UDPAddr).AddrPort() }

// VideoAddr returns the bound video address. Valid after Listen.
func (s *SFU) VideoAddr() netip.AddrPort { return s.video.LocalAddr().(*net.UDPAddr).AddrPort() }

// Serve runs both relay loops until ctx is canceled.
func (s *SFU) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.voice.Close()
		s.video.Close()
	}()
	done := make(chan struct{}, 2)
	go func() { s.relay(s.voice, protocol.MediaVoice); done <- struct{}{} }()
	go func() { s.relay(s.video, protocol.MediaVideo); done <- struct{}{} }()
	<-done
	<-done
	return nil
}

// Run is Listen followed by Serve.
func (s *SFU) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *SFU) relay(pc *net.UDPConn, media uint8) {
	buf := make([]byte, recvBufSize)
	var lastMalformed time.Time
	for {
		n, src, err := pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		dgram := buf[:n]

		var sender string
		if media == protocol.MediaVoice {
			sender = s.reg.UserByVoice(src)
		} else {
			sender = s.reg.UserByVideo(src)
		}
		if sender == "" {
			continue // unknown source, drop
		}

		hdr, _, ok := protocol.UnpackMedia(dgram)
		if !ok || hdr.MediaType != media {
			if time.Since(lastMalformed) > malformedLogInterval {
				lastMalformed = time.Now()
				s.log.Debug("malformed datagram dropped", "media", media, "from", sender, "bytes", n)
			}
			continue
		}

		// The SSRC is authoritative: whatever the client wrote is
		// replaced with the identity derived from the source endpoint.
		protocol.RewriteSSRC(dgram, protocol.SSRC(sender))

		var targets []netip.AddrPort
		if media == protocol.MediaVoice {
			targets = s.reg.VoiceTargets(sender)
		} else {
			targets = s.reg.VideoTargets(sender)
		}
		for _, dst := range targets {
			if _, err := pc.WriteToUDPAddrPort(dgram, dst); err != nil {
				// UDP semantics: log at debug and keep the hot path moving.
				s.log.Debug("datagram send failed", "dst", dst, "err", err)
			}
		}
		s.datagrams.Add(1)
		s.bytes.Add(uint64(n))
	}
}

// Stats returns and resets the relayed datagram and byte counters.
func (s *SFU) Stats() (datagrams, bytes uint64) {
	return s.datagrams.Swap(0), s.bytes.Swap(0)
}
