package web

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const wsWriteTimeout = 5 * time.Second

// Bridge is the Echo application serving the web viewers.
type Bridge struct {
	echo     *echo.Echo
	b        *Broadcaster
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// New constructs the bridge app around a broadcaster.
func New(b *Broadcaster) *Bridge {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Bridge{
		echo: e,
		b:    b,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		log: slog.Default().With("component", "web"),
	}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Bridge) Echo() *echo.Echo {
	return s.echo
}

func (s *Bridge) registerRoutes() {
	s.echo.GET("/mjpeg/:user", s.handleMJPEG)
	s.echo.GET("/audio/:user", s.handleAudio)
	s.echo.GET("/ws", s.handleWS)
	// The viewer page answers "/" and anything unmatched.
	s.echo.GET("/*", s.handleHome)
}

// Run starts the bridge and blocks until ctx cancellation or startup
// failure.
func (s *Bridge) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

func (s *Bridge) handleHome(c echo.Context) error {
	return c.HTML(http.StatusOK, viewerPage)
}

// handleMJPEG streams a user's frames as multipart/x-mixed-replace. The
// last-known frame is written immediately so the viewer is never blank
// while the sharer is idle.
func (s *Bridge) handleMJPEG(c echo.Context) error {
	user := c.Param("user")
	if user == "" {
		return c.String(http.StatusBadRequest, "user required")
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "multipart/x-mixed-replace; boundary=frame")
	w.WriteHeader(http.StatusOK)

	ch, last := s.b.SubscribeFrames(user)
	defer s.b.UnsubscribeFrames(user, ch)
	s.log.Debug("mjpeg viewer attached", "user", user, "remote", c.RealIP())

	if last != nil {
		if err := writeJPEGPart(w, last); err != nil {
			return nil
		}
		w.Flush()
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case jpeg := <-ch:
			if err := writeJPEGPart(w, jpeg); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func writeJPEGPart(w *echo.Response, jpeg []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpeg)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// handleAudio streams a user's PCM as an unbounded WAV. The RIFF sizes
// are 0xFFFFFFFF, the convention players treat as "until the stream
// ends"; the response itself is chunked.
func (s *Bridge) handleAudio(c echo.Context) error {
	user := c.Param("user")
	if user == "" {
		return c.String(http.StatusBadRequest, "user required")
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "audio/wav")
	w.Header().Set(echo.HeaderConnection, "close")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(wavStreamHeader()); err != nil {
		return nil
	}
	w.Flush()

	ch := s.b.SubscribeAudio(user)
	defer s.b.UnsubscribeAudio(user, ch)
	s.log.Debug("audio viewer attached", "user", user, "remote", c.RealIP())

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case pcm := <-ch:
			if _, err := w.Write(pcm); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

// wavStreamHeader builds a RIFF/WAVE header for 48 kHz, 16-bit, stereo
// PCM with unbounded size fields.
func wavStreamHeader() []byte {
	const (
		sampleRate    = 48000
		bitsPerSample = 16
		channels      = 2
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	h := make([]byte, 0, 44)
	h = append(h, "RIFF"...)
	h = binary.LittleEndian.AppendUint32(h, 0xFFFFFFFF)
	h = append(h, "WAVE"...)
	h = append(h, "fmt "...)
	h = binary.LittleEndian.AppendUint32(h, 16)
	h = binary.LittleEndian.AppendUint16(h, 1) // PCM
	h = binary.LittleEndian.AppendUint16(h, channels)
	h = binary.LittleEndian.AppendUint32(h, sampleRate)
	h = binary.LittleEndian.AppendUint32(h, uint32(byteRate))
	h = binary.LittleEndian.AppendUint16(h, uint16(blockAlign))
	h = binary.LittleEndian.AppendUint16(h, bitsPerSample)
	h = append(h, "data"...)
	h = binary.LittleEndian.AppendUint32(h, 0xFFFFFFFF)
	return h
}

// handleWS serves the presence feed: an initial snapshot, then every
// users-list and media-state change as one JSON event.
func (s *Bridge) handleWS(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	defer conn.Close()

	ch, initial := s.b.SubscribeEvents()
	defer s.b.UnsubscribeEvents(ch)

	for _, ev := range initial {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			return nil
		}
	}

	// Reader goroutine: viewers send nothing meaningful, but reading is
	// how we notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case ev := <-ch:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
		}
	}
}

const viewerPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>krug viewer</title>
<style>body{font-family:sans-serif;margin:2em}img{max-width:100%;background:#222}#live{color:#080}</style>
</head>
<body>
<h1>krug viewer</h1>
<p><input id="user" placeholder="username"> <button onclick="watch()">watch</button> <span id="live"></span></p>
<p><img id="screen" alt=""></p>
<p><audio id="sound" controls autoplay></audio></p>
<script>
function watch() {
  var u = document.getElementById('user').value;
  if (!u) return;
  document.getElementById('screen').src = '/mjpeg/' + encodeURIComponent(u);
  document.getElementById('sound').src = '/audio/' + encodeURIComponent(u);
}
var ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
var liveUsers = {};
ws.onmessage = function (e) {
  var ev = JSON.parse(e.data);
  if (ev.type === 'media') {
    if (ev.state === 'start') { liveUsers[ev.user] = true; } else { delete liveUsers[ev.user]; }
    document.getElementById('live').textContent = 'LIVE: ' + Object.keys(liveUsers).join(', ');
  }
};
</script>
</body>
</html>
`
