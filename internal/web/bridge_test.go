package web

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startBridge(t *testing.T) (*Broadcaster, *httptest.Server) {
	t.Helper()
	b := NewBroadcaster()
	srv := httptest.NewServer(New(b).Echo())
	t.Cleanup(srv.Close)
	return b, srv
}

func TestViewerPageServedForAnyPath(t *testing.T) {
	_, srv := startBridge(t)

	for _, path := range []string{"/", "/anything/else"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d", path, resp.StatusCode)
		}
		if !strings.Contains(string(body), "/mjpeg/") || !strings.Contains(string(body), "/audio/") {
			t.Fatalf("%s: viewer page missing stream references", path)
		}
	}
}

func TestMJPEGStream(t *testing.T) {
	b, srv := startBridge(t)

	jpeg1 := []byte{0xFF, 0xD8, 0xFF, 0xD9} // minimal JPEG-ish bytes
	b.SetFrame("alice", jpeg1)

	resp, err := http.Get(srv.URL + "/mjpeg/alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("content type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	readPart := func(want []byte) {
		t.Helper()
		expected := fmt.Sprintf("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(want))
		buf := make([]byte, len(expected)+len(want)+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			t.Fatalf("read part: %v", err)
		}
		if got := string(buf[:len(expected)]); got != expected {
			t.Fatalf("part header = %q, want %q", got, expected)
		}
		if got := buf[len(expected) : len(expected)+len(want)]; !reflect.DeepEqual(got, want) {
			t.Fatalf("part body = % x", got)
		}
		if string(buf[len(buf)-2:]) != "\r\n" {
			t.Fatal("part missing trailing CRLF")
		}
	}

	// The last-known frame arrives before any new WebFrame.
	readPart(jpeg1)

	// A fresh frame produces a second part.
	jpeg2 := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9}
	go func() {
		// The subscriber is attached by now (it wrote the first part);
		// push a couple of times to be safe against scheduling.
		for i := 0; i < 5; i++ {
			b.SetFrame("alice", jpeg2)
			time.Sleep(20 * time.Millisecond)
		}
	}()
	readPart(jpeg2)
}

func TestAudioStream(t *testing.T) {
	b, srv := startBridge(t)

	resp, err := http.Get(srv.URL + "/audio/alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("content type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	header := make([]byte, 44)
	if _, err := io.ReadFull(r, header); err != nil {
		t.Fatalf("read wav header: %v", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		t.Fatalf("not a RIFF/WAVE header: % x", header[:12])
	}
	if size := binary.LittleEndian.Uint32(header[4:8]); size != 0xFFFFFFFF {
		t.Fatalf("riff size = %#x, want unbounded", size)
	}
	if rate := binary.LittleEndian.Uint32(header[24:28]); rate != 48000 {
		t.Fatalf("sample rate = %d", rate)
	}
	if ch := binary.LittleEndian.Uint16(header[22:24]); ch != 2 {
		t.Fatalf("channels = %d", ch)
	}
	if bits := binary.LittleEndian.Uint16(header[34:36]); bits != 16 {
		t.Fatalf("bits = %d", bits)
	}
	if size := binary.LittleEndian.Uint32(header[40:44]); size != 0xFFFFFFFF {
		t.Fatalf("data size = %#x, want unbounded", size)
	}

	pcm := []byte{1, 2, 3, 4}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				b.PushAudio("alice", pcm)
				time.Sleep(20 * time.Millisecond)
			}
		}
	}()

	chunk := make([]byte, len(pcm))
	if _, err := io.ReadFull(r, chunk); err != nil {
		t.Fatalf("read pcm: %v", err)
	}
	if !reflect.DeepEqual(chunk, pcm) {
		t.Fatalf("pcm = % x", chunk)
	}
}

func TestPresenceFeed(t *testing.T) {
	b, srv := startBridge(t)

	b.SetUsers([]string{"alice", "bob"})
	b.SetMedia("screen", "alice", true)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Initial snapshot: users list, then the active media entries.
	var users Event
	if err := conn.ReadJSON(&users); err != nil {
		t.Fatalf("read users event: %v", err)
	}
	if users.Type != "users" || !reflect.DeepEqual(users.Users, []string{"alice", "bob"}) {
		t.Fatalf("users event = %+v", users)
	}
	var media Event
	if err := conn.ReadJSON(&media); err != nil {
		t.Fatalf("read media event: %v", err)
	}
	if media.Type != "media" || media.Kind != "screen" || media.User != "alice" || media.State != "start" {
		t.Fatalf("media event = %+v", media)
	}

	// Live update.
	b.SetMedia("screen", "alice", false)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var stop Event
	if err := conn.ReadJSON(&stop); err != nil {
		t.Fatalf("read stop event: %v", err)
	}
	if stop.Type != "media" || stop.State != "stop" || stop.User != "alice" {
		t.Fatalf("stop event = %+v", stop)
	}
}

func TestBroadcasterDropsWhenViewerStuck(t *testing.T) {
	b := NewBroadcaster()
	ch, _ := b.SubscribeFrames("alice")
	defer b.UnsubscribeFrames("alice", ch)

	// Fill far past the channel depth; pushes must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < frameSubDepth*10; i++ {
			b.SetFrame("alice", []byte{byte(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SetFrame blocked on a stuck viewer")
	}
}
