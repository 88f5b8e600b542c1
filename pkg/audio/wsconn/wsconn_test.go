package wsconn

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"layeh.com/gopus"

	"github.com/MrWong99/conversify/pkg/audio"
)

// ─── Helpers ──────────────────────────────────────────────────────────────────

// startServer serves handler and returns the websocket URL.
func startServer(t *testing.T, handler audio.Handler) (string, *Server) {
	t.Helper()
	srv := NewServer(handler, Options{HelloTimeout: time.Second})
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http"), srv
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

// handshake sends hello and returns the server's ready message.
func handshake(t *testing.T, ws *websocket.Conn, h Hello) Ready {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.Type = msgHello
	if err := wsjson.Write(ctx, ws, h); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	var r Ready
	if err := wsjson.Read(ctx, ws, &r); err != nil {
		t.Fatalf("read ready: %v", err)
	}
	return r
}

func send(t *testing.T, ws *websocket.Conn, kind byte, payload []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageBinary, append([]byte{kind}, payload...)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// connCh returns a handler that publishes the connection and holds it until
// release is closed or the client disconnects.
func connCh() (audio.Handler, <-chan audio.Connection, chan struct{}) {
	conns := make(chan audio.Connection, 1)
	release := make(chan struct{})
	return func(ctx context.Context, c audio.Connection) {
		conns <- c
		select {
		case <-release:
		case <-c.Done():
		}
	}, conns, release
}

func waitConn(t *testing.T, ch <-chan audio.Connection) audio.Connection {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
		return nil
	}
}

// ─── Handshake ────────────────────────────────────────────────────────────────

func TestServer_HelloDefaults(t *testing.T) {
	t.Parallel()

	handler, conns, release := connCh()
	defer close(release)
	url, _ := startServer(t, handler)
	ws := dial(t, url)

	r := handshake(t, ws, Hello{Participant: "alice"})
	if r.Type != msgReady || r.Codec != CodecPCM16 || r.SampleRate != 16000 || r.Channels != 1 || r.Video {
		t.Errorf("ready = %+v, want pcm16 16k mono without video", r)
	}
	c := waitConn(t, conns)
	if c.Participant() != "alice" {
		t.Errorf("Participant = %q, want alice", c.Participant())
	}
	if c.Video() != nil {
		t.Error("Video() != nil without video in hello")
	}
}

func TestServer_ParticipantFromQuery(t *testing.T) {
	t.Parallel()

	handler, conns, release := connCh()
	defer close(release)
	url, _ := startServer(t, handler)
	ws := dial(t, url+"?participant=bob")

	handshake(t, ws, Hello{})
	if got := waitConn(t, conns).Participant(); got != "bob" {
		t.Errorf("Participant = %q, want bob", got)
	}
}

func TestServer_RejectsBadHello(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		hello Hello
	}{
		{"missing participant", Hello{Type: msgHello}},
		{"unknown codec", Hello{Type: msgHello, Participant: "a", Codec: "mp3"}},
		{"bad rate", Hello{Type: msgHello, Participant: "a", SampleRate: 4000}},
		{"wrong type", Hello{Type: "bye", Participant: "a"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			called := make(chan struct{}, 1)
			url, _ := startServer(t, func(context.Context, audio.Connection) { called <- struct{}{} })
			ws := dial(t, url)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := wsjson.Write(ctx, ws, tc.hello); err != nil {
				t.Fatalf("write hello: %v", err)
			}
			_, _, err := ws.Read(ctx)
			if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
				t.Errorf("close status = %v (err %v), want policy violation", got, err)
			}
			select {
			case <-called:
				t.Error("handler ran for a rejected client")
			default:
			}
		})
	}
}

// ─── Media ────────────────────────────────────────────────────────────────────

func TestConn_AudioIn(t *testing.T) {
	t.Parallel()

	handler, conns, release := connCh()
	defer close(release)
	url, _ := startServer(t, handler)
	ws := dial(t, url)
	handshake(t, ws, Hello{Participant: "alice", SampleRate: 8000})
	c := waitConn(t, conns)

	pcm := make([]byte, 160) // 10 ms at 8 kHz mono
	send(t, ws, kindAudio, pcm)
	send(t, ws, kindAudio, pcm)

	for i := range 2 {
		select {
		case f := <-c.Audio():
			if f.SampleRate != 8000 || f.Channels != 1 || len(f.Data) != 160 {
				t.Errorf("frame %d = %d Hz %d ch %d bytes, want 8000/1/160", i, f.SampleRate, f.Channels, len(f.Data))
			}
			if f.Seq != uint64(i) || f.Timestamp != time.Duration(i)*10*time.Millisecond {
				t.Errorf("frame %d seq=%d ts=%v, want seq %d at %v", i, f.Seq, f.Timestamp, i, time.Duration(i)*10*time.Millisecond)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}
}

func TestConn_VideoIn(t *testing.T) {
	t.Parallel()

	handler, conns, release := connCh()
	defer close(release)
	url, _ := startServer(t, handler)
	ws := dial(t, url)
	handshake(t, ws, Hello{Participant: "alice", Video: true})
	c := waitConn(t, conns)

	send(t, ws, kindVideo, []byte{0xFF, 0xD8, 0xFF})
	select {
	case f := <-c.Video():
		if f.MIMEType != "image/jpeg" || len(f.Data) != 3 {
			t.Errorf("video frame = %q %d bytes, want image/jpeg 3 bytes", f.MIMEType, len(f.Data))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("video frame not delivered")
	}
}

func TestConn_PlayAndNotify(t *testing.T) {
	t.Parallel()

	handler, conns, release := connCh()
	defer close(release)
	url, _ := startServer(t, handler)
	ws := dial(t, url)
	handshake(t, ws, Hello{Participant: "alice", SampleRate: 16000})
	c := waitConn(t, conns)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// 24 kHz agent audio is resampled to the client's 16 kHz.
	if err := c.Play(ctx, audio.AudioFrame{Data: make([]byte, 960), SampleRate: 24000, Channels: 1}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := c.Notify(ctx, audio.Notice{Type: audio.NoticeResponse, TurnID: 3, Text: "hi"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	typ, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	if typ != websocket.MessageBinary || data[0] != kindAudio || len(data)-1 != 640 {
		t.Errorf("audio message = %v kind %q %d bytes, want binary 'A' with 640 bytes", typ, data[0], len(data)-1)
	}
	var n audio.Notice
	if err := wsjson.Read(ctx, ws, &n); err != nil {
		t.Fatalf("read notice: %v", err)
	}
	if n.Type != audio.NoticeResponse || n.TurnID != 3 || n.Text != "hi" {
		t.Errorf("notice = %+v, want the response notice", n)
	}
}

func TestConn_OpusRoundTrip(t *testing.T) {
	t.Parallel()

	handler, conns, release := connCh()
	defer close(release)
	url, _ := startServer(t, handler)
	ws := dial(t, url)
	r := handshake(t, ws, Hello{Participant: "alice", Codec: CodecOpus, SampleRate: 16000})
	if r.SampleRate != opusSampleRate {
		t.Errorf("ready sample rate = %d, want %d for opus", r.SampleRate, opusSampleRate)
	}
	c := waitConn(t, conns)

	enc, err := gopus.NewEncoder(opusSampleRate, 1, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	packet, err := enc.Encode(make([]int16, opusFrameSize), opusFrameSize, maxOpusPacket)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	send(t, ws, kindAudio, packet)

	select {
	case f := <-c.Audio():
		if f.SampleRate != opusSampleRate || len(f.Data) != opusFrameSize*2 {
			t.Errorf("decoded frame = %d Hz %d bytes, want %d Hz %d bytes", f.SampleRate, len(f.Data), opusSampleRate, opusFrameSize*2)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("decoded frame not delivered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// 30 ms at 48 kHz: one full packet now, the rest on the turn notice.
	if err := c.Play(ctx, audio.AudioFrame{Data: make([]byte, 1440*2), SampleRate: opusSampleRate, Channels: 1}); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := c.Notify(ctx, audio.Notice{Type: audio.NoticeTurn, TurnID: 1, Status: "complete"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	dec, err := gopus.NewDecoder(opusSampleRate, 1)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	for i := range 2 {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("read packet %d: %v", i, err)
		}
		if typ != websocket.MessageBinary || data[0] != kindAudio {
			t.Fatalf("message %d = %v kind %q, want an audio packet", i, typ, data[0])
		}
		pcm, err := dec.Decode(data[1:], opusFrameSize, false)
		if err != nil {
			t.Fatalf("decode packet %d: %v", i, err)
		}
		if len(pcm) != opusFrameSize {
			t.Errorf("packet %d decoded to %d samples, want %d", i, len(pcm), opusFrameSize)
		}
	}
	var n audio.Notice
	if err := wsjson.Read(ctx, ws, &n); err != nil || n.Type != audio.NoticeTurn {
		t.Errorf("notice = %+v (err %v), want the turn notice after the tail packet", n, err)
	}
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

func TestConn_DisconnectClosesInputs(t *testing.T) {
	t.Parallel()

	handler, conns, release := connCh()
	defer close(release)
	url, _ := startServer(t, handler)
	ws := dial(t, url)
	handshake(t, ws, Hello{Participant: "alice", Video: true})
	c := waitConn(t, conns)

	if err := ws.Close(websocket.StatusNormalClosure, ""); err != nil {
		t.Logf("client close: %v", err)
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after disconnect")
	}
	if _, ok := <-c.Audio(); ok {
		t.Error("Audio() still open after disconnect")
	}
	if _, ok := <-c.Video(); ok {
		t.Error("Video() still open after disconnect")
	}
	err := c.Play(context.Background(), audio.AudioFrame{Data: make([]byte, 320), SampleRate: 16000, Channels: 1})
	if !errors.Is(err, audio.ErrClosed) {
		t.Errorf("Play after disconnect = %v, want ErrClosed", err)
	}
}

func TestConn_ByeEndsSession(t *testing.T) {
	t.Parallel()

	handler, conns, release := connCh()
	defer close(release)
	url, _ := startServer(t, handler)
	ws := dial(t, url)
	handshake(t, ws, Hello{Participant: "alice"})
	c := waitConn(t, conns)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, control{Type: msgBye}); err != nil {
		t.Fatalf("write bye: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after bye")
	}
}

func TestServer_ClosesAfterHandler(t *testing.T) {
	t.Parallel()

	url, srv := startServer(t, func(context.Context, audio.Connection) {})
	ws := dial(t, url)
	handshake(t, ws, Hello{Participant: "alice"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v), want normal closure", got, err)
	}
	srv.Wait()
}
