package wsconn

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/conversify/pkg/audio"
)

// Options tune the websocket server. Zero values use the defaults.
type Options struct {
	// HelloTimeout bounds the wait for the client's hello. Default 5s.
	HelloTimeout time.Duration

	// InputBuffer is the capacity of each connection's audio channel.
	// Default 256.
	InputBuffer int

	// ReadLimit caps one incoming message in bytes. Default 1 MiB, enough
	// for a camera frame.
	ReadLimit int64

	// OriginPatterns lists extra hosts allowed to open the socket from a
	// browser. See [websocket.AcceptOptions].
	OriginPatterns []string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.HelloTimeout <= 0 {
		o.HelloTimeout = 5 * time.Second
	}
	if o.InputBuffer <= 0 {
		o.InputBuffer = 256
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Server accepts websocket clients and hands each one to an
// [audio.Handler].
type Server struct {
	handler audio.Handler
	opts    Options

	wg sync.WaitGroup
}

// NewServer returns a server that runs handler for every accepted client.
func NewServer(handler audio.Handler, opts Options) *Server {
	return &Server{handler: handler, opts: opts.withDefaults()}
}

// ServeHTTP upgrades the request, performs the hello exchange and runs the
// handler until it returns. The participant may also be given as the
// "participant" query parameter; the hello takes precedence.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.OriginPatterns})
	if err != nil {
		s.opts.Logger.Warn("wsconn: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(s.opts.ReadLimit)

	hello, err := s.readHello(r.Context(), ws, r.URL.Query().Get("participant"))
	if err != nil {
		s.opts.Logger.Info("wsconn: rejected client", "remote", r.RemoteAddr, "err", err)
		_ = ws.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	log := s.opts.Logger.With("participant", hello.Participant, "codec", string(hello.Codec))

	conn, err := newConn(ws, hello, s.opts.InputBuffer, log)
	if err != nil {
		log.Error("wsconn: setting up connection", "err", err)
		_ = ws.Close(websocket.StatusInternalError, "codec unavailable")
		return
	}

	ready := Ready{Type: msgReady, Codec: hello.Codec, SampleRate: hello.SampleRate, Channels: hello.Channels, Video: hello.Video}
	if err := wsjson.Write(r.Context(), ws, ready); err != nil {
		log.Info("wsconn: client left during handshake", "err", err)
		_ = ws.CloseNow()
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	s.wg.Add(1)
	readDone := make(chan struct{})
	go func() {
		defer s.wg.Done()
		defer close(readDone)
		conn.readLoop(ctx)
	}()

	log.Info("wsconn: client connected", "remote", r.RemoteAddr, "sample_rate", hello.SampleRate, "video", hello.Video)
	s.handler(ctx, conn)
	_ = conn.Close()
	cancel()
	<-readDone
	log.Info("wsconn: client disconnected")
}

// Wait blocks until every connection's read loop has exited.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) readHello(ctx context.Context, ws *websocket.Conn, participant string) (Hello, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.HelloTimeout)
	defer cancel()

	var h Hello
	if err := wsjson.Read(ctx, ws, &h); err != nil {
		return Hello{}, err
	}
	if h.Participant == "" {
		h.Participant = participant
	}
	if err := h.normalize(); err != nil {
		return Hello{}, err
	}
	return h, nil
}
