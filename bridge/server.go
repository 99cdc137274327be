package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/guseggert/tether/proxy"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Attacher runs one proxy attach for a session with the given stdio.
// proxy.Attach behind a session-specific Launcher is the usual implementation.
type Attacher func(ctx context.Context, session string, reconnecting bool, stdin io.Reader, stdout, stderr io.Writer) error

// Server is an HTTP server that attaches WebSocket clients to session daemons on its host.
type Server struct {
	log      *zap.SugaredLogger
	attacher Attacher

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	httpServer *http.Server

	closeOnce     sync.Once
	closed        chan struct{}
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(s *Server)

// WithHeartbeatTimeout enables the heartbeat check. A zero timeout disables it.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(s *Server) {
		s.heartbeatFailureHandler = f
	}
}

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("bridge").Sugar()
	}
}

func HeartbeatFailureExit() {
	fmt.Fprintln(os.Stderr, "heartbeat failed, exiting")
	os.Exit(1)
}

func NewServer(attacher Attacher, opts ...Option) *Server {
	s := &Server{
		log:        zap.NewNop().Sugar(),
		attacher:   attacher,
		listenAddr: "127.0.0.1:8080",
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET("/attach/:session", s.attach)
	return router
}

// startHeartbeatCheck calls the failure handler once heartbeats have been missing for the timeout.
func (s *Server) startHeartbeatCheck() {
	s.heartbeatMut.Lock()
	s.lastHeartbeat = time.Now()
	s.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(s.heartbeatTimeout / 10)
		defer ticker.Stop()
		for {
			select {
			case <-s.closed:
				return
			case <-ticker.C:
			}

			s.heartbeatMut.Lock()
			lastHeartbeat := s.lastHeartbeat
			s.heartbeatMut.Unlock()

			if time.Since(lastHeartbeat) > s.heartbeatTimeout {
				s.log.Warnf("no heartbeat for %s", s.heartbeatTimeout)
				if s.heartbeatFailureHandler != nil {
					s.heartbeatFailureHandler()
				}
				return
			}
		}
	}()
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return s.Serve(l)
}

func (s *Server) Serve(l net.Listener) error {
	if s.heartbeatTimeout > 0 {
		s.startHeartbeatCheck()
	}

	s.heartbeatMut.Lock()
	s.httpServer = &http.Server{Handler: s.Handler()}
	server := s.httpServer
	s.heartbeatMut.Unlock()

	s.log.Infof("serving on %s", l.Addr())
	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop() error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.heartbeatMut.Lock()
	server := s.httpServer
	s.heartbeatMut.Unlock()
	if server == nil {
		return nil
	}
	return server.Close()
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.heartbeatMut.Lock()
	lastHeartbeat := s.lastHeartbeat
	s.lastHeartbeat = time.Now()
	s.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		s.log.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) attach(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	session := params.ByName("session")
	reconnecting := r.URL.Query().Get("reconnect") == "true"

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	conn.SetReadLimit(readLimit)
	log := s.log.With("Session", session)
	log.Debugw("accepted WebSocket conn", "Reconnecting", reconnecting)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stdinR, stdinW := io.Pipe()
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readStdin(ctx, log, conn, stdinW)
	}()

	stdout := &wsJSONWriter{
		log:      log.Named("stdout_writer"),
		ctx:      ctx,
		conn:     conn,
		writeMsg: func(b []byte) any { return attachResponse{Stdout: b} },
	}
	stderr := &wsJSONWriter{
		log:      log.Named("stderr_writer"),
		ctx:      ctx,
		conn:     conn,
		writeMsg: func(b []byte) any { return attachResponse{Stderr: b} },
	}

	start := time.Now()
	err = s.attacher(ctx, session, reconnecting, stdinR, stdout, stderr)
	stdinR.Close()
	exitCode := proxy.ExitCode(err)
	log.Debugf("proxy exited with code %d: %v", exitCode, err)

	err = wsjson.Write(ctx, conn, attachResponse{
		Exited:   true,
		ExitCode: exitCode,
		TimeMS:   time.Since(start).Milliseconds(),
	})
	if err != nil {
		log.Debugf("error sending exit code: %s", err)
		conn.Close(websocket.StatusInternalError, "sending exit code")
		return
	}

	// the client closes the connection once it has the exit code
	select {
	case <-readDone:
	case <-time.After(5 * time.Second):
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

// readStdin writes stdin bytes from the client into w until the client is done or the connection fails.
func readStdin(ctx context.Context, log *zap.SugaredLogger, conn *websocket.Conn, w *io.PipeWriter) {
	stdinDone := false
	for {
		var msg attachRequest
		err := wsjson.Read(ctx, conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			log.Debug("got normal closure from client")
			w.Close()
			return
		}
		if err != nil {
			log.Debugf("message reader got error: %s", err)
			w.CloseWithError(err)
			return
		}
		if len(msg.Stdin) > 0 && !stdinDone {
			if _, err := w.Write(msg.Stdin); err != nil {
				log.Debugf("stdin write error: %s", err)
				stdinDone = true
			}
		}
		if msg.StdinDone && !stdinDone {
			w.Close()
			stdinDone = true
		}
	}
}
