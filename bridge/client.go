package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/tether/transport"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("bridge_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the bridge at baseURL, e.g. "http://host:8080".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:        zap.NewNop().Sugar(),
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		waitInterval:  100 * time.Millisecond,
		stopHeartbeat: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// StartHeartbeat sends a heartbeat every interval until StopHeartbeat is called.
func (c *Client) StartHeartbeat(interval time.Duration) {
	go c.startHeartbeatOnce.Do(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopHeartbeat:
				return
			case <-ticker.C:
			}
			if err := c.SendHeartbeat(context.Background()); err != nil {
				c.Logger.Debugf("heartbeat error: %s", err)
			}
		}
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() { close(c.stopHeartbeat) })
}

// StartProxy attaches to a session through the bridge.
func (c *Client) StartProxy(ctx context.Context, req transport.ProxyRequest) (transport.Process, error) {
	u := fmt.Sprintf("%s/attach/%s?reconnect=%t", c.baseURL, url.PathEscape(req.Session), req.Reconnecting)
	c.Logger.Debugw("dialing WebSocket for attach", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn to attach: %w", err)
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(ctx)
	p := &attachProcess{
		log:      c.Logger.Named("attach").With("Session", req.Session),
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		stdin:    req.Stdin,
		stdout:   io.Discard,
		stderr:   io.Discard,
		resultCh: make(chan attachResult, 1),
	}
	if req.Stdout != nil {
		p.stdout = req.Stdout
	}
	if req.Stderr != nil {
		p.stderr = req.Stderr
	}
	go p.readMessages()
	if req.Stdin != nil {
		go p.writeStdin(req.Stdin)
	}
	return p, nil
}

type attachResult struct {
	code   int
	timeMS int64
	err    error
}

type attachProcess struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	resultCh chan attachResult
}

func (p *attachProcess) Wait(ctx context.Context) (*transport.Result, error) {
	select {
	case res := <-p.resultCh:
		p.log.Debugf("got exit code %d with err: %v", res.code, res.err)
		return &transport.Result{ExitCode: res.code, TimeMS: res.timeMS}, res.err
	case <-ctx.Done():
		p.cancel()
		return nil, ctx.Err()
	}
}

func (p *attachProcess) readMessages() {
	defer p.cancel()
	for {
		var msg attachResponse
		err := wsjson.Read(p.ctx, p.conn, &msg)
		if err != nil {
			p.log.Debugf("message reader got error: %s", err)
			p.closeStdin()
			p.resultCh <- attachResult{code: -1, err: fmt.Errorf("conn unexpectedly closed: %w", err)}
			p.conn.Close(websocket.StatusInternalError, "read error")
			return
		}
		if len(msg.Stdout) > 0 {
			if _, err := p.stdout.Write(msg.Stdout); err != nil {
				p.log.Debugf("stdout write error: %s", err)
			}
		}
		if len(msg.Stderr) > 0 {
			if _, err := p.stderr.Write(msg.Stderr); err != nil {
				p.log.Debugf("stderr write error: %s", err)
			}
		}
		if msg.Exited {
			p.closeStdin()
			p.resultCh <- attachResult{code: msg.ExitCode, timeMS: msg.TimeMS}
			p.conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (p *attachProcess) closeStdin() {
	if p.stdin != nil {
		transport.CloseStdin(p.stdin)
	}
}

func (p *attachProcess) writeStdin(stdin io.Reader) {
	writer := &wsJSONWriter{
		log:      p.log.Named("stdin_writer"),
		ctx:      p.ctx,
		conn:     p.conn,
		writeMsg: func(b []byte) any { return attachRequest{Stdin: b} },
		closeMsg: func() any { return attachRequest{StdinDone: true} },
	}
	_, err := io.Copy(writer, stdin)
	p.log.Debugw("done copying stdin", "Error", err)
	if p.ctx.Err() == nil {
		writer.Close()
	}
}
