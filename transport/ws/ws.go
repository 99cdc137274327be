// Package ws attaches to sessions through a bridge server over WebSockets.
package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/tether/bridge"
	"github.com/guseggert/tether/transport"
	"go.uber.org/zap"
)

const DefaultHeartbeatInterval = 10 * time.Second

type Transport struct {
	Client *bridge.Client
	// HeartbeatInterval is how often heartbeats are sent once the bridge is up. Zero disables them.
	HeartbeatInterval time.Duration

	readyMut sync.Mutex
	ready    bool
}

func New(log *zap.Logger, baseURL string) *Transport {
	return &Transport{
		Client:            bridge.NewClient(baseURL, bridge.WithClientLogger(log)),
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
}

// StartProxy waits for the bridge to come up on first use, then attaches through it.
func (t *Transport) StartProxy(ctx context.Context, req transport.ProxyRequest) (transport.Process, error) {
	if err := t.waitReady(ctx); err != nil {
		return nil, err
	}
	return t.Client.StartProxy(ctx, req)
}

func (t *Transport) waitReady(ctx context.Context) error {
	t.readyMut.Lock()
	defer t.readyMut.Unlock()
	if t.ready {
		return nil
	}
	if err := t.Client.WaitForServer(ctx); err != nil {
		return fmt.Errorf("waiting for bridge: %w", err)
	}
	if t.HeartbeatInterval > 0 {
		t.Client.StartHeartbeat(t.HeartbeatInterval)
	}
	t.ready = true
	return nil
}

// Close stops the heartbeat.
func (t *Transport) Close() error {
	t.Client.StopHeartbeat()
	return nil
}
