// Package hostapp is the application hosted inside the session daemon.
//
// It answers request Envelopes by type:
//
//	ping -> pong, echoing the payload
//	exec -> exec_result, running a command on the daemon's host
//
// Any other type gets an "error" reply.
package hostapp

import (
	"context"
	"fmt"

	"github.com/guseggert/tether/envelope"
	"go.uber.org/zap"
)

const (
	TypePing       = "ping"
	TypePong       = "pong"
	TypeExec       = "exec"
	TypeExecResult = "exec_result"
	TypeError      = "error"
)

type App struct {
	Log *zap.SugaredLogger
}

func New(log *zap.SugaredLogger) *App {
	return &App{Log: log.Named("hostapp")}
}

// Serve handles Envelopes from incoming until it is closed or ctx is done.
// Requests are handled concurrently; replies are sent on outgoing as they complete.
func (a *App) Serve(ctx context.Context, incoming <-chan envelope.Envelope, outgoing chan<- envelope.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-incoming:
			if !ok {
				return nil
			}
			go func() {
				reply := a.handle(ctx, env)
				select {
				case outgoing <- reply:
				case <-ctx.Done():
				}
			}()
		}
	}
}

func (a *App) handle(ctx context.Context, env envelope.Envelope) envelope.Envelope {
	a.Log.Debugw("handling message", "ID", env.ID, "Type", env.Type)
	switch env.Type {
	case TypePing:
		return env.Reply(TypePong, env.Payload)
	case TypeExec:
		var req ExecRequest
		if err := envelope.UnmarshalPayload(env.Payload, &req); err != nil {
			return errorReply(env, err)
		}
		res := a.exec(ctx, req)
		b, err := envelope.MarshalPayload(res)
		if err != nil {
			return errorReply(env, err)
		}
		return env.Reply(TypeExecResult, b)
	default:
		return errorReply(env, fmt.Errorf("unknown message type %q", env.Type))
	}
}

func errorReply(env envelope.Envelope, err error) envelope.Envelope {
	return env.Reply(TypeError, []byte(err.Error()))
}
