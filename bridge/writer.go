package bridge

import (
	"context"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// wsJSONWriter sends each Write as one or more JSON messages built by writeMsg.
type wsJSONWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// writeMsg is called with the bytes passed to Write, and the return value is sent as a JSON message.
	writeMsg func(b []byte) any
	// closeMsg is called when the writer is closed, and the return value is sent as a JSON message.
	closeMsg func() any
}

func (w *wsJSONWriter) Write(b []byte) (int, error) {
	// JSON base64-encodes the bytes, so stay well below the read limit
	writeLimit := readLimit / 3
	written := 0
	for written < len(b) {
		end := written + writeLimit
		if end > len(b) {
			end = len(b)
		}
		if err := wsjson.Write(w.ctx, w.conn, w.writeMsg(b[written:end])); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

func (w *wsJSONWriter) Close() error {
	if w.closeMsg == nil {
		return nil
	}
	err := wsjson.Write(w.ctx, w.conn, w.closeMsg())
	w.log.Debugw("closed writer", "Error", err)
	return err
}
