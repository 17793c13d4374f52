package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"

	"github.com/coder/websocket"

	"relay/cmd/internal/ids"
	v1 "relay/shared/contracts/realtime/v1"
)

var errBadJSON = errors.New("invalid JSON")

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, _ := ids.NewULID(ts)
	return v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: ts, Payload: payload}
}

func mustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// readEnvelope reads one frame. A frame that is not a JSON envelope yields
// an error wrapping errBadJSON; the connection is still usable.
func readEnvelope(ctx context.Context, conn *websocket.Conn, idle time.Duration) (v1.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, idle)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errors.Join(errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

// readFailure maps a terminal read error to the close status the server
// reports for it.
func readFailure(err error) (websocket.StatusCode, string) {
	switch {
	case websocket.CloseStatus(err) != -1:
		return websocket.StatusNormalClosure, "peer closed"
	case errors.Is(err, context.DeadlineExceeded):
		return websocket.StatusGoingAway, "idle timeout"
	case errors.Is(err, context.Canceled):
		return websocket.StatusNormalClosure, "context done"
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return websocket.StatusAbnormalClosure, "conn closed"
	default:
		return websocket.StatusAbnormalClosure, "read failed"
	}
}
