package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rjcorwin/mew-protocol-sub006/internal/capability"
	"github.com/rjcorwin/mew-protocol-sub006/internal/wire"
)

const wsSubprotocol = "mew/v0.4"

// Authenticator resolves a bearer token within a named space to a logical
// participant identity and its static (space-config) capability set. The
// concrete implementation (internal/spaceconfig) is injected so this package
// has no file-format or storage opinion.
type Authenticator interface {
	Authenticate(spaceID, token string) (logicalName string, static capability.Set, ok bool)
}

// Transport terminates WebSocket connections and bridges them into the
// gateway's AcceptEnvelope pipeline. It mirrors the teacher's reader/
// writer/heartbeat goroutine discipline: single writer per connection, a
// done channel to stop everything, and a bounded send queue whose overflow
// drops the envelope rather than stalling; the connection is not closed on
// overflow.
type Transport struct {
	log  *slog.Logger
	gw   *Gateway
	auth Authenticator
}

func NewTransport(log *slog.Logger, gw *Gateway, auth Authenticator) *Transport {
	return &Transport{log: log, gw: gw, auth: auth}
}

// HandleWS upgrades the request and runs the connection until it closes.
func (t *Transport) HandleWS(w http.ResponseWriter, r *http.Request) {
	spaceID := strings.TrimSpace(r.URL.Query().Get("space"))
	if spaceID == "" {
		http.Error(w, "missing space query parameter", http.StatusBadRequest)
		return
	}

	token := bearerToken(r)
	logicalName, static, ok := t.auth.Authenticate(spaceID, token)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		t.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
	conn.SetReadLimit(maxFrameBytes)

	space := t.gw.SpaceFor(spaceID)
	runtimeID := t.gw.newID()
	p := NewParticipant(runtimeID, logicalName, token, static, t.gw.limits)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var shutdownOnce sync.Once
	shutdown := func(status websocket.StatusCode, reason string) {
		shutdownOnce.Do(func() {
			_ = conn.Close(status, reason)
			cancel()
		})
	}

	limiter := newConnectionLimiter()

	t.gw.Connect(space, p)

	writerDone := make(chan struct{})
	go t.writeLoop(ctx, conn, p, shutdown, writerDone)

	heartbeatDone := make(chan struct{})
	go t.heartbeatLoop(ctx, conn, p.RuntimeID, shutdown, heartbeatDone)

readLoop:
	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			t.logReadErr(p.RuntimeID, err)
			shutdown(closeStatusFor(err), "read failed")
			break readLoop
		}

		if mt == websocket.MessageBinary && len(data) > 0 && data[0] == '#' {
			t.relayStreamFrame(space, p, data)
			continue readLoop
		}

		if !limiter.Allow() {
			notice := systemErrorEnvelope(p.RuntimeID, nil, "backpressure", "", nil, t.gw.newID, t.gw.now())
			t.gw.router.RouteToAddressee(space, p.RuntimeID, notice)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		_, notice, err := t.gw.AcceptEnvelope(space, p, json.RawMessage(data))
		if err != nil {
			t.log.Error("envelope.accept.fail", "runtime_id", p.RuntimeID, "err", err)
			continue readLoop
		}
		if notice != nil {
			t.gw.router.RouteToAddressee(space, p.RuntimeID, *notice)
		}

		if ctx.Err() != nil {
			break readLoop
		}
	}

	t.gw.Disconnect(space, p)
	shutdown(websocket.StatusNormalClosure, "bye")

	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(defaultCloseTimeout):
	}
}

func (t *Transport) writeLoop(ctx context.Context, conn *websocket.Conn, p *Participant, shutdown func(websocket.StatusCode, string), done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-p.Send:
			if !ok {
				return
			}

			wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			var err error
			switch {
			case out.Frame != nil:
				err = conn.Write(wctx, websocket.MessageBinary, out.Frame)
			case out.Envelope != nil:
				var b []byte
				if b, err = json.Marshal(out.Envelope); err == nil {
					err = conn.Write(wctx, websocket.MessageText, b)
				}
			}
			cancel()

			if err != nil {
				t.log.Info("ws.write.fail", "runtime_id", p.RuntimeID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context, conn *websocket.Conn, runtimeID string, shutdown func(websocket.StatusCode, string), done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
			err := conn.Ping(hbCtx)
			cancel()
			if err != nil {
				failures++
				t.log.Info("ws.ping.fail", "runtime_id", runtimeID, "failures", failures, "err", err)
				if failures >= maxConsecutivePingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// relayStreamFrame parses `#<stream_id>#<bytes>` and relays the raw bytes to
// every other participant, per §4.5 step 4. Unknown stream ids are dropped.
func (t *Transport) relayStreamFrame(space *Space, sender *Participant, data []byte) {
	rest := data[1:]
	idx := indexByte(rest, '#')
	if idx < 0 {
		return
	}
	streamID := string(rest[:idx])
	body := rest[idx+1:]

	space.mu.RLock()
	_, known := space.activeStreams[streamID]
	space.mu.RUnlock()
	if !known {
		return
	}

	frame := make([]byte, 0, len(streamID)+2+len(body))
	frame = append(frame, '#')
	frame = append(frame, streamID...)
	frame = append(frame, '#')
	frame = append(frame, body...)

	for _, peer := range space.all() {
		if peer.RuntimeID == sender.RuntimeID {
			continue
		}
		t.gw.router.DeliverFrame(peer, frame)
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

func closeStatusFor(err error) websocket.StatusCode {
	if websocket.CloseStatus(err) != -1 {
		return websocket.StatusNormalClosure
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return websocket.StatusNormalClosure
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return websocket.StatusAbnormalClosure
	}
	return websocket.StatusAbnormalClosure
}

func (t *Transport) logReadErr(runtimeID string, err error) {
	if websocket.CloseStatus(err) != -1 {
		t.log.Info("ws.read.close", "runtime_id", runtimeID, "status", websocket.CloseStatus(err))
		return
	}
	t.log.Info("ws.read.fail", "runtime_id", runtimeID, "err", err)
}
