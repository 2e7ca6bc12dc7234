package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/ensemble/internal/conductor"
)

// ErrLinkClosed is returned for requests outstanding when a link closes.
var ErrLinkClosed = errors.New("link closed")

// WebSocketLink multiplexes requests over one WebSocket connection.
type WebSocketLink struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Response
	err     error
	done    chan struct{}
}

// DialWebSocket connects to a conductor endpoint such as ws://localhost:9000.
func DialWebSocket(ctx context.Context, url string) (*WebSocketLink, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	l := &WebSocketLink{
		conn:    conn,
		pending: make(map[string]chan Response),
		done:    make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

func (l *WebSocketLink) readLoop() {
	defer close(l.done)
	for {
		var resp Response
		if err := l.conn.ReadJSON(&resp); err != nil {
			l.fail(err)
			return
		}
		l.mu.Lock()
		ch, ok := l.pending[resp.ID]
		delete(l.pending, resp.ID)
		l.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// fail rejects every pending request.
func (l *WebSocketLink) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = fmt.Errorf("%w: %w", ErrLinkClosed, err)
	}
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
	}
}

func (l *WebSocketLink) RoundTrip(ctx context.Context, req Request) (Response, error) {
	ch := make(chan Response, 1)

	l.mu.Lock()
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return Response{}, err
	}
	l.pending[req.ID] = ch
	l.mu.Unlock()

	l.writeMu.Lock()
	err := l.conn.WriteJSON(req)
	l.writeMu.Unlock()
	if err != nil {
		l.forget(req.ID)
		return Response{}, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			l.mu.Lock()
			err := l.err
			l.mu.Unlock()
			return Response{}, err
		}
		return resp, nil
	case <-ctx.Done():
		l.forget(req.ID)
		return Response{}, ctx.Err()
	}
}

func (l *WebSocketLink) forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, id)
}

func (l *WebSocketLink) Close() error {
	l.writeMu.Lock()
	_ = l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	l.writeMu.Unlock()
	err := l.conn.Close()
	<-l.done
	return err
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewWebSocketHandler serves c to WebSocket clients. Requests on one
// connection are handled concurrently and answered in completion order.
func NewWebSocketHandler(c conductor.Conductor, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		var wg sync.WaitGroup
		defer wg.Wait()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req Request
			if err := json.Unmarshal(data, &req); err != nil {
				logger.Warn("dropping malformed request", "error", err)
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				resp := Dispatch(ctx, c, req)
				writeMu.Lock()
				defer writeMu.Unlock()
				if err := conn.WriteJSON(resp); err != nil {
					logger.Debug("write response failed", "id", req.ID, "error", err)
				}
			}()
		}
	})
}
