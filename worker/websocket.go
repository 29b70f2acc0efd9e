package worker

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/protocol"
)

const writeWait = 5 * time.Second

// wsConn carries one message per text frame.
type wsConn struct {
	c     *websocket.Conn
	recv  chan recvResult
	done  chan struct{}
	wmu   sync.Mutex
	start sync.Once
	once  sync.Once
}

// WebsocketConn adapts an established websocket connection. It serves both
// ends: the worker side after an upgrade and the dialing side of a session.
func WebsocketConn(c *websocket.Conn) Conn {
	return &wsConn{c: c, recv: make(chan recvResult, 1), done: make(chan struct{})}
}

func (w *wsConn) Recv(ctx context.Context) (protocol.Message, error) {
	w.start.Do(func() { go w.read() })
	select {
	case <-w.done:
		return protocol.Message{}, io.EOF
	default:
	}
	select {
	case res, ok := <-w.recv:
		if !ok {
			return protocol.Message{}, io.EOF
		}
		return res.msg, res.err
	case <-w.done:
		return protocol.Message{}, io.EOF
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// read pumps frames into recv until the connection fails or Close is
// called; a message nobody takes is dropped on Close.
func (w *wsConn) read() {
	defer close(w.recv)
	for {
		typ, data, err := w.c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.deliver(recvResult{err: errors.Disconnected(err)})
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		m, err := protocol.Unmarshal(data)
		if !w.deliver(recvResult{msg: m, err: err}) {
			return
		}
	}
}

func (w *wsConn) deliver(r recvResult) bool {
	select {
	case w.recv <- r:
		return true
	case <-w.done:
		return false
	}
}

func (w *wsConn) Send(m protocol.Message) error {
	data, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.wmu.Lock()
		_ = w.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		w.wmu.Unlock()
		err = w.c.Close()
	})
	return err
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler serves one worker per websocket connection.
func Handler(ctx context.Context, newWorker func() *Worker) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		log := Logger().With(zap.String("session", id), zap.String("remote", r.RemoteAddr))

		c, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		conn := WebsocketConn(c)
		defer conn.Close()

		log.Info("session connected")
		if err := newWorker().Serve(ctx, conn); err != nil {
			log.Warn("session ended", zap.Error(err))
			return
		}
		log.Info("session closed")
	})
}
