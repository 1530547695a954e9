package channel

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultWebSocketPort = 8080

	closeTimeout = time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

//wsConn frames one JSON document per text message. Close may run
//concurrently with WriteFrame.
type wsConn struct {
	conn *websocket.Conn
	once sync.Once
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteFrame(frame []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeTimeout),
		)
		err = c.conn.Close()
	})
	return err
}

//DialWebSocket connects to ws://host:port or wss://host:port; a bare host:port
//is dialled as ws
func DialWebSocket(ctx context.Context, addr string) (FrameConn, error) {
	url := addr
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "ws://" + url
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dialling %s", url)
	}
	return &wsConn{conn: conn}, nil
}

//NewWebSocketTransport returns a transport towards one WebSocket listener
func NewWebSocketTransport(logger *zap.Logger, addr string) Transport {
	return NewPool(logger, DialWebSocket).Transport(addr)
}

//NewRouter serves the WebSocket endpoint at "/" and a health check; callers
//mount further routes on the returned router
func NewRouter(ctx context.Context, logger *zap.Logger, h Handler) chi.Router {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/", func(rw http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(rw, req, nil)
		if err != nil {
			logger.Debug("upgrading connection: FAILED", zap.Error(err))
			return
		}
		peer := RemoteIP(req)
		logger.Debug("peer connected", zap.String("peer", peer))
		ServeConn(ctx, logger, &wsConn{conn: conn}, peer, h)
	})

	return r
}

//RemoteIP returns the address a request came from, without its port
func RemoteIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
