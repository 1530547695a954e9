package node

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"meterd/channel"
	"meterd/entities"
)

//Connector binds the networked transports to the engine and dials other nodes
type Connector struct {
	logger  *zap.Logger
	handler channel.Handler

	server   *http.Server
	listener net.Listener

	host    libp2phost.Host
	wsPool  *channel.Pool
	p2pPool *channel.Pool

	lock sync.RWMutex
}

func NewConnector(logger *zap.Logger, h channel.Handler) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Connector{
		logger:  logger,
		handler: h,
		wsPool:  channel.NewPool(logger, channel.DialWebSocket),
	}
}

//Listen serves WebSocket callers on addr; mount adds the routes of the node
func (c *Connector) Listen(ctx context.Context, addr string, mount func(r chi.Router)) error {
	r := channel.NewRouter(ctx, c.logger, c.handler)
	if mount != nil {
		mount(r)
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listening for websocket callers")
	}

	c.lock.Lock()
	c.listener = l
	c.server = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	server := c.server
	c.lock.Unlock()

	go func() {
		if err := server.Serve(l); err != nil && err != http.ErrServerClosed {
			c.logger.Error("websocket listener stopped", zap.Error(err))
		}
	}()

	c.logger.Info("listening for websocket callers", zap.String("addr", l.Addr().String()))
	return nil
}

//ServeP2P answers rpc streams on host and lets the connector dial peers
func (c *Connector) ServeP2P(ctx context.Context, host libp2phost.Host) {
	c.lock.Lock()
	c.host = host
	c.p2pPool = channel.NewPool(c.logger, channel.DialP2P(host))
	c.lock.Unlock()

	channel.ServeP2P(ctx, c.logger, host, c.handler)
}

//Addr returns the address of the websocket listener, if any
func (c *Connector) Addr() string {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

//Transport returns a transport towards another node. Multiaddrs and peer ids
//go over libp2p, anything else is dialled as a websocket.
func (c *Connector) Transport(addr string) (channel.Transport, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	_, idErr := peer.Decode(addr)
	if strings.HasPrefix(addr, "/") || idErr == nil {
		if c.p2pPool == nil {
			return nil, errors.New("p2p is not enabled on this node")
		}
		return c.p2pPool.Transport(addr), nil
	}
	return c.wsPool.Transport(addr), nil
}

func (c *Connector) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.wsPool.Close()
	if c.p2pPool != nil {
		c.p2pPool.Close()
	}
	if c.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.server.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "shutting down websocket listener")
		}
	}
	return nil
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, err error) {
	e := entities.AsError(err, http.StatusInternalServerError)
	writeJSON(rw, e.Code, e)
}
