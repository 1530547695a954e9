package channel

import (
	"context"
	"sync"

	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	ProtocolID = "/meterd/rpc/1.0.0"

	maxFrameSize = 16 << 20
)

//streamConn frames a libp2p stream with varint length prefixes
type streamConn struct {
	s    network.Stream
	r    msgio.ReadCloser
	w    msgio.WriteCloser
	once sync.Once
}

func newStreamConn(s network.Stream) *streamConn {
	return &streamConn{
		s: s,
		r: msgio.NewVarintReaderSize(s, maxFrameSize),
		w: msgio.NewVarintWriter(s),
	}
}

func (c *streamConn) ReadFrame() ([]byte, error) {
	return c.r.ReadMsg()
}

func (c *streamConn) WriteFrame(frame []byte) error {
	return c.w.WriteMsg(frame)
}

func (c *streamConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.s.Close()
	})
	return err
}

//ServeP2P answers rpc streams opened on host
func ServeP2P(ctx context.Context, logger *zap.Logger, host libp2phost.Host, h Handler) {
	if logger == nil {
		logger = zap.NewNop()
	}
	host.SetStreamHandler(ProtocolID, func(s network.Stream) {
		peer := s.Conn().RemotePeer().String()
		logger.Debug("peer opened stream", zap.String("peer", peer))
		go ServeConn(ctx, logger, newStreamConn(s), peer, h)
	})
}

//DialP2P returns a dialler opening rpc streams from host. Addresses are
//either full /p2p multiaddrs or bare peer ids of already known peers.
func DialP2P(host libp2phost.Host) DialFunc {
	return func(ctx context.Context, addr string) (FrameConn, error) {
		id, err := connect(ctx, host, addr)
		if err != nil {
			return nil, err
		}
		s, err := host.NewStream(ctx, id, ProtocolID)
		if err != nil {
			return nil, errors.Wrap(err, "opening stream")
		}
		return newStreamConn(s), nil
	}
}

func connect(ctx context.Context, host libp2phost.Host, addr string) (peer.ID, error) {
	if id, err := peer.Decode(addr); err == nil {
		return id, nil
	}

	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", errors.Wrap(err, "parsing multiaddr")
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return "", errors.Wrap(err, "getting info from multiaddr")
	}
	if err := host.Connect(ctx, *info); err != nil {
		return "", errors.Wrap(err, "establishing connection")
	}
	return info.ID, nil
}

//NewP2PTransport returns a transport towards one peer over host
func NewP2PTransport(logger *zap.Logger, host libp2phost.Host, addr string) Transport {
	return NewPool(logger, DialP2P(host)).Transport(addr)
}
