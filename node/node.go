package node

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/discovery"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
	"go.uber.org/zap"

	"meterd/channel"
	"meterd/entities"
	"meterd/events"
	"meterd/messages"
	"meterd/modules/handshake"
	"meterd/modules/ping"
	"meterd/modules/walletmod"
	"meterd/registry"
	"meterd/router"
	"meterd/security"
	"meterd/wallet"
)

const (
	discoveryNamespace = "/meterd"
)

type Config struct {
	//PrivateKey is the hex secp256k1 key of the node; PrivateKeyFile is read
	//when it is empty, and a fresh key is generated when both are
	PrivateKey     string
	PrivateKeyFile string
	StoreIdentity  bool

	//ListenAddr enables the websocket transport, e.g. ":8080"
	ListenAddr string
	//P2PListenAddrs enables the libp2p transport, e.g. "/ip4/0.0.0.0/tcp/4001"
	P2PListenAddrs []string

	//Wallet takes precedence over WalletURL; with neither the node keeps an
	//in-memory ledger granting DefaultBalance to every user. Balances of an
	//injected or remote wallet are cached for BalanceTTL unless Wallet is
	//already a *wallet.Cached.
	Wallet         wallet.Wallet
	WalletURL      string
	WalletTimeout  time.Duration
	BalanceTTL     time.Duration
	DefaultBalance float64

	NoAuth           bool
	ChallengeTTL     time.Duration
	RequestRetention time.Duration
	TrimInterval     time.Duration
	CatalogInterval  time.Duration

	//HandshakeRate handshakes per second and peer; 0 disables the limit
	HandshakeRate  int64
	HandshakeBurst int64

	Globals registry.Globals
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       fmt.Sprintf(":%d", channel.DefaultWebSocketPort),
		WalletTimeout:    wallet.DefaultTimeout,
		BalanceTTL:       wallet.DefaultBalanceTTL,
		ChallengeTTL:     security.DefaultChallengeTTL,
		RequestRetention: router.DefaultRetention,
		TrimInterval:     time.Minute,
		CatalogInterval:  DefaultCatalogInterval,
		HandshakeRate:    10,
		HandshakeBurst:   20,
	}
}

type Node interface {
	//INTERNAL
	ID() peer.ID
	Multiaddr() string
	Addr() string
	PublicKey() string

	Start(ctx context.Context) error
	Bootstrap(ctx context.Context, nodeAddrs []multiaddr.Multiaddr) error
	Shutdown() error

	//TRANSPORTS
	channel.Handler
	LocalTransport() channel.Transport
	Transport(addr string) (channel.Transport, error)

	//RPCS
	GetModules() []ModuleInfo
	RegisterModule(m *registry.Module) error
	SignOffer(call entities.Call) (entities.Offer, error)
	Offers() ([]entities.Offer, error)
	Providers() []events.Catalog
	Wallet() wallet.Wallet
	SubscribeToEvents() (events.Subscriber, error)
}

type node struct {
	logger *zap.Logger
	cfg    Config
	keys   *security.KeyPair

	ctx    context.Context
	cancel context.CancelFunc

	registry   *registry.Registry
	challenges *security.Challenges
	wallet     wallet.Wallet
	engine     *router.Engine
	bus        *channel.Bus
	hub        events.Hub

	walletModule *registry.Module
	//balanceCache is set when the node wrapped the wallet itself
	balanceCache *wallet.Cached

	host   libp2phost.Host
	kadDHT *dht.IpfsDHT
	ps     *pubsub.PubSub

	multiaddr     string
	multiaddrLock sync.RWMutex

	connector      *Connector
	moduleManager  *ModuleManager
	offerManager   *OfferManager
	catalogManager *CatalogManager

	started      bool
	startLock    sync.Mutex
	shutdownOnce sync.Once
}

//---------------------------<HELPERS>

func (n *node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

func (n *node) Multiaddr() string {
	n.multiaddrLock.RLock()
	defer n.multiaddrLock.RUnlock()
	return n.multiaddr
}

func (n *node) Addr() string {
	return n.connector.Addr()
}

func (n *node) PublicKey() string {
	return n.keys.PublicKeyHex()
}

func (n *node) publishEvent(evt events.Event) {
	n.hub.Publish(evt)
}

func loadKeys(logger *zap.Logger, cfg Config) (*security.KeyPair, error) {
	if cfg.PrivateKey != "" {
		return security.KeyPairFromHex(cfg.PrivateKey)
	}

	if cfg.PrivateKeyFile != "" {
		raw, err := os.ReadFile(cfg.PrivateKeyFile)
		if err == nil {
			logger.Info("loaded identity private key from file", zap.String("file", cfg.PrivateKeyFile))
			return security.KeyPairFromHex(strings.TrimSpace(string(raw)))
		}
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "reading identity private key file")
		}
		logger.Info("no identity private key file found", zap.String("file", cfg.PrivateKeyFile))
	}

	logger.Info("generating identity private key")
	keys, err := security.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	if cfg.StoreIdentity && cfg.PrivateKeyFile != "" {
		if err := os.WriteFile(cfg.PrivateKeyFile, []byte(keys.PrivateKeyHex()), 0600); err != nil {
			return nil, errors.Wrap(err, "writing identity private key to file")
		}
	}
	return keys, nil
}

func (n *node) catalog() events.Catalog {
	return events.Catalog{
		PeerID:    n.ID().String(),
		Multiaddr: n.Multiaddr(),
		PublicKey: n.PublicKey(),
		Methods:   n.moduleManager.Entries(),
		Timestamp: time.Now().UTC(),
	}
}

//requestTrimmer periodically drops finished requests from the request table
func (n *node) requestTrimmer() {
	tick := time.NewTicker(n.cfg.TrimInterval)
	defer tick.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-tick.C:
		}

		if trimmed := n.engine.Requests().Prune(); trimmed > 0 {
			n.logger.Debug("trimmed finished requests", zap.Int("count", trimmed))
		}
	}
}

func (n *node) mountRoutes(r chi.Router) {
	r.Get("/modules", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, http.StatusOK, n.GetModules())
	})
	r.Get("/offers", func(rw http.ResponseWriter, _ *http.Request) {
		offers, err := n.Offers()
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, offers)
	})
	r.Get("/offers/{module}/{method}", func(rw http.ResponseWriter, req *http.Request) {
		offer, err := n.SignOffer(entities.Call{
			ModuleID: chi.URLParam(req, "module"),
			MethodID: chi.URLParam(req, "method"),
		})
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, offer)
	})
}

//---------------------------</HELPERS>
//---------------------------<SETUP>

func NewNode(logger *zap.Logger, cfg Config) (Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TrimInterval <= 0 {
		cfg.TrimInterval = time.Minute
	}

	keys, err := loadKeys(logger, cfg)
	if err != nil {
		return nil, err
	}

	n := &node{
		logger:     logger,
		cfg:        cfg,
		keys:       keys,
		registry:   registry.New(),
		challenges: security.NewChallenges(cfg.ChallengeTTL),
		bus:        channel.NewBus(logger),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	switch {
	case cfg.Wallet != nil:
		if _, ok := cfg.Wallet.(*wallet.Cached); ok {
			n.wallet = cfg.Wallet
			break
		}
		n.balanceCache = wallet.NewCached(cfg.Wallet, cfg.BalanceTTL)
		n.wallet = n.balanceCache
	case cfg.WalletURL != "":
		logger.Info("using remote wallet", zap.String("url", cfg.WalletURL))
		n.balanceCache = wallet.NewCached(wallet.NewHTTPClient(logger, cfg.WalletURL, cfg.WalletTimeout), cfg.BalanceTTL)
		n.wallet = n.balanceCache
	default:
		logger.Info("using in-memory wallet", zap.Float64("defaultBalance", cfg.DefaultBalance))
		n.wallet = wallet.NewLedger(cfg.DefaultBalance)
	}

	n.walletModule, err = walletmod.New(logger, n.wallet)
	if err != nil {
		return nil, err
	}

	opts := router.Options{
		Registry:   n.registry,
		Requests:   router.NewRequests(cfg.RequestRetention),
		Challenges: n.challenges,
		Keys:       keys,
		Ledger:     walletmod.NewClient(n.walletModule),
		Globals:    cfg.Globals,
		Publish:    n.publishEvent,
		NoAuth:     cfg.NoAuth,
	}
	if cfg.HandshakeRate > 0 {
		tb, err := limiter.NewTokenBucket(
			limiter.Config{
				Rate:     cfg.HandshakeRate,
				Duration: time.Second,
				Burst:    cfg.HandshakeBurst,
			},
			store.NewMemoryStore(time.Minute),
		)
		if err != nil {
			return nil, errors.Wrap(err, "creating handshake rate limiter")
		}
		opts.Limiter = tb
	}
	n.engine = router.New(logger, opts)

	n.offerManager = NewOfferManager(logger, keys, n.registry)
	n.moduleManager = NewModuleManager(logger, n.registry, n.bus, n.engine, n.publishEvent)
	n.connector = NewConnector(logger, n.engine)

	logger.Info("created node", zap.String("publicKey", keys.PublicKeyHex()))
	return n, nil
}

func (n *node) Start(ctx context.Context) error {
	n.startLock.Lock()
	defer n.startLock.Unlock()

	if n.started {
		return errors.New("node is already started")
	}
	n.logger.Info("starting node..")

	builtins := []func() (*registry.Module, error){
		func() (*registry.Module, error) { return handshake.New(n.logger, n.challenges) },
		ping.New,
		func() (*registry.Module, error) { return n.walletModule, nil },
	}
	for _, build := range builtins {
		m, err := build()
		if err != nil {
			return err
		}
		if err := n.moduleManager.Register(n.ctx, m); err != nil {
			return err
		}
	}

	if n.cfg.ListenAddr != "" {
		if err := n.connector.Listen(n.ctx, n.cfg.ListenAddr, n.mountRoutes); err != nil {
			return err
		}
	}

	if len(n.cfg.P2PListenAddrs) > 0 {
		if err := n.startP2P(ctx); err != nil {
			return err
		}
	}

	go n.requestTrimmer()

	n.started = true
	n.logger.Info("starting node: DONE")
	return nil
}

func (n *node) startP2P(ctx context.Context) error {
	privKey, err := crypto.UnmarshalSecp256k1PrivateKey(n.keys.PrivateKeyBytes())
	if err != nil {
		return errors.Wrap(err, "converting identity private key")
	}

	n.logger.Debug("creating libp2p host")
	host, err := libp2p.New(
		libp2p.ListenAddrStrings(n.cfg.P2PListenAddrs...),
		libp2p.Identity(privKey),
		libp2p.EnableNATService(),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return errors.Wrap(err, "creating libp2p host")
	}
	n.host = host

	n.logger.Debug("creating pubsub")
	ps, err := pubsub.NewGossipSub(n.ctx, n.host, pubsub.WithMessageSignaturePolicy(pubsub.StrictSign))
	if err != nil {
		return errors.Wrap(err, "creating pubsub")
	}
	n.ps = ps

	p2pAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/p2p/%s", host.ID().String()))
	if err != nil {
		return errors.Wrap(err, "creating host p2p multiaddr")
	}

	var fullAddrs []string
	for _, addr := range host.Addrs() {
		fullAddrs = append(fullAddrs, addr.Encapsulate(p2pAddr).String())
	}
	if len(fullAddrs) > 0 {
		n.multiaddrLock.Lock()
		n.multiaddr = fullAddrs[0]
		n.multiaddrLock.Unlock()
	}

	n.connector.ServeP2P(n.ctx, host)

	n.catalogManager = NewCatalogManager(n.logger, ps, host.ID(), n.catalog, n.publishEvent, n.cfg.CatalogInterval)
	if err := n.catalogManager.Join(n.ctx); err != nil {
		return err
	}

	n.logger.Info("started p2p host", zap.Strings("p2pAddresses", fullAddrs))
	return nil
}

func (n *node) Bootstrap(ctx context.Context, nodeAddrs []multiaddr.Multiaddr) error {
	if n.host == nil {
		return errors.New("can't bootstrap a node without p2p")
	}

	var bootstrappers []peer.AddrInfo
	for _, nodeAddr := range nodeAddrs {
		pi, err := peer.AddrInfoFromP2pAddr(nodeAddr)
		if err != nil {
			return errors.Wrap(err, "parsing bootstrapper node address info from p2p address")
		}
		bootstrappers = append(bootstrappers, *pi)
	}

	n.logger.Debug("creating routing DHT")
	kadDHT, err := dht.New(
		n.ctx,
		n.host,
		dht.BootstrapPeers(bootstrappers...),
		dht.ProtocolPrefix(protocol.ID(discoveryNamespace)),
		dht.Mode(dht.ModeAutoServer),
	)
	if err != nil {
		return errors.Wrap(err, "creating routing DHT")
	}
	n.kadDHT = kadDHT

	if err := kadDHT.Bootstrap(ctx); err != nil {
		return errors.Wrap(err, "bootstrapping DHT")
	}

	if len(nodeAddrs) == 0 {
		return nil
	}

	//connect to bootstrap nodes
	for _, pi := range bootstrappers {
		if err := n.host.Connect(ctx, pi); err != nil {
			return errors.Wrap(err, "connecting to bootstrap node")
		}
	}

	rd := drouting.NewRoutingDiscovery(kadDHT)

	n.logger.Info("starting advertising thread")
	dutil.Advertise(n.ctx, rd, discoveryNamespace)

	go n.findPeers(rd)
	return nil
}

//findPeers keeps connecting to nodes advertising the namespace so that the
//catalog topic reaches them
func (n *node) findPeers(rd *drouting.RoutingDiscovery) {
	for {
		peersChan, err := rd.FindPeers(n.ctx, discoveryNamespace, discovery.Limit(100))
		if err != nil {
			n.logger.Error("failed trying to find peers", zap.Error(err))
		} else {
			for pi := range peersChan {
				if pi.ID == n.host.ID() || len(pi.Addrs) == 0 {
					continue
				}
				if err := n.host.Connect(n.ctx, pi); err != nil {
					n.logger.Debug("couldn't connect to peer", zap.Stringer("peer", pi.ID), zap.Error(err))
				}
			}
			n.logger.Debug("done looking for peers", zap.Int("peerCount", n.host.Peerstore().Peers().Len()))
		}

		select {
		case <-n.ctx.Done():
			return
		case <-time.After(time.Minute):
		}
	}
}

func (n *node) Shutdown() error {
	var err error
	n.shutdownOnce.Do(func() {
		n.logger.Info("shutting down node..")
		n.cancel()

		if n.catalogManager != nil {
			n.catalogManager.Close()
		}
		if cerr := n.connector.Close(); cerr != nil {
			err = cerr
		}
		n.moduleManager.Close()
		n.bus.Close()
		n.challenges.Stop()
		if n.balanceCache != nil {
			n.balanceCache.Stop()
		}
		if n.kadDHT != nil {
			n.kadDHT.Close()
		}
		if n.host != nil {
			if herr := n.host.Close(); herr != nil {
				err = errors.Wrap(herr, "closing libp2p host")
			}
		}
		n.logger.Info("shutting down node: DONE")
	})
	return err
}

//---------------------------</SETUP>
//---------------------------<RPC>

func (n *node) Execute(ctx context.Context, p *entities.Payload, peer string, sink messages.Sink) {
	n.engine.Execute(ctx, p, peer, sink)
}

func (n *node) Abort(id string, sink messages.Sink) {
	n.engine.Abort(id, sink)
}

func (n *node) LocalTransport() channel.Transport {
	return channel.NewBusTransport(n.logger, n.bus)
}

func (n *node) Transport(addr string) (channel.Transport, error) {
	return n.connector.Transport(addr)
}

func (n *node) GetModules() []ModuleInfo {
	return n.moduleManager.Modules()
}

func (n *node) RegisterModule(m *registry.Module) error {
	return n.moduleManager.Register(n.ctx, m)
}

func (n *node) SignOffer(call entities.Call) (entities.Offer, error) {
	return n.offerManager.SignOffer(call)
}

func (n *node) Offers() ([]entities.Offer, error) {
	return n.offerManager.Offers()
}

func (n *node) Providers() []events.Catalog {
	if n.catalogManager == nil {
		return []events.Catalog{}
	}
	return n.catalogManager.Providers()
}

func (n *node) Wallet() wallet.Wallet {
	return n.wallet
}

func (n *node) SubscribeToEvents() (events.Subscriber, error) {
	if n.ctx.Err() != nil {
		return nil, errors.New("node is shut down")
	}
	return n.hub.Subscribe(), nil
}

//---------------------------</RPC>
