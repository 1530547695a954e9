package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"meterd/api"
	"meterd/modules/example"
	"meterd/node"
	"meterd/wallet"
)

type cfg struct {
	Dev            bool
	WSPort         uint16
	P2PPort        uint16
	APIPort        uint16
	WalletPort     uint16
	WalletURL      string
	DefaultBalance float64
	NoAuth         bool
	Example        bool
	PrivKey        string
	StoreIdentity  bool
	BootstrapNodes []multiaddr.Multiaddr
}

func main() {
	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Dev)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger, cfg); err != nil {
		logger.Error("node exited", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(logger *zap.Logger, cfg cfg) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodeCfg := node.DefaultConfig()
	nodeCfg.ListenAddr = fmt.Sprintf(":%d", cfg.WSPort)
	nodeCfg.PrivateKeyFile = cfg.PrivKey
	nodeCfg.StoreIdentity = cfg.StoreIdentity
	nodeCfg.WalletURL = cfg.WalletURL
	nodeCfg.DefaultBalance = cfg.DefaultBalance
	nodeCfg.NoAuth = cfg.NoAuth
	if cfg.P2PPort != 0 {
		nodeCfg.P2PListenAddrs = []string{fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.P2PPort)}
	}

	n, err := node.NewNode(logger, nodeCfg)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer func() {
		logger.Info("shutting down...")
		if err := n.Shutdown(); err != nil {
			logger.Error("failed shutting down", zap.Error(err))
		}
	}()

	if cfg.Example {
		m, err := example.New(example.DefaultStreamInterval)
		if err != nil {
			return err
		}
		if err := n.RegisterModule(m); err != nil {
			return err
		}
	}

	if len(cfg.BootstrapNodes) > 0 {
		if err := n.Bootstrap(ctx, cfg.BootstrapNodes); err != nil {
			return errors.Wrap(err, "bootstrapping")
		}
	}

	errc := make(chan error, 2)

	if cfg.APIPort != 0 {
		apiListenerAddr := fmt.Sprintf("0.0.0.0:%d", cfg.APIPort)
		logger.Info("starting gRPC API server", zap.String("address", apiListenerAddr))
		apiListener, err := net.Listen("tcp", apiListenerAddr)
		if err != nil {
			return errors.Wrap(err, "starting gRPC API server")
		}

		grpcServer := grpc.NewServer()
		api.RegisterApiServer(grpcServer, api.NewServer(logger, n))
		defer grpcServer.GracefulStop()

		go func() {
			if err := grpcServer.Serve(apiListener); err != nil {
				errc <- errors.Wrap(err, "serving gRPC requests")
			}
		}()
	}

	if cfg.WalletPort != 0 {
		walletAddr := fmt.Sprintf("0.0.0.0:%d", cfg.WalletPort)
		logger.Info("starting wallet server", zap.String("address", walletAddr))
		srv := &http.Server{
			Addr:              walletAddr,
			Handler:           wallet.Handler(logger, n.Wallet()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		defer srv.Close()

		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- errors.Wrap(err, "serving wallet requests")
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

//port checks that a flag value fits a tcp port; zero passes when the
//listener is optional
func port(name string, v uint, required bool) (uint16, error) {
	if v > 65535 {
		return 0, errors.Errorf("%s %d is out of range", name, v)
	}
	if required && v == 0 {
		return 0, errors.Errorf("%s is required", name)
	}
	return uint16(v), nil
}

func parseArgs(args []string) (cfg, error) {
	fs := flag.NewFlagSet("meterd", flag.ContinueOnError)
	dev := fs.Bool("dev", false, "development logging")
	wsPort := fs.Uint("port", 8080, "websocket port")
	p2pPort := fs.Uint("p2p.port", 0, "libp2p port; 0 disables the p2p transport")
	apiPort := fs.Uint("api.port", 0, "gRPC admin api port")
	walletPort := fs.Uint("wallet.port", 0, "serve the node wallet over http on this port")
	walletURL := fs.String("wallet.url", "", "remote wallet base url")
	defaultBalance := fs.Float64("wallet.default-balance", 0, "balance granted to unknown users by the in-memory wallet")
	noAuth := fs.Bool("no-auth", false, "skip caller authentication")
	withExample := fs.Bool("example", false, "register the example math module")
	bootstrapNodes := fs.String("bootstrap.addrs", "", "comma separated list of bootstrap node addresses")
	storeIdentity := fs.Bool("id.store", false, "whether the identity private key should be stored to a file")
	privKey := fs.String("privkey", "", "filepath from which node should read private key")
	if err := fs.Parse(args); err != nil {
		return cfg{}, err
	}

	c := cfg{
		Dev:            *dev,
		WalletURL:      *walletURL,
		DefaultBalance: *defaultBalance,
		NoAuth:         *noAuth,
		Example:        *withExample,
		PrivKey:        *privKey,
		StoreIdentity:  *storeIdentity,
	}

	var err error
	if c.WSPort, err = port("port", *wsPort, true); err != nil {
		return cfg{}, err
	}
	if c.P2PPort, err = port("p2p.port", *p2pPort, false); err != nil {
		return cfg{}, err
	}
	if c.APIPort, err = port("api.port", *apiPort, false); err != nil {
		return cfg{}, err
	}
	if c.WalletPort, err = port("wallet.port", *walletPort, false); err != nil {
		return cfg{}, err
	}

	if c.StoreIdentity && c.PrivKey == "" {
		return cfg{}, errors.New("id.store requires privkey")
	}

	if *bootstrapNodes != "" {
		if c.P2PPort == 0 {
			return cfg{}, errors.New("bootstrap.addrs requires p2p.port")
		}
		for _, b := range strings.Split(*bootstrapNodes, ",") {
			addr, err := multiaddr.NewMultiaddr(strings.TrimSpace(b))
			if err != nil {
				return cfg{}, errors.Wrap(err, "parsing bootstrap node addresses")
			}

			c.BootstrapNodes = append(c.BootstrapNodes, addr)
		}
	}

	return c, nil
}
