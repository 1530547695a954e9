package node

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"meterd/entities"
	"meterd/events"
	"meterd/modules/example"
	"meterd/security"
	"meterd/wallet"
)

func startNode(t *testing.T, cfg Config) Node {
	t.Helper()
	n, err := NewNode(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Shutdown() })
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HandshakeRate = 0
	return cfg
}

func TestNodeRegistersBuiltins(t *testing.T) {
	n := startNode(t, testConfig())

	sub, err := n.SubscribeToEvents()
	require.NoError(t, err)
	defer sub.Close()

	math, err := example.New(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, n.RegisterModule(math))
	assert.Error(t, n.RegisterModule(math))

	var ids []string
	for _, m := range n.GetModules() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"handshake", "ping", "wallet", "math"}, ids)

	evt, err := sub.Next()
	require.NoError(t, err)
	registered, ok := evt.(*events.ModuleRegistered)
	require.True(t, ok)
	assert.Equal(t, "math", registered.ModuleID)
	assert.Equal(t, []string{"sum", "multiply", "stream_test", "divide"}, registered.Methods)

	assert.Error(t, n.Start(context.Background()))
}

func TestNodeSignsOffers(t *testing.T) {
	n := startNode(t, testConfig())
	math, err := example.New(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, n.RegisterModule(math))

	offer, err := n.SignOffer(entities.Call{ModuleID: "math", MethodID: "divide"})
	require.NoError(t, err)
	assert.Equal(t, example.DivideMultiplier, offer.Multiplier)
	assert.True(t, security.VerifyOffer(offer, n.PublicKey()))

	offer, err = n.SignOffer(entities.Call{ModuleID: "math", MethodID: "sum"})
	require.NoError(t, err)
	assert.Zero(t, offer.Multiplier)

	_, err = n.SignOffer(entities.Call{ModuleID: "math", MethodID: "nope"})
	assert.Equal(t, 404, entities.AsError(err, 500).Code)

	offers, err := n.Offers()
	require.NoError(t, err)
	assert.Len(t, offers, 10)
}

func TestNodeHTTPRoutes(t *testing.T) {
	n := startNode(t, testConfig())
	base := "http://" + n.Addr()

	get := func(path string, out interface{}) int {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		if out != nil {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
		}
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("/health", nil))

	var modules []ModuleInfo
	assert.Equal(t, http.StatusOK, get("/modules", &modules))
	assert.Len(t, modules, 3)
	assert.Contains(t, modules[1].Contract.Paths, "/ping")

	var offer entities.Offer
	assert.Equal(t, http.StatusOK, get("/offers/ping/ping", &offer))
	assert.True(t, security.VerifyOffer(offer, n.PublicKey()))

	var e entities.Error
	assert.Equal(t, http.StatusNotFound, get("/offers/ping/nope", &e))
	assert.Equal(t, 404, e.Code)
}

func TestNodeInjectedWallet(t *testing.T) {
	ledger := wallet.NewLedger(7)
	cfg := testConfig()
	cfg.Wallet = ledger
	n := startNode(t, cfg)

	balance, err := n.Wallet().GetBalance(context.Background(), "someone")
	require.NoError(t, err)
	assert.Equal(t, 7.0, balance)

	//balances are served from the cache until it expires
	ledger.Deposit("someone", 3)
	balance, err = n.Wallet().GetBalance(context.Background(), "someone")
	require.NoError(t, err)
	assert.Equal(t, 7.0, balance)
	balance, err = ledger.GetBalance(context.Background(), "someone")
	require.NoError(t, err)
	assert.Equal(t, 10.0, balance)
}

func TestNodeKeepsInjectedCache(t *testing.T) {
	cached := wallet.NewCached(wallet.NewLedger(7), time.Minute)
	defer cached.Stop()
	cfg := testConfig()
	cfg.Wallet = cached
	n := startNode(t, cfg)

	assert.Same(t, cached, n.Wallet())
}

func TestNodeShutdownIsIdempotent(t *testing.T) {
	n, err := NewNode(nil, testConfig())
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))

	require.NoError(t, n.Shutdown())
	require.NoError(t, n.Shutdown())
	_, err = n.SubscribeToEvents()
	assert.Error(t, err)
}

func TestNodeWithoutP2P(t *testing.T) {
	n := startNode(t, testConfig())

	assert.Empty(t, n.Providers())
	assert.Error(t, n.Bootstrap(context.Background(), nil))
	_, err := n.Transport("/ip4/127.0.0.1/tcp/4001/p2p/QmYyQSo1c1Ym7orWxLYvCrM2EmxFTANf8wXmmE7DWjhx5N")
	assert.Error(t, err)
}

func TestLoadKeysStoresIdentity(t *testing.T) {
	file := filepath.Join(t.TempDir(), "node.key")
	cfg := Config{PrivateKeyFile: file, StoreIdentity: true}

	first, err := loadKeys(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	_, err = os.Stat(file)
	require.NoError(t, err)

	second, err := loadKeys(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKeyHex(), second.PublicKeyHex())

	third, err := loadKeys(zaptest.NewLogger(t), Config{PrivateKey: first.PrivateKeyHex()})
	require.NoError(t, err)
	assert.Equal(t, first.PublicKeyHex(), third.PublicKeyHex())
}

func TestCatalogManagerTracksProviders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mn := mocknet.New()
	defer mn.Close()

	var managers []*CatalogManager
	for i := 0; i < 2; i++ {
		h, err := mn.GenPeer()
		require.NoError(t, err)
		ps, err := pubsub.NewGossipSub(ctx, h)
		require.NoError(t, err)

		id := h.ID()
		catalog := func() events.Catalog {
			return events.Catalog{
				PeerID:  id.String(),
				Methods: []events.CatalogEntry{{Call: entities.Call{ModuleID: "math", MethodID: "sum"}, Free: true}},
			}
		}
		cm := NewCatalogManager(zaptest.NewLogger(t), ps, id, catalog, func(events.Event) {}, 50*time.Millisecond)
		managers = append(managers, cm)
	}
	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	for _, cm := range managers {
		require.NoError(t, cm.Join(ctx))
		defer cm.Close()
	}

	require.Eventually(t, func() bool {
		return len(managers[0].Providers()) == 1 && len(managers[1].Providers()) == 1
	}, 10*time.Second, 50*time.Millisecond)

	providers := managers[0].Providers()
	assert.Equal(t, managers[1].self.String(), providers[0].PeerID)
	assert.Equal(t, "sum", providers[0].Methods[0].Call.MethodID)
}

func TestCatalogManagerForgetsSilentProviders(t *testing.T) {
	cm := NewCatalogManager(nil, nil, "", nil, nil, time.Second)
	now := time.Now()
	cm.providers["old"] = provider{catalog: events.Catalog{PeerID: "old"}, seen: now.Add(-time.Hour)}
	cm.providers["new"] = provider{catalog: events.Catalog{PeerID: "new"}, seen: now}

	cm.trim(now.Add(-3 * time.Second))
	providers := cm.Providers()
	require.Len(t, providers, 1)
	assert.Equal(t, "new", providers[0].PeerID)

	cm.Close()
}
