package node

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"meterd/events"
)

const (
	catalogTopic = "meterd_catalog"

	DefaultCatalogInterval = 23 * time.Second
)

type CatalogMessageType string

const (
	//published to advertise the priced methods of this node
	CatalogMessageTypePub CatalogMessageType = "pub.catalog"
)

//holds data to be published on the catalog topic
type CatalogMessageOut struct {
	Type    CatalogMessageType `json:"type"`
	Payload interface{}        `json:"payload,omitempty"`
}

//holds data to be received from the catalog topic
type CatalogMessageIn struct {
	Type    CatalogMessageType `json:"type"`
	Payload json.RawMessage    `json:"payload,omitempty"`
}

type provider struct {
	catalog events.Catalog
	seen    time.Time
}

//CatalogManager advertises this node's catalog over gossipsub and tracks the
//catalogs other nodes advertise
type CatalogManager struct {
	logger   *zap.Logger
	self     peer.ID
	catalog  func() events.Catalog
	publish  func(evt events.Event)
	interval time.Duration

	ps           *pubsub.PubSub
	topic        *pubsub.Topic
	subscription *pubsub.Subscription
	cancel       context.CancelFunc

	providers map[peer.ID]provider
	lock      sync.RWMutex
}

func NewCatalogManager(logger *zap.Logger, ps *pubsub.PubSub, self peer.ID, catalog func() events.Catalog, publish func(events.Event), interval time.Duration) *CatalogManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultCatalogInterval
	}

	return &CatalogManager{
		logger:    logger.With(zap.String("topic", catalogTopic)),
		self:      self,
		catalog:   catalog,
		publish:   publish,
		interval:  interval,
		ps:        ps,
		providers: make(map[peer.ID]provider),
	}
}

//Join subscribes to the catalog topic and starts advertising
func (cm *CatalogManager) Join(ctx context.Context) error {
	cm.logger.Debug("joining catalog topic")
	topic, err := cm.ps.Join(catalogTopic)
	if err != nil {
		return errors.Wrap(err, "joining catalog topic")
	}

	cm.logger.Debug("subscribing to catalog topic")
	subscription, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return errors.Wrap(err, "subscribing to catalog topic")
	}

	ctx, cancel := context.WithCancel(ctx)
	cm.topic = topic
	cm.subscription = subscription
	cm.cancel = cancel

	go cm.subscriptionHandler(ctx)
	go cm.advertise(ctx)

	cm.logger.Info("joined catalog topic")
	return nil
}

func (cm *CatalogManager) subscriptionHandler(ctx context.Context) {
	for {
		subMsg, err := cm.subscription.Next(ctx)
		if err != nil {
			cm.logger.Debug("catalog subscription closed", zap.Error(err))
			return
		}

		if subMsg.ReceivedFrom == cm.self {
			continue
		}

		var cmi CatalogMessageIn
		if err := json.Unmarshal(subMsg.Data, &cmi); err != nil {
			cm.logger.Warn("cannot unmarshal catalog message. Ignoring", zap.Error(err))
			continue
		}

		switch cmi.Type {
		case CatalogMessageTypePub:
			var catalog events.Catalog
			if err := json.Unmarshal(cmi.Payload, &catalog); err != nil {
				cm.logger.Warn("ignoring catalog pub",
					zap.Error(errors.Wrap(err, "unmarshalling payload")),
				)
				continue
			}

			cm.lock.Lock()
			cm.providers[subMsg.ReceivedFrom] = provider{catalog: catalog, seen: time.Now()}
			cm.lock.Unlock()

			cm.publish(&events.CatalogPub{Catalog: catalog})

		default:
			cm.logger.Warn("ignoring catalog message",
				zap.Error(errors.New("unknown catalog message type")),
			)
		}
	}
}

func (cm *CatalogManager) publishMessage(ctx context.Context, cmo *CatalogMessageOut) error {
	cmoJSON, err := json.Marshal(cmo)
	if err != nil {
		return errors.Wrap(err, "marshalling catalog message")
	}
	return cm.topic.Publish(ctx, cmoJSON)
}

//advertise publishes the catalog every interval and forgets providers that
//stopped advertising
func (cm *CatalogManager) advertise(ctx context.Context) {
	tick := time.NewTicker(cm.interval)
	defer tick.Stop()

	for {
		cmo := CatalogMessageOut{Type: CatalogMessageTypePub, Payload: cm.catalog()}
		if err := cm.publishMessage(ctx, &cmo); err != nil && ctx.Err() == nil {
			cm.logger.Error("failed publishing catalog", zap.Error(err))
		}
		cm.trim(time.Now().Add(-3 * cm.interval))

		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (cm *CatalogManager) trim(cutoff time.Time) {
	cm.lock.Lock()
	defer cm.lock.Unlock()

	for id, p := range cm.providers {
		if p.seen.Before(cutoff) {
			cm.logger.Debug("forgetting provider", zap.Stringer("peer", id))
			delete(cm.providers, id)
		}
	}
}

//Providers returns the last catalog of every live provider, by peer id
func (cm *CatalogManager) Providers() []events.Catalog {
	cm.lock.RLock()
	defer cm.lock.RUnlock()

	catalogs := make([]events.Catalog, 0, len(cm.providers))
	for _, p := range cm.providers {
		catalogs = append(catalogs, p.catalog)
	}
	sort.Slice(catalogs, func(i, j int) bool {
		return catalogs[i].PeerID < catalogs[j].PeerID
	})
	return catalogs
}

func (cm *CatalogManager) Close() {
	if cm.cancel == nil {
		return
	}
	cm.cancel()
	cm.subscription.Cancel()
	cm.topic.Close()
}
