package node

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"meterd/entities"
	"meterd/registry"
	"meterd/security"
)

//OfferManager signs price quotes for the methods this node serves
type OfferManager struct {
	logger   *zap.Logger
	keys     *security.KeyPair
	registry *registry.Registry
}

func NewOfferManager(logger *zap.Logger, keys *security.KeyPair, reg *registry.Registry) *OfferManager {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OfferManager{
		logger:   logger,
		keys:     keys,
		registry: reg,
	}
}

//SignOffer quotes call at the multiplier of its method; free methods get no multiplier
func (om *OfferManager) SignOffer(call entities.Call) (entities.Offer, error) {
	_, method, err := om.registry.Lookup(call)
	if err != nil {
		return entities.Offer{}, err
	}

	offer := entities.Offer{ID: uuid.NewString(), Call: call}
	if method.Paid() {
		offer.Multiplier = method.Settings.Multiplier
	}
	if err := security.SignOffer(om.keys, &offer); err != nil {
		return entities.Offer{}, errors.Wrap(err, "signing offer")
	}

	om.logger.Debug("signed offer", zap.String("offerID", offer.ID), zap.Stringer("call", call))
	return offer, nil
}

//Offers signs a fresh offer for every method
func (om *OfferManager) Offers() ([]entities.Offer, error) {
	var offers []entities.Offer
	for _, m := range om.registry.Modules() {
		for _, method := range m.Methods() {
			offer, err := om.SignOffer(entities.Call{ModuleID: m.ID, MethodID: method.ID})
			if err != nil {
				return nil, err
			}
			offers = append(offers, offer)
		}
	}
	return offers, nil
}

//Verify reports whether offer was issued by this node
func (om *OfferManager) Verify(offer entities.Offer) bool {
	return security.VerifyOffer(offer, om.keys.PublicKeyHex())
}
