package node

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"meterd/channel"
	"meterd/entities"
	"meterd/events"
	"meterd/registry"
)

//ModuleInfo is what a node tells about one of its modules
type ModuleInfo struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Version     string            `json:"version"`
	Contract    registry.Contract `json:"contract"`
}

//ModuleManager registers modules and binds their methods on the bus
type ModuleManager struct {
	logger   *zap.Logger
	registry *registry.Registry
	bus      *channel.Bus
	handler  channel.Handler
	publish  func(evt events.Event)

	unbind []func()
	lock   sync.Mutex
}

func NewModuleManager(logger *zap.Logger, reg *registry.Registry, bus *channel.Bus, h channel.Handler, publish func(events.Event)) *ModuleManager {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ModuleManager{
		logger:   logger,
		registry: reg,
		bus:      bus,
		handler:  h,
		publish:  publish,
	}
}

//Register appends m to the registry and serves each of its methods on the bus
func (mm *ModuleManager) Register(ctx context.Context, m *registry.Module) error {
	if err := mm.registry.Register(m); err != nil {
		mm.logger.Error("registering module: FAILED", zap.Error(err))
		return err
	}

	mm.lock.Lock()
	defer mm.lock.Unlock()

	var methods []string
	for _, method := range m.Methods() {
		call := entities.Call{ModuleID: m.ID, MethodID: method.ID}
		mm.unbind = append(mm.unbind, mm.bus.Serve(ctx, call, mm.handler))
		methods = append(methods, method.ID)
	}

	mm.logger.Info("registered module", zap.String("module", m.ID), zap.Strings("methods", methods))
	mm.publish(&events.ModuleRegistered{ModuleID: m.ID, Methods: methods})
	return nil
}

func (mm *ModuleManager) Modules() []ModuleInfo {
	var infos []ModuleInfo
	for _, m := range mm.registry.Modules() {
		infos = append(infos, ModuleInfo{
			ID:          m.ID,
			Description: m.Description,
			Version:     m.Version,
			Contract:    m.Contract(),
		})
	}
	return infos
}

//Entries lists every method of every module as a catalog entry
func (mm *ModuleManager) Entries() []events.CatalogEntry {
	var entries []events.CatalogEntry
	for _, m := range mm.registry.Modules() {
		for _, method := range m.Methods() {
			entries = append(entries, events.CatalogEntry{
				Call:        entities.Call{ModuleID: m.ID, MethodID: method.ID},
				Description: method.Description,
				Free:        !method.Paid(),
				Multiplier:  method.Settings.Multiplier,
			})
		}
	}
	return entries
}

//Close stops serving every registered method on the bus
func (mm *ModuleManager) Close() {
	mm.lock.Lock()
	defer mm.lock.Unlock()

	for _, unbind := range mm.unbind {
		unbind()
	}
	mm.unbind = nil
}
