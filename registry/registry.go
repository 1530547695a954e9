package registry

import (
	"sync"

	"meterd/entities"
)

//Registry is the append-only set of modules a node serves
type Registry struct {
	lock    sync.RWMutex
	modules map[string]*Module
	order   []string
}

func New() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

//Register appends a module; module ids are unique
func (r *Registry) Register(m *Module) error {
	if m == nil {
		return &ConfigurationError{Problems: []string{"nil module"}}
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.modules[m.ID]; ok {
		return &ConfigurationError{Module: m.ID, Problems: []string{"module is already registered"}}
	}
	r.modules[m.ID] = m
	r.order = append(r.order, m.ID)
	return nil
}

//Lookup resolves a call; a miss is a 404
func (r *Registry) Lookup(call entities.Call) (*Module, *Method, error) {
	r.lock.RLock()
	m, ok := r.modules[call.ModuleID]
	r.lock.RUnlock()

	if !ok {
		return nil, nil, entities.NewError(404, "Unknown call %s", call.ModuleID)
	}
	method, ok := m.Method(call.MethodID)
	if !ok {
		return nil, nil, entities.NewError(404, "Unknown call %s", call.String())
	}
	return m, method, nil
}

func (r *Registry) Module(id string) (*Module, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	m, ok := r.modules[id]
	return m, ok
}

//Modules returns the modules in registration order
func (r *Registry) Modules() []*Module {
	r.lock.RLock()
	defer r.lock.RUnlock()

	modules := make([]*Module, 0, len(r.order))
	for _, id := range r.order {
		modules = append(modules, r.modules[id])
	}
	return modules
}
