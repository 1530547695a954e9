package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"meterd/entities"
)

//Settings is the typed pricing record of a method
type Settings struct {
	Free       bool    `json:"free,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty"`
}

//Globals is process-wide state the node shares with every handler
type Globals map[string]interface{}

//Call is what a handler gets to know about its invocation
type Call struct {
	RequestID string
	UserID    string
	Peer      string
	Params    json.RawMessage
	Globals   Globals
}

//Bind decodes the call params into v
func (c *Call) Bind(v interface{}) error {
	if len(c.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Params, v); err != nil {
		return entities.NewError(400, "Invalid params: %s", err.Error())
	}
	return nil
}

//AbortFunc asks a running handler to stop
type AbortFunc func()

//Handler runs a method. It emits its results on emit, either before returning
//or later from its own goroutines, and returns the capability to abort it.
type Handler func(ctx context.Context, call *Call, emit Emitter) (AbortFunc, error)

//ConfigurationError is fatal and only occurs while modules are being defined
type ConfigurationError struct {
	Module   string
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("module %s: invalid configuration: %s", e.Module, strings.Join(e.Problems, "; "))
}

type Output struct {
	Code        int
	Description string
	doc         json.RawMessage
	schema      *jsonschema.Schema
}

//Method is an immutable, validated method definition
type Method struct {
	ID          string
	Description string
	Settings    Settings
	Handler     Handler

	inputDoc json.RawMessage
	input    *jsonschema.Schema
	outputs  map[int]*Output
}

//Paid reports whether calls to the method are billed
func (m *Method) Paid() bool {
	return m.Settings.Multiplier > 0
}

//ValidateInput checks params against the input contract; methods without one
//accept anything
func (m *Method) ValidateInput(params json.RawMessage) error {
	if m.input == nil {
		return nil
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := ValidateJSON(m.input, params); err != nil {
		return entities.NewError(400, "Invalid params: %s", err.Error())
	}
	return nil
}

//ValidateOutput checks v against the output contract registered for code
func (m *Method) ValidateOutput(code int, v interface{}) error {
	out, ok := m.outputs[code]
	if !ok {
		return errors.Errorf("method %s has no output for code %d", m.ID, code)
	}
	return ValidateValue(out.schema, v)
}

func (m *Method) Outputs() []*Output {
	var outs []*Output
	for _, o := range m.outputs {
		outs = append(outs, o)
	}
	return outs
}

//Module is a validated, immutable group of methods
type Module struct {
	ID          string
	Description string
	Version     string

	methods  map[string]*Method
	order    []string
	contract Contract
}

func (m *Module) Method(id string) (*Method, bool) {
	method, ok := m.methods[strings.TrimPrefix(id, "/")]
	return method, ok
}

//Methods returns the methods in definition order
func (m *Module) Methods() []*Method {
	methods := make([]*Method, 0, len(m.order))
	for _, id := range m.order {
		methods = append(methods, m.methods[id])
	}
	return methods
}

func (m *Module) Contract() Contract {
	return m.contract
}

//---------------------------<BUILDER>

type output struct {
	schema      string
	description string
	code        int
}

//ModuleBuilder collects method definitions; nothing is validated before Run
type ModuleBuilder struct {
	id          string
	description string
	version     string
	methods     []*MethodBuilder
}

func NewModule(id, description, version string) *ModuleBuilder {
	if version == "" {
		version = "1.0.0"
	}
	return &ModuleBuilder{id: id, description: description, version: version}
}

func (b *ModuleBuilder) AddMethod(id string, handler Handler, description string, settings Settings) *MethodBuilder {
	mb := &MethodBuilder{
		module:      b,
		id:          id,
		handler:     handler,
		description: description,
		settings:    settings,
	}
	b.methods = append(b.methods, mb)
	return mb
}

//MethodBuilder chains the contracts of one method
type MethodBuilder struct {
	module      *ModuleBuilder
	id          string
	handler     Handler
	description string
	settings    Settings

	input    *string
	outputs  []output
	problems []string
}

//AddInput sets the input contract; a method takes at most one
func (mb *MethodBuilder) AddInput(schema string) *MethodBuilder {
	if mb.input != nil {
		mb.problems = append(mb.problems, fmt.Sprintf("method %s already has an input, only one input per method allowed", mb.id))
		return mb
	}
	mb.input = &schema
	return mb
}

func (mb *MethodBuilder) AddOutput(schema, description string, code int) *MethodBuilder {
	mb.outputs = append(mb.outputs, output{schema: schema, description: description, code: code})
	return mb
}

func (mb *MethodBuilder) SetMultiplier(v float64) *MethodBuilder {
	mb.settings.Multiplier = v
	return mb
}

//AddMethod starts the next method of the same module
func (mb *MethodBuilder) AddMethod(id string, handler Handler, description string, settings Settings) *MethodBuilder {
	return mb.module.AddMethod(id, handler, description, settings)
}

func (mb *MethodBuilder) Run() (*Module, error) {
	return mb.module.Run()
}

//Run assembles and validates the module and its contract document
func (b *ModuleBuilder) Run() (*Module, error) {
	cfgErr := &ConfigurationError{Module: b.id}
	problem := func(format string, args ...interface{}) {
		cfgErr.Problems = append(cfgErr.Problems, fmt.Sprintf(format, args...))
	}

	if b.id == "" {
		problem("module id is required")
	}

	m := &Module{
		ID:          b.id,
		Description: b.description,
		Version:     b.version,
		methods:     make(map[string]*Method),
		contract: Contract{
			Info:  ContractInfo{Title: b.id, Description: b.description, Version: b.version},
			Paths: make(map[string]ContractPath),
		},
	}

	for _, mb := range b.methods {
		cfgErr.Problems = append(cfgErr.Problems, mb.problems...)

		if _, dup := m.methods[mb.id]; dup {
			problem("method %s is defined twice", mb.id)
			continue
		}
		if mb.handler == nil {
			problem("method %s has no handler", mb.id)
		}
		if mb.settings.Multiplier < 0 {
			problem("method %s has a negative multiplier", mb.id)
		}
		if len(mb.outputs) == 0 {
			problem("method %s needs at least one output", mb.id)
		}

		method := &Method{
			ID:          mb.id,
			Description: mb.description,
			Settings:    mb.settings,
			Handler:     mb.handler,
			outputs:     make(map[int]*Output),
		}
		path := ContractPath{
			OperationID: mb.id,
			Description: mb.description,
			Settings:    mb.settings,
			Outputs:     make(map[string]ContractOutput),
		}

		if mb.input != nil {
			s, err := Compile(b.id+"/"+mb.id+"/input.json", *mb.input)
			if err != nil {
				problem("method %s input: %s", mb.id, err.Error())
			} else {
				method.input = s
				method.inputDoc = normalizeDoc(*mb.input)
				path.Input = method.inputDoc
			}
		}

		for _, o := range mb.outputs {
			if _, dup := method.outputs[o.code]; dup {
				problem("method %s declares output %d twice", mb.id, o.code)
				continue
			}
			s, err := Compile(fmt.Sprintf("%s/%s/output-%d.json", b.id, mb.id, o.code), o.schema)
			if err != nil {
				problem("method %s output %d: %s", mb.id, o.code, err.Error())
				continue
			}
			doc := normalizeDoc(o.schema)
			method.outputs[o.code] = &Output{Code: o.code, Description: o.description, doc: doc, schema: s}
			path.Outputs[strconv.Itoa(o.code)] = ContractOutput{Description: o.description, Schema: doc}
		}

		m.methods[mb.id] = method
		m.order = append(m.order, mb.id)
		m.contract.Paths["/"+mb.id] = path
	}

	if len(cfgErr.Problems) == 0 {
		if err := m.contract.validate(); err != nil {
			problem("contract: %s", err.Error())
		}
	}
	if len(cfgErr.Problems) > 0 {
		return nil, cfgErr
	}
	return m, nil
}

func normalizeDoc(doc string) json.RawMessage {
	if strings.TrimSpace(doc) == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(doc)
}

//---------------------------</BUILDER>

//Invoke runs a handler, turning a panic into a 500 error
func Invoke(ctx context.Context, m *Method, call *Call, emit Emitter) (abort AbortFunc, err error) {
	defer func() {
		if r := recover(); r != nil {
			abort = nil
			err = entities.NewError(500, "%v", r)
		}
	}()

	abort, err = m.Handler(ctx, call, emit)
	if err != nil {
		return nil, entities.AsError(err, 500)
	}
	if abort == nil {
		abort = func() {}
	}
	return abort, nil
}
