package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//Contract is the machine-readable description of a module
type Contract struct {
	Info  ContractInfo            `json:"info"`
	Paths map[string]ContractPath `json:"paths"`
}

type ContractInfo struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

type ContractPath struct {
	OperationID string                    `json:"operation_id"`
	Description string                    `json:"description"`
	Settings    Settings                  `json:"settings"`
	Input       json.RawMessage           `json:"input,omitempty"`
	Outputs     map[string]ContractOutput `json:"outputs"`
}

type ContractOutput struct {
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

//contractDocSchema describes a well formed contract document
const contractDocSchema = `{
	"type": "object",
	"required": ["info", "paths"],
	"properties": {
		"info": {
			"type": "object",
			"required": ["title", "description", "version"],
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"description": {"type": "string", "minLength": 1},
				"version": {"type": "string", "minLength": 1}
			}
		},
		"paths": {
			"type": "object",
			"minProperties": 1,
			"propertyNames": {"pattern": "^/[A-Za-z0-9_.-]+$"},
			"additionalProperties": {
				"type": "object",
				"required": ["operation_id", "description", "settings", "outputs"],
				"properties": {
					"operation_id": {"type": "string", "minLength": 1},
					"description": {"type": "string", "minLength": 1},
					"settings": {
						"type": "object",
						"properties": {
							"free": {"type": "boolean"},
							"multiplier": {"type": "number", "minimum": 0}
						}
					},
					"input": {"type": ["object", "boolean"]},
					"outputs": {
						"type": "object",
						"minProperties": 1,
						"propertyNames": {"pattern": "^[1-5][0-9][0-9]$"},
						"additionalProperties": {
							"type": "object",
							"required": ["description", "schema"],
							"properties": {
								"description": {"type": "string"},
								"schema": {"type": ["object", "boolean"]}
							}
						}
					}
				}
			}
		}
	}
}`

var contractDocValidator = MustCompile("contract.json", contractDocSchema)

var schemaSeq uint64

//Compile compiles a JSON schema document; name only needs to be descriptive
func Compile(name, doc string) (*jsonschema.Schema, error) {
	if doc == "" {
		doc = "{}"
	}
	url := fmt.Sprintf("mem://%d/%s", atomic.AddUint64(&schemaSeq, 1), name)

	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader([]byte(doc))); err != nil {
		return nil, errors.Wrapf(err, "adding schema %s", name)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, errors.Wrapf(err, "compiling schema %s", name)
	}
	return s, nil
}

func MustCompile(name, doc string) *jsonschema.Schema {
	s, err := Compile(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

//ValidateJSON checks raw JSON bytes against a compiled schema
func ValidateJSON(s *jsonschema.Schema, raw []byte) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return errors.Wrap(err, "decoding JSON")
	}
	return s.Validate(v)
}

//ValidateValue checks any encodable value against a compiled schema
func ValidateValue(s *jsonschema.Schema, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding value")
	}
	return ValidateJSON(s, raw)
}

func (c Contract) validate() error {
	return ValidateValue(contractDocValidator, c)
}
