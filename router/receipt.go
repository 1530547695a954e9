package router

import (
	"meterd/registry"
)

const receiptSchemaDoc = `{
	"type": "object",
	"required": ["id", "user_id", "offer", "details", "total_bytes", "total_tokens", "sig"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"user_id": {"type": "string", "minLength": 1},
		"offer": {
			"type": "object",
			"required": ["id", "call"],
			"properties": {
				"id": {"type": "string"},
				"call": {
					"type": "object",
					"required": ["module_id", "method_id"],
					"properties": {
						"module_id": {"type": "string", "minLength": 1},
						"method_id": {"type": "string", "minLength": 1}
					}
				}
			}
		},
		"details": {
			"type": "object",
			"required": ["input", "output"],
			"properties": {
				"input": {"$ref": "#/$defs/usage"},
				"output": {"$ref": "#/$defs/usage"}
			}
		},
		"total_bytes": {"type": "integer", "minimum": 0},
		"total_tokens": {"type": "number", "minimum": 0},
		"sig": {
			"type": "object",
			"required": ["c", "s", "pk"],
			"properties": {
				"c": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
				"s": {"type": "string", "minLength": 1},
				"pk": {"type": "string", "minLength": 1}
			}
		}
	},
	"$defs": {
		"usage": {
			"type": "object",
			"required": ["bytes", "tokens"],
			"properties": {
				"bytes": {"type": "integer", "minimum": 0},
				"tokens": {"type": "number", "minimum": 0}
			}
		}
	}
}`

var receiptSchema = registry.MustCompile("receipt.json", receiptSchemaDoc)
