package router

import (
	"encoding/json"
)

//Size is the number of bytes a value is billed for: raw length for bytes and
//strings, JSON encoded length for everything else
func Size(v interface{}) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case json.RawMessage:
		return int64(len(t))
	case []byte:
		return int64(len(t))
	case string:
		return int64(len(t))
	}

	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}
