package security

import (
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
	"lukechampine.com/blake3"
)

//Hash returns the blake3-256 digest of the canonical JSON encoding of v.
//Struct fields encode in declaration order and map keys sorted, so equal
//values always hash equally.
func Hash(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding value for hashing")
	}
	sum := blake3.Sum256(b)
	return sum[:], nil
}

func HashHex(v interface{}) (string, error) {
	h, err := Hash(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h), nil
}
