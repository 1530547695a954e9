package security

import (
	"encoding/hex"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/pkg/errors"

	"meterd/entities"
)

//KeyPair is a secp256k1 signing identity
type KeyPair struct {
	priv *secp256k1.PrivateKey
}

func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generating private key")
	}
	return &KeyPair{priv: priv}, nil
}

//KeyPairFromHex loads a 32 byte private key, with or without a 0x prefix
func KeyPairFromHex(s string) (*KeyPair, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "decoding private key")
	}
	if len(b) != secp256k1.PrivKeyBytesLen {
		return nil, errors.Errorf("private key must be %d bytes, got %d", secp256k1.PrivKeyBytesLen, len(b))
	}
	return &KeyPair{priv: secp256k1.PrivKeyFromBytes(b)}, nil
}

func (kp *KeyPair) PrivateKeyBytes() []byte {
	return kp.priv.Serialize()
}

func (kp *KeyPair) PrivateKeyHex() string {
	return hex.EncodeToString(kp.priv.Serialize())
}

//PublicKeyHex returns the compressed public key
func (kp *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.priv.PubKey().SerializeCompressed())
}

//User returns a caller identity for this key pair; the user id is the public key
func (kp *KeyPair) User() entities.User {
	pk := kp.PublicKeyHex()
	return entities.User{UserID: pk, PublicKey: pk, PrivateKey: kp.PrivateKeyHex()}
}

//SignHash signs a 32 byte digest and returns the DER signature
func (kp *KeyPair) SignHash(hash []byte) []byte {
	return ecdsa.Sign(kp.priv, hash).Serialize()
}

//VerifyHash checks a hex DER signature over hash against a hex public key.
//Malformed inputs verify as false.
func VerifyHash(hash []byte, sigHex, pubKeyHex string) bool {
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	pkBytes, err := hex.DecodeString(strings.TrimPrefix(pubKeyHex, "0x"))
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	pub, err := secp256k1.ParsePubKey(pkBytes)
	if err != nil {
		return false
	}
	return sig.Verify(hash, pub)
}
