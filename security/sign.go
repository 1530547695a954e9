package security

import (
	"encoding/hex"
	"encoding/json"

	"meterd/entities"
)

//Sign hashes v and signs the digest
func Sign(kp *KeyPair, v interface{}) (entities.Signature, error) {
	h, err := Hash(v)
	if err != nil {
		return entities.Signature{}, err
	}
	return entities.Signature{
		Content:   hex.EncodeToString(h),
		Signature: hex.EncodeToString(kp.SignHash(h)),
		PublicKey: kp.PublicKeyHex(),
	}, nil
}

//Verify recomputes the hash of v; it must match the signed content hash and
//the signature must hold for the declared public key
func Verify(v interface{}, sig entities.Signature) bool {
	h, err := Hash(v)
	if err != nil {
		return false
	}
	if hex.EncodeToString(h) != sig.Content {
		return false
	}
	return VerifyHash(h, sig.Signature, sig.PublicKey)
}

//authContent is what a caller signs to authenticate a call
type authContent struct {
	Offer     entities.Offer  `json:"offer"`
	Params    json.RawMessage `json:"params"`
	Nonce     string          `json:"nonce"`
	RequestID string          `json:"request_id"`
}

//txContent is what a caller signs to authorize spending
type txContent struct {
	Offer     entities.Offer  `json:"offer"`
	Params    json.RawMessage `json:"params"`
	RequestID string          `json:"request_id"`
	MaxSpent  float64         `json:"max_spent"`
}

func AuthContent(p *entities.Payload, nonce string) interface{} {
	return authContent{Offer: p.Offer, Params: p.ParamsOrEmpty(), Nonce: nonce, RequestID: p.ID}
}

func TransactionContent(p *entities.Payload, maxSpent float64) interface{} {
	return txContent{Offer: p.Offer, Params: p.ParamsOrEmpty(), RequestID: p.ID, MaxSpent: maxSpent}
}

//SignAuth produces the auth signature of a payload for the given nonce
func SignAuth(kp *KeyPair, p *entities.Payload, nonce string) (entities.Signature, error) {
	sig, err := Sign(kp, AuthContent(p, nonce))
	if err != nil {
		return sig, err
	}
	sig.Nonce = nonce
	return sig, nil
}

//SignTransaction produces the spending ceiling of a payload
func SignTransaction(kp *KeyPair, p *entities.Payload, maxSpent float64) (*entities.SignedTransaction, error) {
	sig, err := Sign(kp, TransactionContent(p, maxSpent))
	if err != nil {
		return nil, err
	}
	return &entities.SignedTransaction{MaxSpent: maxSpent, Signature: sig}, nil
}

//VerifyTransaction checks the transaction signature of a payload
func VerifyTransaction(p *entities.Payload) bool {
	tx := p.SignedTransaction
	if !tx.Valid() {
		return false
	}
	return Verify(TransactionContent(p, tx.MaxSpent), tx.Signature)
}

//SignReceipt signs the receipt fields and attaches the signature
func SignReceipt(kp *KeyPair, r *entities.Receipt) error {
	sig, err := Sign(kp, r.Unsigned())
	if err != nil {
		return err
	}
	r.Sig = &sig
	return nil
}

//VerifyReceipt checks a receipt against the public key of the node that issued it
func VerifyReceipt(r *entities.Receipt, pubKeyHex string) bool {
	if r == nil || r.Sig == nil || r.Sig.PublicKey != pubKeyHex {
		return false
	}
	return Verify(r.Unsigned(), *r.Sig)
}

//SignOffer fixes the offer id and signs it
func SignOffer(kp *KeyPair, o *entities.Offer) error {
	sig, err := Sign(kp, o.Unsigned())
	if err != nil {
		return err
	}
	o.Sig = sig
	return nil
}

//VerifyOffer checks that the offer was signed by the given node key
func VerifyOffer(o entities.Offer, pubKeyHex string) bool {
	if o.Sig.PublicKey != pubKeyHex {
		return false
	}
	return Verify(o.Unsigned(), o.Sig)
}
