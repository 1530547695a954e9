package wallet

import (
	"context"

	"meterd/entities"
)

const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

//Wallet is the ledger service that holds caller balances
type Wallet interface {
	GetStatus(ctx context.Context, userID string) (string, error)
	GetBalance(ctx context.Context, userID string) (float64, error)
	GetSubsidizedBalance(ctx context.Context, userID string) (float64, error)
	//Charge bills a receipt and returns the balance left
	Charge(ctx context.Context, receipt *entities.Receipt) (float64, error)
}

//userRequest and chargeRequest are the bodies of the wallet operations
type userRequest struct {
	UserID string `json:"user_id"`
}

type chargeRequest struct {
	Receipt *entities.Receipt `json:"receipt"`
}
