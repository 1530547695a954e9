package wallet

import (
	"context"
	"sync"

	"meterd/entities"
)

type account struct {
	balance    float64
	subsidized float64
	suspended  bool
}

//Ledger is an in-memory wallet for development nodes and tests.
//Unknown users are opened with the default balance on first use.
type Ledger struct {
	defaultBalance float64

	accounts map[string]*account
	charged  map[string]bool
	lock     sync.RWMutex
}

func NewLedger(defaultBalance float64) *Ledger {
	return &Ledger{
		defaultBalance: defaultBalance,
		accounts:       make(map[string]*account),
		charged:        make(map[string]bool),
	}
}

func (l *Ledger) get(userID string) *account {
	a, ok := l.accounts[userID]
	if !ok {
		a = &account{balance: l.defaultBalance}
		l.accounts[userID] = a
	}
	return a
}

//Deposit adds credits to a user's balance
func (l *Ledger) Deposit(userID string, amount float64) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.get(userID).balance += amount
}

//Subsidize adds credits that are spent before the user's own balance
func (l *Ledger) Subsidize(userID string, amount float64) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.get(userID).subsidized += amount
}

func (l *Ledger) Suspend(userID string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.get(userID).suspended = true
}

func (l *Ledger) GetStatus(_ context.Context, userID string) (string, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.get(userID).suspended {
		return StatusSuspended, nil
	}
	return StatusActive, nil
}

//GetBalance returns everything the user can spend, subsidies included
func (l *Ledger) GetBalance(_ context.Context, userID string) (float64, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	a := l.get(userID)
	return a.balance + a.subsidized, nil
}

func (l *Ledger) GetSubsidizedBalance(_ context.Context, userID string) (float64, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.get(userID).subsidized, nil
}

//Charge bills a receipt once; subsidies are spent first
func (l *Ledger) Charge(_ context.Context, receipt *entities.Receipt) (float64, error) {
	if receipt == nil || receipt.Sig == nil {
		return 0, entities.NewError(400, "invalid receipt")
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	key := receipt.ID + "/" + receipt.Sig.Content
	if l.charged[key] {
		return 0, entities.NewError(409, "receipt %s already charged", receipt.ID)
	}

	a := l.get(receipt.UserID)
	if a.suspended {
		return 0, entities.NewError(403, "wallet suspended")
	}

	cost := receipt.TotalTokens
	if cost > a.balance+a.subsidized {
		return 0, entities.ErrInsufficientBalance
	}
	fromSubsidy := cost
	if fromSubsidy > a.subsidized {
		fromSubsidy = a.subsidized
	}
	a.subsidized -= fromSubsidy
	a.balance -= cost - fromSubsidy
	l.charged[key] = true

	return a.balance + a.subsidized, nil
}
