package game

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// BondLedger tracks participant collateral. Funds are either free balance
// or locked against an open game. Total supply is conserved across any
// sequence of locks, refunds and forfeitures.
type BondLedger struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
	locked   map[common.Address]*big.Int
}

func NewBondLedger() *BondLedger {
	return &BondLedger{
		balances: make(map[common.Address]*big.Int),
		locked:   make(map[common.Address]*big.Int),
	}
}

func (l *BondLedger) Deposit(addr common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(l.balances, addr, amount)
}

func (l *BondLedger) BalanceOf(addr common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.amount(l.balances, addr)
}

func (l *BondLedger) LockedOf(addr common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.amount(l.locked, addr)
}

// Lock moves amount from addr's free balance into locked collateral.
func (l *BondLedger) Lock(addr common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.amount(l.balances, addr).Cmp(amount) < 0 {
		return fmt.Errorf("%w: %v has %v, needs %v", ErrInsufficientFunds, addr, l.amount(l.balances, addr), amount)
	}
	l.debit(l.balances, addr, amount)
	l.credit(l.locked, addr, amount)
	return nil
}

// Unlock returns previously locked collateral to addr's free balance.
func (l *BondLedger) Unlock(addr common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.amount(l.locked, addr).Cmp(amount) < 0 {
		return fmt.Errorf("unlock exceeds locked collateral for %v: %v > %v", addr, amount, l.amount(l.locked, addr))
	}
	l.debit(l.locked, addr, amount)
	l.credit(l.balances, addr, amount)
	return nil
}

// Forfeit moves amount of from's locked collateral to to's free balance.
func (l *BondLedger) Forfeit(from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.amount(l.locked, from).Cmp(amount) < 0 {
		return fmt.Errorf("forfeit exceeds locked collateral for %v: %v > %v", from, amount, l.amount(l.locked, from))
	}
	l.debit(l.locked, from, amount)
	l.credit(l.balances, to, amount)
	return nil
}

// TotalSupply sums all free and locked funds. Constant under every ledger
// operation except Deposit.
func (l *BondLedger) TotalSupply() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := new(big.Int)
	for _, v := range l.balances {
		total.Add(total, v)
	}
	for _, v := range l.locked {
		total.Add(total, v)
	}
	return total
}

func (l *BondLedger) amount(m map[common.Address]*big.Int, addr common.Address) *big.Int {
	if v, ok := m[addr]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (l *BondLedger) credit(m map[common.Address]*big.Int, addr common.Address, amount *big.Int) {
	if v, ok := m[addr]; ok {
		v.Add(v, amount)
	} else {
		m[addr] = new(big.Int).Set(amount)
	}
}

func (l *BondLedger) debit(m map[common.Address]*big.Int, addr common.Address, amount *big.Int) {
	if v, ok := m[addr]; ok {
		v.Sub(v, amount)
	} else if amount.Sign() != 0 {
		m[addr] = new(big.Int).Neg(amount)
	}
}
