// (c) 2024, Mysten Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accumvm

import (
	"bytes"
	"sort"

	"github.com/ava-labs/avalanchego/ids"
)

const (
	Name = "accumvm"
)

// Version identifies a point in the accumulator root's committed history. It
// advances by one with every settled commit and is used to detect staleness,
// ordering, and already-executed conditions.
type Version uint64

// Reservation is one transaction's claim against a single account: either a
// bounded claim of at most MaxAmount units, or a claim on the entire
// guaranteed balance remaining on the account.
type Reservation struct {
	// MaxAmount is the upper bound of the claim. Ignored when EntireBalance
	// is set.
	MaxAmount uint64
	// EntireBalance claims whatever guaranteed balance remains, including
	// zero.
	EntireBalance bool
}

// TxWithdraw is the withdrawal request of a single transaction: the accounts
// it withdraws from and the amount claimed against each.
type TxWithdraw struct {
	TxID         ids.ID
	Reservations map[ids.ID]Reservation
}

// Accounts returns the request's account ids in sorted order. Admission
// always walks accounts in this order so outcomes are reproducible on
// independent replicas.
func (w *TxWithdraw) Accounts() []ids.ID {
	accounts := make([]ids.ID, 0, len(w.Reservations))
	for account := range w.Reservations {
		accounts = append(accounts, account)
	}
	SortAccounts(accounts)
	return accounts
}

// ScheduleStatus is the admission outcome for one transaction's withdrawal
// request.
type ScheduleStatus uint8

const (
	// SufficientBalance: every reservation was granted; the transaction may
	// proceed once its remaining execution dependencies are satisfied.
	SufficientBalance ScheduleStatus = iota + 1
	// InsufficientBalance: the transaction must be treated as a fast-path
	// failure. The execution layer produces a failed-execution effects
	// record without invoking its logic.
	InsufficientBalance
	// AlreadyExecuted: an account this transaction reserves against has
	// already advanced past the scheduled version. The caller must defer the
	// transaction to the checkpoint-driven path.
	AlreadyExecuted
)

func (s ScheduleStatus) String() string {
	switch s {
	case SufficientBalance:
		return "sufficient balance"
	case InsufficientBalance:
		return "insufficient balance"
	case AlreadyExecuted:
		return "already executed"
	default:
		return "unknown"
	}
}

// ScheduleResult is delivered to the execution driver once a transaction's
// admission attempt resolves.
type ScheduleResult struct {
	TxID   ids.ID
	Status ScheduleStatus
}

// BalanceSettlement notifies a scheduler that a commit's balance effects are
// durable. BalanceChanges names every account the commit touched together
// with its signed delta. The deltas are informational only: schedulers
// re-derive the settled balance from storage instead of applying them.
type BalanceSettlement struct {
	AccumulatorVersion Version
	BalanceChanges     map[ids.ID]int64
}

// Accounts returns the settled account ids in sorted order.
func (s *BalanceSettlement) Accounts() []ids.ID {
	accounts := make([]ids.ID, 0, len(s.BalanceChanges))
	for account := range s.BalanceChanges {
		accounts = append(accounts, account)
	}
	SortAccounts(accounts)
	return accounts
}

// SortAccounts sorts account ids in place by their byte representation.
func SortAccounts(accounts []ids.ID) {
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i][:], accounts[j][:]) < 0
	})
}
