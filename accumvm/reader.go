// (c) 2024, Mysten Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accumvm

import (
	"fmt"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/holiman/uint256"
)

// FundsReader reads committed account balances from durable storage. The
// schedulers depend only on this interface; the live implementation is
// accumstore.Store and MemoryReader backs tests and local tooling.
type FundsReader interface {
	// LatestAccountAmount returns the current committed balance of [account]
	// together with the version of the accumulator root at the time of the
	// read. Accounts that have never been touched report a zero balance at
	// the current root version.
	LatestAccountAmount(account ids.ID) (*uint256.Int, Version, error)

	// AccountAmountAtVersion returns the balance of [account] as of root
	// [version]. The caller must guarantee [version] has not been pruned
	// from the store.
	AccountAmountAtVersion(account ids.ID, version Version) (*uint256.Int, error)

	// AmountsAvailable reports whether every account in [requested] can
	// cover its requested amount right now. The check is unsequenced and
	// advisory: it gives no ordering guarantee and must never gate an
	// admission decision.
	AmountsAvailable(requested map[ids.ID]uint64) error
}

// InsufficientFundsError names the first account, in account-id order, whose
// available amount cannot cover the requested amount.
type InsufficientFundsError struct {
	Account   ids.ID
	Available *uint256.Int
	Requested uint64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf(
		"insufficient funds on account %s: available %s, requested %d",
		e.Account, e.Available.ToBig(), e.Requested,
	)
}

// CheckAmounts implements AmountsAvailable on top of LatestAccountAmount.
// Both readers delegate to it, so the advisory check reports identically
// regardless of the backing store.
func CheckAmounts(r FundsReader, requested map[ids.ID]uint64) error {
	accounts := make([]ids.ID, 0, len(requested))
	for account := range requested {
		accounts = append(accounts, account)
	}
	SortAccounts(accounts)
	for _, account := range accounts {
		available, _, err := r.LatestAccountAmount(account)
		if err != nil {
			return err
		}
		if available.Lt(uint256.NewInt(requested[account])) {
			return &InsufficientFundsError{
				Account:   account,
				Available: available,
				Requested: requested[account],
			}
		}
	}
	return nil
}
