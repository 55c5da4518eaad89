// (c) 2024, Mysten Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accumvm

import (
	"github.com/holiman/uint256"
)

// AccountState is the in-memory ledger for one accumulator account: the last
// committed balance and version plus all outstanding provisional
// reservations. Reservations only ever reduce the guaranteed balance; a
// settlement replaces the committed values and discards them.
//
// AccountState is not safe for concurrent use. The owning scheduler
// serializes every reservation and settlement for the account; nothing else
// mutates it.
type AccountState struct {
	committedBalance *uint256.Int
	committedVersion Version
	reserved         *uint256.Int
	entireClaimed    bool
}

// grant records a successful reservation so the rest of the transaction
// failing can undo it.
type grant struct {
	// amount that was added to the account's reserved total
	amount *uint256.Int
	entire bool
	// committed version at grant time. A grant is only releasable while the
	// account is still at this version; afterwards the settlement has
	// already discarded it.
	version Version
}

func NewAccountState(balance *uint256.Int, version Version) *AccountState {
	return &AccountState{
		committedBalance: balance.Clone(),
		committedVersion: version,
		reserved:         new(uint256.Int),
	}
}

// GuaranteedBalance returns the amount definitely still obtainable from the
// account: the committed balance minus everything currently reserved.
func (a *AccountState) GuaranteedBalance() *uint256.Int {
	return new(uint256.Int).Sub(a.committedBalance, a.reserved)
}

// CommittedVersion returns the accumulator root version of the account's last
// committed state.
func (a *AccountState) CommittedVersion() Version {
	return a.committedVersion
}

// TryReserve attempts to admit [r] against the guaranteed balance. On success
// the claim is subtracted and a grant usable with Release is returned. The
// decision and the mutation are one step: a failed attempt leaves the state
// untouched.
//
// A claim on the entire balance succeeds as long as no earlier claim of that
// kind is outstanding, even when bounded reservations have already driven the
// guaranteed balance to zero; it then reserves whatever is left.
func (a *AccountState) TryReserve(r Reservation) (grant, bool) {
	if a.entireClaimed {
		return grant{}, false
	}
	if r.EntireBalance {
		remaining := a.GuaranteedBalance()
		a.reserved.Set(a.committedBalance)
		a.entireClaimed = true
		return grant{amount: remaining, entire: true, version: a.committedVersion}, true
	}
	amount := uint256.NewInt(r.MaxAmount)
	if a.GuaranteedBalance().Lt(amount) {
		return grant{}, false
	}
	a.reserved.Add(a.reserved, amount)
	return grant{amount: amount, version: a.committedVersion}, true
}

// Release undoes a grant returned by TryReserve. Grants issued before the
// most recent settlement are ignored: the settlement already discarded the
// reservation they refer to.
func (a *AccountState) Release(g grant) {
	if g.version != a.committedVersion {
		return
	}
	a.reserved.Sub(a.reserved, g.amount)
	if g.entire {
		a.entireClaimed = false
	}
}

// ApplySettlement replaces the committed balance and version with the durable
// outcome and discards all outstanding reservations, which it supersedes.
// Settlements that do not strictly advance the version are ignored, so
// at-least-once delivery of settlement notifications is safe. Reports whether
// the settlement was applied.
func (a *AccountState) ApplySettlement(balance *uint256.Int, version Version) bool {
	if version <= a.committedVersion {
		return false
	}
	a.committedBalance = balance.Clone()
	a.committedVersion = version
	a.reserved.Clear()
	a.entireClaimed = false
	return true
}
