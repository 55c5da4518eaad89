// (c) 2024, Mysten Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accumvm

import (
	"sync"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/holiman/uint256"
)

var _ FundsReader = (*MemoryReader)(nil)

// MemoryReader is an in-memory FundsReader. It keeps full per-account history
// so point-in-time reads behave like the live store.
type MemoryReader struct {
	lock    sync.RWMutex
	root    Version
	latest  map[ids.ID]accountRecord
	history map[ids.ID][]accountRecord
}

type accountRecord struct {
	version Version
	balance *uint256.Int
}

func NewMemoryReader(root Version) *MemoryReader {
	return &MemoryReader{
		root:    root,
		latest:  make(map[ids.ID]accountRecord),
		history: make(map[ids.ID][]accountRecord),
	}
}

// SetAmount records [balance] for [account] as settled at root [version],
// advancing the root version if needed. Records must be added in increasing
// version order per account.
func (m *MemoryReader) SetAmount(account ids.ID, balance uint64, version Version) {
	m.lock.Lock()
	defer m.lock.Unlock()

	record := accountRecord{version: version, balance: uint256.NewInt(balance)}
	m.latest[account] = record
	m.history[account] = append(m.history[account], record)
	if version > m.root {
		m.root = version
	}
}

func (m *MemoryReader) LatestAccountAmount(account ids.ID) (*uint256.Int, Version, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	record, ok := m.latest[account]
	if !ok {
		return new(uint256.Int), m.root, nil
	}
	return record.balance.Clone(), record.version, nil
}

func (m *MemoryReader) AccountAmountAtVersion(account ids.ID, version Version) (*uint256.Int, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	// Last record at or before [version]; the account did not exist before
	// its first record.
	balance := new(uint256.Int)
	for _, record := range m.history[account] {
		if record.version > version {
			break
		}
		balance = record.balance.Clone()
	}
	return balance, nil
}

func (m *MemoryReader) AmountsAvailable(requested map[ids.ID]uint64) error {
	return CheckAmounts(m, requested)
}
