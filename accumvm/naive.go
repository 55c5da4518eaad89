// (c) 2024, Mysten Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accumvm

import (
	"sync"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/avalanchego/ids"
)

var _ WithdrawScheduler = (*NaiveScheduler)(nil)

// NaiveScheduler re-reads the authoritative committed balance before every
// admission decision. The storage read per account per transaction buys
// always-fresh data: the per-account ordering problems the eager variant has
// to solve explicitly never arise, because no decision trusts cached values.
type NaiveScheduler struct {
	reader FundsReader

	lock        sync.Mutex
	rootVersion Version
	accounts    map[ids.ID]*naiveEntry
}

// naiveEntry is the per-account serialization unit: its lock is held for the
// duration of one admission step, so a storage wait on one account never
// blocks decisions on unrelated accounts. The AccountState object is reused
// across transactions but its values are refreshed before every decision.
type naiveEntry struct {
	lock  sync.Mutex
	state *AccountState
}

func NewNaiveScheduler(reader FundsReader, startingVersion Version) *NaiveScheduler {
	return &NaiveScheduler{
		reader:      reader,
		rootVersion: startingVersion,
		accounts:    make(map[ids.ID]*naiveEntry),
	}
}

func (s *NaiveScheduler) ScheduleWithdraws(version Version, withdraws []TxWithdraw) []<-chan ScheduleResult {
	s.lock.Lock()
	settled := version < s.rootVersion
	s.lock.Unlock()

	results := make([]<-chan ScheduleResult, len(withdraws))
	for i, withdraw := range withdraws {
		ch := newResultChan()
		results[i] = ch
		if settled {
			// The root already advanced past this batch; its commit settled,
			// so every transaction in it was executed elsewhere.
			deliver(ch, ScheduleResult{TxID: withdraw.TxID, Status: AlreadyExecuted})
			continue
		}
		s.scheduleOne(version, withdraw, ch)
	}
	return results
}

func (s *NaiveScheduler) scheduleOne(version Version, withdraw TxWithdraw, ch chan ScheduleResult) {
	accounts := withdraw.Accounts()
	entries := make([]*naiveEntry, len(accounts))
	for i, account := range accounts {
		entries[i] = s.entry(account)
	}
	// Entry locks are taken in sorted account order, so concurrent
	// transactions over overlapping accounts cannot deadlock.
	for _, entry := range entries {
		entry.lock.Lock()
	}
	defer func() {
		for _, entry := range entries {
			entry.lock.Unlock()
		}
	}()

	granted := make([]*naiveEntry, 0, len(accounts))
	grants := make([]grant, 0, len(accounts))
	rollback := func() {
		for i, entry := range granted {
			entry.state.Release(grants[i])
		}
	}

	for i, account := range accounts {
		entry := entries[i]
		if err := s.refresh(entry, account); err != nil {
			rollback()
			log.Error("aborting withdraw admission, account read failed",
				"tx", withdraw.TxID, "account", account, "error", err)
			close(ch)
			return
		}
		if entry.state.CommittedVersion() > version {
			// The account already advanced past this transaction; it was
			// handled through the checkpoint-driven path.
			rollback()
			deliver(ch, ScheduleResult{TxID: withdraw.TxID, Status: AlreadyExecuted})
			return
		}
		g, ok := entry.state.TryReserve(withdraw.Reservations[account])
		if !ok {
			rollback()
			deliver(ch, ScheduleResult{TxID: withdraw.TxID, Status: InsufficientBalance})
			return
		}
		granted = append(granted, entry)
		grants = append(grants, g)
	}
	deliver(ch, ScheduleResult{TxID: withdraw.TxID, Status: SufficientBalance})
}

// refresh replaces the entry's committed values with the latest durable ones.
// A strictly newer version supersedes outstanding reservations exactly like a
// settlement notification would; rereading the same version keeps them.
func (s *NaiveScheduler) refresh(entry *naiveEntry, account ids.ID) error {
	balance, version, err := s.reader.LatestAccountAmount(account)
	if err != nil {
		return err
	}
	if entry.state == nil {
		entry.state = NewAccountState(balance, version)
		return nil
	}
	entry.state.ApplySettlement(balance, version)
	return nil
}

// SettleBalances only advances the tracked root version: admission re-reads
// the durable balance anyway, so there is no cached state to update.
func (s *NaiveScheduler) SettleBalances(settlement BalanceSettlement) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if settlement.AccumulatorVersion > s.rootVersion {
		s.rootVersion = settlement.AccumulatorVersion
	}
}

func (s *NaiveScheduler) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.accounts = make(map[ids.ID]*naiveEntry)
}

func (s *NaiveScheduler) entry(account ids.ID) *naiveEntry {
	s.lock.Lock()
	defer s.lock.Unlock()
	entry, ok := s.accounts[account]
	if !ok {
		entry = &naiveEntry{}
		s.accounts[account] = entry
	}
	return entry
}
