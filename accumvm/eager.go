// (c) 2024, Mysten Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accumvm

import (
	"sync"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/avalanchego/ids"
)

const mailboxSize = 1024

var _ WithdrawScheduler = (*EagerScheduler)(nil)

// EagerScheduler keeps long-lived account state in memory and advances it
// through the settlement stream, so admission normally costs no storage read.
//
// Every account is owned by exactly one worker goroutine fed through a FIFO
// mailbox. Submitting batches and settlements in commit order therefore
// linearizes all admission decisions and settlement applications per account
// in that same order, which is what makes cached decisions safe. A lazy
// storage read on first use of an account blocks only that account's mailbox.
type EagerScheduler struct {
	reader FundsReader

	lock        sync.Mutex
	rootVersion Version
	accounts    map[ids.ID]*accountWorker
	closed      bool
	quit        chan struct{}
}

func NewEagerScheduler(reader FundsReader, startingVersion Version) *EagerScheduler {
	return &EagerScheduler{
		reader:      reader,
		rootVersion: startingVersion,
		accounts:    make(map[ids.ID]*accountWorker),
		quit:        make(chan struct{}),
	}
}

func (s *EagerScheduler) ScheduleWithdraws(version Version, withdraws []TxWithdraw) []<-chan ScheduleResult {
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
		attempt := &txAttempt{
			txID:    withdraw.TxID,
			ch:      ch,
			pending: len(withdraw.Reservations),
		}
		if attempt.pending == 0 {
			deliver(ch, ScheduleResult{TxID: withdraw.TxID, Status: SufficientBalance})
			continue
		}
		for _, account := range withdraw.Accounts() {
			s.worker(account).enqueue(reserveOp{
				version: version,
				res:     withdraw.Reservations[account],
				attempt: attempt,
			})
		}
	}
	return results
}

// SettleBalances forwards the settlement to every named account that has live
// state. Accounts without a worker read the settled balance back from storage
// on first use, so they need no notification.
func (s *EagerScheduler) SettleBalances(settlement BalanceSettlement) {
	s.lock.Lock()
	if settlement.AccumulatorVersion > s.rootVersion {
		s.rootVersion = settlement.AccumulatorVersion
	}
	workers := make([]*accountWorker, 0, len(settlement.BalanceChanges))
	for account := range settlement.BalanceChanges {
		if worker, ok := s.accounts[account]; ok {
			workers = append(workers, worker)
		}
	}
	s.lock.Unlock()

	for _, worker := range workers {
		worker.enqueue(settleOp{version: settlement.AccumulatorVersion})
	}
}

func (s *EagerScheduler) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.quit)
	s.accounts = make(map[ids.ID]*accountWorker)
}

func (s *EagerScheduler) worker(account ids.ID) *accountWorker {
	s.lock.Lock()
	defer s.lock.Unlock()
	worker, ok := s.accounts[account]
	if !ok {
		worker = &accountWorker{
			account: account,
			reader:  s.reader,
			ops:     make(chan accountOp, mailboxSize),
			quit:    s.quit,
		}
		s.accounts[account] = worker
		go worker.run()
	}
	return worker
}

type accountOp interface{}

type reserveOp struct {
	version Version
	res     Reservation
	attempt *txAttempt
}

type releaseOp struct {
	g grant
}

type settleOp struct {
	version Version
}

// accountWorker is the single owner of one account's state. All reservation,
// release, and settlement steps for the account run on its goroutine in
// mailbox order.
type accountWorker struct {
	account ids.ID
	reader  FundsReader
	ops     chan accountOp
	quit    chan struct{}

	// owned by run; lazily populated from the funds reader
	state *AccountState
}

func (w *accountWorker) enqueue(op accountOp) {
	select {
	case w.ops <- op:
	case <-w.quit:
	}
}

func (w *accountWorker) run() {
	for {
		select {
		case op := <-w.ops:
			switch op := op.(type) {
			case reserveOp:
				w.handleReserve(op)
			case releaseOp:
				w.handleRelease(op)
			case settleOp:
				w.handleSettle(op)
			}
		case <-w.quit:
			return
		}
	}
}

func (w *accountWorker) handleReserve(op reserveOp) {
	if err := w.ensureLoaded(); err != nil {
		log.Error("aborting withdraw admission, account read failed",
			"tx", op.attempt.txID, "account", w.account, "error", err)
		op.attempt.reportError()
		return
	}
	if w.state.CommittedVersion() > op.version {
		op.attempt.reportAlreadyExecuted()
		return
	}
	g, ok := w.state.TryReserve(op.res)
	if !ok {
		op.attempt.reportInsufficient()
		return
	}
	op.attempt.reportGranted(w, g)
}

func (w *accountWorker) handleRelease(op releaseOp) {
	if w.state != nil {
		w.state.Release(op.g)
	}
}

// handleSettle re-derives the settled balance from storage; the settlement's
// deltas are informational only.
func (w *accountWorker) handleSettle(op settleOp) {
	if w.state != nil && op.version <= w.state.CommittedVersion() {
		// Duplicate or out-of-order delivery.
		return
	}
	balance, err := w.reader.AccountAmountAtVersion(w.account, op.version)
	if err != nil {
		log.Error("failed to read settled balance",
			"account", w.account, "version", op.version, "error", err)
		return
	}
	if w.state == nil {
		w.state = NewAccountState(balance, op.version)
		return
	}
	w.state.ApplySettlement(balance, op.version)
}

func (w *accountWorker) ensureLoaded() error {
	if w.state != nil {
		return nil
	}
	balance, version, err := w.reader.LatestAccountAmount(w.account)
	if err != nil {
		return err
	}
	w.state = NewAccountState(balance, version)
	return nil
}

// txAttempt joins the per-account outcomes of one transaction. Account
// workers report in; the last report finalizes the result. A transaction that
// does not fully succeed releases every grant it acquired, so a failed or
// already-executed transaction never leaves a lingering partial reservation.
type txAttempt struct {
	txID ids.ID
	ch   chan ScheduleResult

	lock            sync.Mutex
	pending         int
	insufficient    bool
	alreadyExecuted bool
	failed          bool
	granted         []workerGrant
}

type workerGrant struct {
	worker *accountWorker
	g      grant
}

func (a *txAttempt) reportGranted(worker *accountWorker, g grant) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.granted = append(a.granted, workerGrant{worker: worker, g: g})
	a.finishOne()
}

func (a *txAttempt) reportInsufficient() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.insufficient = true
	a.finishOne()
}

func (a *txAttempt) reportAlreadyExecuted() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.alreadyExecuted = true
	a.finishOne()
}

func (a *txAttempt) reportError() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.failed = true
	a.finishOne()
}

// finishOne is called with the lock held. The final reporter resolves the
// attempt; AlreadyExecuted wins over InsufficientBalance because the
// transaction must be deferred to the checkpoint path regardless of balances.
func (a *txAttempt) finishOne() {
	a.pending--
	if a.pending > 0 {
		return
	}
	if !a.failed && !a.alreadyExecuted && !a.insufficient {
		deliver(a.ch, ScheduleResult{TxID: a.txID, Status: SufficientBalance})
		return
	}

	// A transaction that did not fully succeed hands every grant back before
	// its result becomes visible: once the caller sees the outcome, the
	// rollback is already ahead of any resubmission in the mailboxes.
	// Finalization runs on its own goroutine so the reporting worker never
	// blocks on another worker's mailbox.
	granted := a.granted
	a.granted = nil
	go func() {
		for _, wg := range granted {
			wg.worker.enqueue(releaseOp{g: wg.g})
		}
		switch {
		case a.failed:
			close(a.ch)
		case a.alreadyExecuted:
			deliver(a.ch, ScheduleResult{TxID: a.txID, Status: AlreadyExecuted})
		default:
			deliver(a.ch, ScheduleResult{TxID: a.txID, Status: InsufficientBalance})
		}
	}()
}
