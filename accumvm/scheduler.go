// (c) 2024, Mysten Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accumvm

// WithdrawScheduler arbitrates admission of balance withdrawals: for every
// transaction that withdraws from accumulator accounts it decides whether
// enough balance is guaranteed to be available, without forcing those
// transactions through full object-version locking.
//
// Two variants implement it. NaiveScheduler re-reads the authoritative
// committed balance before every decision; EagerScheduler keeps long-lived
// account state in memory and advances it through the settlement stream.
type WithdrawScheduler interface {
	// ScheduleWithdraws submits the withdrawal requests of all transactions
	// scheduled against accumulator root [version], in commit order, and
	// returns one result channel per request in the same order. Each channel
	// delivers exactly one result and is then closed. A channel closed
	// without a result means the attempt was aborted by a storage error;
	// that is never reported as InsufficientBalance.
	//
	// A reservation outcome is final for the attempt. If circumstances
	// change, for example a settlement frees balance, the caller resubmits a
	// new request.
	//
	// Balance provisionally reserved by a transaction that is not admitted
	// is released before that transaction's result is delivered, but the
	// point at which other in-flight transactions observe the freed balance
	// is unspecified. A request submitted after its submitter has consumed
	// the failed result is guaranteed to see it; one racing the failure may
	// or may not.
	ScheduleWithdraws(version Version, withdraws []TxWithdraw) []<-chan ScheduleResult

	// SettleBalances notifies the scheduler that a commit's balance effects
	// are durable. Settlements must be submitted in commit order; versions
	// at or below an account's committed version are safe no-ops, so
	// at-least-once delivery is tolerated.
	SettleBalances(settlement BalanceSettlement)

	// Close discards all cached per-account state. It must only be called
	// once every outstanding result has been consumed; the scheduler must
	// not be used afterwards.
	Close()
}

func newResultChan() chan ScheduleResult {
	return make(chan ScheduleResult, 1)
}

func deliver(ch chan ScheduleResult, result ScheduleResult) {
	ch <- result
	close(ch)
}
