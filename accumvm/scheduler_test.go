// (c) 2024, Mysten Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accumvm

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errReadFailed = errors.New("injected read failure")

// faultyReader fails every read touching the poisoned account.
type faultyReader struct {
	FundsReader
	poisoned ids.ID
}

func (r *faultyReader) LatestAccountAmount(account ids.ID) (*uint256.Int, Version, error) {
	if account == r.poisoned {
		return nil, 0, errReadFailed
	}
	return r.FundsReader.LatestAccountAmount(account)
}

func withdrawOf(txID ids.ID, account ids.ID, amount uint64) TxWithdraw {
	return TxWithdraw{
		TxID:         txID,
		Reservations: map[ids.ID]Reservation{account: {MaxAmount: amount}},
	}
}

func awaitResult(t *testing.T, ch <-chan ScheduleResult) ScheduleResult {
	t.Helper()
	select {
	case result, ok := <-ch:
		require.True(t, ok, "result channel closed without a result")
		return result
	case <-time.After(10 * time.Second):
		require.FailNow(t, "timed out waiting for schedule result")
	}
	return ScheduleResult{}
}

func awaitAborted(t *testing.T, ch <-chan ScheduleResult) {
	t.Helper()
	select {
	case result, ok := <-ch:
		require.False(t, ok, "expected aborted attempt, got result %v", result)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "timed out waiting for schedule result")
	}
}

// schedulerVariants builds every WithdrawScheduler implementation over the
// same reader, so shared behavior is asserted against both.
var schedulerVariants = []struct {
	name string
	make func(reader FundsReader, startingVersion Version) WithdrawScheduler
}{
	{
		name: "naive",
		make: func(reader FundsReader, startingVersion Version) WithdrawScheduler {
			return NewNaiveScheduler(reader, startingVersion)
		},
	},
	{
		name: "eager",
		make: func(reader FundsReader, startingVersion Version) WithdrawScheduler {
			return NewEagerScheduler(reader, startingVersion)
		},
	},
}

// Two concurrent transactions whose combined claims exceed the guaranteed
// balance: at most one may be admitted, under any interleaving.
func TestConcurrentOverdraw(t *testing.T) {
	for _, variant := range schedulerVariants {
		t.Run(variant.name, func(t *testing.T) {
			assert := assert.New(t)
			reader := NewMemoryReader(0)
			account := ids.ID{1}
			reader.SetAmount(account, 1000, 1)

			scheduler := variant.make(reader, 1)
			defer scheduler.Close()

			const workers = 8
			results := make(chan ScheduleStatus, workers)
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				txID := ids.ID{byte(i + 1), 0xff}
				go func() {
					defer wg.Done()
					chans := scheduler.ScheduleWithdraws(1, []TxWithdraw{
						withdrawOf(txID, account, 600),
					})
					results <- awaitResult(t, chans[0]).Status
				}()
			}
			wg.Wait()
			close(results)

			admitted := 0
			for status := range results {
				if status == SufficientBalance {
					admitted++
				}
			}
			// 600 of 1000 can be granted once and never twice.
			assert.Equal(1, admitted)
		})
	}
}

func TestConcurrentDisjointAccounts(t *testing.T) {
	for _, variant := range schedulerVariants {
		t.Run(variant.name, func(t *testing.T) {
			assert := assert.New(t)
			reader := NewMemoryReader(0)
			const workers = 8
			for i := 0; i < workers; i++ {
				reader.SetAmount(ids.ID{byte(i + 1)}, 1000, 1)
			}

			scheduler := variant.make(reader, 1)
			defer scheduler.Close()

			var wg sync.WaitGroup
			statuses := make([]ScheduleStatus, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				i := i
				go func() {
					defer wg.Done()
					chans := scheduler.ScheduleWithdraws(1, []TxWithdraw{
						withdrawOf(ids.ID{byte(i + 1), 0xff}, ids.ID{byte(i + 1)}, 1000),
					})
					statuses[i] = awaitResult(t, chans[0]).Status
				}()
			}
			wg.Wait()

			// Unrelated accounts never contend with each other.
			for i := 0; i < workers; i++ {
				assert.Equal(SufficientBalance, statuses[i])
			}
		})
	}
}

// A transaction over several accounts is admitted all-or-nothing: a failure
// on a later account rolls back the reservations already granted on earlier
// ones.
func TestMultiAccountRollback(t *testing.T) {
	for _, variant := range schedulerVariants {
		t.Run(variant.name, func(t *testing.T) {
			assert := assert.New(t)
			reader := NewMemoryReader(0)
			rich := ids.ID{1}
			broke := ids.ID{2}
			reader.SetAmount(rich, 1000, 1)
			reader.SetAmount(broke, 10, 1)

			scheduler := variant.make(reader, 1)
			defer scheduler.Close()

			chans := scheduler.ScheduleWithdraws(1, []TxWithdraw{{
				TxID: ids.ID{0xaa},
				Reservations: map[ids.ID]Reservation{
					rich:  {MaxAmount: 1000},
					broke: {MaxAmount: 100},
				},
			}})
			assert.Equal(InsufficientBalance, awaitResult(t, chans[0]).Status)

			// The failed transaction must not have left a lingering partial
			// reservation on the rich account.
			chans = scheduler.ScheduleWithdraws(1, []TxWithdraw{
				withdrawOf(ids.ID{0xbb}, rich, 1000),
			})
			assert.Equal(SufficientBalance, awaitResult(t, chans[0]).Status)
		})
	}
}

// An account that already advanced past the scheduled version resolves the
// transaction as AlreadyExecuted without acquiring any reservation.
func TestAlreadyExecuted(t *testing.T) {
	for _, variant := range schedulerVariants {
		t.Run(variant.name, func(t *testing.T) {
			assert := assert.New(t)
			reader := NewMemoryReader(0)
			settled := ids.ID{1}
			other := ids.ID{2}
			reader.SetAmount(settled, 1000, 5)
			reader.SetAmount(other, 1000, 1)

			scheduler := variant.make(reader, 1)
			defer scheduler.Close()

			chans := scheduler.ScheduleWithdraws(2, []TxWithdraw{{
				TxID: ids.ID{0xaa},
				Reservations: map[ids.ID]Reservation{
					settled: {MaxAmount: 1},
					other:   {MaxAmount: 1000},
				},
			}})
			assert.Equal(AlreadyExecuted, awaitResult(t, chans[0]).Status)

			// No reservation may survive the AlreadyExecuted resolution.
			chans = scheduler.ScheduleWithdraws(2, []TxWithdraw{
				withdrawOf(ids.ID{0xbb}, other, 1000),
			})
			assert.Equal(SufficientBalance, awaitResult(t, chans[0]).Status)
		})
	}
}

// A batch scheduled against a root version that settlements already passed is
// entirely deferred to the checkpoint-driven path.
func TestBatchBehindSettledRoot(t *testing.T) {
	for _, variant := range schedulerVariants {
		t.Run(variant.name, func(t *testing.T) {
			assert := assert.New(t)
			reader := NewMemoryReader(0)
			account := ids.ID{1}
			reader.SetAmount(account, 1000, 1)

			scheduler := variant.make(reader, 1)
			defer scheduler.Close()

			scheduler.SettleBalances(BalanceSettlement{
				AccumulatorVersion: 3,
				BalanceChanges:     map[ids.ID]int64{account: -500},
			})

			chans := scheduler.ScheduleWithdraws(2, []TxWithdraw{
				withdrawOf(ids.ID{0xaa}, account, 1),
			})
			assert.Equal(AlreadyExecuted, awaitResult(t, chans[0]).Status)
		})
	}
}

// A storage failure aborts the whole admission attempt; it is never reported
// as InsufficientBalance.
func TestStorageErrorAbortsAttempt(t *testing.T) {
	for _, variant := range schedulerVariants {
		t.Run(variant.name, func(t *testing.T) {
			assert := assert.New(t)
			reader := NewMemoryReader(0)
			healthy := ids.ID{1}
			poisoned := ids.ID{2}
			reader.SetAmount(healthy, 1000, 1)
			reader.SetAmount(poisoned, 1000, 1)

			scheduler := variant.make(&faultyReader{FundsReader: reader, poisoned: poisoned}, 1)
			defer scheduler.Close()

			chans := scheduler.ScheduleWithdraws(1, []TxWithdraw{{
				TxID: ids.ID{0xaa},
				Reservations: map[ids.ID]Reservation{
					healthy:  {MaxAmount: 400},
					poisoned: {MaxAmount: 400},
				},
			}})
			awaitAborted(t, chans[0])

			// The aborted attempt must not hold balance on the healthy
			// account.
			chans = scheduler.ScheduleWithdraws(1, []TxWithdraw{
				withdrawOf(ids.ID{0xbb}, healthy, 1000),
			})
			assert.Equal(SufficientBalance, awaitResult(t, chans[0]).Status)
		})
	}
}
