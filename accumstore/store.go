// (c) 2024, Mysten Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accumstore

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/database/prefixdb"
	"github.com/ava-labs/avalanchego/database/versiondb"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/holiman/uint256"

	"github.com/mystenlabs/accumvm/accumvm"
)

const (
	historyCacheSize = 8192
)

var (
	// These are prefixes for db keys.
	// It's important to set different prefixes for each separate database
	// objects.
	singletonStatePrefix = []byte("singleton")
	latestStatePrefix    = []byte("latest")
	historyStatePrefix   = []byte("history")

	rootVersionKey = []byte{0}

	errVersionNotAdvanced = errors.New("settlement version does not advance the root version")
	errCorruptAmount      = errors.New("corrupt account amount record")
	errCorruptRootVersion = errors.New("corrupt root version record")

	_ accumvm.FundsReader = (*Store)(nil)
)

// Store is the durable balance store behind the funds reader: the latest
// committed amount and version per account, plus per-version history so a
// settled balance can be re-derived at a point in time. A settlement is one
// atomic commit; partial settlements are never visible to readers.
type Store struct {
	lock         sync.RWMutex
	baseDB       *versiondb.Database
	singletonDB  database.Database
	latestDB     database.Database
	historyDB    database.Database
	historyCache cache.Cacher

	rootVersion accumvm.Version
}

func New(db database.Database) (*Store, error) {
	// create a new baseDB
	baseDB := versiondb.New(db)

	s := &Store{
		baseDB:       baseDB,
		singletonDB:  prefixdb.New(singletonStatePrefix, baseDB),
		latestDB:     prefixdb.New(latestStatePrefix, baseDB),
		historyDB:    prefixdb.New(historyStatePrefix, baseDB),
		historyCache: &cache.LRU{Size: historyCacheSize},
	}

	raw, err := s.singletonDB.Get(rootVersionKey)
	switch {
	case err == database.ErrNotFound:
	case err != nil:
		return nil, err
	case len(raw) != wrappers.LongLen:
		return nil, errCorruptRootVersion
	default:
		s.rootVersion = accumvm.Version(binary.BigEndian.Uint64(raw))
	}
	return s, nil
}

// RootVersion returns the version of the accumulator root after the last
// settled commit.
func (s *Store) RootVersion() (accumvm.Version, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.rootVersion, nil
}

// Settle durably applies one commit's balance outcome: the new absolute
// amount for every changed account, at root [version]. The root version must
// strictly advance.
func (s *Store) Settle(version accumvm.Version, amounts map[ids.ID]*uint256.Int) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if version <= s.rootVersion {
		return errVersionNotAdvanced
	}

	accounts := make([]ids.ID, 0, len(amounts))
	for account := range amounts {
		accounts = append(accounts, account)
	}
	accumvm.SortAccounts(accounts)

	cacheable := make(map[string]*uint256.Int, len(accounts))
	for _, account := range accounts {
		amount := amounts[account]
		if err := s.latestDB.Put(account[:], packLatest(version, amount)); err != nil {
			s.baseDB.Abort()
			return err
		}
		key := historyKey(account, version)
		if err := s.historyDB.Put(key, amount.Bytes()); err != nil {
			s.baseDB.Abort()
			return err
		}
		cacheable[string(key)] = amount.Clone()
	}

	packedRoot := make([]byte, wrappers.LongLen)
	binary.BigEndian.PutUint64(packedRoot, uint64(version))
	if err := s.singletonDB.Put(rootVersionKey, packedRoot); err != nil {
		s.baseDB.Abort()
		return err
	}

	if err := s.baseDB.Commit(); err != nil {
		s.baseDB.Abort()
		return err
	}
	s.rootVersion = version
	// Only committed balances may enter the cache; an aborted settlement must
	// stay invisible to readers.
	for key, amount := range cacheable {
		s.historyCache.Put(key, amount)
	}
	return nil
}

func (s *Store) LatestAccountAmount(account ids.ID) (*uint256.Int, accumvm.Version, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	raw, err := s.latestDB.Get(account[:])
	if err == database.ErrNotFound {
		// Never-touched accounts hold nothing at the current root.
		return new(uint256.Int), s.rootVersion, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return unpackLatest(raw)
}

func (s *Store) AccountAmountAtVersion(account ids.ID, version accumvm.Version) (*uint256.Int, error) {
	cacheKey := string(historyKey(account, version))
	if cached, ok := s.historyCache.Get(cacheKey); ok {
		return cached.(*uint256.Int).Clone(), nil
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	// History keys store the version bit-inverted, so walking forward from
	// [account ++ ^version] visits the account's entries newest-first: the
	// first hit is the last change at or before [version].
	it := s.historyDB.NewIteratorWithStartAndPrefix(historyKey(account, version), account[:])
	defer it.Release()
	if !it.Next() {
		if err := it.Error(); err != nil {
			return nil, err
		}
		// The account did not exist at [version].
		return new(uint256.Int), nil
	}
	balance := new(uint256.Int).SetBytes(it.Value())
	if version <= s.rootVersion {
		// Settled versions are immutable; anything later is not cacheable.
		s.historyCache.Put(cacheKey, balance.Clone())
	}
	return balance, nil
}

func (s *Store) AmountsAvailable(requested map[ids.ID]uint64) error {
	return accumvm.CheckAmounts(s, requested)
}

// Close closes the underlying base database
func (s *Store) Close() error {
	return s.baseDB.Close()
}

func historyKey(account ids.ID, version accumvm.Version) []byte {
	key := make([]byte, len(account)+wrappers.LongLen)
	copy(key, account[:])
	binary.BigEndian.PutUint64(key[len(account):], ^uint64(version))
	return key
}

func packLatest(version accumvm.Version, amount *uint256.Int) []byte {
	amountBytes := amount.Bytes()
	raw := make([]byte, wrappers.LongLen+len(amountBytes))
	binary.BigEndian.PutUint64(raw, uint64(version))
	copy(raw[wrappers.LongLen:], amountBytes)
	return raw
}

func unpackLatest(raw []byte) (*uint256.Int, accumvm.Version, error) {
	if len(raw) < wrappers.LongLen {
		return nil, 0, errCorruptAmount
	}
	version := accumvm.Version(binary.BigEndian.Uint64(raw))
	return new(uint256.Int).SetBytes(raw[wrappers.LongLen:]), version, nil
}
