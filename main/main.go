// (c) 2024, Mysten Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/version"
	"github.com/holiman/uint256"

	"github.com/mystenlabs/accumvm/accumstore"
	"github.com/mystenlabs/accumvm/accumvm"
)

var buildVersion = version.NewDefaultVersion(1, 0, 0)

// The accumvm binary serves the advisory balance API over a local store. In
// production the schedulers and the store are embedded in the validator's
// execution pipeline and the database is injected by the node; this binary
// backs local development and integration testing.
func main() {
	v, err := getViper()
	if err != nil {
		fmt.Printf("couldn't get config: %s\n", err)
		os.Exit(1)
	}

	if v.GetBool(versionKey) {
		fmt.Printf("%s@%s\n", accumvm.Name, buildVersion)
		os.Exit(0)
	}

	store, err := accumstore.New(memdb.New())
	if err != nil {
		log.Error("couldn't open balance store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if genesisPath := v.GetString(genesisKey); genesisPath != "" {
		if err := seedGenesis(store, genesisPath); err != nil {
			log.Error("couldn't seed genesis balances", "path", genesisPath, "error", err)
			os.Exit(1)
		}
	}

	handler, err := accumvm.NewHandler(accumvm.NewService(store))
	if err != nil {
		log.Error("couldn't register balance service", "error", err)
		os.Exit(1)
	}

	port := v.GetUint(httpPortKey)
	log.Info("serving advisory balance API", "port", port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), handler); err != nil {
		log.Error("server returned an error", "error", err)
		os.Exit(1)
	}
}

// seedGenesis settles the balances from a JSON file of account id to amount
// as the store's first committed version.
func seedGenesis(store *accumstore.Store, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var genesis map[string]uint64
	if err := json.Unmarshal(raw, &genesis); err != nil {
		return err
	}

	amounts := make(map[ids.ID]*uint256.Int, len(genesis))
	for accountStr, amount := range genesis {
		account, err := ids.FromString(accountStr)
		if err != nil {
			return fmt.Errorf("invalid account id %q: %w", accountStr, err)
		}
		amounts[account] = uint256.NewInt(amount)
	}

	root, err := store.RootVersion()
	if err != nil {
		return err
	}
	if err := store.Settle(root+1, amounts); err != nil {
		return err
	}
	log.Info("seeded genesis balances", "accounts", len(amounts), "version", root+1)
	return nil
}
