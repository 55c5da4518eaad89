// (c) 2024, Mysten Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"flag"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	versionKey  = "version"
	httpPortKey = "http-port"
	genesisKey  = "genesis-balances"
)

func buildFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("accumvm", flag.ContinueOnError)

	fs.Bool(versionKey, false, "If true, prints version and quits")
	fs.Uint(httpPortKey, 9750, "Port the advisory balance API listens on")
	fs.String(genesisKey, "", "Path to a JSON file mapping account ids to genesis amounts")

	return fs
}

// getViper returns the viper environment for the accumvm binary
func getViper() (*viper.Viper, error) {
	v := viper.New()

	fs := buildFlagSet()
	pflag.CommandLine.AddGoFlagSet(fs)
	pflag.Parse()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		return nil, err
	}

	return v, nil
}
