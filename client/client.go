// (c) 2024, Mysten Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package client

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/rpc"
	"github.com/holiman/uint256"

	cjson "github.com/ava-labs/avalanchego/utils/json"

	"github.com/mystenlabs/accumvm/accumvm"
)

// Client defines accumvm advisory balance API client operations.
type Client interface {
	// AmountsAvailable checks best-effort whether every requested amount is
	// currently covered. On false the returned reason names the account and
	// the amounts involved.
	AmountsAvailable(ctx context.Context, requested map[ids.ID]uint64) (bool, string, error)

	// GetAccountAmount fetches the latest committed balance of an account
	// and the root version it was read at.
	GetAccountAmount(ctx context.Context, account ids.ID) (*uint256.Int, accumvm.Version, error)
}

// New creates a new client object.
func New(uri string) Client {
	req := rpc.NewEndpointRequester(uri, "", "accumvm")
	return &client{req: req}
}

type client struct {
	req rpc.EndpointRequester
}

func (cli *client) AmountsAvailable(ctx context.Context, requested map[ids.ID]uint64) (bool, string, error) {
	args := &accumvm.AmountsAvailableArgs{
		Requested: make([]accumvm.AmountRequest, 0, len(requested)),
	}
	for account, amount := range requested {
		args.Requested = append(args.Requested, accumvm.AmountRequest{
			Account: account,
			Amount:  cjson.Uint64(amount),
		})
	}

	resp := new(accumvm.AmountsAvailableReply)
	err := cli.req.SendRequest(ctx,
		"amountsAvailable",
		args,
		resp,
	)
	if err != nil {
		return false, "", err
	}
	return resp.Available, resp.Reason, nil
}

func (cli *client) GetAccountAmount(ctx context.Context, account ids.ID) (*uint256.Int, accumvm.Version, error) {
	resp := new(accumvm.GetAccountAmountReply)
	err := cli.req.SendRequest(ctx,
		"getAccountAmount",
		&accumvm.GetAccountAmountArgs{Account: account},
		resp,
	)
	if err != nil {
		return nil, 0, err
	}
	parsed, ok := new(big.Int).SetString(resp.Amount, 10)
	if !ok {
		return nil, 0, fmt.Errorf("couldn't parse account amount %q", resp.Amount)
	}
	amount, overflow := uint256.FromBig(parsed)
	if overflow {
		return nil, 0, fmt.Errorf("account amount %q overflows", resp.Amount)
	}
	return amount, accumvm.Version(resp.Version), nil
}
