// (c) 2024, Mysten Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accumvm

import (
	"errors"
	"net/http"

	"github.com/gorilla/rpc/v2"

	"github.com/ava-labs/avalanchego/ids"

	cjson "github.com/ava-labs/avalanchego/utils/json"
)

// Service is the advisory balance API. It answers best-effort questions
// straight from the funds reader, for example during transaction signing. It
// never reads scheduler state and its answers carry no ordering guarantee;
// only the admission path is authoritative.
type Service struct {
	reader FundsReader
}

func NewService(reader FundsReader) *Service {
	return &Service{reader: reader}
}

// NewHandler returns an http.Handler serving [service] under the accumvm
// namespace.
func NewHandler(service *Service) (http.Handler, error) {
	newServer := rpc.NewServer()
	codec := cjson.NewCodec()
	newServer.RegisterCodec(codec, "application/json")
	newServer.RegisterCodec(codec, "application/json;charset=UTF-8")
	return newServer, newServer.RegisterService(service, Name)
}

// AmountRequest is one account/amount pair of an availability check.
type AmountRequest struct {
	Account ids.ID       `json:"account"`
	Amount  cjson.Uint64 `json:"amount"`
}

// AmountsAvailableArgs are the arguments for AmountsAvailable
type AmountsAvailableArgs struct {
	Requested []AmountRequest `json:"requested"`
}

// AmountsAvailableReply is the reply from AmountsAvailable
type AmountsAvailableReply struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// AmountsAvailable reports whether every requested amount is covered by the
// current committed balances. Requests naming the same account are summed.
func (s *Service) AmountsAvailable(_ *http.Request, args *AmountsAvailableArgs, reply *AmountsAvailableReply) error {
	requested := make(map[ids.ID]uint64, len(args.Requested))
	for _, request := range args.Requested {
		requested[request.Account] += uint64(request.Amount)
	}

	err := s.reader.AmountsAvailable(requested)
	insufficient := &InsufficientFundsError{}
	if errors.As(err, &insufficient) {
		reply.Available = false
		reply.Reason = insufficient.Error()
		return nil
	}
	if err != nil {
		return err
	}
	reply.Available = true
	return nil
}

// GetAccountAmountArgs are the arguments for GetAccountAmount
type GetAccountAmountArgs struct {
	Account ids.ID `json:"account"`
}

// GetAccountAmountReply is the reply from GetAccountAmount
type GetAccountAmountReply struct {
	Amount  string       `json:"amount"`
	Version cjson.Uint64 `json:"version"`
}

// GetAccountAmount returns the latest committed balance of an account and the
// root version it was read at.
func (s *Service) GetAccountAmount(_ *http.Request, args *GetAccountAmountArgs, reply *GetAccountAmountReply) error {
	balance, version, err := s.reader.LatestAccountAmount(args.Account)
	if err != nil {
		return err
	}
	reply.Amount = balance.ToBig().String()
	reply.Version = cjson.Uint64(version)
	return nil
}
