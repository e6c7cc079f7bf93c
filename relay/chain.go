package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/datachainlab/quartz-go/contract/types"
)

var ErrTxNotFound = errors.New("tx not found")

// Event is an event emitted by a transaction.
type Event struct {
	Type       string            `json:"type"`
	Attributes []types.Attribute `json:"attributes"`
}

// TxResult is the result of an included transaction.
type TxResult struct {
	TxHash string  `json:"txhash"`
	Height int64   `json:"height,string"`
	Code   uint32  `json:"code"`
	RawLog string  `json:"raw_log"`
	Events []Event `json:"events"`
}

// Attribute returns the value of the first attribute with key among the events of the tx.
func (r TxResult) Attribute(key string) (string, bool) {
	for _, e := range r.Events {
		for _, a := range e.Attributes {
			if a.Key == key {
				return a.Value, true
			}
		}
	}
	return "", false
}

// ChainClient submits execute messages to the contract and reads its raw state.
type ChainClient interface {
	// Execute broadcasts msg to contract and returns the hash of the transaction.
	Execute(ctx context.Context, contract string, msg types.ExecuteMsg) (string, error)
	// TxResult returns ErrTxNotFound until the transaction is included in a block.
	TxResult(ctx context.Context, txHash string) (*TxResult, error)
	// QueryRaw returns the value stored under key in the contract state, or nil.
	QueryRaw(ctx context.Context, contract string, key []byte) ([]byte, error)
}

// QuerySession returns the session stored in the contract, or nil before SessionCreate.
func QuerySession(ctx context.Context, chain ChainClient, contract string) (*types.Session, error) {
	bz, err := chain.QueryRaw(ctx, contract, types.KeySession)
	if err != nil || bz == nil {
		return nil, err
	}
	var s types.Session
	if err := json.Unmarshal(bz, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &s, nil
}

// QuerySequenceNum returns the sequence counter of the contract.
func QuerySequenceNum(ctx context.Context, chain ChainClient, contract string) (uint64, error) {
	bz, err := chain.QueryRaw(ctx, contract, types.KeySequenceNum)
	if err != nil || bz == nil {
		return 0, err
	}
	if len(bz) != 8 {
		return 0, fmt.Errorf("unexpected sequence number length: %v", len(bz))
	}
	return sdk.BigEndianToUint64(bz), nil
}
