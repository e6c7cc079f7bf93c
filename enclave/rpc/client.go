package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/datachainlab/quartz-go/contract/types"
	"google.golang.org/grpc"
)

// Client is a typed client of the quartz.Core service.
type Client struct {
	core CoreClient
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{core: NewCoreClient(cc)}
}

func call[T any](ctx context.Context, fn func(context.Context, *Request, ...grpc.CallOption) (*Response, error), msg any) (*T, error) {
	req := &Request{}
	if msg != nil {
		bz, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		req.Value = string(bz)
	}
	res, err := fn(ctx, req)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal([]byte(res.GetValue()), &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

func (c *Client) Instantiate(ctx context.Context) (*types.AttestedInstantiate, error) {
	return call[types.AttestedInstantiate](ctx, c.core.Instantiate, nil)
}

func (c *Client) SessionCreate(ctx context.Context, contract string) (*types.AttestedSessionCreate, error) {
	return call[types.AttestedSessionCreate](ctx, c.core.SessionCreate, contract)
}

func (c *Client) SessionSetPubKey(ctx context.Context, session types.Session) (*types.AttestedSessionSetPubKey, error) {
	return call[types.AttestedSessionSetPubKey](ctx, c.core.SessionSetPubKey, session)
}

// Sign asks the enclave to sign msg under the sequence number onChain, which must be the one
// the contract expects next.
func (c *Client) Sign(ctx context.Context, onChain uint64, msg json.RawMessage) (*types.RawSigned, error) {
	return call[types.RawSigned](ctx, c.core.Sign, types.Sequenced{SeqNum: onChain, Msg: msg})
}
