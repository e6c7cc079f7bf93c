package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cosmossdk.io/log"
	"github.com/avast/retry-go"
	"github.com/datachainlab/quartz-go/contract/types"
)

const (
	DefaultRetryInterval    = time.Second
	DefaultRetryMaxAttempts = 30
)

// EnclaveClient is the enclave side of the handshake. *rpc.Client implements it.
type EnclaveClient interface {
	Instantiate(ctx context.Context) (*types.AttestedInstantiate, error)
	SessionCreate(ctx context.Context, contract string) (*types.AttestedSessionCreate, error)
	SessionSetPubKey(ctx context.Context, session types.Session) (*types.AttestedSessionSetPubKey, error)
	Sign(ctx context.Context, onChain uint64, msg json.RawMessage) (*types.RawSigned, error)
}

type Config struct {
	RetryInterval    time.Duration
	RetryMaxAttempts uint
}

// Relayer drives the handshake between an enclave and its contract.
type Relayer struct {
	enclave   EnclaveClient
	chain     ChainClient
	completer Completer
	config    Config
	logger    log.Logger
}

func NewRelayer(enclave EnclaveClient, chain ChainClient, completer Completer, config Config, logger log.Logger) *Relayer {
	if config.RetryInterval == 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	if config.RetryMaxAttempts == 0 {
		config.RetryMaxAttempts = DefaultRetryMaxAttempts
	}
	return &Relayer{
		enclave:   enclave,
		chain:     chain,
		completer: completer,
		config:    config,
		logger:    logger.With("module", "relay"),
	}
}

// InstantiateMsg returns the attested instantiate message of the enclave, ready to be passed to
// the contract at instantiation.
func (r *Relayer) InstantiateMsg(ctx context.Context) (*types.AttestedInstantiate, error) {
	msg, err := r.enclave.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to request instantiate: %w", err)
	}
	if msg.Attestation, err = r.completer.Complete(ctx, msg.Attestation); err != nil {
		return nil, err
	}
	return msg, nil
}

// SessionCreateMsg asks the enclave to create a session for contract.
func (r *Relayer) SessionCreateMsg(ctx context.Context, contract string) (*types.AttestedSessionCreate, error) {
	msg, err := r.enclave.SessionCreate(ctx, contract)
	if err != nil {
		return nil, fmt.Errorf("failed to request session create: %w", err)
	}
	if msg.Attestation, err = r.completer.Complete(ctx, msg.Attestation); err != nil {
		return nil, err
	}
	return msg, nil
}

// SessionSetPubKeyMsg reads the session of contract and asks the enclave to bind a key to it.
func (r *Relayer) SessionSetPubKeyMsg(ctx context.Context, contract string) (*types.AttestedSessionSetPubKey, error) {
	session, err := QuerySession(ctx, r.chain, contract)
	if err != nil {
		return nil, err
	} else if session == nil {
		return nil, fmt.Errorf("session not found: contract=%v", contract)
	}
	msg, err := r.enclave.SessionSetPubKey(ctx, *session)
	if err != nil {
		return nil, fmt.Errorf("failed to request session set pub key: %w", err)
	}
	if msg.Attestation, err = r.completer.Complete(ctx, msg.Attestation); err != nil {
		return nil, err
	}
	return msg, nil
}

// Handshake creates a session on contract and activates it with a key generated by the enclave.
// It returns the session public key.
func (r *Relayer) Handshake(ctx context.Context, contract string) (types.HexBytes, error) {
	created, err := r.SessionCreateMsg(ctx, contract)
	if err != nil {
		return nil, err
	}
	if _, err := r.execute(ctx, contract, types.ExecuteMsg{SessionCreate: created}); err != nil {
		return nil, fmt.Errorf("failed to execute session create: %w", err)
	}
	r.logger.Info("session created", "contract", contract, "nonce", created.Msg.Nonce)

	set, err := r.SessionSetPubKeyMsg(ctx, contract)
	if err != nil {
		return nil, err
	}
	if _, err := r.execute(ctx, contract, types.ExecuteMsg{SessionSetPubKey: set}); err != nil {
		return nil, fmt.Errorf("failed to execute session set pub key: %w", err)
	}
	r.logger.Info("session activated", "contract", contract, "pub_key", set.Msg.PubKey)
	return set.Msg.PubKey, nil
}

// Execute has the enclave sign msg under the sequence number the contract expects next and
// submits it. If the transaction is lost, the enclave refuses to sign again until the
// contract catches up, so the returned signed message should be resubmitted as is.
func (r *Relayer) Execute(ctx context.Context, contract string, msg json.RawMessage) (*types.RawSigned, *TxResult, error) {
	seq, err := QuerySequenceNum(ctx, r.chain, contract)
	if err != nil {
		return nil, nil, err
	}
	signed, err := r.enclave.Sign(ctx, seq, msg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to request sign: seq_num=%v %w", seq, err)
	}
	res, err := r.execute(ctx, contract, types.ExecuteMsg{Signed: signed})
	if err != nil {
		return signed, nil, fmt.Errorf("failed to execute signed message: seq_num=%v %w", seq, err)
	}
	r.logger.Info("signed message executed", "contract", contract, "seq_num", seq, "txhash", res.TxHash)
	return signed, res, nil
}

func (r *Relayer) execute(ctx context.Context, contract string, msg types.ExecuteMsg) (*TxResult, error) {
	hash, err := r.chain.Execute(ctx, contract, msg)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("tx broadcasted", "txhash", hash)
	return r.waitForTx(ctx, hash)
}

// waitForTx polls until the transaction is included. A failed transaction is not retried.
func (r *Relayer) waitForTx(ctx context.Context, hash string) (*TxResult, error) {
	var res *TxResult
	if err := retry.Do(func() error {
		var err error
		res, err = r.chain.TxResult(ctx, hash)
		return err
	},
		retry.Attempts(r.config.RetryMaxAttempts),
		retry.Delay(r.config.RetryInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrTxNotFound) }),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Debug("waiting for tx", "txhash", hash, "attempt", n+1)
		}),
	); err != nil {
		return nil, err
	}
	if res.Code != 0 {
		return nil, fmt.Errorf("tx failed: txhash=%v code=%v log=%v", hash, res.Code, res.RawLog)
	}
	return res, nil
}
