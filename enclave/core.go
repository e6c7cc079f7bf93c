package enclave

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cosmossdk.io/log"
	"github.com/cosmos/cosmos-sdk/types/bech32"
	"github.com/datachainlab/quartz-go/attestation"
	"github.com/datachainlab/quartz-go/contract/types"
	"github.com/datachainlab/quartz-go/enclave/attestor"
	"github.com/datachainlab/quartz-go/enclave/keymanager"
	"github.com/datachainlab/quartz-go/enclave/store"
	"github.com/datachainlab/quartz-go/sgx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var tracer = otel.Tracer("github.com/datachainlab/quartz-go/enclave")

// Core is the enclave side of the handshake. Each call returns a message attested over its
// content, ready to be submitted to the contract.
type Core struct {
	store    store.Store
	keys     *keymanager.Shared
	attestor attestor.Attestor
	logger   log.Logger

	// serializes the sequence number check and increment of Sign
	signMu sync.Mutex
}

func NewCore(st store.Store, keys *keymanager.Shared, a attestor.Attestor, logger log.Logger) *Core {
	return &Core{
		store:    st,
		keys:     keys,
		attestor: a,
		logger:   logger.With("module", "enclave"),
	}
}

func (c *Core) Store() store.Store {
	return c.store
}

func (c *Core) KeyManager() *keymanager.Shared {
	return c.keys
}

func attest[M attestation.UserDataProvider](ctx context.Context, a attestor.Attestor, msg M) (*attestation.RawAttested[M], error) {
	_, span := tracer.Start(ctx, "attest")
	defer span.End()
	ud, err := msg.UserData()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to compute user data: %v", err)
	}
	raw, err := a.Attestation(ud)
	if err != nil {
		span.RecordError(err)
		return nil, status.Errorf(codes.Internal, "failed to attest: %v", err)
	}
	return &attestation.RawAttested[M]{Msg: msg, Attestation: raw}, nil
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()
}

// Instantiate attests to the configuration the enclave was started with.
func (c *Core) Instantiate(ctx context.Context) (_ *types.AttestedInstantiate, err error) {
	ctx, span := tracer.Start(ctx, "Core.Instantiate")
	defer func() { finish(span, err) }()

	cfg, err := c.store.Config()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	} else if cfg == nil {
		return nil, status.Error(codes.NotFound, "config not found")
	}
	span.SetAttributes(attribute.String("mr_enclave", cfg.MrEnclave.String()))
	return attest(ctx, c.attestor, types.RawInstantiate{Config: *cfg})
}

// SessionCreate binds the enclave to contract and attests to a fresh session nonce.
// It fails with AlreadyExists if a session was already created.
func (c *Core) SessionCreate(ctx context.Context, contract string) (_ *types.AttestedSessionCreate, err error) {
	ctx, span := tracer.Start(ctx, "Core.SessionCreate", trace.WithAttributes(attribute.String("contract", contract)))
	defer func() { finish(span, err) }()

	if _, _, err := bech32.DecodeAndConvert(contract); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid contract address: %v", err)
	}
	if _, found, err := c.store.Contract(); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	} else if found {
		return nil, status.Error(codes.AlreadyExists, store.ErrContractExists.Error())
	}
	var nonce sgx.Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to generate nonce: %v", err)
	}
	// nothing is persisted unless the attestation succeeds, so a failed call can be retried
	res, err := attest(ctx, c.attestor, types.RawSessionCreate{Nonce: nonce, Contract: contract})
	if err != nil {
		return nil, err
	}
	if err := c.store.CreateSession(contract, nonce); err != nil {
		if errors.Is(err, store.ErrContractExists) || errors.Is(err, store.ErrNonceExists) {
			return nil, status.Error(codes.AlreadyExists, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	c.logger.Info("session created", "contract", contract, "nonce", nonce)
	return res, nil
}

// SessionSetPubKey generates the session key once the chain holds the session this enclave
// created, and attests to it. The key is generated once; later calls attest to the same key.
func (c *Core) SessionSetPubKey(ctx context.Context, session types.Session) (_ *types.AttestedSessionSetPubKey, err error) {
	ctx, span := tracer.Start(ctx, "Core.SessionSetPubKey")
	defer func() { finish(span, err) }()

	if cfg, err := c.store.Config(); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	} else if cfg == nil {
		return nil, status.Error(codes.NotFound, "config not found")
	}
	if _, found, err := c.store.Contract(); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	} else if !found {
		return nil, status.Error(codes.NotFound, "contract not found")
	}
	nonce, err := c.store.Nonce()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	} else if nonce == nil {
		return nil, status.Error(codes.NotFound, "nonce not found")
	}
	if session.Nonce != *nonce {
		return nil, status.Errorf(codes.Unauthenticated, "nonce mismatch: expected=%v actual=%v", *nonce, session.Nonce)
	}
	if session.HasPubKey() {
		return nil, status.Error(codes.FailedPrecondition, "session already has a public key")
	}
	pk, err := c.keys.EnsureKey()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	c.logger.Info("session key ready", "pub_key", types.HexBytes(pk))
	return attest(ctx, c.attestor, types.RawSessionSetPubKey{Nonce: *nonce, PubKey: pk})
}

// Sign binds msg to the next sequence number and signs it with the session key.
// onChain is the sequence number the contract expects next. It must equal the number of
// messages signed so far, otherwise a signed message is still in flight or was replayed.
func (c *Core) Sign(ctx context.Context, onChain uint64, msg json.RawMessage) (_ *types.RawSigned, err error) {
	_, span := tracer.Start(ctx, "Core.Sign", trace.WithAttributes(attribute.Int64("seq_num", int64(onChain))))
	defer func() { finish(span, err) }()

	if !json.Valid(msg) {
		return nil, status.Error(codes.InvalidArgument, "message is not valid JSON")
	}
	c.signMu.Lock()
	defer c.signMu.Unlock()
	if c.keys.PubKey() == nil {
		return nil, status.Error(codes.FailedPrecondition, "session key not set")
	}
	if err := EnsureSeqNumConsistency(c.store, onChain, 0); err != nil {
		if errors.Is(err, types.ErrReplayAttempt) || errors.Is(err, types.ErrSeqNumInconsistency) {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	seq, err := c.store.IncSeqNum(1)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	signed, err := types.NewRawSigned(types.Sequenced{SeqNum: seq, Msg: msg}, c.keys.SignDigest)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	c.logger.Info("message signed", "seq_num", seq)
	return signed, nil
}

// EnsureSeqNumConsistency checks the sequence number observed on chain against the one in the
// store, given the number of sequenced requests the enclave has yet to process.
func EnsureSeqNumConsistency(st store.Store, onChain uint64, pending uint64) error {
	inStore, err := st.SeqNum()
	if err != nil {
		return err
	}
	if onChain < inStore {
		return fmt.Errorf("%w: on_chain=%v in_store=%v", types.ErrReplayAttempt, onChain, inStore)
	}
	if diff := onChain - inStore; diff != pending {
		return fmt.Errorf("%w: diff=%v pending=%v", types.ErrSeqNumInconsistency, diff, pending)
	}
	return nil
}
