package contract

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/store/cachekv"
	storetypes "cosmossdk.io/store/types"
	"github.com/cosmos/cosmos-sdk/types/bech32"
	"github.com/datachainlab/quartz-go/attestation"
	"github.com/datachainlab/quartz-go/contract/types"
	"github.com/datachainlab/quartz-go/sgx/dcap"
)

// Env describes the execution environment of a contract call.
type Env struct {
	ContractAddress string
	BlockTime       time.Time
}

type Response struct {
	Attributes []types.Attribute `json:"attributes"`
	Data       json.RawMessage   `json:"data,omitempty"`
}

func (r *Response) AddAttributes(attrs ...types.Attribute) *Response {
	r.Attributes = append(r.Attributes, attrs...)
	return r
}

// Handler processes application messages admitted by the signed and sequenced layers.
type Handler interface {
	Handle(store storetypes.KVStore, env Env, msg json.RawMessage) (*Response, error)
}

type HandlerFunc func(store storetypes.KVStore, env Env, msg json.RawMessage) (*Response, error)

func (f HandlerFunc) Handle(store storetypes.KVStore, env Env, msg json.RawMessage) (*Response, error) {
	return f(store, env, msg)
}

// TcbInfoQuerier reads the TCB info registered in another contract of the host chain.
type TcbInfoQuerier interface {
	QueryTcbInfo(contract string, fmspc dcap.Fmspc) ([]byte, error)
}

type TcbInfoQuerierFunc func(contract string, fmspc dcap.Fmspc) ([]byte, error)

func (f TcbInfoQuerierFunc) QueryTcbInfo(contract string, fmspc dcap.Fmspc) ([]byte, error) {
	return f(contract, fmspc)
}

type tcbInfoSource struct {
	querier  TcbInfoQuerier
	contract string
}

func (s tcbInfoSource) TcbInfo(fmspc dcap.Fmspc) ([]byte, error) {
	return s.querier.QueryTcbInfo(s.contract, fmspc)
}

// Contract is the on-chain side of the handshake. Every call runs against a cache-wrapped store
// that is written back only if the call succeeds.
type Contract struct {
	store    storetypes.KVStore
	verifier *attestation.Verifier
	handler  Handler
	querier  TcbInfoQuerier
	logger   log.Logger
}

func NewContract(store storetypes.KVStore, verifier *attestation.Verifier, handler Handler, logger log.Logger) *Contract {
	if handler == nil {
		handler = HandlerFunc(func(storetypes.KVStore, Env, json.RawMessage) (*Response, error) {
			return &Response{}, nil
		})
	}
	return &Contract{
		store:    store,
		verifier: verifier,
		handler:  handler,
		logger:   logger.With("module", types.ModuleName),
	}
}

// SetTcbInfoQuerier sets the querier used when the config names a TCB info contract.
func (c *Contract) SetTcbInfoQuerier(q TcbInfoQuerier) *Contract {
	c.querier = q
	return c
}

// verifierFor returns the verifier for a call: attestations are checked at the block time, and
// DCAP quotes against the TCB info of the configured contract.
func (c *Contract) verifierFor(env Env, cfg *types.Config) (*attestation.Verifier, error) {
	var opts []attestation.Option
	if !env.BlockTime.IsZero() {
		opts = append(opts, attestation.WithClock(func() time.Time { return env.BlockTime }))
	}
	if cfg.TcbInfoContract != nil {
		if c.querier == nil {
			return nil, errorsmod.Wrapf(types.ErrInvalidConfig, "no querier for tcbinfo_contract=%v", *cfg.TcbInfoContract)
		}
		opts = append(opts, attestation.WithTcbInfoSource(tcbInfoSource{querier: c.querier, contract: *cfg.TcbInfoContract}))
	}
	return c.verifier.With(opts...), nil
}

func verify[M attestation.UserDataProvider](env Env, c *Contract, msg attestation.RawAttested[M], cfg *types.Config) (M, []types.Attribute, error) {
	var zero M
	a, err := msg.Attested()
	if err != nil {
		return zero, nil, err
	}
	v, err := c.verifierFor(env, cfg)
	if err != nil {
		return zero, nil, err
	}
	m, err := attestation.Verify(a, cfg.MrEnclave, v)
	if err != nil {
		return zero, nil, err
	}
	return m, attestationAttributes(a.Attestation), nil
}

// attestationAttributes reports the outcome of a DCAP verification so that it can be audited
// against the verification output.
func attestationAttributes(a attestation.Attestation) []types.Attribute {
	d, ok := a.(*attestation.DCAPAttestation)
	if !ok || d.Output() == nil {
		return nil
	}
	out := d.Output()
	digest := out.Digest()
	return []types.Attribute{
		types.NewAttribute(types.AttributeKeyTcbStatus, out.TcbStatus.String()),
		types.NewAttribute(types.AttributeKeyAttestationDigest, hex.EncodeToString(digest[:])),
		types.NewAttribute(types.AttributeKeyAttestationExpiresAt, fmt.Sprint(out.GetExpiredAt().Unix())),
	}
}

func (c *Contract) atomic(fn func(store storetypes.KVStore) (*Response, error)) (*Response, error) {
	cache := cachekv.NewStore(c.store)
	res, err := fn(cache)
	if err != nil {
		return nil, err
	}
	cache.Write()
	return res, nil
}

// Instantiate stores the config after checking that the enclave it names attested to it.
// The attestation is verified before any state is read.
func (c *Contract) Instantiate(env Env, msg types.AttestedInstantiate) (*Response, error) {
	return c.atomic(func(store storetypes.KVStore) (*Response, error) {
		m, attrs, err := verify(env, c, msg, &msg.Msg.Config)
		if err != nil {
			return nil, err
		}
		if types.HasConfig(store) {
			return nil, types.ErrAlreadyInstantiated
		}
		if err := m.Config.Validate(); err != nil {
			return nil, err
		}
		if err := types.SetConfig(store, m.Config); err != nil {
			return nil, err
		}
		types.SetEpochCounter(store, 1)
		c.logger.Info("instantiated", "mr_enclave", m.Config.MrEnclave, "contract", env.ContractAddress)
		res := &Response{Attributes: []types.Attribute{
			types.NewAttribute(types.AttributeKeyAction, types.ActionInstantiate),
		}}
		return res.AddAttributes(attrs...), nil
	})
}

// SessionCreate starts a session with the nonce attested by the enclave.
func (c *Contract) SessionCreate(env Env, msg types.AttestedSessionCreate) (*Response, error) {
	return c.atomic(func(store storetypes.KVStore) (*Response, error) {
		cfg, err := types.GetConfig(store)
		if err != nil {
			return nil, err
		}
		m, attrs, err := verify(env, c, msg, cfg)
		if err != nil {
			return nil, err
		}
		if _, _, err := bech32.DecodeAndConvert(m.Contract); err != nil {
			return nil, errorsmod.Wrapf(types.ErrInvalidMessage, "invalid contract address: %v", err)
		}
		if m.Contract != env.ContractAddress {
			return nil, errorsmod.Wrapf(types.ErrContractAddrMismatch, "expected=%v actual=%v", env.ContractAddress, m.Contract)
		}
		if _, found, err := types.GetSession(store); err != nil {
			return nil, err
		} else if found {
			return nil, errorsmod.Wrap(types.ErrDuplicateEntry, "session already exists")
		}
		if err := types.SetSession(store, types.NewSession(m.Nonce)); err != nil {
			return nil, err
		}
		if err := types.SetContract(store, m.Contract); err != nil {
			return nil, err
		}
		c.logger.Info("session created", "nonce", m.Nonce)
		res := &Response{Attributes: []types.Attribute{
			types.NewAttribute(types.AttributeKeyAction, types.ActionSessionCreate),
			types.NewAttribute(types.AttributeKeyNonce, m.Nonce.String()),
		}}
		return res.AddAttributes(attrs...), nil
	})
}

// SessionSetPubKey binds the attested public key to the created session and resets the sequence counter.
func (c *Contract) SessionSetPubKey(env Env, msg types.AttestedSessionSetPubKey) (*Response, error) {
	return c.atomic(func(store storetypes.KVStore) (*Response, error) {
		cfg, err := types.GetConfig(store)
		if err != nil {
			return nil, err
		}
		m, attrs, err := verify(env, c, msg, cfg)
		if err != nil {
			return nil, err
		}
		if err := types.ValidatePubKey(m.PubKey); err != nil {
			return nil, err
		}
		session, found, err := types.GetSession(store)
		if err != nil {
			return nil, err
		} else if !found {
			return nil, errorsmod.Wrap(types.ErrBadSessionTransition, "session not created")
		}
		next, err := session.WithPubKey(m.Nonce, m.PubKey)
		if err != nil {
			return nil, err
		}
		if err := types.SetSession(store, next); err != nil {
			return nil, err
		}
		types.SetSequenceNum(store, 0)
		c.logger.Info("session public key set", "pub_key", m.PubKey)
		res := &Response{Attributes: []types.Attribute{
			types.NewAttribute(types.AttributeKeyAction, types.ActionSessionSetPubKey),
			types.NewAttribute(types.AttributeKeyPubKey, m.PubKey.String()),
		}}
		return res.AddAttributes(attrs...), nil
	})
}

// ExecuteSigned admits an application message signed with the session key and bound to the
// current sequence number, then dispatches it to the handler.
func (c *Contract) ExecuteSigned(env Env, msg types.RawSigned) (*Response, error) {
	return c.atomic(func(store storetypes.KVStore) (*Response, error) {
		session, found, err := types.GetSession(store)
		if err != nil {
			return nil, err
		} else if !found || !session.HasPubKey() {
			return nil, types.ErrMissingSessionPubKey
		}
		if err := types.VerifySignature(session.PubKey, msg.Msg, msg.Sig); err != nil {
			return nil, err
		}
		var seq types.Sequenced
		if err := json.Unmarshal(msg.Msg, &seq); err != nil {
			return nil, errorsmod.Wrapf(types.ErrInvalidMessage, "failed to decode sequenced message: %v", err)
		}
		current, _, err := types.GetSequenceNum(store)
		if err != nil {
			return nil, err
		}
		if seq.SeqNum != current {
			return nil, errorsmod.Wrapf(types.ErrSequenceMismatch, "expected=%v actual=%v", current, seq.SeqNum)
		}
		if current == math.MaxUint64 {
			return nil, types.ErrSequenceOverflow
		}
		types.SetSequenceNum(store, current+1)
		res, err := c.handler.Handle(store, env, seq.Msg)
		if err != nil {
			return nil, err
		}
		if res == nil {
			res = &Response{}
		}
		return res.AddAttributes(
			types.NewAttribute(types.AttributeKeyAction, types.ActionExecute),
			types.NewAttribute(types.AttributeKeySeqNum, fmt.Sprint(current)),
		), nil
	})
}

// Execute dispatches an execute envelope.
func (c *Contract) Execute(env Env, msg types.ExecuteMsg) (*Response, error) {
	if err := msg.ValidateBasic(); err != nil {
		return nil, err
	}
	switch {
	case msg.SessionCreate != nil:
		return c.SessionCreate(env, *msg.SessionCreate)
	case msg.SessionSetPubKey != nil:
		return c.SessionSetPubKey(env, *msg.SessionSetPubKey)
	default:
		return c.ExecuteSigned(env, *msg.Signed)
	}
}

func (c *Contract) Config() (*types.Config, error) {
	return types.GetConfig(c.store)
}

// Session returns the current session. ErrSessionNotFound is returned before SessionCreate.
func (c *Contract) Session() (*types.Session, error) {
	s, found, err := types.GetSession(c.store)
	if err != nil {
		return nil, err
	} else if !found {
		return nil, types.ErrSessionNotFound
	}
	return s, nil
}

func (c *Contract) SequenceNum() (uint64, error) {
	n, _, err := types.GetSequenceNum(c.store)
	return n, err
}
