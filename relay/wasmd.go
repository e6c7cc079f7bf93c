package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/datachainlab/quartz-go/contract/types"
)

// Runner runs a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%v %v: %w: %v", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

type WasmdConfig struct {
	Binary  string `mapstructure:"binary"`
	Node    string `mapstructure:"node"`
	ChainID string `mapstructure:"chain_id"`
	From    string `mapstructure:"from"`
	Gas     string `mapstructure:"gas"`
	Fees    string `mapstructure:"fees"`
}

var _ ChainClient = (*WasmdClient)(nil)

// WasmdClient is a ChainClient backed by the wasmd command line.
type WasmdClient struct {
	config WasmdConfig
	run    Runner
}

func NewWasmdClient(config WasmdConfig) *WasmdClient {
	return NewWasmdClientWithRunner(config, execRunner)
}

func NewWasmdClientWithRunner(config WasmdConfig, run Runner) *WasmdClient {
	if config.Binary == "" {
		config.Binary = "wasmd"
	}
	return &WasmdClient{config: config, run: run}
}

func (c *WasmdClient) nodeArgs() []string {
	var args []string
	if c.config.Node != "" {
		args = append(args, "--node", c.config.Node)
	}
	return append(args, "--output", "json")
}

func (c *WasmdClient) Execute(ctx context.Context, contract string, msg types.ExecuteMsg) (string, error) {
	bz, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	args := []string{"tx", "wasm", "execute", contract, string(bz), "--yes"}
	if c.config.ChainID != "" {
		args = append(args, "--chain-id", c.config.ChainID)
	}
	if c.config.From != "" {
		args = append(args, "--from", c.config.From)
	}
	if c.config.Gas != "" {
		args = append(args, "--gas", c.config.Gas)
	}
	if c.config.Fees != "" {
		args = append(args, "--fees", c.config.Fees)
	}
	out, err := c.run(ctx, c.config.Binary, append(args, c.nodeArgs()...)...)
	if err != nil {
		return "", err
	}
	var res TxResult
	if err := json.Unmarshal(out, &res); err != nil {
		return "", fmt.Errorf("failed to decode broadcast result: %w", err)
	}
	if res.Code != 0 {
		return "", fmt.Errorf("broadcast rejected: code=%v log=%v", res.Code, res.RawLog)
	}
	return res.TxHash, nil
}

func (c *WasmdClient) TxResult(ctx context.Context, txHash string) (*TxResult, error) {
	out, err := c.run(ctx, c.config.Binary, append([]string{"query", "tx", txHash}, c.nodeArgs()...)...)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, fmt.Errorf("%w: txhash=%v", ErrTxNotFound, txHash)
		}
		return nil, err
	}
	var res TxResult
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("failed to decode tx result: %w", err)
	}
	return &res, nil
}

func (c *WasmdClient) QueryRaw(ctx context.Context, contract string, key []byte) ([]byte, error) {
	args := []string{"query", "wasm", "contract-state", "raw", contract, hex.EncodeToString(key)}
	out, err := c.run(ctx, c.config.Binary, append(args, c.nodeArgs()...)...)
	if err != nil {
		return nil, err
	}
	var res struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("failed to decode raw state: %w", err)
	}
	if res.Data == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(res.Data)
}
