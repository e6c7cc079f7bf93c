package relay

import (
	"encoding/json"
	"fmt"
	"os"

	"cosmossdk.io/log"
	"github.com/datachainlab/quartz-go/enclave/rpc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagEnclave          = "enclave"
	flagWasmdBinary      = "wasmd.binary"
	flagWasmdNode        = "wasmd.node"
	flagWasmdChainID     = "wasmd.chain_id"
	flagWasmdFrom        = "wasmd.from"
	flagWasmdGas         = "wasmd.gas"
	flagWasmdFees        = "wasmd.fees"
	flagCollateral       = "collateral"
	flagRetryInterval    = "retry_interval"
	flagRetryMaxAttempts = "retry_max_attempts"

	defaultEnclave = "127.0.0.1:11090"
)

func RelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay commands",
		// flags are shared by name between subcommands, so only the invoked one is bound
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
	}
	cmd.AddCommand(
		instantiateMsgCmd(),
		sessionCreateMsgCmd(),
		handshakeCmd(),
		executeCmd(),
		querySessionCmd(),
	)
	return cmd
}

func instantiateMsgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instantiate-msg",
		Short: "Print the attested instantiate message of the enclave",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closer, err := newRelayer(cmd)
			if err != nil {
				return err
			}
			defer closer()
			msg, err := r.InstantiateMsg(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(msg)
		},
	}
	return collateralFlag(enclaveFlag(cmd))
}

func sessionCreateMsgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session-create-msg [contract]",
		Short: "Print an attested session create message for the contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closer, err := newRelayer(cmd)
			if err != nil {
				return err
			}
			defer closer()
			msg, err := r.SessionCreateMsg(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(msg)
		},
	}
	return collateralFlag(enclaveFlag(cmd))
}

func handshakeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handshake [contract]",
		Short: "Create and activate a session between the enclave and the contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closer, err := newRelayer(cmd)
			if err != nil {
				return err
			}
			defer closer()
			pubKey, err := r.Handshake(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(pubKey.String())
			return nil
		},
	}
	return retryMaxAttemptsFlag(retryIntervalFlag(wasmdFlags(collateralFlag(enclaveFlag(cmd)))))
}

func executeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute [contract] [msg]",
		Short: "Sign a JSON message with the session key and execute it on the contract",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("message is not valid JSON: %v", args[1])
			}
			r, closer, err := newRelayer(cmd)
			if err != nil {
				return err
			}
			defer closer()
			signed, res, err := r.Execute(cmd.Context(), args[0], json.RawMessage(args[1]))
			if err != nil {
				if signed != nil {
					printJSON(map[string]any{"signed": signed})
				}
				return err
			}
			return printJSON(map[string]any{"txhash": res.TxHash, "height": res.Height})
		},
	}
	return retryMaxAttemptsFlag(retryIntervalFlag(wasmdFlags(enclaveFlag(cmd))))
}

func querySessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query-session [contract]",
		Short: "Query the session and the sequence number of the contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chain := NewWasmdClient(wasmdConfig())
			session, err := QuerySession(cmd.Context(), chain, args[0])
			if err != nil {
				return err
			}
			seq, err := QuerySequenceNum(cmd.Context(), chain, args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"session": session, "seq_num": seq})
		},
	}
	return wasmdFlags(cmd)
}

func newRelayer(cmd *cobra.Command) (*Relayer, func() error, error) {
	conn, err := rpc.NewClientConn(viper.GetString(flagEnclave))
	if err != nil {
		return nil, nil, err
	}
	var completer Completer
	if path := viper.GetString(flagCollateral); path != "" {
		source, err := LoadStaticCollateral(path)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		completer.Collateral = source
	}
	config := Config{
		RetryInterval:    viper.GetDuration(flagRetryInterval),
		RetryMaxAttempts: viper.GetUint(flagRetryMaxAttempts),
	}
	logger := log.NewLogger(cmd.ErrOrStderr())
	return NewRelayer(rpc.NewClient(conn), NewWasmdClient(wasmdConfig()), completer, config, logger), conn.Close, nil
}

func wasmdConfig() WasmdConfig {
	return WasmdConfig{
		Binary:  viper.GetString(flagWasmdBinary),
		Node:    viper.GetString(flagWasmdNode),
		ChainID: viper.GetString(flagWasmdChainID),
		From:    viper.GetString(flagWasmdFrom),
		Gas:     viper.GetString(flagWasmdGas),
		Fees:    viper.GetString(flagWasmdFees),
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(v)
}

func enclaveFlag(cmd *cobra.Command) *cobra.Command {
	cmd.Flags().String(flagEnclave, defaultEnclave, "the gRPC address of the enclave")
	return cmd
}

func collateralFlag(cmd *cobra.Command) *cobra.Command {
	cmd.Flags().String(flagCollateral, "", "a JSON file with the DCAP collateral of the enclave platform")
	return cmd
}

func wasmdFlags(cmd *cobra.Command) *cobra.Command {
	cmd.Flags().String(flagWasmdBinary, "wasmd", "the wasmd binary")
	cmd.Flags().String(flagWasmdNode, "", "the RPC endpoint of the node")
	cmd.Flags().String(flagWasmdChainID, "", "the chain ID")
	cmd.Flags().String(flagWasmdFrom, "", "the key used to sign transactions")
	cmd.Flags().String(flagWasmdGas, "auto", "the gas limit")
	cmd.Flags().String(flagWasmdFees, "", "the fees to pay")
	return cmd
}

func retryIntervalFlag(cmd *cobra.Command) *cobra.Command {
	cmd.Flags().Duration(flagRetryInterval, DefaultRetryInterval, "a retry interval duration")
	return cmd
}

func retryMaxAttemptsFlag(cmd *cobra.Command) *cobra.Command {
	cmd.Flags().Uint(flagRetryMaxAttempts, DefaultRetryMaxAttempts, "a maximum number of attempts to wait for a tx")
	return cmd
}
