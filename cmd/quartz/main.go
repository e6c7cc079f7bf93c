package main

import (
	"os"

	"cosmossdk.io/log"
	"github.com/datachainlab/quartz-go/relay"
	"github.com/datachainlab/quartz-go/sgx"
	"github.com/spf13/cobra"
)

func main() {
	// WARNING: never set this in production
	if os.Getenv("QUARTZ_ENCLAVE_DEBUG") == "1" {
		sgx.SetAllowDebugEnclaves()
		defer sgx.UnsetAllowDebugEnclaves()
	}
	rootCmd := &cobra.Command{
		Use:          "quartz",
		Short:        "Quartz enclave and relay",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(enclaveCmd(), relay.RelayCmd())
	if err := rootCmd.Execute(); err != nil {
		log.NewLogger(rootCmd.OutOrStderr()).Error("failure when running quartz", "err", err)
		os.Exit(1)
	}
}
