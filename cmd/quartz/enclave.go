package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cosmossdk.io/log"
	"github.com/datachainlab/quartz-go/enclave"
	"github.com/datachainlab/quartz-go/enclave/rpc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
)

const (
	flagConfig         = "config"
	flagListenAddr     = "listen_addr"
	flagDBDir          = "db_dir"
	flagKVMode         = "kv_mode"
	flagBackupPath     = "backup_path"
	flagAttestation    = "attestation"
	flagAttestationDir = "attestation_dir"
	flagContractConfig = "contract_config"
)

func enclaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enclave",
		Short: "Enclave commands",
	}
	cmd.AddCommand(startCmd())
	return cmd
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Serve the enclave core over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			v.SetEnvPrefix("QUARTZ")
			v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			v.AutomaticEnv()
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if path := v.GetString(flagConfig); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read config: %w", err)
				}
			}
			cfg, err := enclave.LoadConfig(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return start(ctx, *cfg, log.NewLogger(cmd.ErrOrStderr()))
		},
	}
	cmd.Flags().String(flagConfig, "", "a config file (toml, yaml or json)")
	cmd.Flags().String(flagListenAddr, enclave.DefaultListenAddr, "the address to serve gRPC on")
	cmd.Flags().String(flagDBDir, "", "the directory of the store, kept in memory if empty")
	cmd.Flags().String(flagKVMode, enclave.KVModeShared, "shared or mpsc")
	cmd.Flags().String(flagBackupPath, "", "a file to restore from at start and back up to at shutdown")
	cmd.Flags().String(flagAttestation, "dcap", "epid, dcap or mock")
	cmd.Flags().String(flagAttestationDir, "/dev/attestation", "the attestation device of the enclave runtime")
	cmd.Flags().String(flagContractConfig, "", "the JSON contract config")
	return cmd
}

func start(ctx context.Context, cfg enclave.Config, logger log.Logger) error {
	core, closeStore, err := cfg.Build(logger)
	if err != nil {
		return err
	}
	defer closeStore()

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	srv := rpc.NewGRPCServer(core, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	logger.Info("enclave started", "addr", lis.Addr().String(), "attestation", cfg.Attestation)

	select {
	case <-ctx.Done():
		srv.GracefulStop()
		err = nil
	case err = <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			err = nil
		}
	}
	if cfg.BackupPath != "" {
		if berr := core.Backup(cfg.BackupPath); berr != nil {
			logger.Error("failed to back up", "path", cfg.BackupPath, "err", berr)
			return errors.Join(err, berr)
		}
		logger.Info("backed up", "path", cfg.BackupPath)
	}
	return err
}
