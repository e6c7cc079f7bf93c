package enclave

import (
	"encoding/json"
	"fmt"
	"os"

	"cosmossdk.io/log"
	"github.com/datachainlab/quartz-go/contract/types"
	"github.com/datachainlab/quartz-go/enclave/attestor"
	"github.com/datachainlab/quartz-go/enclave/keymanager"
	"github.com/datachainlab/quartz-go/enclave/kvstore"
	"github.com/datachainlab/quartz-go/enclave/store"
	"github.com/datachainlab/quartz-go/sgx"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	DefaultListenAddr = "127.0.0.1:11090"

	dbName = "quartz"

	KVModeShared = "shared"
	KVModeMpsc   = "mpsc"
)

var validate = validator.New()

// Config configures an enclave process.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr" validate:"required,hostname_port"`
	// DBDir is the directory of the goleveldb store. The store is kept in memory if empty.
	DBDir string `mapstructure:"db_dir"`
	// KVMode selects how the store serializes access: a RW lock or a single owning goroutine.
	KVMode     string `mapstructure:"kv_mode" validate:"oneof=shared mpsc"`
	BackupPath string `mapstructure:"backup_path"`

	Attestation    attestor.Kind `mapstructure:"attestation" validate:"oneof=epid dcap mock"`
	AttestationDir string        `mapstructure:"attestation_dir"`

	// ContractConfig is the path of the JSON contract config the enclave attests to.
	ContractConfig string `mapstructure:"contract_config" validate:"required"`
}

// LoadConfig reads the config from v. Unset fields take their defaults.
func LoadConfig(v *viper.Viper) (*Config, error) {
	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("kv_mode", KVModeShared)
	v.SetDefault("attestation", string(attestor.KindDCAP))
	v.SetDefault("attestation_dir", attestor.DefaultAttestationDir)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid enclave config: %w", err)
	}
	return nil
}

// LoadContractConfig reads and validates the contract config file.
func (c Config) LoadContractConfig() (*types.Config, error) {
	bz, err := os.ReadFile(c.ContractConfig)
	if err != nil {
		return nil, err
	}
	var cfg types.Config
	if err := json.Unmarshal(bz, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode contract config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Build assembles a Core from the config. A backup, if present, is restored before the contract
// config is checked against it. The returned function closes the store.
func (c Config) Build(logger log.Logger) (*Core, func() error, error) {
	a, err := attestor.New(c.Attestation, c.AttestationDir)
	if err != nil {
		return nil, nil, err
	}
	contractCfg, err := c.LoadContractConfig()
	if err != nil {
		return nil, nil, err
	}
	mr, err := a.MrEnclave()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read measurement: %w", err)
	}
	if contractCfg.MrEnclave == (sgx.MrEnclave{}) {
		contractCfg.MrEnclave = mr
	} else if contractCfg.MrEnclave != mr {
		return nil, nil, fmt.Errorf("mr_enclave mismatch: config=%v enclave=%v", contractCfg.MrEnclave, mr)
	}

	var db *kvstore.DBStore
	if c.DBDir == "" {
		db = kvstore.NewMemStore()
	} else if db, err = kvstore.OpenDBStore(dbName, c.DBDir); err != nil {
		return nil, nil, err
	}
	var (
		kv      kvstore.Transactional
		closeFn = db.Close
	)
	switch c.KVMode {
	case KVModeMpsc:
		m := kvstore.NewMpsc(db, 0)
		kv = m
		closeFn = func() error {
			m.Close()
			return db.Close()
		}
	default:
		kv = kvstore.NewShared(db)
	}
	st := store.NewSharedStore(store.NewDefaultStore(kv))
	core := NewCore(st, keymanager.NewShared(keymanager.NewDefaultKeyManager()), a, logger)

	if c.BackupPath != "" {
		if _, err := core.TryRestore(c.BackupPath); err != nil {
			closeFn()
			return nil, nil, err
		}
	}
	if prev, err := st.Config(); err != nil {
		closeFn()
		return nil, nil, err
	} else if prev != nil && prev.MrEnclave != contractCfg.MrEnclave {
		closeFn()
		return nil, nil, fmt.Errorf("stored config belongs to another enclave: mr_enclave=%v", prev.MrEnclave)
	}
	if _, err := st.SetConfig(*contractCfg); err != nil {
		closeFn()
		return nil, nil, err
	}
	return core, closeFn, nil
}
