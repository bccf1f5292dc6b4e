package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/synnergy-labs/payment-indexer/internal/adapter"
	"github.com/synnergy-labs/payment-indexer/internal/adapter/bitcoin"
	"github.com/synnergy-labs/payment-indexer/internal/adapter/evm"
	"github.com/synnergy-labs/payment-indexer/internal/adapter/solana"
	"github.com/synnergy-labs/payment-indexer/internal/adapter/testchain"
	"github.com/synnergy-labs/payment-indexer/internal/ais"
	"github.com/synnergy-labs/payment-indexer/internal/chainmodel"
	"github.com/synnergy-labs/payment-indexer/internal/httpapi"
	"github.com/synnergy-labs/payment-indexer/internal/kvbus"
	"github.com/synnergy-labs/payment-indexer/internal/queue"
	"github.com/synnergy-labs/payment-indexer/internal/shell"
	"github.com/synnergy-labs/payment-indexer/pkg/config"
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{Use: "indexer"}
	root.AddCommand(startCmd())
	root.AddCommand(chainsCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start one Listener Shell per configured chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "cmd/indexer/config/default.yaml", "path to the indexer config file")
	return cmd
}

func chainsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{Use: "chains"}
	list := &cobra.Command{
		Use:   "list",
		Short: "list chains configured in the given config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			for _, c := range cfg.Indexer.Chains {
				fmt.Printf("%-24s family=%-10s native=%s\n", c.Key, c.Family, c.NativeTokenID)
			}
			return nil
		},
	}
	list.Flags().StringVar(&configPath, "config", "cmd/indexer/config/default.yaml", "path to the indexer config file")
	cmd.AddCommand(list)
	return cmd
}

func runStart(configPath string) error {
	configureLogging()

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	bus := kvbus.New(cfg.KVB.Addr, cfg.KVB.Password, cfg.KVB.DB)
	defer bus.Close()

	wq := queue.NewRedisQueueAt(cfg.WQ.Addr, cfg.WQ.Password, cfg.WQ.DB)
	defer wq.Close()

	var aisSrc ais.Source
	if cfg.AIS.Endpoint != "" {
		aisSrc = ais.NewHTTPSource(cfg.AIS.Endpoint)
	} else {
		aisSrc = ais.Static{}
	}

	shellOpts := shell.Options{
		LeaseTTL:          time.Duration(cfg.Indexer.LeaseTTLSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Indexer.HeartbeatIntervalSec) * time.Second,
	}

	shells := make([]*shell.Shell, 0, len(cfg.Indexer.Chains))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, cc := range cfg.Indexer.Chains {
		ad, err := buildAdapter(cc)
		if err != nil {
			logrus.Errorf("indexer: skipping chain %s: %v", cc.Key, err)
			continue
		}

		s := shell.New(chainmodel.ChainKey(cc.Key), bus, wq, aisSrc, ad, shellOpts)
		if err := s.Start(ctx); err != nil {
			logrus.Warnf("indexer: shell for %s did not start: %v", cc.Key, err)
			continue
		}
		shells = append(shells, s)
		logrus.Infof("indexer: shell for %s is running", cc.Key)
	}

	httpSrv := httpapi.NewServer(cfg.HTTP.ListenAddr)
	go func() {
		if err := httpSrv.Start(); err != nil {
			logrus.Errorf("indexer: http server: %v", err)
		}
	}()
	httpSrv.MarkReady()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logrus.Info("indexer: shutting down")
	for _, s := range shells {
		if err := s.Stop(); err != nil {
			logrus.Warnf("indexer: shell stop: %v", err)
		}
	}
	_ = httpSrv.Shutdown(10 * time.Second)
	return nil
}

// buildAdapter constructs the chain-family-specific adapter.Adapter from a
// ChainConfig entry.
func buildAdapter(cc config.ChainConfig) (adapter.Adapter, error) {
	chainKey := chainmodel.ChainKey(cc.Key)
	switch cc.Family {
	case "evm":
		if cc.WSEndpoint == "" {
			return nil, fmt.Errorf("evm chain %s missing ws_endpoint", cc.Key)
		}
		if cc.NativeTokenID == "" {
			return nil, fmt.Errorf("evm chain %s missing native_token_id", cc.Key)
		}
		return evm.New(chainKey, cc.WSEndpoint, chainmodel.TokenID(cc.NativeTokenID)), nil
	case "bitcoin":
		if cc.HTTPEndpoint == "" {
			return nil, fmt.Errorf("bitcoin chain %s missing http_endpoint", cc.Key)
		}
		pollInterval := time.Duration(cc.PollIntervalMS) * time.Millisecond
		return bitcoin.New(chainKey, cc.HTTPEndpoint, cc.RPCUser, cc.RPCPass, 0, pollInterval), nil
	case "solana":
		if cc.WSEndpoint == "" {
			return nil, fmt.Errorf("solana chain %s missing ws_endpoint", cc.Key)
		}
		return solana.New(chainKey, cc.WSEndpoint), nil
	case "testchain":
		return testchain.New(), nil
	default:
		return nil, fmt.Errorf("unknown chain family %q", cc.Family)
	}
}

func configureLogging() {
	level, err := logrus.ParseLevel(firstNonEmpty(os.Getenv("INDEXER_LOG_LEVEL"), "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
