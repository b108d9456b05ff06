package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/pflag"

	"jobnode/internal/adapters/backend"
	"jobnode/internal/adapters/contract"
	"jobnode/internal/adapters/ipfs"
	"jobnode/internal/config"
	"jobnode/internal/coordinator"
	"jobnode/internal/heartbeat"
	"jobnode/internal/journal"
	"jobnode/internal/statusapi"
)

// main 将配置、适配器与协调器事件循环串联起来。
func main() {
	configPath := pflag.StringP("config", "c", envOr("NODE_CONFIG", "node_config.json"), "node configuration file (YAML or JSON)")
	dryRun := pflag.Bool("dry-run", false, "use an in-memory ledger instead of the chain")
	dryRunJobs := pflag.Int("dry-run-jobs", 3, "number of Submitted jobs to seed the in-memory ledger with")
	pflag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)
	var logAdapter coordinator.Logger = nodeStdLogger{logger: logger}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(*dryRun); err != nil {
		logger.Fatalf("config %s: %v", *configPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go forceExitOnSecondSignal(ctx, stop, logger)

	key, wallet, err := nodeKey(&cfg, *dryRun)
	if err != nil {
		logger.Fatalf("key: %v", err)
	}
	id := coordinator.NewIdentity(wallet, key, cfg.NodeID, cfg.Country, cfg.Hardware, time.Now())

	var ledger coordinator.Ledger
	if *dryRun {
		mem := contract.NewMemoryLedger(wallet, logAdapter)
		for i := 0; i < *dryRunJobs; i++ {
			mem.AddJob(false)
		}
		ledger = mem
		logger.Printf("[WARN] dry run: using in-memory ledger with %d submitted job(s)", *dryRunJobs)
	} else {
		parsed, err := contract.LoadABI(cfg.ABIPath)
		if err != nil {
			logger.Fatalf("ledger abi: %v", err)
		}
		opts := contract.Options{ReceiptTimeout: cfg.ReceiptTimeout.D(), Log: logAdapter}
		if cfg.ChainID > 0 {
			opts.ChainID = big.NewInt(cfg.ChainID)
		}
		client, err := contract.Dial(ctx, cfg.EthNodeURL, parsed, cfg.ContractAddress, key, opts)
		if err != nil {
			logger.Fatalf("ledger client: %v", err)
		}
		ledger = client
	}

	var fetcher coordinator.ArtifactFetcher
	if dir, ok := strings.CutPrefix(cfg.IPFSGateway, "file://"); ok {
		fetcher = ipfs.NewPlaceholderClient(dir, logAdapter)
		logger.Printf("[INFO] using local artifact mirror %s", dir)
	} else {
		fetcher = ipfs.NewGatewayClient(cfg.IPFSGateway, logAdapter)
		logger.Printf("[INFO] using ipfs gateway %s", cfg.IPFSGateway)
	}

	api, err := backend.New(cfg.APIBase, cfg.APIKey, logAdapter)
	if err != nil {
		logger.Fatalf("backend client: %v", err)
	}

	var claims coordinator.ClaimJournal
	if cfg.JournalRedisAddr != "" {
		rj, err := journal.Dial(ctx, cfg.JournalRedisAddr, id.NodeID, logAdapter)
		if err != nil {
			logger.Fatalf("claim journal: %v", err)
		}
		defer rj.Close()
		claims = rj
	} else {
		fj, err := journal.NewFileJournal(cfg.JournalDir, logAdapter)
		if err != nil {
			logger.Fatalf("claim journal: %v", err)
		}
		claims = fj
	}

	runner := cfg.Executor()
	service, err := coordinator.NewCoordinator(cfg.Coordinator(logAdapter), id, ledger, api, fetcher, runner, claims)
	if err != nil {
		logger.Fatalf("coordinator: %v", err)
	}

	go heartbeat.New(api, id, cfg.HeartbeatPeriod.D(), logAdapter).Run(ctx)
	if cfg.StatusAddr != "" {
		status := statusapi.New(cfg.StatusAddr, id, service, *dryRun, logAdapter)
		go func() {
			if err := status.Run(ctx); err != nil {
				logger.Printf("[ERROR] status server: %v", err)
			}
		}()
	}

	logger.Printf("[INFO] node started: wallet=%s node_id=%s session=%s", id.Wallet, id.NodeID, id.SessionID)
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("run: %v", err)
	}
	logger.Printf("[INFO] node stopped")
}

// nodeKey 解析节点私钥；演练模式下未配置私钥时生成一次性密钥。
func nodeKey(cfg *config.Config, dryRun bool) (*ecdsa.PrivateKey, string, error) {
	if cfg.PrivateKey == "" && dryRun {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, "", err
		}
		return key, crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
	}
	key, err := cfg.Key()
	if err != nil {
		return nil, "", err
	}
	wallet := cfg.WalletAddress
	if wallet == "" {
		wallet = crypto.PubkeyToAddress(key.PublicKey).Hex()
	}
	return key, wallet, nil
}

// forceExitOnSecondSignal 在第一次中断后继续监听；再次收到信号时立即退出，不等待进行中的任务。
func forceExitOnSecondSignal(ctx context.Context, stop context.CancelFunc, logger *log.Logger) {
	<-ctx.Done()
	second := make(chan os.Signal, 1)
	signal.Notify(second, os.Interrupt, syscall.SIGTERM)
	stop()
	logger.Printf("[WARN] shutdown requested, finishing in-flight job (interrupt again to exit now)")
	<-second
	logger.Printf("[WARN] second interrupt, exiting immediately")
	os.Exit(130)
}

type nodeStdLogger struct {
	logger *log.Logger
}

// Infof 使用标准日志器输出普通信息。
func (l nodeStdLogger) Infof(format string, args ...any) {
	l.logger.Printf("[INFO] "+format, args...)
}

// Warnf 输出处理过程中产生的警告。
func (l nodeStdLogger) Warnf(format string, args ...any) {
	l.logger.Printf("[WARN] "+format, args...)
}

// Errorf 输出错误日志，方便在宿主环境中排查失败原因。
func (l nodeStdLogger) Errorf(format string, args ...any) {
	l.logger.Printf("[ERROR] "+format, args...)
}

// envOr 读取环境变量，当变量不存在时返回默认值。
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
