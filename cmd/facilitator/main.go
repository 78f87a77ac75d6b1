// Command facilitator runs the x402 delegate facilitator HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	x402 "github.com/x402-foundation/x402-delegate"
	"github.com/x402-foundation/x402-delegate/config"
	x402http "github.com/x402-foundation/x402-delegate/http"
	"github.com/x402-foundation/x402-delegate/logger"
	delegatefacilitator "github.com/x402-foundation/x402-delegate/mechanisms/evm/delegate/facilitator"
	exactfacilitator "github.com/x402-foundation/x402-delegate/mechanisms/evm/exact/facilitator"
	"github.com/x402-foundation/x402-delegate/metrics"
	"github.com/x402-foundation/x402-delegate/nonce"
	signers "github.com/x402-foundation/x402-delegate/signers/evm"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("facilitator stopped", map[string]any{"error": err})
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.ZapLogger) error {
	delegates, err := cfg.DelegateRegistry()
	if err != nil {
		return err
	}

	registry := signers.NewChainRegistry()
	defer registry.Close()

	for _, chain := range cfg.Chains {
		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		relayer, err := signers.DialRelayerSigner(dialCtx, cfg.PrivateKey, chain.ChainIDBig(), chain.RPCURLs,
			signers.WithRelayerLogger(log))
		cancel()
		if err != nil {
			return fmt.Errorf("chain %d: %w", chain.ChainID, err)
		}
		if err := registry.Register(chain.ChainIDBig(), relayer); err != nil {
			relayer.Close()
			return err
		}

		delegate, _ := delegates.Resolve(chain.ChainIDBig())
		log.Info("chain registered", map[string]any{
			"network":   string(x402.EVMNetwork(chain.ChainIDBig())),
			"relayer":   relayer.Address().Hex(),
			"delegate":  delegate.Hex(),
			"endpoints": len(chain.RPCURLs),
		})
	}

	ledger, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	var opts []x402.FacilitatorOption
	if cfg.SettlementCacheTTL > 0 {
		opts = append(opts, x402.WithSettlementCache(x402.NewSettlementCache(cfg.SettlementCacheTTL)))
	}
	facilitator := x402.Newx402Facilitator(opts...)

	networks := registry.Networks()
	facilitator.Register(networks, delegatefacilitator.NewDelegateEvmScheme(registry, ledger, delegates,
		delegatefacilitator.WithReceiptTimeout(cfg.ReceiptTimeout),
		delegatefacilitator.WithLogger(log),
	))
	facilitator.Register(networks, exactfacilitator.NewExactEvmScheme(registry,
		exactfacilitator.WithReceiptTimeout(cfg.ReceiptTimeout),
		exactfacilitator.WithLogger(log),
	))

	recorder := metrics.NewPrometheusRecorder()
	recorder.Instrument(facilitator)

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr: cfg.Addr(),
		Handler: x402http.NewServer(facilitator,
			x402http.WithRelayers(registry),
			x402http.WithMetricsHandler(recorder.Handler()),
			x402http.WithServerLogger(log),
		).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("facilitator listening", map[string]any{"addr": cfg.Addr(), "networks": len(networks)})
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// In-flight settlements finish before the relayers and the ledger close
	return server.Shutdown(shutdownCtx)
}

func openLedger(ctx context.Context, cfg *config.Config) (nonce.Ledger, func(), error) {
	switch cfg.NonceStore {
	case config.NonceStoreSQLite:
		ledger, err := nonce.OpenSQLiteLedger(ctx, cfg.NonceDBPath)
		if err != nil {
			return nil, nil, err
		}
		return ledger, func() { _ = ledger.Close() }, nil
	default:
		return nonce.NewMemoryLedger(), func() {}, nil
	}
}
