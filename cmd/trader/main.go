package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap/zapcore"

	"github.com/nirre55/trading-engine/internal/config"
	"github.com/nirre55/trading-engine/internal/connection"
	"github.com/nirre55/trading-engine/internal/engine"
	"github.com/nirre55/trading-engine/internal/exchange"
	"github.com/nirre55/trading-engine/internal/logger"
	"github.com/nirre55/trading-engine/internal/notify"
	"github.com/nirre55/trading-engine/internal/order"
	"github.com/nirre55/trading-engine/internal/protection"
	"github.com/nirre55/trading-engine/internal/risk"
)

func main() {
	configFlag := flag.String("config", "", "Path to YAML configuration file (required)")
	apiKeyFlag := flag.String("api-key", "", "Binance API key (overrides config and BINANCE_API_KEY)")
	secretKeyFlag := flag.String("secret-key", "", "Binance secret key (overrides config and BINANCE_SECRET_KEY)")
	testnetFlag := flag.Bool("testnet", false, "Use the Binance futures testnet")

	flag.Parse()

	if *configFlag == "" {
		fmt.Println("Error: --config flag is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Credentials from flags or environment override the config file.
	apiKey := *apiKeyFlag
	if apiKey == "" {
		apiKey = os.Getenv("BINANCE_API_KEY")
	}
	secretKey := *secretKeyFlag
	if secretKey == "" {
		secretKey = os.Getenv("BINANCE_SECRET_KEY")
	}
	if apiKey != "" {
		cfg.Exchange.APIKey = apiKey
	}
	if secretKey != "" {
		cfg.Exchange.SecretKey = secretKey
	}
	if *testnetFlag {
		cfg.Exchange.UseTestnet = true
	}

	if cfg.Exchange.APIKey == "" || cfg.Exchange.SecretKey == "" {
		log.Fatal("API credentials missing: set --api-key/--secret-key or BINANCE_API_KEY/BINANCE_SECRET_KEY")
	}

	appLogger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = appLogger.Sync() }()

	if err := run(cfg, appLogger); err != nil && err != context.Canceled {
		log.Fatalf("Engine stopped with error: %v", err)
	}
}

func run(cfg *config.Config, appLogger *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := exchange.NewFuturesClient(cfg.Exchange.APIKey, cfg.Exchange.SecretKey, cfg.Exchange.BaseURL, cfg.Exchange.UseTestnet)
	gateway := exchange.NewGateway(client, cfg.Exchange, appLogger)

	if err := gateway.Init(ctx); err != nil {
		return err
	}

	notifier := notify.NewLogNotifier(appLogger)
	orders := order.NewManager(gateway, cfg.Orders, cfg.Exchange.Symbol, notifier, appLogger)
	riskManager := risk.NewManager(cfg.Risk, appLogger)
	coordinator := protection.NewCoordinator(orders, gateway, cfg.Protection, appLogger)
	watcher := order.NewWatcher(orders, gateway, cfg.Orders.WatchInterval.Std(), appLogger)

	feed := exchange.NewKlineFeed(cfg.Exchange.Symbol, cfg.Exchange.Interval, cfg.Exchange.UseTestnet, appLogger)
	supervisor := connection.NewSupervisor(feed, gateway, orders, notifier, cfg.Connection, appLogger)

	eng := engine.New(cfg, gateway, supervisor, supervisor.Candles(), riskManager, orders, coordinator, notifier, appLogger)

	if err := eng.Warmup(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := supervisor.Run(ctx); err != nil && err != context.Canceled {
			select {
			case errCh <- err:
			default:
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		coordinator.Run(ctx)
	}()

	runErr := eng.Run(ctx)

	stop()
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}

	if runErr == context.Canceled {
		return nil
	}
	return runErr
}

func buildLogger(cfg config.LoggingConfig) (*logger.Logger, error) {
	if cfg.FilePath == "" {
		return logger.NewLogger()
	}
	return logger.NewFileLogger(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxBackups, zapcore.InfoLevel)
}
