package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"tradepilot/cmd/backfill"
	"tradepilot/src/auth"
	"tradepilot/src/config"
	"tradepilot/src/confluence"
	"tradepilot/src/connectors"
	"tradepilot/src/database"
	"tradepilot/src/engine"
	"tradepilot/src/executor"
	"tradepilot/src/marketdata"
	"tradepilot/src/predictor"
	"tradepilot/src/repository"
	"tradepilot/src/risk"
	"tradepilot/src/security"
	"tradepilot/src/server"
	"tradepilot/src/strategies"
)

var APP_NAME = os.Getenv("APP_NAME")

func SetupLogger() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		level = logger.InfoLevel
	}

	logger.SetLevel(level)
	logger.SetFormatter(&logger.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	SetupLogger()
	defer handlePanic()

	app := cli.NewApp()
	app.Name = "tradepilot"
	app.Usage = "The tradepilot command line interface"

	app.Commands = []cli.Command{
		runCMD,
		backfillCMD,
		encryptCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func handlePanic() {
	if r := recover(); r != nil {
		logger.WithError(fmt.Errorf("%+v", r)).Error(fmt.Sprintf("Application %s panic", APP_NAME))
	}
	//nolint
	time.Sleep(time.Second * 5)
}

var (
	runCMD = cli.Command{
		Name:        "run",
		Usage:       "run the trading engine and control surface",
		Action:      runAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the trading engine for every configured tenant`,
	}
	backfillCMD = cli.Command{
		Name:        "backfill",
		Usage:       "fetch historical klines into the bar store",
		Action:      backfillAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Fetch OHLCV history used to warm the cache on startup`,
	}
	encryptCMD = cli.Command{
		Name:        "encrypt",
		Usage:       "seal an exchange credential for env storage",
		Action:      encryptAction,
		ArgsUsage:   "<plaintext>",
		Flags:       []cli.Flag{},
		Description: `Print the sealed form of a credential for EXCHANGE_API_KEY_ENC / EXCHANGE_API_SECRET_ENC`,
	}
)

func runAction(_ *cli.Context) error {
	logger.Info("Starting engine CMD")

	settings, health := config.MustLoad()

	if err := database.InitMainDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tradeRepo := repository.NewTradeRepository()
	auditRepo := repository.NewAuditRepository()
	barRepo := repository.NewBarRepository()

	cache := marketdata.NewCache(marketdata.Config{
		BufferCapacity:   settings.Trading.BufferCapacity,
		StalenessWindow:  settings.Trading.StalenessWindow,
		OutlierThreshold: settings.Trading.OutlierThreshold,
	})
	warmupCache(ctx, barRepo, cache, settings.Trading)

	strats := []strategies.Strategy{
		strategies.NewEMACross(),
		strategies.NewRSIReversion(),
		strategies.NewMomentumBreakout(),
	}
	detector := confluence.NewDetector(settings.Confluence, settings.Trading, cache, strats)
	gate := predictor.NewGate(settings.Predictor)

	riskMgr := risk.NewManager(settings.Risk, risk.DefaultSessionConfig(settings.Trading.QuietHours))
	if err := riskMgr.RebuildFromStore(ctx, tradeRepo, settings.Trading.Tenants); err != nil {
		logger.WithError(err).Fatal("Failed to rebuild risk state from store")
	}

	view := cache.View(settings.Trading.PrimaryTimeframe)

	ccfg := connectors.GetConfig()
	conn, err := buildConnector(settings, ccfg, view)
	if err != nil {
		logger.WithError(err).Error("Failed to build exchange connector")
		return err
	}

	exec := executor.New(
		settings.Execution,
		settings.Trading,
		conn,
		view,
		riskMgr,
		tradeRepo,
		auditRepo,
	)

	// the public feed needs no credentials, so paper runs consume the same
	// live market data as real ones; only order flow differs
	stream := connectors.NewStreamClient(ccfg.ExchangeName, ccfg.WsURL)
	pump := engine.NewMarketPump(stream, cache, settings.Trading.Pairs, settings.Trading.PrimaryTimeframe)

	mgr := engine.NewManager()
	mgr.SetPump(pump)
	for _, tenant := range settings.Trading.Tenants {
		inst := engine.NewInstance(tenant, engine.Deps{
			Settings: settings,
			Health:   health,
			Cache:    cache,
			Detector: detector,
			Gate:     gate,
			Risk:     riskMgr,
			Executor: exec,
			Store:    tradeRepo,
			Pruner:   auditRepo,
		})
		mgr.Add(inst)
		pump.Attach(inst)
	}

	srvCfg := server.GetConfig()
	authorizer := auth.NewTokenAuthorizer(auth.ParseTokenSpec(srvCfg.ControlTokens))
	go server.StartServer(srvCfg.Port, mgr, authorizer)

	return mgr.Run(ctx)
}

// buildConnector returns the paper simulator or the live REST adapter,
// depending on execution mode. Live credentials are sealed at rest and
// decrypted here only.
func buildConnector(settings config.Settings, ccfg connectors.Config, prices connectors.PriceSource) (connectors.ExchangeConnector, error) {
	if settings.Execution.Paper {
		logger.WithField("balance", ccfg.PaperStartBalance).Info("paper execution enabled")
		return connectors.NewPaperConnector(
			prices,
			decimal.NewFromFloat(ccfg.PaperStartBalance),
			decimal.NewFromFloat(settings.Execution.TakerFeePct),
		), nil
	}

	apiKey, err := security.DecryptString(ccfg.APIKeyEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt exchange api key: %w", err)
	}
	apiSecret, err := security.DecryptString(ccfg.APISecretEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt exchange api secret: %w", err)
	}

	return connectors.NewRestConnector(ccfg.ExchangeName, apiKey, apiSecret, ccfg.RestBaseURL), nil
}

// warmupCache replays stored bars into the cache so strategies have history
// before the live stream produces its first closed candles.
func warmupCache(ctx context.Context, repo *repository.BarRepository, cache *marketdata.Cache, trading config.Trading) {
	timeframes := append([]string{trading.PrimaryTimeframe}, trading.ExtraTimeframes...)

	for _, pair := range trading.Pairs {
		for _, tf := range timeframes {
			bars, err := repo.FindRecent(ctx, pair, tf, trading.BufferCapacity)
			if err != nil {
				logger.WithError(err).WithFields(map[string]interface{}{
					"pair":      pair,
					"timeframe": tf,
				}).Warn("bar warmup failed")
				continue
			}
			for i := range bars {
				cache.UpdateBar(pair, tf, bars[i].ToBar())
			}
			if len(bars) > 0 {
				logger.WithFields(map[string]interface{}{
					"pair":      pair,
					"timeframe": tf,
					"bars":      len(bars),
				}).Info("cache warmed from stored bars")
			}
		}
	}
}

func backfillAction(_ *cli.Context) error {
	logger.Info("Starting backfill CMD")

	if err := database.InitMainDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	b := &backfill.Backfill{
		Log:  logger.WithField("cmd", "backfill"),
		Repo: repository.NewBarRepository(),
	}

	if err := b.Start(); err != nil {
		logger.WithError(err).Error("Starting backfill CMD")
		return err
	}

	return nil
}

func encryptAction(c *cli.Context) error {
	plain := c.Args().First()
	if plain == "" {
		return fmt.Errorf("usage: encrypt <plaintext>")
	}

	sealed, err := security.EncryptString(plain)
	if err != nil {
		return err
	}

	fmt.Println(sealed)
	return nil
}
