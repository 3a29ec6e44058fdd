package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"marketstream/config"
	"marketstream/connector/binance"
	"marketstream/connector/kraken"
	"marketstream/logger"
	"marketstream/models"
	"marketstream/stream"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	venue := flag.String("venue", "binance", "Venue to stream from (binance or kraken)")
	symbolList := flag.String("symbols", "BTC,ETH", "Comma-separated canonical symbols")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Marketstream.Name,
		"version":     cfg.Marketstream.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting marketstream")

	manager := stream.NewManager(stream.OptionsFromConfig(cfg), map[string]stream.Factory{
		"binance": binance.Factory,
		"kraken":  kraken.Factory,
	})

	if err := manager.Start(*venue); err != nil {
		log.WithError(err).Error("Failed to start venue connector")
		os.Exit(1)
	}

	kinds := []models.StreamKind{models.KindTicker, models.KindTrade}
	subs := make([]*stream.Subscription, 0)
	for _, symbol := range strings.Split(*symbolList, ",") {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}
		sub, err := manager.Subscribe(symbol, *venue, kinds, stream.HandlerFunc(logEnvelope))
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Error("Failed to subscribe")
			os.Exit(1)
		}
		subs = append(subs, sub)
		log.WithFields(logger.Fields{
			"symbol":       symbol,
			"venue":        *venue,
			"subscription": sub.ID,
		}).Info("subscribed")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	for _, sub := range subs {
		manager.Unsubscribe(sub)
	}
	manager.Close()
	log.Info("marketstream stopped")
}

func logEnvelope(env models.Envelope) {
	fields := logger.Fields{
		"exchange": env.Exchange,
		"symbol":   env.Symbol,
		"kind":     string(env.Kind),
	}
	switch p := env.Payload.(type) {
	case models.TickerPayload:
		fields["price"] = p.Price
		fields["change_pct"] = p.ChangePercent
	case models.TradePayload:
		fields["price"] = p.Price
		fields["quantity"] = p.Quantity
		fields["side"] = p.Side
	case models.DepthPayload:
		fields["bids"] = len(p.Bids)
		fields["asks"] = len(p.Asks)
	case models.KlinePayload:
		fields["close"] = p.Close
		fields["interval"] = p.Interval
	}
	logger.GetLogger().WithComponent("feed").WithFields(fields).Info("envelope")
}
