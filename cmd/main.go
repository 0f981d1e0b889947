// Command arbiter runs cross-venue arbitrage over the configured exchanges.
//
// Usage:
//
//	arbiter -config config.yaml -env .env
//
// Venue credentials are read from the environment, either per venue
// (BINANCE_MAIN_API_KEY for a venue named binance-main) or per platform
// (BINANCE_API_KEY, BYBIT_API_KEY, HYPERLIQUID_PRIVATE_KEY).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vadiminshakov/arbiter/config"
	"github.com/vadiminshakov/arbiter/internal"
	"github.com/vadiminshakov/arbiter/internal/domain"
)

func main() {
	conf, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(conf.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	venues := make([]domain.Exchange, 0, len(conf.Venues))
	for _, v := range conf.Venues {
		ex, err := internal.NewVenue(v, logger.Named(string(v.ID)))
		if err != nil {
			logger.Fatal("failed to create venue", zap.String("venue", string(v.ID)), zap.Error(err))
		}
		venues = append(venues, ex)
	}

	app, err := internal.NewApp(ctx, conf, venues, logger)
	if err != nil {
		logger.Fatal("failed to assemble service", zap.Error(err))
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("failed to close stores", zap.Error(err))
		}
	}()

	logger.Info("arbiter started",
		zap.Int("venues", len(venues)),
		zap.Int("symbols", len(conf.Symbols)),
		zap.String("http", conf.HTTPAddr))

	if err := app.Run(ctx); err != nil {
		logger.Error("arbiter stopped", zap.Error(err))
		return
	}
	logger.Info("arbiter stopped")
}

// newLogger builds the production zap logger, teed into a rotating file when one is configured.
func newLogger(conf config.Log) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(conf.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	if conf.File == "" {
		return logger, nil
	}

	file := zapcore.NewCore(
		zapcore.NewJSONEncoder(zc.EncoderConfig),
		zapcore.AddSync(&lumberjack.Logger{
			Filename:   conf.File,
			MaxSize:    conf.MaxSizeMB,
			MaxBackups: conf.MaxBackups,
			MaxAge:     conf.MaxAgeDays,
			Compress:   true,
		}),
		level,
	)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, file)
	})), nil
}
