package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erain9/matchsettle/pkg/collabsim"
	"github.com/erain9/matchsettle/pkg/core"
	"github.com/erain9/matchsettle/pkg/logging"
	"github.com/shopspring/decimal"
)

var (
	addr     = flag.String("addr", ":8090", "Listen address")
	seedFile = flag.String("seed", "", "Optional JSON file with resting orders and holdings")
	logLevel = flag.String("log_level", "info", "Log level: debug, info, warn, error")
)

type seed struct {
	Orders   []core.Order `json:"orders"`
	Holdings []struct {
		UserID  string      `json:"userId"`
		TokenID string      `json:"tokenId"`
		Amount  json.Number `json:"amount"`
	} `json:"holdings"`
}

func main() {
	flag.Parse()
	logger := logging.Setup(logging.Config{Level: *logLevel, Pretty: true})

	sim := collabsim.New()
	if *seedFile != "" {
		if err := load(sim, *seedFile); err != nil {
			logger.Fatal().Err(err).Str("file", *seedFile).Msg("Failed to load seed")
		}
	}

	server := &http.Server{
		Addr:              *addr,
		Handler:           sim.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", *addr).Int("orders", len(sim.Orders())).Msg("Starting collaborator simulator")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Failed to serve HTTP")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
}

func load(sim *collabsim.Simulator, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var s seed
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	sim.Seed(s.Orders...)
	for _, h := range s.Holdings {
		amount, err := core.ParseNumber(h.Amount)
		if err != nil {
			return err
		}
		sim.SetHolding(h.UserID, h.TokenID, decimal.Max(amount, decimal.Zero))
	}
	return nil
}
