package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"shieldrelay/pkg/consensus"
	"shieldrelay/pkg/core"
	"shieldrelay/pkg/l1"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	port := flag.Int("port", 9100, "Coordinator listen port")
	collectWait := flag.Duration("collect-wait", 15*time.Second, "How long to wait for validator responses")
	flag.Parse()

	cfg := core.FromEnv()
	stake, err := l1.NewClient(&l1.Config{
		EthereumRPC:     cfg.EthereumRPC,
		ChainID:         cfg.ChainID,
		ContractAddress: cfg.ContractAddress,
		PrivateKey:      cfg.PrivateKey,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create settlement client")
	}
	defer stake.Close()

	hub := consensus.NewHub(stake, cfg.ThresholdBps, *collectWait)
	mux := http.NewServeMux()
	hub.Routes(mux)

	addr := fmt.Sprintf(":%d", *port)
	log.Info().Str("addr", addr).Int64("threshold_bps", cfg.ThresholdBps).Msg("Coordinator listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal().Err(err).Msg("Coordinator server failed")
	}
}
