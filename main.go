package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"shieldrelay/pkg/consensus"
	"shieldrelay/pkg/core"
	"shieldrelay/pkg/l1"
	"shieldrelay/pkg/p2p"
	"shieldrelay/pkg/prover"
	"shieldrelay/pkg/relayer"
	"shieldrelay/pkg/rpc"
	"shieldrelay/pkg/store"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := core.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ledger, err := l1.NewClient(&l1.Config{
		EthereumRPC:     cfg.EthereumRPC,
		ChainID:         cfg.ChainID,
		ContractAddress: cfg.ContractAddress,
		PrivateKey:      cfg.PrivateKey,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create settlement client")
	}
	defer ledger.Close()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	backend := prover.NewBackend(cfg.NativeProverBin, cfg.AllowLocalProver)

	verifier, node, err := buildVerifier(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build consensus network")
	}
	if node != nil {
		defer node.Close()
	}

	signKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load relayer key")
	}

	rel, err := relayer.New(cfg, ledger, verifier, backend, st, signKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create relayer")
	}

	server := rpc.NewServer(rel, st, cfg.RPCPort)
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start RPC server")
	}

	log.Info().
		Str("operator", ledger.Sender().Hex()).
		Bool("bypass_consensus", cfg.BypassConsensus).
		Msg("Relayer started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down")
	if err := server.Stop(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop RPC server")
	}
}

// buildVerifier assembles the consensus transport: a coordinator websocket
// client when a coordinator is configured, otherwise a libp2p node
// querying the validator set directly. Bypass mode needs no network.
func buildVerifier(ctx context.Context, cfg *core.Config) (relayer.Verifier, *p2p.Node, error) {
	if cfg.BypassConsensus {
		return nil, nil, nil
	}

	netCfg := consensus.Config{
		Endpoints:    cfg.ValidatorEndpoints,
		Coordinator:  cfg.CoordinatorURL,
		ThresholdBps: cfg.ThresholdBps,
		QueryTimeout: cfg.QueryTimeout,
		MaxAttempts:  cfg.MaxQueryAttempts,
		BackoffBase:  cfg.QueryBackoffBase,
	}

	if cfg.CoordinatorURL != "" {
		network, err := consensus.NewNetwork(netCfg, consensus.NewCoordinatorClient())
		return network, nil, err
	}

	node, err := p2p.NewNode(ctx, cfg.P2PPort)
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.BootstrapPeers) > 0 {
		if err := node.EnableDiscovery(ctx, cfg.BootstrapPeers); err != nil {
			log.Warn().Err(err).Msg("DHT discovery unavailable, using configured endpoints only")
		} else if discovered, err := node.DiscoverValidators(ctx, cfg.QueryTimeout); err == nil {
			netCfg.Endpoints = append(netCfg.Endpoints, discovered...)
		}
	}

	network, err := consensus.NewNetwork(netCfg, node)
	if err != nil {
		node.Close()
		return nil, nil, err
	}
	return network, node, nil
}
