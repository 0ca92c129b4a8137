package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"shieldrelay/pkg/consensus"
	"shieldrelay/pkg/p2p"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	keyHex := flag.String("key", "", "Validator private key (hex)")
	vkeyPaths := flag.String("vkeys", "", "Comma-separated JSON verification key paths")
	votingPower := flag.String("power", "1", "Advertised voting power for direct mode")
	coordinator := flag.String("coordinator", "", "Coordinator websocket URL; empty runs the libp2p listener")
	port := flag.Int("port", 9001, "libp2p listen port for direct mode")
	bootstrap := flag.String("bootstrap", "", "Comma-separated bootstrap peer multiaddrs")
	flag.Parse()

	if *keyHex == "" {
		log.Fatal().Msg("Missing -key")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(*keyHex, "0x"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse private key")
	}

	var vkeys [][]byte
	for _, path := range strings.Split(*vkeyPaths, ",") {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("Failed to read verification key")
		}
		vkeys = append(vkeys, data)
	}
	if len(vkeys) == 0 {
		log.Fatal().Msg("Missing -vkeys")
	}

	validator := consensus.NewValidator(key, vkeys, *votingPower)
	log.Info().Str("address", validator.Address()).Msg("Validator starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if *coordinator != "" {
		go serveCoordinator(ctx, validator, *coordinator)
		<-sigCh
		return
	}

	node, err := p2p.NewNode(ctx, *port)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create p2p node")
	}
	defer node.Close()
	node.SetVerifyHandler(func(ctx context.Context, req *consensus.VerifyRequest) *consensus.VerifyResponse {
		return validator.Handle(ctx, req)
	})
	if *bootstrap != "" {
		if err := node.EnableDiscovery(ctx, strings.Split(*bootstrap, ",")); err != nil {
			log.Warn().Err(err).Msg("DHT discovery unavailable")
		}
	}

	<-sigCh
	log.Info().Msg("Shutting down")
}

// serveCoordinator keeps the coordinator session alive, reconnecting with
// a fixed delay after drops.
func serveCoordinator(ctx context.Context, validator *consensus.Validator, url string) {
	for {
		err := validator.ServeCoordinator(ctx, url)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("Coordinator session ended, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}
