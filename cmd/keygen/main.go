package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	count := flag.Int("n", 1, "Number of keys to generate")
	quiet := flag.Bool("quiet", false, "Print only key material, one 'privkey address' pair per line")
	flag.Parse()

	if *count < 1 {
		log.Fatal().Int("n", *count).Msg("Key count must be at least 1")
	}

	for i := 0; i < *count; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			log.Fatal().Err(err).Msg("Key generation failed")
		}
		priv := hex.EncodeToString(crypto.FromECDSA(key))
		addr := crypto.PubkeyToAddress(key.PublicKey)

		if *quiet {
			fmt.Printf("%s %s\n", priv, addr.Hex())
			continue
		}
		fmt.Printf("key %d\n", i+1)
		fmt.Printf("  private: %s\n", priv)
		fmt.Printf("  address: %s\n", addr.Hex())
	}

	if !*quiet {
		fmt.Println("\nA relayer reads its key from RELAYER_PRIVATE_KEY; a validator")
		fmt.Println("daemon takes one with -key. Generate a batch with -n for a")
		fmt.Println("local validator set.")
	}
}
