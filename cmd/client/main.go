package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"shieldrelay/pkg/prover"
	"shieldrelay/pkg/relayer"
	"shieldrelay/pkg/store"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	endpoint := flag.String("relayer", "http://localhost:8080", "Relayer RPC endpoint")
	keyHex := flag.String("key", "", "Sender private key (hex)")
	kind := flag.String("kind", "swap", "Intent kind: swap or withdraw")
	intentFile := flag.String("intent", "", "Path to the transition JSON file")
	wait := flag.Bool("wait", true, "Poll for the receipt until the pipeline finishes")
	flag.Parse()

	if *keyHex == "" || *intentFile == "" {
		log.Fatal().Msg("Both -key and -intent are required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(*keyHex, "0x"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse private key")
	}
	sender := crypto.PubkeyToAddress(key.PublicKey)

	data, err := os.ReadFile(*intentFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read intent file")
	}
	var transition relayer.TransitionRequest
	if err := json.Unmarshal(data, &transition); err != nil {
		log.Fatal().Err(err).Msg("Failed to parse transition")
	}

	intent := relayer.IntentRequest{
		Kind:       prover.ProofKind(*kind),
		Sender:     sender.Hex(),
		Transition: transition,
	}
	digest, err := intent.Digest()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to compute intent digest")
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign intent")
	}
	intent.Signature = "0x" + hex.EncodeToString(sig)

	var sendResult struct {
		IntentID string `json:"intentId"`
	}
	if err := call(*endpoint, "relay_sendIntent", []interface{}{intent}, &sendResult); err != nil {
		log.Fatal().Err(err).Msg("Failed to submit intent")
	}
	log.Info().Str("intent_id", sendResult.IntentID).Msg("Intent submitted")

	if !*wait {
		return
	}
	for {
		time.Sleep(2 * time.Second)
		var receipt store.Receipt
		if err := call(*endpoint, "relay_getReceipt", []interface{}{sendResult.IntentID}, &receipt); err != nil {
			log.Debug().Err(err).Msg("Receipt not ready")
			continue
		}
		fmt.Printf("Status:  %s\n", receipt.Status)
		if receipt.TxHash != "" {
			fmt.Printf("Tx hash: %s\n", receipt.TxHash)
		}
		if receipt.Error != "" {
			fmt.Printf("Error:   %s\n", receipt.Error)
		}
		return
	}
}

func call(endpoint, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(&rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return err
	}
	resp, err := http.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return json.Unmarshal(rpcResp.Result, result)
}
