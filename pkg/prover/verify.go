package prover

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/vocdoni/circom2gnark/parser"
)

// snarkjsProof is the wire shape the parser understands.
type snarkjsProof struct {
	PiA      [3]string    `json:"pi_a"`
	PiB      [3][2]string `json:"pi_b"`
	PiC      [3]string    `json:"pi_c"`
	Protocol string       `json:"protocol"`
	Curve    string       `json:"curve"`
}

// Verify checks a circom Groth16 proof against the circuit's JSON
// verification key, in process. Used by the operator-bypass path before
// self-attesting and by validator-side handlers.
func Verify(proof *Proof, publicSignals []string, vkeyPath string) (bool, error) {
	vkey, err := os.ReadFile(vkeyPath)
	if err != nil {
		return false, fmt.Errorf("failed to read verification key: %v", err)
	}
	return VerifyWithKey(proof, publicSignals, vkey)
}

// VerifyWithKey is Verify with the verification key already in memory.
func VerifyWithKey(proof *Proof, publicSignals []string, vkey []byte) (bool, error) {
	proofJSON, err := json.Marshal(&snarkjsProof{
		PiA:      proof.PiA,
		PiB:      proof.PiB,
		PiC:      proof.PiC,
		Protocol: proof.Protocol,
		Curve:    "bn128",
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal proof: %v", err)
	}
	signalsJSON, err := json.Marshal(publicSignals)
	if err != nil {
		return false, fmt.Errorf("failed to marshal public signals: %v", err)
	}

	proofData, err := parser.UnmarshalCircomProofJSON(proofJSON)
	if err != nil {
		return false, fmt.Errorf("failed to parse proof: %v", err)
	}
	signalsData, err := parser.UnmarshalCircomPublicSignalsJSON(signalsJSON)
	if err != nil {
		return false, fmt.Errorf("failed to parse public signals: %v", err)
	}
	vkeyData, err := parser.UnmarshalCircomVerificationKeyJSON(vkey)
	if err != nil {
		return false, fmt.Errorf("failed to parse verification key: %v", err)
	}
	gnarkProof, err := parser.ConvertCircomToGnark(proofData, vkeyData, signalsData)
	if err != nil {
		return false, fmt.Errorf("failed to convert proof: %v", err)
	}
	ok, err := parser.VerifyProof(gnarkProof)
	if err != nil {
		return false, fmt.Errorf("proof verification failed: %v", err)
	}
	return ok, nil
}
