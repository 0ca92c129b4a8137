package prover

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	frmimc "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark/backend/groth16"
	gnarkwitness "github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/std/hash/mimc"
)

// TransitionCircuit is the development circuit behind the local prover: it
// asserts value conservation and binds every secret transition field to the
// published digests through a MiMC commitment. It is not the production
// circuit; its proofs verify only against the locally generated key.
type TransitionCircuit struct {
	// Public inputs
	InputCommitment    frontend.Variable `gnark:",public"`
	InputNullifier     frontend.Variable `gnark:",public"`
	TransferCommitment frontend.Variable `gnark:",public"`
	ChangeCommitment   frontend.Variable `gnark:",public"`
	MerkleRoot         frontend.Variable `gnark:",public"`
	ProtocolFee        frontend.Variable `gnark:",public"`
	GasRefund          frontend.Variable `gnark:",public"`
	Binding            frontend.Variable `gnark:",public"`

	// Private inputs
	AssetID        frontend.Variable `gnark:",secret"`
	InputAmount    frontend.Variable `gnark:",secret"`
	InputBlinding  frontend.Variable `gnark:",secret"`
	OwnerKey       frontend.Variable `gnark:",secret"`
	TransferAmount frontend.Variable `gnark:",secret"`
	ChangeAmount   frontend.Variable `gnark:",secret"`
}

// Define implements the conservation and binding constraints.
func (c *TransitionCircuit) Define(api frontend.API) error {
	outflow := api.Add(c.TransferAmount, c.ChangeAmount, c.ProtocolFee, c.GasRefund)
	api.AssertIsEqual(outflow, c.InputAmount)

	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(c.AssetID, c.InputAmount, c.InputBlinding, c.OwnerKey,
		c.TransferAmount, c.ChangeAmount,
		c.InputCommitment, c.InputNullifier, c.TransferCommitment, c.ChangeCommitment, c.MerkleRoot)
	api.AssertIsEqual(h.Sum(), c.Binding)
	return nil
}

// LocalProver is the in-process gnark Groth16 prover used as the final,
// development-only fallback when no circuit artifacts are available. Keys
// are generated at startup; proofs are for local verification only and are
// never submitted on-chain.
type LocalProver struct {
	provingKey   groth16.ProvingKey
	verifyingKey groth16.VerifyingKey
	r1cs         constraint.ConstraintSystem
}

// NewLocalProver compiles the development circuit and runs the Groth16
// setup.
func NewLocalProver() (*LocalProver, error) {
	var circuit TransitionCircuit
	cs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return nil, fmt.Errorf("failed to compile circuit: %v", err)
	}
	pk, vk, err := groth16.Setup(cs)
	if err != nil {
		return nil, fmt.Errorf("failed to setup keys: %v", err)
	}
	return &LocalProver{provingKey: pk, verifyingKey: vk, r1cs: cs}, nil
}

// bindingDigest mirrors the circuit's MiMC write order natively.
func bindingDigest(values ...*big.Int) *big.Int {
	h := frmimc.NewMiMC()
	for _, v := range values {
		var e fr.Element
		e.SetBigInt(v)
		b := e.Bytes()
		h.Write(b[:])
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

// Prove generates a development proof over canonical circuit inputs.
func (p *LocalProver) Prove(inputs *CircuitInputs) (*Result, error) {
	start := time.Now()

	dec := func(s string) (*big.Int, error) {
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("invalid decimal input %q", s)
		}
		return n, nil
	}
	names := []string{
		inputs.AssetID, inputs.InputAmount, inputs.InputBlinding, inputs.OwnerKey,
		inputs.TransferAmount, inputs.ChangeAmount,
		inputs.InputCommitment, inputs.InputNullifier, inputs.TransferCommitment,
		inputs.ChangeCommitment, inputs.MerkleRoot, inputs.ProtocolFee, inputs.GasRefund,
	}
	vals := make([]*big.Int, len(names))
	for i, s := range names {
		v, err := dec(s)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	binding := bindingDigest(vals[0], vals[1], vals[2], vals[3], vals[4], vals[5],
		vals[6], vals[7], vals[8], vals[9], vals[10])

	assignment := &TransitionCircuit{
		InputCommitment:    vals[6],
		InputNullifier:     vals[7],
		TransferCommitment: vals[8],
		ChangeCommitment:   vals[9],
		MerkleRoot:         vals[10],
		ProtocolFee:        vals[11],
		GasRefund:          vals[12],
		Binding:            binding,
		AssetID:            vals[0],
		InputAmount:        vals[1],
		InputBlinding:      vals[2],
		OwnerKey:           vals[3],
		TransferAmount:     vals[4],
		ChangeAmount:       vals[5],
	}

	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("failed to create witness: %v", err)
	}
	proof, err := groth16.Prove(p.r1cs, p.provingKey, w)
	if err != nil {
		return nil, fmt.Errorf("failed to generate proof: %v", err)
	}

	var proofBuf bytes.Buffer
	if _, err := proof.WriteTo(&proofBuf); err != nil {
		return nil, fmt.Errorf("failed to serialize proof: %v", err)
	}
	publicWitness, err := w.Public()
	if err != nil {
		return nil, fmt.Errorf("failed to extract public witness: %v", err)
	}
	var pubBuf bytes.Buffer
	if _, err := publicWitness.WriteTo(&pubBuf); err != nil {
		return nil, fmt.Errorf("failed to serialize public witness: %v", err)
	}

	return &Result{
		RawProof:      proofBuf.Bytes(),
		RawPublic:     pubBuf.Bytes(),
		PublicSignals: []string{inputs.InputCommitment, inputs.InputNullifier, inputs.TransferCommitment, inputs.ChangeCommitment, inputs.MerkleRoot, inputs.ProtocolFee, inputs.GasRefund, binding.String()},
		Backend:       "local-gnark",
		ElapsedMs:     time.Since(start).Milliseconds(),
	}, nil
}

// Verify checks a development proof against the locally generated key.
func (p *LocalProver) Verify(rawProof, rawPublic []byte) (bool, error) {
	publicWitness, err := gnarkwitness.New(ecc.BN254.ScalarField())
	if err != nil {
		return false, fmt.Errorf("failed to create witness: %v", err)
	}
	if _, err := publicWitness.ReadFrom(bytes.NewReader(rawPublic)); err != nil {
		return false, fmt.Errorf("failed to deserialize public witness: %v", err)
	}
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(rawProof)); err != nil {
		return false, fmt.Errorf("failed to deserialize proof: %v", err)
	}
	if err := groth16.Verify(proof, p.verifyingKey, publicWitness); err != nil {
		return false, fmt.Errorf("proof verification failed: %v", err)
	}
	return true, nil
}
