package prover

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	rapidsnark "github.com/iden3/go-rapidsnark/prover"
	"github.com/iden3/go-rapidsnark/witness"
	"github.com/rs/zerolog/log"
)

// CircuitSpec names the artifacts of one circuit kind.
type CircuitSpec struct {
	Kind ProofKind
	// WitnessGenBin is the circuit's own witness calculator binary,
	// executed as a subprocess on the native path.
	WitnessGenBin string
	// WasmPath is the circom wasm witness calculator for the in-process
	// path.
	WasmPath string
	// ZkeyPath is the Groth16 proving key.
	ZkeyPath string
	// VkeyPath is the JSON verification key.
	VkeyPath string
}

// Backend executes proof generation: a native high-performance prover
// binary first when its artifacts are present, then the in-process proving
// library (cached witness calculator first, a fresh full run as baseline),
// then the local development prover when enabled. Every outcome lands in
// the rolling statistics window.
type Backend struct {
	// NativeProverBin is the rapidsnark-style prover binary. Empty
	// disables the native path.
	NativeProverBin string
	// AllowLocalProver enables the gnark development prover as the final
	// fallback. Its proofs are not submittable on-chain.
	AllowLocalProver bool

	Stats *Stats

	local   *LocalProver
	localMu sync.Mutex

	// cached in-process witness calculators and artifacts, keyed by kind
	calcMu sync.Mutex
	calcs  map[ProofKind]*witness.Circom2WitnessCalculator
	wasm   map[ProofKind][]byte
	zkey   map[ProofKind][]byte
}

// NewBackend returns a backend with an empty statistics window.
func NewBackend(nativeProverBin string, allowLocal bool) *Backend {
	return &Backend{
		NativeProverBin:  nativeProverBin,
		AllowLocalProver: allowLocal,
		Stats:            NewStats(),
		calcs:            make(map[ProofKind]*witness.Circom2WitnessCalculator),
		wasm:             make(map[ProofKind][]byte),
		zkey:             make(map[ProofKind][]byte),
	}
}

// Prove runs the backend chain for the given circuit. The native subprocess
// has no internal cancellation: a caller abandoning the request lets it run
// to completion with the result discarded.
func (b *Backend) Prove(spec *CircuitSpec, inputs *CircuitInputs) (*Result, error) {
	attempts := []string{}
	start := time.Now()

	if res, err := b.proveNative(spec, inputs); err == nil {
		b.Stats.Record(spec.Kind, res.ElapsedMs, nil)
		return res, nil
	} else if err != errNativeUnavailable {
		log.Warn().Err(err).Str("kind", string(spec.Kind)).Msg("Native prover failed, falling back to in-process prover")
		attempts = append(attempts, fmt.Sprintf("native: %v", err))
	} else {
		attempts = append(attempts, "native: artifacts not present")
	}

	if res, err := b.proveInProcess(spec, inputs, true); err == nil {
		b.Stats.Record(spec.Kind, res.ElapsedMs, nil)
		return res, nil
	} else {
		log.Warn().Err(err).Str("kind", string(spec.Kind)).Msg("Fast in-process prover failed, falling back to baseline")
		attempts = append(attempts, fmt.Sprintf("in-process fast: %v", err))
	}

	if res, err := b.proveInProcess(spec, inputs, false); err == nil {
		b.Stats.Record(spec.Kind, res.ElapsedMs, nil)
		return res, nil
	} else {
		attempts = append(attempts, fmt.Sprintf("in-process baseline: %v", err))
	}

	if b.AllowLocalProver {
		if res, err := b.proveLocal(spec, inputs); err == nil {
			b.Stats.Record(spec.Kind, res.ElapsedMs, nil)
			return res, nil
		} else {
			attempts = append(attempts, fmt.Sprintf("local: %v", err))
		}
	}

	genErr := &GenerationError{Kind: spec.Kind, Attempts: attempts}
	b.Stats.Record(spec.Kind, time.Since(start).Milliseconds(), genErr)
	return nil, genErr
}

var errNativeUnavailable = fmt.Errorf("native prover artifacts not present")

// proveNative shells out to the circuit's witness generator and the native
// prover binary, exchanging data through a temporary directory that is
// removed on every exit path.
func (b *Backend) proveNative(spec *CircuitSpec, inputs *CircuitInputs) (*Result, error) {
	if b.NativeProverBin == "" || spec.WitnessGenBin == "" {
		return nil, errNativeUnavailable
	}
	for _, p := range []string{b.NativeProverBin, spec.WitnessGenBin, spec.ZkeyPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, errNativeUnavailable
		}
	}

	start := time.Now()
	tmp, err := os.MkdirTemp("", "shieldrelay-prove-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %v", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmp); rmErr != nil {
			log.Error().Err(rmErr).Str("dir", tmp).Msg("Failed to clean up prover temp dir")
		}
	}()

	inputPath := filepath.Join(tmp, "input.json")
	witnessPath := filepath.Join(tmp, "witness.wtns")
	proofPath := filepath.Join(tmp, "proof.json")
	publicPath := filepath.Join(tmp, "public.json")

	inputJSON, err := inputs.JSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inputs: %v", err)
	}
	if err := os.WriteFile(inputPath, inputJSON, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write input file: %v", err)
	}

	witCmd := exec.Command(spec.WitnessGenBin, inputPath, witnessPath)
	if out, err := witCmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("witness generator exited with error: %v (output: %s)", err, out)
	}

	proveCmd := exec.Command(b.NativeProverBin, spec.ZkeyPath, witnessPath, proofPath, publicPath)
	if out, err := proveCmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("native prover exited with error: %v (output: %s)", err, out)
	}

	proofData, err := os.ReadFile(proofPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read proof output: %v", err)
	}
	publicData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public signals output: %v", err)
	}

	proof, err := ParseProof(proofData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse native proof: %v", err)
	}
	var signals []string
	if err := json.Unmarshal(publicData, &signals); err != nil {
		return nil, fmt.Errorf("failed to parse public signals: %v", err)
	}

	return &Result{
		Proof:         proof,
		PublicSignals: signals,
		Backend:       "native",
		ElapsedMs:     time.Since(start).Milliseconds(),
	}, nil
}

// proveInProcess runs the in-process proving library. The fast variant
// reuses a cached witness calculator with the sanity check disabled; the
// baseline builds a fresh calculator with the sanity check on.
func (b *Backend) proveInProcess(spec *CircuitSpec, inputs *CircuitInputs, fast bool) (*Result, error) {
	start := time.Now()

	inputJSON, err := inputs.JSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inputs: %v", err)
	}
	parsedInputs, err := witness.ParseInputs(inputJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to parse witness inputs: %v", err)
	}

	zkey, err := b.artifact(spec.Kind, spec.ZkeyPath, b.zkey)
	if err != nil {
		return nil, err
	}

	var wtns []byte
	if fast {
		calc, err := b.cachedCalculator(spec)
		if err != nil {
			return nil, err
		}
		wtns, err = calc.CalculateWTNSBin(parsedInputs, false)
		if err != nil {
			return nil, fmt.Errorf("fast witness calculation failed: %v", err)
		}
	} else {
		wasm, err := b.artifact(spec.Kind, spec.WasmPath, b.wasm)
		if err != nil {
			return nil, err
		}
		calc, err := witness.NewCircom2WitnessCalculator(wasm, true)
		if err != nil {
			return nil, fmt.Errorf("failed to build witness calculator: %v", err)
		}
		wtns, err = calc.CalculateWTNSBin(parsedInputs, true)
		if err != nil {
			return nil, fmt.Errorf("baseline witness calculation failed: %v", err)
		}
	}

	proofJSON, publicJSON, err := rapidsnark.Groth16ProverRaw(zkey, wtns)
	if err != nil {
		return nil, fmt.Errorf("in-process prover failed: %v", err)
	}
	proof, err := ParseProof([]byte(proofJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse in-process proof: %v", err)
	}
	var signals []string
	if err := json.Unmarshal([]byte(publicJSON), &signals); err != nil {
		return nil, fmt.Errorf("failed to parse public signals: %v", err)
	}

	backend := "in-process-baseline"
	if fast {
		backend = "in-process-fast"
	}
	return &Result{
		Proof:         proof,
		PublicSignals: signals,
		Backend:       backend,
		ElapsedMs:     time.Since(start).Milliseconds(),
	}, nil
}

func (b *Backend) proveLocal(spec *CircuitSpec, inputs *CircuitInputs) (*Result, error) {
	b.localMu.Lock()
	if b.local == nil {
		lp, err := NewLocalProver()
		if err != nil {
			b.localMu.Unlock()
			return nil, fmt.Errorf("failed to initialize local prover: %v", err)
		}
		b.local = lp
	}
	lp := b.local
	b.localMu.Unlock()
	return lp.Prove(inputs)
}

func (b *Backend) cachedCalculator(spec *CircuitSpec) (*witness.Circom2WitnessCalculator, error) {
	b.calcMu.Lock()
	defer b.calcMu.Unlock()
	if calc, ok := b.calcs[spec.Kind]; ok {
		return calc, nil
	}
	wasm, err := b.artifactLocked(spec.Kind, spec.WasmPath, b.wasm)
	if err != nil {
		return nil, err
	}
	calc, err := witness.NewCircom2WitnessCalculator(wasm, false)
	if err != nil {
		return nil, fmt.Errorf("failed to build cached witness calculator: %v", err)
	}
	b.calcs[spec.Kind] = calc
	return calc, nil
}

func (b *Backend) artifact(kind ProofKind, path string, cache map[ProofKind][]byte) ([]byte, error) {
	b.calcMu.Lock()
	defer b.calcMu.Unlock()
	return b.artifactLocked(kind, path, cache)
}

func (b *Backend) artifactLocked(kind ProofKind, path string, cache map[ProofKind][]byte) ([]byte, error) {
	if data, ok := cache[kind]; ok {
		return data, nil
	}
	if path == "" {
		return nil, fmt.Errorf("no artifact configured for %s circuit", kind)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read circuit artifact %s: %v", path, err)
	}
	cache[kind] = data
	return data, nil
}
