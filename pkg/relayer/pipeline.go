package relayer

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"shieldrelay/pkg/consensus"
	"shieldrelay/pkg/core"
	"shieldrelay/pkg/l1"
	"shieldrelay/pkg/merkle"
	"shieldrelay/pkg/prover"
	"shieldrelay/pkg/store"
)

// Pipeline statuses, in order of progress.
const (
	StatusIntentVerified      = "INTENT_VERIFIED"
	StatusConsensusPending    = "CONSENSUS_PENDING"
	StatusSettlementSubmitted = "SETTLEMENT_SUBMITTED"
	StatusConfirmed           = "CONFIRMED"
	StatusFailed              = "FAILED"
)

// Ledger is the settlement-chain surface the pipeline drives. The l1
// client implements it; tests use fakes.
type Ledger interface {
	Sender() common.Address
	OrderedCommitments(ctx context.Context) ([]*big.Int, error)
	CurrentRoot(ctx context.Context) (*big.Int, error)
	IsSpent(ctx context.Context, nullifier *big.Int) (bool, error)
	StakeOf(ctx context.Context, address string) (*big.Int, error)
	SubmitSwap(ctx context.Context, proof [8]*big.Int, publicInputs [17]*big.Int) (*types.Transaction, error)
	SubmitWithdraw(ctx context.Context, proof [8]*big.Int, publicInputs [17]*big.Int, recipient common.Address) (*types.Transaction, error)
	SubmitValidation(ctx context.Context, proofHash [32]byte, validators []common.Address, signatures [][]byte) (*types.Transaction, error)
	WaitConfirmed(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	CommitmentsInReceipt(ctx context.Context, txHash common.Hash) ([]l1.CommitmentEvent, error)
}

// Verifier is the consensus surface. consensus.Network implements it.
type Verifier interface {
	VerifyProof(ctx context.Context, proof *prover.Proof, publicInputs []string) (*consensus.Result, error)
}

// Relayer runs the settlement pipeline: verify the intent, rebuild the
// accumulator against the ledger, build inputs, prove, reach consensus,
// settle, absorb the new commitments.
type Relayer struct {
	cfg      *core.Config
	ledger   Ledger
	verifier Verifier
	backend  *prover.Backend
	builder  *prover.InputBuilder
	store    *store.Store
	acc      *merkle.Accumulator
	specs    map[prover.ProofKind]*prover.CircuitSpec
	signKey  *ecdsa.PrivateKey
}

// New assembles the pipeline from its parts. signKey is used only for
// self-attestation in bypass mode and may be nil otherwise.
func New(cfg *core.Config, ledger Ledger, verifier Verifier, backend *prover.Backend, st *store.Store, signKey *ecdsa.PrivateKey) (*Relayer, error) {
	acc, err := merkle.NewAccumulator(cfg.MerkleTreeDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to create accumulator: %v", err)
	}
	builder := prover.NewInputBuilder(cfg.StrictInputs, cfg.DebugArtifactDir)
	builder.TreeDepth = cfg.MerkleTreeDepth

	specs := map[prover.ProofKind]*prover.CircuitSpec{
		prover.KindSwap: {
			Kind:          prover.KindSwap,
			WitnessGenBin: cfg.SwapWitnessBin,
			WasmPath:      cfg.SwapWasm,
			ZkeyPath:      cfg.SwapZkey,
			VkeyPath:      cfg.SwapVkey,
		},
		prover.KindWithdraw: {
			Kind:          prover.KindWithdraw,
			WitnessGenBin: cfg.WithdrawWitnessBin,
			WasmPath:      cfg.WithdrawWasm,
			ZkeyPath:      cfg.WithdrawZkey,
			VkeyPath:      cfg.WithdrawVkey,
		},
	}

	return &Relayer{
		cfg:      cfg,
		ledger:   ledger,
		verifier: verifier,
		backend:  backend,
		builder:  builder,
		store:    st,
		acc:      acc,
		specs:    specs,
		signKey:  signKey,
	}, nil
}

// Process runs one intent through the full pipeline and returns its
// receipt. Pipeline rejections land in the receipt; only infrastructure
// failures (store, desync) surface as errors.
func (r *Relayer) Process(ctx context.Context, req *IntentRequest) (*store.Receipt, error) {
	start := time.Now()

	payload, err := json.Marshal(&req.Transition)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transition: %v", err)
	}
	intentID := store.IntentID(string(req.Kind), strings.ToLower(req.Sender), payload)
	logger := log.With().Str("intent_id", intentID).Str("kind", string(req.Kind)).Logger()

	// A resubmission converges on the same content-derived id. A terminal
	// intent replays its recorded receipt instead of being reprocessed; an
	// in-flight one is never run twice.
	if prior, err := r.store.GetIntent(intentID); err == nil {
		switch prior.Status {
		case StatusConfirmed, StatusFailed:
			if receipt, rerr := r.store.GetReceipt(intentID); rerr == nil {
				logger.Info().Str("status", prior.Status).Msg("Replaying recorded receipt for resubmitted intent")
				return receipt, nil
			}
		default:
			return nil, fmt.Errorf("intent %s is already being processed", intentID)
		}
	}

	if _, err := req.RecoverSender(); err != nil {
		logger.Warn().Err(err).Msg("Rejecting intent with bad signature")
		return r.fail(req, intentID, start, "", fmt.Sprintf("signature rejected: %v", err))
	}

	intent := &store.Intent{
		ID:         intentID,
		Kind:       string(req.Kind),
		Sender:     req.Sender,
		Transition: payload,
		Signature:  req.Signature,
		Status:     StatusIntentVerified,
		CreatedAt:  start.Unix(),
		UpdatedAt:  start.Unix(),
	}
	if err := r.store.PutIntent(intent); err != nil {
		return nil, err
	}
	logger.Info().Str("sender", req.Sender).Msg("Intent verified")

	// The accumulator is rebuilt from the ledger before every path build,
	// so a path is never derived from stale local state.
	if err := r.syncAccumulator(ctx); err != nil {
		if _, ok := err.(*merkle.DesyncError); ok {
			logger.Error().Err(err).Msg("Accumulator desync against ledger, refusing to operate")
			return nil, err
		}
		return r.fail(req, intentID, start, "", fmt.Sprintf("accumulator sync failed: %v", err))
	}

	data := req.transitionData()
	root, path, indices, err := r.acc.PathTo(data.LeafIndex)
	if err != nil {
		return r.fail(req, intentID, start, "", fmt.Sprintf("no path for leaf %d: %v", data.LeafIndex, err))
	}
	data.MerkleRoot = root
	data.MerklePathIndices = indices
	data.MerklePath = make([]interface{}, len(path))
	for i, p := range path {
		data.MerklePath[i] = p
	}

	inputs, err := r.builder.Build(data)
	if err != nil {
		logger.Warn().Err(err).Msg("Rejecting invalid transition")
		return r.fail(req, intentID, start, "", err.Error())
	}

	nullifier, ok := new(big.Int).SetString(inputs.InputNullifier, 10)
	if !ok {
		return r.fail(req, intentID, start, "", "invalid nullifier")
	}
	spent, err := r.ledger.IsSpent(ctx, nullifier)
	if err != nil {
		return r.fail(req, intentID, start, "", fmt.Sprintf("nullifier check failed: %v", err))
	}
	if spent {
		logger.Warn().Str("nullifier", inputs.InputNullifier).Msg("Rejecting double spend")
		return r.fail(req, intentID, start, "", "nullifier already spent")
	}

	spec, ok := r.specs[req.Kind]
	if !ok {
		return r.fail(req, intentID, start, "", fmt.Sprintf("unsupported proof kind %q", req.Kind))
	}
	result, err := r.backend.Prove(spec, inputs)
	if err != nil {
		logger.Error().Err(err).Msg("Proof generation exhausted all backends")
		return r.fail(req, intentID, start, "", err.Error())
	}
	logger.Info().Str("backend", result.Backend).Int64("elapsed_ms", result.ElapsedMs).Msg("Proof generated")
	if !result.Submittable() {
		return r.fail(req, intentID, start, result.Backend, "proof backend produced a non-submittable proof")
	}

	r.setStatus(intent, StatusConsensusPending)
	var decision *consensus.Result
	if r.cfg.BypassConsensus {
		decision, err = r.selfAttest(ctx, spec, result)
	} else {
		decision, err = r.verifier.VerifyProof(ctx, result.Proof, result.PublicSignals)
	}
	if err != nil {
		return r.fail(req, intentID, start, result.Backend, fmt.Sprintf("consensus failed: %v", err))
	}
	if !decision.Accepted {
		logger.Warn().Str("phase", decision.Phase.String()).Str("reason", decision.Reason).Msg("Consensus rejected proof")
		return r.fail(req, intentID, start, result.Backend, fmt.Sprintf("consensus rejected: %s", decision.Reason))
	}

	return r.executeSettlement(ctx, req, intent, result, inputs, decision, start)
}

// executeSettlement drives the on-chain tail of the pipeline. Validator
// signatures are recorded before the settlement call so the ledger holds
// the threshold evidence for the proof it is about to consume.
func (r *Relayer) executeSettlement(ctx context.Context, req *IntentRequest, intent *store.Intent, result *prover.Result, inputs *prover.CircuitInputs, decision *consensus.Result, start time.Time) (*store.Receipt, error) {
	logger := log.With().Str("intent_id", intent.ID).Str("kind", intent.Kind).Logger()

	if err := r.submitValidation(ctx, result, decision); err != nil {
		return r.fail(req, intent.ID, start, result.Backend, fmt.Sprintf("validation submission failed: %v", err))
	}

	tx, err := r.settle(ctx, req, result, inputs)
	if err != nil {
		return r.fail(req, intent.ID, start, result.Backend, err.Error())
	}
	r.setStatus(intent, StatusSettlementSubmitted)
	logger.Info().Str("tx_hash", tx.Hash().Hex()).Msg("Settlement submitted")

	if _, err := r.ledger.WaitConfirmed(ctx, tx); err != nil {
		return r.fail(req, intent.ID, start, result.Backend, err.Error())
	}
	r.absorbCommitments(ctx, tx.Hash())

	r.setStatus(intent, StatusConfirmed)
	receipt := &store.Receipt{
		IntentID:  intent.ID,
		User:      req.Sender,
		Kind:      string(req.Kind),
		TxHash:    tx.Hash().Hex(),
		Status:    StatusConfirmed,
		Backend:   result.Backend,
		ElapsedMs: time.Since(start).Milliseconds(),
		Timestamp: time.Now().Unix(),
	}
	if err := r.store.PutReceipt(receipt); err != nil {
		return nil, err
	}
	logger.Info().Str("tx_hash", receipt.TxHash).Msg("Intent confirmed")
	return receipt, nil
}

// syncAccumulator rebuilds the local accumulator from the ledger's ordered
// commitments and caches them. A root mismatch is fatal.
func (r *Relayer) syncAccumulator(ctx context.Context) error {
	ordered, err := r.ledger.OrderedCommitments(ctx)
	if err != nil {
		return fmt.Errorf("failed to read ledger commitments: %v", err)
	}
	ledgerRoot, err := r.ledger.CurrentRoot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read ledger root: %v", err)
	}

	acc, err := merkle.NewAccumulator(r.cfg.MerkleTreeDepth)
	if err != nil {
		return err
	}
	if _, err := acc.RebuildFrom(ordered, ledgerRoot); err != nil {
		return err
	}
	r.acc = acc

	for i, c := range ordered {
		if err := r.store.PutCommitment(uint64(i), c); err != nil {
			return err
		}
	}
	log.Debug().Uint64("size", acc.Size()).Str("root", acc.CurrentRoot().String()).Msg("Accumulator rebuilt from ledger")
	return nil
}

// settle dispatches the confirmed proof to the matching contract entry.
func (r *Relayer) settle(ctx context.Context, req *IntentRequest, result *prover.Result, inputs *prover.CircuitInputs) (*types.Transaction, error) {
	calldata, err := result.Proof.ContractCalldata()
	if err != nil {
		return nil, fmt.Errorf("failed to encode proof: %v", err)
	}
	tuple, err := publicTuple(result, inputs)
	if err != nil {
		return nil, err
	}
	switch req.Kind {
	case prover.KindSwap:
		return r.ledger.SubmitSwap(ctx, calldata, tuple)
	case prover.KindWithdraw:
		if req.Transition.Recipient == "" {
			return nil, fmt.Errorf("withdraw intent missing recipient")
		}
		return r.ledger.SubmitWithdraw(ctx, calldata, tuple, common.HexToAddress(req.Transition.Recipient))
	default:
		return nil, fmt.Errorf("no settlement entry for proof kind %q", req.Kind)
	}
}

// publicTuple builds the seventeen-element on-chain tuple, preferring the
// prover's own public signals and falling back to the canonical input
// ordering.
func publicTuple(result *prover.Result, inputs *prover.CircuitInputs) ([17]*big.Int, error) {
	var out [17]*big.Int
	source := result.PublicSignals
	if len(source) != 17 {
		source = []string{
			inputs.MerkleRoot, inputs.InputCommitment, inputs.InputNullifier,
			inputs.OwnerKey, inputs.AssetID, inputs.InputAmount, inputs.InputBlinding,
			inputs.TransferAmount, inputs.TransferBlinding, inputs.TransferRecipientKey,
			inputs.TransferCommitment, inputs.ChangeAmount, inputs.ChangeBlinding,
			inputs.ChangeCommitment, inputs.ProtocolFee, inputs.GasRefund, inputs.LeafIndex,
		}
	}
	for i, s := range source {
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return out, fmt.Errorf("invalid public signal %q", s)
		}
		out[i] = n
	}
	return out, nil
}

// selfAttest verifies the proof in process and votes with the relayer's
// own stake. Bypass mode only.
func (r *Relayer) selfAttest(ctx context.Context, spec *prover.CircuitSpec, result *prover.Result) (*consensus.Result, error) {
	ok, err := prover.Verify(result.Proof, result.PublicSignals, spec.VkeyPath)
	if err != nil {
		return nil, fmt.Errorf("in-process verification failed: %v", err)
	}

	self := r.ledger.Sender().Hex()
	stake, err := r.ledger.StakeOf(ctx, self)
	if err != nil || stake.Sign() == 0 {
		// An unstaked operator still gets a working bypass path.
		log.Warn().Str("operator", self).Msg("Operator has no stake, self-attesting with unit weight")
		stake = big.NewInt(1)
	}

	att := consensus.Attestation{
		Validator:      self,
		VotingPower:    stake,
		VotingPowerStr: stake.String(),
		Valid:          ok,
		Timestamp:      time.Now().Unix(),
	}
	if r.signKey != nil {
		hash := proofHash(result)
		sig, err := crypto.Sign(hash[:], r.signKey)
		if err != nil {
			return nil, fmt.Errorf("failed to sign attestation: %v", err)
		}
		att.Signature = "0x" + hex.EncodeToString(sig)
	}
	return consensus.Aggregate([]consensus.Attestation{att}, r.cfg.ThresholdBps), nil
}

// absorbCommitments folds the commitments appended by a confirmed
// settlement into the local accumulator and cache. Best effort: the next
// sync rebuilds from the ledger anyway.
func (r *Relayer) absorbCommitments(ctx context.Context, txHash common.Hash) {
	events, err := r.ledger.CommitmentsInReceipt(ctx, txHash)
	if err != nil {
		log.Warn().Err(err).Str("tx_hash", txHash.Hex()).Msg("Failed to read appended commitments")
		return
	}
	for _, ev := range events {
		if ev.Index != r.acc.Size() {
			log.Warn().Uint64("event_index", ev.Index).Uint64("local_size", r.acc.Size()).Msg("Out-of-order commitment event, deferring to next rebuild")
			continue
		}
		if _, err := r.acc.Insert(ev.Commitment); err != nil {
			log.Warn().Err(err).Msg("Failed to absorb commitment")
			continue
		}
		if err := r.store.PutCommitment(ev.Index, ev.Commitment); err != nil {
			log.Warn().Err(err).Msg("Failed to cache commitment")
		}
	}
}

// submitValidation records the validator signatures on chain. Best effort
// unless RequireValidationSubmit makes a failure fatal.
func (r *Relayer) submitValidation(ctx context.Context, result *prover.Result, decision *consensus.Result) error {
	if len(decision.Signatures) == 0 {
		return nil
	}
	validators := make([]common.Address, 0, len(decision.Signatures))
	sigs := make([][]byte, 0, len(decision.Signatures))
	for _, att := range decision.Signatures {
		raw, err := hex.DecodeString(strings.TrimPrefix(att.Signature, "0x"))
		if err != nil {
			log.Warn().Str("validator", att.Validator).Msg("Skipping undecodable attestation signature")
			continue
		}
		validators = append(validators, common.HexToAddress(att.Validator))
		sigs = append(sigs, raw)
	}
	if len(sigs) == 0 {
		return nil
	}

	tx, err := r.ledger.SubmitValidation(ctx, proofHash(result), validators, sigs)
	if err == nil {
		_, err = r.ledger.WaitConfirmed(ctx, tx)
	}
	if err != nil {
		if r.cfg.RequireValidationSubmit {
			return err
		}
		log.Warn().Err(err).Msg("Best-effort validation submission failed")
	}
	return nil
}

// proofHash is the digest validators sign and the contract records.
func proofHash(result *prover.Result) [32]byte {
	proofJSON, _ := json.Marshal(result.Proof)
	signalsJSON, _ := json.Marshal(result.PublicSignals)
	var out [32]byte
	copy(out[:], crypto.Keccak256(proofJSON, signalsJSON))
	return out
}

// fail records a failed receipt. The intent record, if one was written,
// is moved to the failed status.
func (r *Relayer) fail(req *IntentRequest, intentID string, start time.Time, backend, reason string) (*store.Receipt, error) {
	if intent, err := r.store.GetIntent(intentID); err == nil {
		r.setStatus(intent, StatusFailed)
	}
	receipt := &store.Receipt{
		IntentID:  intentID,
		User:      req.Sender,
		Kind:      string(req.Kind),
		Status:    StatusFailed,
		Backend:   backend,
		Error:     reason,
		ElapsedMs: time.Since(start).Milliseconds(),
		Timestamp: time.Now().Unix(),
	}
	if err := r.store.PutReceipt(receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (r *Relayer) setStatus(intent *store.Intent, status string) {
	intent.Status = status
	intent.UpdatedAt = time.Now().Unix()
	if err := r.store.PutIntent(intent); err != nil {
		log.Warn().Err(err).Str("intent_id", intent.ID).Msg("Failed to persist intent status")
	}
}
