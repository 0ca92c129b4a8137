package relayer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"shieldrelay/pkg/consensus"
	"shieldrelay/pkg/core"
	"shieldrelay/pkg/l1"
	"shieldrelay/pkg/merkle"
	"shieldrelay/pkg/prover"
	"shieldrelay/pkg/store"
)

// fakeLedger serves a fixed commitment list and root; write methods are
// never reached in these tests.
type fakeLedger struct {
	commitments []*big.Int
	root        *big.Int
	spent       bool
}

func (f *fakeLedger) Sender() common.Address { return common.HexToAddress("0x1") }

func (f *fakeLedger) OrderedCommitments(ctx context.Context) ([]*big.Int, error) {
	return f.commitments, nil
}

func (f *fakeLedger) CurrentRoot(ctx context.Context) (*big.Int, error) {
	return f.root, nil
}

func (f *fakeLedger) IsSpent(ctx context.Context, nullifier *big.Int) (bool, error) {
	return f.spent, nil
}

func (f *fakeLedger) StakeOf(ctx context.Context, address string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeLedger) SubmitSwap(ctx context.Context, proof [8]*big.Int, publicInputs [17]*big.Int) (*types.Transaction, error) {
	panic("not reached")
}

func (f *fakeLedger) SubmitWithdraw(ctx context.Context, proof [8]*big.Int, publicInputs [17]*big.Int, recipient common.Address) (*types.Transaction, error) {
	panic("not reached")
}

func (f *fakeLedger) SubmitValidation(ctx context.Context, proofHash [32]byte, validators []common.Address, signatures [][]byte) (*types.Transaction, error) {
	panic("not reached")
}

func (f *fakeLedger) WaitConfirmed(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	panic("not reached")
}

func (f *fakeLedger) CommitmentsInReceipt(ctx context.Context, txHash common.Hash) ([]l1.CommitmentEvent, error) {
	return nil, nil
}

func testRelayer(t *testing.T, ledger Ledger) (*Relayer, *store.Store) {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.MerkleTreeDepth = 3
	cfg.BypassConsensus = true
	cfg.StorePath = ""

	st, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// A backend with no artifacts and no local prover fails every chain
	// link, which is exactly what the failure-path tests need.
	backend := prover.NewBackend("", false)

	rel, err := New(cfg, ledger, nil, backend, st, nil)
	require.NoError(t, err)
	return rel, st
}

func ledgerWith(t *testing.T, commitments ...*big.Int) *fakeLedger {
	t.Helper()
	acc, err := merkle.NewAccumulator(3)
	require.NoError(t, err)
	for _, c := range commitments {
		_, err := acc.Insert(c)
		require.NoError(t, err)
	}
	return &fakeLedger{commitments: commitments, root: acc.CurrentRoot()}
}

func TestProcessRejectsBadSignature(t *testing.T) {
	rel, _ := testRelayer(t, ledgerWith(t))

	intent, _ := signedIntent(t)
	intent.Signature = "0x" + intent.Signature[4:] // corrupt

	receipt, err := rel.Process(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, receipt.Status)
	require.Contains(t, receipt.Error, "signature rejected")
}

func TestProcessRejectsUnknownLeaf(t *testing.T) {
	// Empty tree: no leaf 0 to build a path for.
	rel, st := testRelayer(t, ledgerWith(t))

	intent, sender := signedIntent(t)
	receipt, err := rel.Process(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, receipt.Status)
	require.Contains(t, receipt.Error, "no path for leaf")

	// The failure is recorded and queryable by the user.
	byUser, err := st.ReceiptsByUser(sender)
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	require.Equal(t, receipt.IntentID, byUser[0].IntentID)
}

func TestProcessRejectsSpentNullifier(t *testing.T) {
	ledger := ledgerWith(t, big.NewInt(1))
	ledger.spent = true
	rel, _ := testRelayer(t, ledger)

	intent, _ := signedIntent(t)
	receipt, err := rel.Process(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, receipt.Status)
	require.Contains(t, receipt.Error, "nullifier already spent")
}

func TestProcessFailsWhenAllBackendsExhausted(t *testing.T) {
	rel, st := testRelayer(t, ledgerWith(t, big.NewInt(1)))

	intent, _ := signedIntent(t)
	receipt, err := rel.Process(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, receipt.Status)
	require.Contains(t, receipt.Error, "proving backends exhausted")

	// The intent record reflects the terminal state.
	stored, err := st.GetIntent(receipt.IntentID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, stored.Status)
}

func TestProcessDesyncIsFatal(t *testing.T) {
	ledger := ledgerWith(t, big.NewInt(1))
	ledger.root = big.NewInt(999) // ledger disagrees with its own list
	rel, _ := testRelayer(t, ledger)

	intent, _ := signedIntent(t)
	_, err := rel.Process(context.Background(), intent)
	require.Error(t, err)

	var desync *merkle.DesyncError
	require.ErrorAs(t, err, &desync)
}

// orderLedger records the sequence of write calls so the settlement
// ordering can be asserted.
type orderLedger struct {
	fakeLedger
	mu             sync.Mutex
	calls          []string
	failValidation bool
}

func (o *orderLedger) record(name string) {
	o.mu.Lock()
	o.calls = append(o.calls, name)
	o.mu.Unlock()
}

func (o *orderLedger) SubmitSwap(ctx context.Context, proof [8]*big.Int, publicInputs [17]*big.Int) (*types.Transaction, error) {
	o.record("swap")
	return types.NewTx(&types.LegacyTx{Nonce: 1}), nil
}

func (o *orderLedger) SubmitValidation(ctx context.Context, proofHash [32]byte, validators []common.Address, signatures [][]byte) (*types.Transaction, error) {
	o.record("submitValidation")
	if o.failValidation {
		return nil, fmt.Errorf("staking contract reverted")
	}
	return types.NewTx(&types.LegacyTx{Nonce: 2}), nil
}

func (o *orderLedger) WaitConfirmed(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	o.record("waitConfirmed")
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func settlementFixture(t *testing.T, st *store.Store) (*IntentRequest, *store.Intent, *prover.Result, *consensus.Result) {
	t.Helper()
	intent, sender := signedIntent(t)
	payload, err := json.Marshal(&intent.Transition)
	require.NoError(t, err)
	record := &store.Intent{
		ID:         store.IntentID(string(intent.Kind), strings.ToLower(sender), payload),
		Kind:       string(intent.Kind),
		Sender:     sender,
		Transition: payload,
		Status:     StatusConsensusPending,
	}
	require.NoError(t, st.PutIntent(record))

	signals := make([]string, 17)
	for i := range signals {
		signals[i] = "7"
	}
	result := &prover.Result{
		Proof: &prover.Proof{
			PiA: [3]string{"1", "2", "1"},
			PiB: [3][2]string{{"1", "2"}, {"3", "4"}, {"1", "0"}},
			PiC: [3]string{"5", "6", "1"},
		},
		PublicSignals: signals,
		Backend:       "native",
	}
	decision := &consensus.Result{
		Accepted: true,
		Phase:    consensus.ThresholdMet,
		Signatures: []consensus.Attestation{{
			Validator:      "0x0000000000000000000000000000000000000001",
			VotingPowerStr: "100",
			Signature:      "0x" + strings.Repeat("ab", 65),
			Valid:          true,
		}},
	}
	return intent, record, result, decision
}

func TestValidationSubmittedBeforeSettlement(t *testing.T) {
	ledger := &orderLedger{}
	rel, st := testRelayer(t, ledger)
	intent, record, result, decision := settlementFixture(t, st)

	receipt, err := rel.executeSettlement(context.Background(), intent, record, result, &prover.CircuitInputs{}, decision, time.Now())
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, receipt.Status)

	// The threshold evidence lands on chain before the settlement call.
	require.Equal(t, []string{"submitValidation", "waitConfirmed", "swap", "waitConfirmed"}, ledger.calls)

	stored, err := st.GetIntent(record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, stored.Status)
}

func TestRequiredValidationFailureAbortsSettlement(t *testing.T) {
	ledger := &orderLedger{failValidation: true}
	rel, st := testRelayer(t, ledger)
	rel.cfg.RequireValidationSubmit = true
	intent, record, result, decision := settlementFixture(t, st)

	receipt, err := rel.executeSettlement(context.Background(), intent, record, result, &prover.CircuitInputs{}, decision, time.Now())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, receipt.Status)
	require.Contains(t, receipt.Error, "validation submission failed")

	// No settlement was attempted after the aborted validation.
	require.Equal(t, []string{"submitValidation"}, ledger.calls)
}

func TestBestEffortValidationFailureStillSettles(t *testing.T) {
	ledger := &orderLedger{failValidation: true}
	rel, st := testRelayer(t, ledger)
	intent, record, result, decision := settlementFixture(t, st)

	receipt, err := rel.executeSettlement(context.Background(), intent, record, result, &prover.CircuitInputs{}, decision, time.Now())
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, receipt.Status)
	require.Equal(t, []string{"submitValidation", "swap", "waitConfirmed"}, ledger.calls)
}

func TestProcessReplaysTerminalReceipt(t *testing.T) {
	rel, st := testRelayer(t, ledgerWith(t, big.NewInt(1)))
	intent, sender := signedIntent(t)

	first, err := rel.Process(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, first.Status)

	// The identical intent converges on the same id and is not rerun.
	second, err := rel.Process(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, first, second)

	byUser, err := st.ReceiptsByUser(sender)
	require.NoError(t, err)
	require.Len(t, byUser, 1)
}

func TestProcessRejectsInFlightIntent(t *testing.T) {
	rel, st := testRelayer(t, ledgerWith(t, big.NewInt(1)))
	intent, _ := signedIntent(t)

	payload, err := json.Marshal(&intent.Transition)
	require.NoError(t, err)
	id := store.IntentID(string(intent.Kind), strings.ToLower(intent.Sender), payload)
	require.NoError(t, st.PutIntent(&store.Intent{ID: id, Status: StatusConsensusPending}))

	_, err = rel.Process(context.Background(), intent)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already being processed")
}

func TestPublicTupleFallbackOrdering(t *testing.T) {
	inputs := &prover.CircuitInputs{
		MerkleRoot:      "10",
		InputCommitment: "11",
		InputNullifier:  "12",
		OwnerKey:        "13",
		AssetID:         "14",
		InputAmount:     "15",
		InputBlinding:   "16",

		TransferAmount:       "17",
		TransferBlinding:     "18",
		TransferRecipientKey: "19",
		TransferCommitment:   "20",

		ChangeAmount:     "21",
		ChangeBlinding:   "22",
		ChangeCommitment: "23",

		ProtocolFee: "24",
		GasRefund:   "25",
		LeafIndex:   "26",
	}

	// Short signal list forces the fallback to the canonical ordering.
	tuple, err := publicTuple(&prover.Result{PublicSignals: []string{"1"}}, inputs)
	require.NoError(t, err)
	for i := 0; i < 17; i++ {
		require.Equal(t, int64(10+i), tuple[i].Int64(), "slot %d", i)
	}

	// A full signal list wins over the inputs.
	signals := make([]string, 17)
	for i := range signals {
		signals[i] = "7"
	}
	tuple, err = publicTuple(&prover.Result{PublicSignals: signals}, inputs)
	require.NoError(t, err)
	require.Equal(t, int64(7), tuple[0].Int64())
}

func TestProofHashDeterministic(t *testing.T) {
	result := &prover.Result{
		Proof:         &prover.Proof{PiA: [3]string{"1", "2", "1"}},
		PublicSignals: []string{"1", "2"},
	}
	a := proofHash(result)
	b := proofHash(result)
	require.Equal(t, a, b)

	result.PublicSignals = []string{"1", "3"}
	require.NotEqual(t, a, proofHash(result))
}
