package store

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIntentIDIsContentDerived(t *testing.T) {
	payload := json.RawMessage(`{"assetId":"1"}`)
	a := IntentID("swap", "0xabc", payload)
	b := IntentID("swap", "0xabc", payload)
	require.Equal(t, a, b)

	require.NotEqual(t, a, IntentID("withdraw", "0xabc", payload))
	require.NotEqual(t, a, IntentID("swap", "0xdef", payload))
	require.NotEqual(t, a, IntentID("swap", "0xabc", json.RawMessage(`{"assetId":"2"}`)))
}

func TestIntentRoundTrip(t *testing.T) {
	s := openTestStore(t)

	intent := &Intent{
		ID:         "0x01",
		Kind:       "swap",
		Sender:     "0xabc",
		Transition: json.RawMessage(`{"assetId":"1"}`),
		Status:     "INTENT_VERIFIED",
		CreatedAt:  100,
		UpdatedAt:  100,
	}
	require.NoError(t, s.PutIntent(intent))

	got, err := s.GetIntent("0x01")
	require.NoError(t, err)
	require.Equal(t, intent, got)

	_, err = s.GetIntent("0xmissing")
	require.True(t, ErrNotFound(err))
}

func TestReceiptsByUser(t *testing.T) {
	s := openTestStore(t)

	for i, user := range []string{"0xalice", "0xalice", "0xbob"} {
		require.NoError(t, s.PutReceipt(&Receipt{
			IntentID:  string(rune('a' + i)),
			User:      user,
			Status:    "CONFIRMED",
			Timestamp: int64(i),
		}))
	}

	alice, err := s.ReceiptsByUser("0xalice")
	require.NoError(t, err)
	require.Len(t, alice, 2)
	for _, r := range alice {
		require.Equal(t, "0xalice", r.User)
	}

	bob, err := s.ReceiptsByUser("0xbob")
	require.NoError(t, err)
	require.Len(t, bob, 1)

	none, err := s.ReceiptsByUser("0xnobody")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestReceiptOverwriteKeepsSingleIndexEntry(t *testing.T) {
	s := openTestStore(t)

	r := &Receipt{IntentID: "id1", User: "0xalice", Status: "FAILED"}
	require.NoError(t, s.PutReceipt(r))
	r.Status = "CONFIRMED"
	require.NoError(t, s.PutReceipt(r))

	got, err := s.ReceiptsByUser("0xalice")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "CONFIRMED", got[0].Status)
}

func TestCommitmentsKeepInsertionOrder(t *testing.T) {
	s := openTestStore(t)

	// More than ten entries so lexicographic ordering must not beat the
	// numeric index padding.
	want := make([]*big.Int, 12)
	for i := range want {
		want[i] = big.NewInt(int64(1000 + i))
		require.NoError(t, s.PutCommitment(uint64(i), want[i]))
	}

	got, err := s.Commitments()
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, 0, want[i].Cmp(got[i]), "index %d", i)
	}
}

func TestQuoteRoundTrip(t *testing.T) {
	s := openTestStore(t)

	quote := &Quote{
		ID:        "q1",
		AssetIn:   "1",
		AssetOut:  "2",
		AmountIn:  "1000",
		AmountOut: "995",
		FeeBps:    50,
		ExpiresAt: 1700000000,
	}
	require.NoError(t, s.PutQuote(quote))

	got, err := s.GetQuote("q1")
	require.NoError(t, err)
	require.Equal(t, quote, got)

	_, err = s.GetQuote("q2")
	require.True(t, ErrNotFound(err))
}
