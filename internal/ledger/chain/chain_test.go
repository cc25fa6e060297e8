package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"biobank.org/internal/fault"
)

type fakeBackend struct {
	nonce        uint64
	sent         []*types.Transaction
	pollsNeeded  int
	polls        int
	receipt      *types.Receipt
	callContract func(msg ethereum.CallMsg, block *big.Int) ([]byte, error)
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	n := f.nonce
	f.nonce++
	return n, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.polls++
	if f.polls <= f.pollsNeeded {
		return nil, ethereum.NotFound
	}
	if f.receipt == nil {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(12)}, nil
	}
	return f.receipt, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if f.callContract == nil {
		return nil, errors.New("unexpected call")
	}
	return f.callContract(msg, block)
}

func newTestLedger(t *testing.T, eth ethBackend) *Ledger {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	l, err := New(eth, "0x00000000000000000000000000000000000000aa",
		common.Bytes2Hex(crypto.FromECDSA(key)), 1337, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func packOutputs(t *testing.T, l *Ledger, method string, values ...any) []byte {
	t.Helper()
	out, err := l.abi.Methods[method].Outputs.Pack(values...)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func revertPayload(t *testing.T, reason string) []byte {
	t.Helper()
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	packed, err := (abi.Arguments{{Type: stringTy}}).Pack(reason)
	if err != nil {
		t.Fatal(err)
	}
	return append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)
}

func TestSetConsentFetchesFreshNoncePerTransaction(t *testing.T) {
	eth := &fakeBackend{nonce: 7}
	l := newTestLedger(t, eth)

	for i := 0; i < 2; i++ {
		eth.polls = 0
		if err := l.SetConsent(context.Background(), "s1", "0x1111111111111111111111111111111111111111", true); err != nil {
			t.Fatalf("SetConsent: %v", err)
		}
	}
	if len(eth.sent) != 2 {
		t.Fatalf("sent %d transactions, want 2", len(eth.sent))
	}
	if eth.sent[0].Nonce() != 7 || eth.sent[1].Nonce() != 8 {
		t.Fatalf("nonces %d, %d, want 7, 8", eth.sent[0].Nonce(), eth.sent[1].Nonce())
	}
}

func TestSubmitPollsUntilMined(t *testing.T) {
	eth := &fakeBackend{pollsNeeded: 3}
	l := newTestLedger(t, eth)

	if err := l.CreateStudy(context.Background(), "s1", "Sleep Study", "desc"); err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}
	if eth.polls != 4 {
		t.Fatalf("polled %d times, want 4", eth.polls)
	}
}

func TestRevertReasonSurfacesInFault(t *testing.T) {
	eth := &fakeBackend{
		receipt: &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(20)},
	}
	var replayBlock *big.Int
	eth.callContract = func(msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
		replayBlock = block
		return revertPayload(t, "study is not active"), nil
	}
	l := newTestLedger(t, eth)

	err := l.SetConsent(context.Background(), "s1", "0x2222222222222222222222222222222222222222", false)
	if !fault.Is(err, fault.KindWithdrawConsentFailed) {
		t.Fatalf("error kind = %v, want %s", err, fault.KindWithdrawConsentFailed)
	}
	if !strings.Contains(err.Error(), "study is not active") {
		t.Fatalf("error %q does not carry the revert reason", err)
	}
	if replayBlock == nil || replayBlock.Int64() != 19 {
		t.Fatalf("replayed at block %v, want 19", replayBlock)
	}
}

func TestHasConsentDecodesResult(t *testing.T) {
	eth := &fakeBackend{}
	l := newTestLedger(t, eth)
	eth.callContract = func(msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
		return packOutputs(t, l, "hasConsented", true), nil
	}

	ok, err := l.HasConsent(context.Background(), "s1", "0x3333333333333333333333333333333333333333")
	if err != nil {
		t.Fatalf("HasConsent: %v", err)
	}
	if !ok {
		t.Fatal("HasConsent = false, want true")
	}
}

func TestConsentTrailOrderedOldestFirst(t *testing.T) {
	eth := &fakeBackend{}
	l := newTestLedger(t, eth)
	eth.callContract = func(msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
		return packOutputs(t, l, "getConsentTrail",
			[]*big.Int{big.NewInt(2000), big.NewInt(1000)},
			[]bool{false, true}), nil
	}

	events, err := l.ConsentTrail(context.Background(), "s1", "0x4444444444444444444444444444444444444444")
	if err != nil {
		t.Fatalf("ConsentTrail: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if !events[0].Timestamp.Before(events[1].Timestamp) {
		t.Fatal("trail is not ordered oldest first")
	}
	if !events[0].Status || events[1].Status {
		t.Fatal("statuses not carried through with their timestamps")
	}
}

func TestCreateParticipantDerivesUniqueIdentities(t *testing.T) {
	l := newTestLedger(t, &fakeBackend{})

	a, err := l.CreateParticipant(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := l.CreateParticipant(context.Background(), "u2")
	if err != nil {
		t.Fatal(err)
	}
	if a.Address == b.Address {
		t.Fatal("two participants share an address")
	}
	if len(a.PrivateKey) == 0 {
		t.Fatal("identity carries no key material")
	}
}
