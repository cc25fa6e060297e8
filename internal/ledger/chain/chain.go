// Package chain implements the ledger connector against a consent smart
// contract. Mutations are signed locally, submitted, and confirmed by
// polling for block inclusion; revert reasons are recovered by replaying
// the call against the block preceding inclusion.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"biobank.org/internal/fault"
	"biobank.org/internal/ledger"
	"biobank.org/internal/obs"
)

// consentABI mirrors the consent contract's external surface.
const consentABI = `[
  {"type":"function","name":"createStudy","inputs":[{"name":"studyId","type":"string"}],"outputs":[]},
  {"type":"function","name":"setConsent","inputs":[{"name":"studyId","type":"string"},{"name":"participant","type":"address"},{"name":"status","type":"bool"}],"outputs":[]},
  {"type":"function","name":"hasConsented","inputs":[{"name":"studyId","type":"string"},{"name":"participant","type":"address"}],"outputs":[{"type":"bool"}],"stateMutability":"view"},
  {"type":"function","name":"getConsentingParticipants","inputs":[{"name":"studyId","type":"string"}],"outputs":[{"type":"address[]"}],"stateMutability":"view"},
  {"type":"function","name":"getAllParticipants","inputs":[{"name":"studyId","type":"string"}],"outputs":[{"type":"address[]"}],"stateMutability":"view"},
  {"type":"function","name":"getConsentTrail","inputs":[{"name":"studyId","type":"string"},{"name":"participant","type":"address"}],"outputs":[{"type":"uint256[]"},{"type":"bool[]"}],"stateMutability":"view"}
]`

const mutationGasLimit = 500_000

// ethBackend is the narrow JSON-RPC surface the connector needs;
// *ethclient.Client satisfies it.
type ethBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Ledger implements ledger.Connector against the chain backend.
type Ledger struct {
	eth      ethBackend
	abi      abi.ABI
	contract common.Address
	key      *ecdsa.PrivateKey
	sender   common.Address
	chainID  *big.Int
	poll     time.Duration
}

var _ ledger.Connector = (*Ledger)(nil)

// New builds the connector. keyHex is the held signing key for service
// transactions; poll is the receipt polling interval.
func New(eth ethBackend, contractHex, keyHex string, chainID int64, poll time.Duration) (*Ledger, error) {
	parsed, err := abi.JSON(strings.NewReader(consentABI))
	if err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: parse signing key: %w", err)
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Ledger{
		eth:      eth,
		abi:      parsed,
		contract: common.HexToAddress(contractHex),
		key:      key,
		sender:   crypto.PubkeyToAddress(key.PublicKey),
		chainID:  big.NewInt(chainID),
		poll:     poll,
	}, nil
}

// CreateParticipant derives a fresh keypair; the chain needs no
// registration transaction for an externally owned account.
func (l *Ledger) CreateParticipant(ctx context.Context, userID string) (ledger.Identity, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return ledger.Identity{}, err
	}
	return ledger.Identity{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: crypto.FromECDSA(key),
	}, nil
}

// RequestCard packages the identity's keyfile as the credential bundle.
// There is no separate card asset on chain: holding the key is the
// credential.
func (l *Ledger) RequestCard(ctx context.Context, userID, address string) ([]byte, error) {
	bundle := fmt.Sprintf(`{"address":%q,"user_id":%q,"network":"consent-chain"}`, address, userID)
	return []byte(bundle), nil
}

func (l *Ledger) CreateStudy(ctx context.Context, studyID, name, description string) error {
	input, err := l.abi.Pack("createStudy", studyID)
	if err != nil {
		return err
	}
	_, err = l.submit(ctx, fault.KindCreateStudyFailed, input)
	if err != nil && strings.Contains(err.Error(), "study exists") {
		return fault.StudyAssetExists(studyID)
	}
	return err
}

func (l *Ledger) SetConsent(ctx context.Context, studyID, address string, status bool) error {
	input, err := l.abi.Pack("setConsent", studyID, common.HexToAddress(address), status)
	if err != nil {
		return err
	}
	kind := fault.KindAddConsentFailed
	if !status {
		kind = fault.KindWithdrawConsentFailed
	}
	_, err = l.submit(ctx, kind, input)
	return err
}

func (l *Ledger) HasConsent(ctx context.Context, studyID, address string) (bool, error) {
	out, err := l.call(ctx, "hasConsented", studyID, common.HexToAddress(address))
	if err != nil {
		return false, fault.Wrap(fault.KindHasConsentedFailed, http.StatusInternalServerError, err, "read consent for study %s", studyID)
	}
	status, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("chain: unexpected hasConsented output %T", out[0])
	}
	return status, nil
}

func (l *Ledger) StudyParticipants(ctx context.Context, studyID string) ([]string, error) {
	addrs, err := l.addressList(ctx, "getConsentingParticipants", studyID)
	if err != nil {
		return nil, fault.Wrap(fault.KindConsentingFailed, http.StatusInternalServerError, err, "list consenting participants of %s", studyID)
	}
	return addrs, nil
}

func (l *Ledger) AllStudyParticipants(ctx context.Context, studyID string) ([]string, error) {
	addrs, err := l.addressList(ctx, "getAllParticipants", studyID)
	if err != nil {
		return nil, fault.Wrap(fault.KindAllParticipantsFailed, http.StatusInternalServerError, err, "list participants of %s", studyID)
	}
	return addrs, nil
}

func (l *Ledger) ConsentTrail(ctx context.Context, studyID, address string) ([]ledger.ConsentEvent, error) {
	out, err := l.call(ctx, "getConsentTrail", studyID, common.HexToAddress(address))
	if err != nil {
		return nil, fault.Wrap(fault.KindConsentTrailFailed, http.StatusInternalServerError, err, "read consent trail for study %s", studyID)
	}
	timestamps, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: unexpected trail timestamps %T", out[0])
	}
	statuses, ok := out[1].([]bool)
	if !ok || len(statuses) != len(timestamps) {
		return nil, errors.New("chain: malformed trail output")
	}

	events := make([]ledger.ConsentEvent, 0, len(timestamps))
	for i, ts := range timestamps {
		events = append(events, ledger.ConsentEvent{
			StudyID:   studyID,
			Address:   address,
			Timestamp: time.Unix(ts.Int64(), 0).UTC(),
			Status:    statuses[i],
		})
	}
	ledger.SortAscending(events)
	return events, nil
}

// call executes a read against the latest block. No signing, no mining.
func (l *Ledger) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := l.abi.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	data, err := l.eth.CallContract(ctx, ethereum.CallMsg{
		From: l.sender,
		To:   &l.contract,
		Data: input,
	}, nil)
	if err != nil {
		return nil, err
	}
	return l.abi.Unpack(method, data)
}

func (l *Ledger) addressList(ctx context.Context, method, studyID string) ([]string, error) {
	out, err := l.call(ctx, method, studyID)
	if err != nil {
		return nil, err
	}
	addrs, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("chain: unexpected %s output %T", method, out[0])
	}
	list := make([]string, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, a.Hex())
	}
	return list, nil
}

// submit runs the four-step mutation protocol: build with a freshly
// fetched nonce, sign, send, poll until mined. The nonce must be fetched
// immediately before each send; a cached nonce goes stale under
// concurrent consent writes.
func (l *Ledger) submit(ctx context.Context, kind string, input []byte) (common.Hash, error) {
	nonce, err := l.eth.PendingNonceAt(ctx, l.sender)
	if err != nil {
		return common.Hash{}, fault.Wrap(kind, http.StatusInternalServerError, err, "fetch account nonce")
	}
	gasPrice, err := l.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fault.Wrap(kind, http.StatusInternalServerError, err, "fetch gas price")
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &l.contract,
		Value:    big.NewInt(0),
		Gas:      mutationGasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(l.chainID), l.key)
	if err != nil {
		return common.Hash{}, fault.Wrap(kind, http.StatusInternalServerError, err, "sign transaction")
	}

	if err := l.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fault.Wrap(kind, http.StatusInternalServerError, err, "submit transaction")
	}

	submitted := time.Now()
	receipt, err := l.awaitReceipt(ctx, signed.Hash())
	if err != nil {
		return common.Hash{}, fault.Wrap(kind, http.StatusInternalServerError, err, "confirm transaction")
	}
	obs.ChainConfirmDuration.Observe(time.Since(submitted).Seconds())

	if receipt.Status == types.ReceiptStatusFailed {
		reason := l.revertReason(ctx, signed, receipt)
		return common.Hash{}, fault.New(kind, http.StatusInternalServerError, "%s", reason)
	}
	return signed.Hash(), nil
}

// awaitReceipt polls for inclusion at a fixed interval. Retries are
// unbounded; only context cancellation or process shutdown ends the wait.
func (l *Ledger) awaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		receipt, err := l.eth.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// revertReason replays the mutation against the block preceding inclusion
// so the node reports the require() message the submission path cannot see.
func (l *Ledger) revertReason(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) string {
	msg := ethereum.CallMsg{
		From:     l.sender,
		To:       &l.contract,
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	var block *big.Int
	if receipt.BlockNumber != nil && receipt.BlockNumber.Sign() > 0 {
		block = new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	}
	data, err := l.eth.CallContract(ctx, msg, block)
	if err != nil {
		return strings.TrimPrefix(err.Error(), "execution reverted: ")
	}
	if reason, ok := unpackRevert(data); ok {
		return reason
	}
	return "transaction reverted without a reason"
}

// unpackRevert decodes the ABI-encoded Error(string) revert payload.
func unpackRevert(data []byte) (string, bool) {
	// 0x08c379a0 is the Error(string) selector.
	selector := []byte{0x08, 0xc3, 0x79, 0xa0}
	if len(data) < 4+64 || !strings.HasPrefix(string(data), string(selector)) {
		return "", false
	}
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		return "", false
	}
	unpacked, err := (abi.Arguments{{Type: stringTy}}).Unpack(data[4:])
	if err != nil || len(unpacked) != 1 {
		return "", false
	}
	reason, ok := unpacked[0].(string)
	return reason, ok
}
