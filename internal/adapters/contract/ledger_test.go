package contract

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"

	"jobnode/internal/coordinator"
)

type fakeJob struct {
	status   uint8
	paid     bool
	executor common.Address
}

// fakeChain 按 ABI 解码调用并返回预设的合约状态。
type fakeChain struct {
	t   *testing.T
	abi abi.ABI

	mu              sync.Mutex
	jobs            []fakeJob
	revert          string
	receiptStatus   uint64
	pendingReceipts int
	sent            []*types.Transaction
	sendErr         error
	gasPrice        *big.Int
}

func newFakeChain(t *testing.T) *fakeChain {
	t.Helper()
	parsed, err := DefaultABI()
	if err != nil {
		t.Fatalf("DefaultABI: %v", err)
	}
	return &fakeChain{t: t, abi: parsed, receiptStatus: types.ReceiptStatusSuccessful, gasPrice: big.NewInt(1_000_000_000)}
}

func (f *fakeChain) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	method, err := f.abi.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "jobCount":
		return method.Outputs.Pack(big.NewInt(int64(len(f.jobs))))
	case "jobs":
		args, err := method.Inputs.Unpack(call.Data[4:])
		if err != nil {
			return nil, err
		}
		idx := args[0].(*big.Int).Int64()
		if idx >= int64(len(f.jobs)) {
			return nil, errors.New("execution reverted")
		}
		j := f.jobs[idx]
		return method.Outputs.Pack(
			big.NewInt(idx), common.Address{}, "QmModel", "QmData", big.NewInt(0),
			j.executor, [32]byte{}, big.NewInt(0), big.NewInt(0),
			j.status, uint8(0), "", j.paid,
		)
	default:
		if f.revert != "" {
			return nil, errors.New("execution reverted: " + f.revert)
		}
		return nil, nil
	}
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingReceipts > 0 {
		f.pendingReceipts--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.receiptStatus, TxHash: hash, BlockNumber: big.NewInt(7), GasUsed: 42_000}, nil
}

func (f *fakeChain) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func newTestClient(t *testing.T, chain *fakeChain) (*LedgerClient, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	client, err := NewLedgerClient(chain, chain.abi, common.HexToAddress("0x00000000000000000000000000000000000000aa"), key, Options{
		ChainID:        big.NewInt(31337),
		ReceiptTimeout: 2 * time.Second,
		ReceiptPoll:    time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewLedgerClient: %v", err)
	}
	return client, key
}

func selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

func TestLedgerClientReads(t *testing.T) {
	chain := newFakeChain(t)
	executor := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	chain.jobs = []fakeJob{
		{status: 0},
		{status: 1, paid: true, executor: executor},
	}
	client, _ := newTestClient(t, chain)
	ctx := context.Background()

	count, err := client.JobCount(ctx)
	if err != nil {
		t.Fatalf("JobCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("JobCount = %d, want 2", count)
	}

	job, err := client.Job(ctx, 1)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Status != coordinator.StatusClaimed || !job.Paid {
		t.Fatalf("Job(1) = %+v, want Claimed and paid", job)
	}
	if job.Executor != executor.Hex() {
		t.Fatalf("executor = %s, want %s", job.Executor, executor.Hex())
	}

	first, err := client.Job(ctx, 0)
	if err != nil {
		t.Fatalf("Job(0): %v", err)
	}
	if first.Executor != "" {
		t.Fatalf("zero executor should decode as empty, got %s", first.Executor)
	}
}

func TestClaimJobSignsAndWaitsForReceipt(t *testing.T) {
	chain := newFakeChain(t)
	chain.jobs = []fakeJob{{status: 0}}
	chain.pendingReceipts = 3
	client, key := newTestClient(t, chain)

	res, err := client.ClaimJob(context.Background(), 0)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	sent := chain.sentTxs()
	if len(sent) != 1 {
		t.Fatalf("sent %d txs, want 1", len(sent))
	}
	tx := sent[0]
	if res.Hash != tx.Hash().Hex() {
		t.Fatalf("result hash %s, want %s", res.Hash, tx.Hash().Hex())
	}
	if res.BlockNumber != 7 || res.GasUsed != 42_000 {
		t.Fatalf("unexpected receipt data %+v", res)
	}
	if tx.Gas() != gasClaim {
		t.Fatalf("gas = %d, want %d", tx.Gas(), gasClaim)
	}
	if !bytes.Equal(tx.Data()[:4], selector("claimJob(uint256)")) {
		t.Fatalf("selector = %x, want claimJob(uint256)", tx.Data()[:4])
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if from != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("signed by %s, want node key", from.Hex())
	}
}

func TestClaimJobUnavailableIsNotSent(t *testing.T) {
	chain := newFakeChain(t)
	chain.jobs = []fakeJob{{status: 1}}
	chain.revert = "Job unavailable"
	client, _ := newTestClient(t, chain)

	_, err := client.ClaimJob(context.Background(), 0)
	if !errors.Is(err, coordinator.ErrJobUnavailable) {
		t.Fatalf("expected ErrJobUnavailable, got %v", err)
	}
	if n := len(chain.sentTxs()); n != 0 {
		t.Fatalf("reverting claim must not be broadcast, sent %d", n)
	}
}

func TestClaimTransportErrorIsNotContention(t *testing.T) {
	chain := newFakeChain(t)
	chain.jobs = []fakeJob{{status: 1}}
	chain.sendErr = errors.New("503 Service Unavailable: upstream rpc overloaded")
	client, _ := newTestClient(t, chain)

	_, err := client.ClaimJob(context.Background(), 0)
	if err == nil {
		t.Fatal("expected send error")
	}
	if errors.Is(err, coordinator.ErrJobUnavailable) {
		t.Fatalf("transport failure classified as contention: %v", err)
	}
}

type revertDataError struct{ msg string }

func (e revertDataError) Error() string          { return e.msg }
func (e revertDataError) ErrorData() interface{} { return "0x08c379a0" }

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{name: "revert reason", err: errors.New("execution reverted: Job unavailable"), unavailable: true},
		{name: "rpc data error", err: revertDataError{msg: "Job unavailable"}, unavailable: true},
		{name: "other revert", err: errors.New("execution reverted: Not executor"), unavailable: false},
		{name: "http 503", err: errors.New("503 Service Unavailable"), unavailable: false},
		{name: "plain failure", err: errors.New("insufficient funds for gas"), unavailable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errors.Is(classify("claimJob", "preflight", tt.err), coordinator.ErrJobUnavailable)
			if got != tt.unavailable {
				t.Fatalf("classify(%q) unavailable = %v, want %v", tt.err, got, tt.unavailable)
			}
		})
	}
}

func TestRevertedReceipt(t *testing.T) {
	chain := newFakeChain(t)
	chain.receiptStatus = types.ReceiptStatusFailed
	client, _ := newTestClient(t, chain)

	_, err := client.WithdrawRewards(context.Background())
	if !errors.Is(err, coordinator.ErrTxReverted) {
		t.Fatalf("expected ErrTxReverted, got %v", err)
	}
}

func TestFailJobEncodesReasonAndCode(t *testing.T) {
	chain := newFakeChain(t)
	client, _ := newTestClient(t, chain)

	if _, err := client.FailJob(context.Background(), 4, "Dataset download failed", coordinator.CodeDatasetFetchFailed); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	sent := chain.sentTxs()
	if len(sent) != 1 {
		t.Fatalf("sent %d txs, want 1", len(sent))
	}
	data := sent[0].Data()
	if !bytes.Equal(data[:4], selector("failJob(uint256,string,uint8)")) {
		t.Fatalf("selector = %x, want failJob(uint256,string,uint8)", data[:4])
	}
	args, err := chain.abi.Methods["failJob"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[0].(*big.Int).Int64() != 4 || args[1].(string) != "Dataset download failed" || args[2].(uint8) != 3 {
		t.Fatalf("unexpected failJob args %v", args)
	}
	if sent[0].Gas() != gasFail {
		t.Fatalf("gas = %d, want %d", sent[0].Gas(), gasFail)
	}
}

func TestCompleteJobCarriesResultHash(t *testing.T) {
	chain := newFakeChain(t)
	client, _ := newTestClient(t, chain)
	var hash [32]byte
	copy(hash[:], bytes.Repeat([]byte{0xab}, 32))

	if _, err := client.CompleteJob(context.Background(), 2, hash); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	data := chain.sentTxs()[0].Data()
	args, err := chain.abi.Methods["completeJob"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[1].([32]byte) != hash {
		t.Fatalf("result hash = %x, want %x", args[1], hash)
	}
}

func TestDecodeJobPositionalFallback(t *testing.T) {
	values := make([]any, 13)
	for i := range values {
		values[i] = big.NewInt(0)
	}
	values[9] = uint8(2)
	values[12] = true

	job, err := decodeJob(nil, values)
	if err != nil {
		t.Fatalf("decodeJob: %v", err)
	}
	if job.Status != coordinator.StatusCompleted || !job.Paid {
		t.Fatalf("decodeJob = %+v", job)
	}

	if _, err := decodeJob(nil, values[:5]); err == nil {
		t.Fatal("expected error for short output")
	}
}
