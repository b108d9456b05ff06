package contract

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"k8s.io/apimachinery/pkg/util/wait"

	"jobnode/internal/coordinator"
)

// 每类交易的固定 gas 上限。
const (
	gasClaim    uint64 = 500_000
	gasComplete uint64 = 300_000
	gasFail     uint64 = 300_000
	gasWithdraw uint64 = 200_000
)

const (
	defaultReceiptTimeout = 5 * time.Minute
	defaultReceiptPoll    = 2 * time.Second

	// jobs 输出中缺少命名时使用的位置。
	statusOutputIndex = 9
	paidOutputIndex   = 12
)

// chainBackend 是 *ethclient.Client 中账本客户端用到的方法子集，便于测试替换。
type chainBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Options 控制交易确认等待。
type Options struct {
	ChainID        *big.Int
	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration
	Log            coordinator.Logger
}

// LedgerClient 通过以太坊 JSON-RPC 访问 JobLogger 合约。
// 写操作依次执行：打包、eth_call 预检、取 nonce 与 gas 价格、签名、广播、等待回执。
type LedgerClient struct {
	backend        chainBackend
	abi            abi.ABI
	address        common.Address
	key            *ecdsa.PrivateKey
	from           common.Address
	signer         types.Signer
	receiptTimeout time.Duration
	receiptPoll    time.Duration
	log            coordinator.Logger
}

// Dial 连接 RPC 节点并构建账本客户端。未指定链 ID 时向节点查询。
func Dial(ctx context.Context, rpcURL string, parsed abi.ABI, contractAddr string, key *ecdsa.PrivateKey, opts Options) (*LedgerClient, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid contract address %q", contractAddr)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	if opts.ChainID == nil {
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("query chain id: %w", err)
		}
		opts.ChainID = id
	}
	return NewLedgerClient(client, parsed, common.HexToAddress(contractAddr), key, opts)
}

// NewLedgerClient 使用给定的链后端构建账本客户端。
func NewLedgerClient(backend chainBackend, parsed abi.ABI, address common.Address, key *ecdsa.PrivateKey, opts Options) (*LedgerClient, error) {
	if backend == nil {
		return nil, errors.New("chain backend required")
	}
	if key == nil {
		return nil, errors.New("signing key required")
	}
	if opts.ChainID == nil {
		return nil, errors.New("chain id required")
	}
	for _, name := range requiredMethods {
		if _, ok := parsed.Methods[name]; !ok {
			return nil, fmt.Errorf("abi is missing method %s", name)
		}
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = defaultReceiptTimeout
	}
	if opts.ReceiptPoll <= 0 {
		opts.ReceiptPoll = defaultReceiptPoll
	}
	return &LedgerClient{
		backend:        backend,
		abi:            parsed,
		address:        address,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		signer:         types.LatestSignerForChainID(opts.ChainID),
		receiptTimeout: opts.ReceiptTimeout,
		receiptPoll:    opts.ReceiptPoll,
		log:            coordinator.DefaultLogger(opts.Log),
	}, nil
}

// From 返回签名账户地址。
func (l *LedgerClient) From() common.Address { return l.from }

func (l *LedgerClient) JobCount(ctx context.Context) (uint64, error) {
	out, err := l.call(ctx, "jobCount")
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, errors.New("jobCount returned no values")
	}
	n, ok := out[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, fmt.Errorf("jobCount returned unexpected value %v", out[0])
	}
	return n.Uint64(), nil
}

func (l *LedgerClient) Job(ctx context.Context, index uint64) (coordinator.LedgerJob, error) {
	out, err := l.call(ctx, "jobs", new(big.Int).SetUint64(index))
	if err != nil {
		return coordinator.LedgerJob{}, err
	}
	return decodeJob(l.abi.Methods["jobs"].Outputs, out)
}

func (l *LedgerClient) ClaimJob(ctx context.Context, index uint64) (coordinator.TxResult, error) {
	return l.transact(ctx, gasClaim, "claimJob", new(big.Int).SetUint64(index))
}

func (l *LedgerClient) CompleteJob(ctx context.Context, index uint64, resultHash [32]byte) (coordinator.TxResult, error) {
	return l.transact(ctx, gasComplete, "completeJob", new(big.Int).SetUint64(index), resultHash)
}

func (l *LedgerClient) FailJob(ctx context.Context, index uint64, reason string, code coordinator.ErrorCode) (coordinator.TxResult, error) {
	return l.transact(ctx, gasFail, "failJob", new(big.Int).SetUint64(index), reason, uint8(code))
}

func (l *LedgerClient) WithdrawRewards(ctx context.Context) (coordinator.TxResult, error) {
	return l.transact(ctx, gasWithdraw, "withdrawRewards")
}

func (l *LedgerClient) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := l.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := l.backend.CallContract(ctx, ethereum.CallMsg{From: l.from, To: &l.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := l.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func (l *LedgerClient) transact(ctx context.Context, gas uint64, method string, args ...any) (coordinator.TxResult, error) {
	data, err := l.abi.Pack(method, args...)
	if err != nil {
		return coordinator.TxResult{}, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{From: l.from, To: &l.address, Gas: gas, Data: data}
	if _, err := l.backend.CallContract(ctx, msg, nil); err != nil {
		return coordinator.TxResult{}, classify(method, "preflight", err)
	}

	nonce, err := l.backend.PendingNonceAt(ctx, l.from)
	if err != nil {
		return coordinator.TxResult{}, fmt.Errorf("%s: pending nonce: %w", method, err)
	}
	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return coordinator.TxResult{}, fmt.Errorf("%s: gas price: %w", method, err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &l.address,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, l.signer, l.key)
	if err != nil {
		return coordinator.TxResult{}, fmt.Errorf("%s: sign: %w", method, err)
	}
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		return coordinator.TxResult{}, classify(method, "send", err)
	}
	hash := signed.Hash()
	l.log.Infof("%s tx sent: %s", method, hash.Hex())

	receipt, err := l.waitMined(ctx, hash)
	if err != nil {
		return coordinator.TxResult{}, fmt.Errorf("%s: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return coordinator.TxResult{}, fmt.Errorf("%s tx %s: %w", method, hash.Hex(), coordinator.ErrTxReverted)
	}
	res := coordinator.TxResult{Hash: hash.Hex(), GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return res, nil
}

// waitMined 轮询交易回执，直到拿到回执或超时。回执未出现与临时 RPC 错误都视为待定。
func (l *LedgerClient) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := wait.PollUntilContextTimeout(ctx, l.receiptPoll, l.receiptTimeout, true, func(ctx context.Context) (bool, error) {
		r, err := l.backend.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		if err != nil {
			l.log.Warnf("receipt %s: %v", hash.Hex(), err)
			return false, nil
		}
		receipt = r
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("wait for receipt %s: %w", hash.Hex(), err)
	}
	return receipt, nil
}

// classify 只把合约回滚原因中的 "unavailable" 映射为 ErrJobUnavailable。
// 传输层错误（例如 503 Service Unavailable）保持原样。
func classify(method, stage string, err error) error {
	if isRevert(err) && strings.Contains(strings.ToLower(err.Error()), "unavailable") {
		return fmt.Errorf("%s %s: %v: %w", method, stage, err, coordinator.ErrJobUnavailable)
	}
	return fmt.Errorf("%s %s: %w", method, stage, err)
}

// isRevert 判断错误是否来自 EVM 回滚：节点返回带 data 的 JSON-RPC 错误，
// 或错误文本以 "execution reverted" 标注。
func isRevert(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func decodeJob(outputs abi.Arguments, values []any) (coordinator.LedgerJob, error) {
	statusIdx := outputIndex(outputs, "status", statusOutputIndex)
	paidIdx := outputIndex(outputs, "paid", paidOutputIndex)
	if statusIdx >= len(values) || paidIdx >= len(values) {
		return coordinator.LedgerJob{}, fmt.Errorf("jobs returned %d values, need status and paid", len(values))
	}
	status, err := toUint8(values[statusIdx])
	if err != nil {
		return coordinator.LedgerJob{}, fmt.Errorf("jobs status: %w", err)
	}
	paid, ok := values[paidIdx].(bool)
	if !ok {
		return coordinator.LedgerJob{}, fmt.Errorf("jobs paid: unexpected type %T", values[paidIdx])
	}
	job := coordinator.LedgerJob{Status: coordinator.OnChainStatus(status), Paid: paid}
	if i := outputIndex(outputs, "executor", -1); i >= 0 && i < len(values) {
		if addr, ok := values[i].(common.Address); ok && addr != (common.Address{}) {
			job.Executor = addr.Hex()
		}
	}
	return job, nil
}

func outputIndex(outputs abi.Arguments, name string, fallback int) int {
	for i, arg := range outputs {
		if arg.Name == name {
			return i
		}
	}
	return fallback
}

func toUint8(v any) (uint8, error) {
	switch n := v.(type) {
	case uint8:
		return n, nil
	case uint16:
		return uint8(n), nil
	case uint32:
		return uint8(n), nil
	case uint64:
		return uint8(n), nil
	case *big.Int:
		if !n.IsUint64() || n.Uint64() > 255 {
			return 0, fmt.Errorf("value %s out of range", n)
		}
		return uint8(n.Uint64()), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
