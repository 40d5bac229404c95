package chain

import (
	"context"
	"math/big"
	"strings"

	xerrors "ChainDCA/internal/errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

// nativeMarker 是约定俗成的原生代币占位地址。
const nativeMarker = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"

const (
	CodeChainRead xerrors.Code = "CHAIN_READ_FAILED"
)

func init() {
	xerrors.Register(CodeChainRead, xerrors.Attributes{
		Message:   "chain read failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Backend 抽象余额查询所需的链上只读能力，便于测试替换。
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client 提供执行前的链上余额预检。
type Client struct {
	backend  Backend
	erc20ABI abi.ABI
}

// Dial 连接链上 RPC 节点并创建客户端。
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "链 RPC 地址不能为空")
	}
	backend, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "连接链节点失败")
	}
	return NewClient(backend)
}

// NewClient 在给定后端上创建客户端。
func NewClient(backend Backend) (*Client, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "链访问后端不能为空")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析 ERC20 ABI 失败")
	}
	return &Client{backend: backend, erc20ABI: parsed}, nil
}

// IsNative 判断代币地址是否表示原生代币。
func IsNative(token common.Address) bool {
	return token == common.HexToAddress(nativeMarker) || token == (common.Address{})
}

// Balance 查询账户持有的代币余额，原生代币与 ERC20 统一处理。
func (c *Client) Balance(ctx context.Context, account, token common.Address) (*big.Int, error) {
	if IsNative(token) {
		balance, err := c.backend.BalanceAt(ctx, account, nil)
		if err != nil {
			return nil, xerrors.Wrap(CodeChainRead, err, "查询原生余额失败")
		}
		return balance, nil
	}

	input, err := c.erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, xerrors.Wrap(CodeChainRead, err, "编码 balanceOf 失败")
	}
	output, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return nil, xerrors.Wrap(CodeChainRead, err, "调用 balanceOf 失败")
	}

	results, err := c.erc20ABI.Unpack("balanceOf", output)
	if err != nil || len(results) == 0 {
		return nil, xerrors.Wrap(CodeChainRead, err, "解析 balanceOf 返回值失败")
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(CodeChainRead, "balanceOf 返回值类型非法")
	}
	return balance, nil
}

// HasBalance 判断账户余额是否覆盖本次投入金额。
func (c *Client) HasBalance(ctx context.Context, account, token common.Address, amount *big.Int) (bool, error) {
	balance, err := c.Balance(ctx, account, token)
	if err != nil {
		return false, err
	}
	return balance.Cmp(amount) >= 0, nil
}
