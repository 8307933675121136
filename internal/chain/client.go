package chain

import (
	"context"
	stderrors "errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"ethagent/internal/errors"
	"ethagent/internal/logging"
	"ethagent/pkg/models"
)

// ClientSource 提供当前可用的节点连接
type ClientSource interface {
	Client() (*rpc.Client, string, error)
}

// NodeClient 链状态读取与交易广播
//
// 每个方法只发起一次调用，失败直接返回，不做重试。
type NodeClient struct {
	source  ClientSource
	timeout time.Duration
	logger  *logrus.Logger
}

// NewNodeClient 创建节点客户端
func NewNodeClient(source ClientSource, callTimeout time.Duration, logger *logrus.Logger) *NodeClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &NodeClient{
		source:  source,
		timeout: callTimeout,
		logger:  logger,
	}
}

func (c *NodeClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// ReadNonce 读取发送方在 latest 区块上的交易计数
func (c *NodeClient) ReadNonce(ctx context.Context, addr common.Address) (uint64, error) {
	rc, node, err := c.source.Client()
	if err != nil {
		return 0, errors.ChainRPCError(err, "没有可用节点")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	nonce, err := ethclient.NewClient(rc).NonceAt(ctx, addr, nil)
	if err != nil {
		return 0, errors.ChainRPCError(err, "读取 nonce 失败").WithContext("node", node)
	}

	logging.NewRPCLogger(c.logger, "eth_getTransactionCount", node).
		WithField("address", addr.Hex()).
		Debugf("nonce=%d", nonce)
	return nonce, nil
}

// ReadGasPrice 读取节点建议的 gas 价格
func (c *NodeClient) ReadGasPrice(ctx context.Context) (*big.Int, error) {
	rc, node, err := c.source.Client()
	if err != nil {
		return nil, errors.ChainRPCError(err, "没有可用节点")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	price, err := ethclient.NewClient(rc).SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.ChainRPCError(err, "读取 gas price 失败").WithContext("node", node)
	}

	logging.NewRPCLogger(c.logger, "eth_gasPrice", node).Debugf("gas_price=%s", price)
	return price, nil
}

// Submit 广播已签名交易，节点的拒绝消息原样返回
func (c *NodeClient) Submit(ctx context.Context, tx *models.SignedTransaction) (common.Hash, error) {
	rc, node, err := c.source.Client()
	if err != nil {
		return common.Hash{}, errors.ChainRPCError(err, "没有可用节点").WithComponent("broadcaster")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var hash common.Hash
	err = rc.CallContext(ctx, &hash, "eth_sendRawTransaction", tx.RawHex())
	if err != nil {
		var rpcErr rpc.Error
		if stderrors.As(err, &rpcErr) {
			return common.Hash{}, errors.BroadcastRejected(err).
				WithContext("node", node).
				WithTxHash(tx.Hash.Hex())
		}
		return common.Hash{}, errors.ChainRPCError(err, "广播交易失败").
			WithComponent("broadcaster").
			WithContext("node", node).
			WithTxHash(tx.Hash.Hex())
	}

	logger := logging.NewRPCLogger(c.logger, "eth_sendRawTransaction", node).WithField("tx_hash", hash.Hex())
	if hash != tx.Hash {
		logger.Warnf("节点返回的哈希与本地计算不一致: %s", tx.Hash.Hex())
	}
	logger.Info("交易已广播")

	return hash, nil
}
