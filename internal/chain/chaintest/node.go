// Package chaintest 提供进程内的模拟以太坊节点
package chaintest

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// Node 模拟节点，按发送方维护 nonce，只接受 nonce 恰好等于当前计数的交易
type Node struct {
	mu       sync.Mutex
	chainID  *big.Int
	gasPrice *big.Int
	nonces   map[common.Address]uint64
	sent     []*types.Transaction
	calls    map[string]int

	GasPriceErr error
	NonceErr    error
	SendErr     error

	server *rpc.Server
}

// NewNode 创建模拟节点
func NewNode(chainID int64) *Node {
	n := &Node{
		chainID:  big.NewInt(chainID),
		gasPrice: big.NewInt(1_000_000_000),
		nonces:   make(map[common.Address]uint64),
		calls:    make(map[string]int),
	}

	n.server = rpc.NewServer()
	if err := n.server.RegisterName("eth", &ethAPI{node: n}); err != nil {
		panic(err)
	}
	return n
}

// Dial 建立进程内连接
func (n *Node) Dial() *rpc.Client {
	return rpc.DialInProc(n.server)
}

// Server 返回 RPC 服务端
func (n *Node) Server() *rpc.Server {
	return n.server
}

// Stop 停止服务
func (n *Node) Stop() {
	n.server.Stop()
}

// SetNonce 设置发送方的交易计数
func (n *Node) SetNonce(addr common.Address, nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nonces[addr] = nonce
}

// Nonce 发送方当前交易计数
func (n *Node) Nonce(addr common.Address) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonces[addr]
}

// SetGasPrice 设置 gas 价格
func (n *Node) SetGasPrice(price *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gasPrice = new(big.Int).Set(price)
}

// Sent 已接受的交易
func (n *Node) Sent() []*types.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*types.Transaction, len(n.sent))
	copy(out, n.sent)
	return out
}

// Calls 指定方法的调用次数
func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *Node) record(method string) {
	n.mu.Lock()
	n.calls[method]++
	n.mu.Unlock()
}

type ethAPI struct {
	node *Node
}

func (api *ethAPI) ChainId() *hexutil.Big {
	api.node.record("eth_chainId")
	return (*hexutil.Big)(new(big.Int).Set(api.node.chainID))
}

func (api *ethAPI) GasPrice() (*hexutil.Big, error) {
	n := api.node
	n.record("eth_gasPrice")

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.GasPriceErr != nil {
		return nil, n.GasPriceErr
	}
	return (*hexutil.Big)(new(big.Int).Set(n.gasPrice)), nil
}

func (api *ethAPI) GetTransactionCount(addr common.Address, block string) (hexutil.Uint64, error) {
	n := api.node
	n.record("eth_getTransactionCount")

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.NonceErr != nil {
		return 0, n.NonceErr
	}
	return hexutil.Uint64(n.nonces[addr]), nil
}

func (api *ethAPI) SendRawTransaction(raw hexutil.Bytes) (common.Hash, error) {
	n := api.node
	n.record("eth_sendRawTransaction")

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("rlp: %v", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.SendErr != nil {
		return common.Hash{}, n.SendErr
	}

	from, err := types.Sender(types.LatestSignerForChainID(n.chainID), tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid sender: %v", err)
	}

	expected := n.nonces[from]
	switch {
	case tx.Nonce() < expected:
		return common.Hash{}, fmt.Errorf("nonce too low: next nonce %d, tx nonce %d", expected, tx.Nonce())
	case tx.Nonce() > expected:
		return common.Hash{}, fmt.Errorf("nonce too high: next nonce %d, tx nonce %d", expected, tx.Nonce())
	}

	n.nonces[from] = expected + 1
	n.sent = append(n.sent, tx)
	return tx.Hash(), nil
}
