package connection

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ethagent/internal/chain/chaintest"
	"ethagent/internal/config"
	"ethagent/internal/retry"
)

func fastRetrier() *retry.Retrier {
	return retry.NewRetrier(retry.RetryConfig{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		BackoffFactor:   1,
	}, nil)
}

func dialer(nodes map[string]*chaintest.Node) DialFunc {
	return func(ctx context.Context, url string) (*rpc.Client, error) {
		node, ok := nodes[url]
		if !ok {
			return nil, fmt.Errorf("dial %s: connection refused", url)
		}
		return node.Dial(), nil
	}
}

func TestPool_SelectsByPriority(t *testing.T) {
	primary := chaintest.NewNode(5)
	backup := chaintest.NewNode(5)
	defer primary.Stop()
	defer backup.Stop()

	pool := NewPool([]*config.NodeConfig{
		{Name: "backup", URL: "inproc://backup", Priority: 2},
		{Name: "primary", URL: "inproc://primary", Priority: 1},
	}, big.NewInt(5), fastRetrier(), nil).
		WithDialer(dialer(map[string]*chaintest.Node{"inproc://primary": primary, "inproc://backup": backup}))
	defer pool.Close()

	require.NoError(t, pool.Initialize(context.Background()))

	_, name, err := pool.Client()
	require.NoError(t, err)
	assert.Equal(t, "primary", name)
}

func TestPool_RejectsChainIDMismatch(t *testing.T) {
	wrong := chaintest.NewNode(1)
	right := chaintest.NewNode(5)
	defer wrong.Stop()
	defer right.Stop()

	pool := NewPool([]*config.NodeConfig{
		{Name: "mainnet", URL: "inproc://wrong", Priority: 1},
		{Name: "goerli", URL: "inproc://right", Priority: 2},
	}, big.NewInt(5), fastRetrier(), nil).
		WithDialer(dialer(map[string]*chaintest.Node{"inproc://wrong": wrong, "inproc://right": right}))
	defer pool.Close()

	require.NoError(t, pool.Initialize(context.Background()))

	_, name, err := pool.Client()
	require.NoError(t, err)
	assert.Equal(t, "goerli", name)
	// 链ID不一致不重试
	assert.Equal(t, 1, wrong.Calls("eth_chainId"))

	stats := pool.GetStats()
	assert.Contains(t, stats["mainnet"].(map[string]interface{})["last_error"], "不一致")
}

func TestPool_NoUsableNodes(t *testing.T) {
	pool := NewPool([]*config.NodeConfig{
		{Name: "down", URL: "inproc://down", Priority: 1},
	}, big.NewInt(5), fastRetrier(), nil).WithDialer(dialer(nil))
	defer pool.Close()

	assert.Error(t, pool.Initialize(context.Background()))

	_, _, err := pool.Client()
	assert.Error(t, err)
}

func TestPool_HealthCheckFailover(t *testing.T) {
	primary := chaintest.NewNode(5)
	backup := chaintest.NewNode(5)
	defer backup.Stop()

	pool := NewPool([]*config.NodeConfig{
		{Name: "primary", URL: "inproc://primary", Priority: 1},
		{Name: "backup", URL: "inproc://backup", Priority: 2},
	}, big.NewInt(5), fastRetrier(), nil).
		WithDialer(dialer(map[string]*chaintest.Node{"inproc://primary": primary, "inproc://backup": backup}))
	defer pool.Close()

	require.NoError(t, pool.Initialize(context.Background()))

	primary.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pool.CheckHealth(ctx)

	_, name, err := pool.Client()
	require.NoError(t, err)
	assert.Equal(t, "backup", name)
}
