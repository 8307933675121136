package pipeline

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ethagent/internal/errors"
	"ethagent/internal/logging"
	"ethagent/internal/metrics"
	"ethagent/internal/outcall"
	"ethagent/internal/output"
	"ethagent/internal/signer"
	"ethagent/internal/txbuilder"
	"ethagent/internal/validation"
	"ethagent/pkg/models"
)

// 操作名称，同时用作指标标签和事件字段
const (
	OpGetAddress                 = "get_address"
	OpSendValue                  = "send_value"
	OpSendValueWithOraclePayload = "send_value_with_oracle_payload"
	OpGetOraclePriceUSD          = "get_oracle_price_usd"
)

// AddressResolver 地址解析
type AddressResolver interface {
	Resolve(ctx context.Context, spec signer.DerivationSpec) (common.Address, error)
}

// StateReader 链状态读取
type StateReader interface {
	ReadNonce(ctx context.Context, addr common.Address) (uint64, error)
	ReadGasPrice(ctx context.Context) (*big.Int, error)
}

// PriceOracle 价格预言机
type PriceOracle interface {
	FetchPriceUSD(ctx context.Context) (models.PriceQuote, error)
}

// TxBuilder 交易构建
type TxBuilder interface {
	Build(req *txbuilder.BuildRequest) (*models.UnsignedTransaction, error)
}

// TxSigner 交易签名
type TxSigner interface {
	Sign(ctx context.Context, tx *models.UnsignedTransaction, sender common.Address, spec signer.DerivationSpec) (*models.SignedTransaction, error)
}

// Broadcaster 交易广播
type Broadcaster interface {
	Submit(ctx context.Context, tx *models.SignedTransaction) (common.Hash, error)
}

// Deps 协作方
type Deps struct {
	Resolver     AddressResolver
	Reader       StateReader
	Oracle       PriceOracle
	Builder      TxBuilder
	Signer       TxSigner
	Broadcaster  Broadcaster
	Sanitizer    *outcall.Sanitizer
	Validator    *validation.Validator
	Sink         output.Sink
	Metrics      *metrics.Metrics
	ErrorHandler *errors.ErrorHandler
	Logger       *logrus.Logger
}

// Options 代理身份与调用超时
type Options struct {
	Identity      models.AgentIdentity
	KeyName       string
	SignCostHint  *uint64
	ChainTimeout  time.Duration
	SignerTimeout time.Duration
	Observer      Observer
}

// Agent 流水线编排器
//
// 每次调用独立运行，运行之间不共享可变状态；同一发送方的并发发送由节点的 nonce 校验裁决。
type Agent struct {
	opts         Options
	deps         Deps
	logger       *logrus.Logger
	sink         output.Sink
	errorHandler *errors.ErrorHandler
	sanitizer    *outcall.Sanitizer
	validator    *validation.Validator
}

// NewAgent 创建编排器
func NewAgent(opts Options, deps Deps) (*Agent, error) {
	if len(opts.Identity) == 0 {
		return nil, errors.ConfigInvalid("代理身份不能为空")
	}
	if opts.KeyName == "" {
		return nil, errors.ConfigInvalid("密钥名不能为空")
	}
	if deps.Resolver == nil || deps.Reader == nil || deps.Builder == nil || deps.Signer == nil || deps.Broadcaster == nil {
		return nil, errors.ConfigInvalid("流水线协作方不完整")
	}

	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	a := &Agent{
		opts:         opts,
		deps:         deps,
		logger:       logger,
		sink:         deps.Sink,
		errorHandler: deps.ErrorHandler,
		sanitizer:    deps.Sanitizer,
		validator:    deps.Validator,
	}
	if a.sink == nil {
		a.sink = output.NopSink{}
	}
	if a.errorHandler == nil {
		a.errorHandler = errors.NewErrorHandler(logger)
	}
	if a.sanitizer == nil {
		a.sanitizer = outcall.NewSanitizer(nil)
	}
	if a.validator == nil {
		a.validator = validation.NewValidator(logger, 0)
	}
	if opts.SignCostHint != nil {
		hint := *opts.SignCostHint
		a.opts.SignCostHint = &hint
	}
	return a, nil
}

// run 单次运行的上下文
type run struct {
	id      string
	op      string
	machine *Machine
	logger  *logrus.Entry
	event   *models.PipelineEvent
}

func (a *Agent) begin(op string) *run {
	id := uuid.NewString()
	logger := logging.NewRunLogger(a.logger, id, op)
	r := &run{
		id:     id,
		op:     op,
		logger: logger,
		event: &models.PipelineEvent{
			RunID:     id,
			Operation: op,
			StartedAt: time.Now(),
		},
	}
	r.machine = NewMachine(id, func(runID string, from, to State) {
		logger.WithFields(logrus.Fields{"from": from, "to": to}).Debug("状态迁移")
		if a.opts.Observer != nil {
			a.opts.Observer(runID, from, to)
		}
	})
	return r
}

// advance 推进状态，非法迁移说明编排顺序有误
func (r *run) advance(to State) {
	if err := r.machine.Transition(to); err != nil {
		panic(err)
	}
}

// finish 收尾：记录错误、指标并输出事件，输出失败不影响调用结果
func (a *Agent) finish(ctx context.Context, r *run, err error) {
	if err != nil {
		if !r.machine.Current().Terminal() {
			r.advance(StateFailed)
		}
		if agentErr, ok := errors.As(err); ok {
			agentErr.WithContext("run_id", r.id)
			r.event.ErrorMsg = agentErr.Reason()
		} else {
			r.event.ErrorMsg = err.Error()
		}
		r.event.ErrorCode = errors.CodeOf(err)
		a.errorHandler.HandleError(ctx, err)
	}

	r.event.FinalState = r.machine.Current().String()
	history := r.machine.History()
	r.event.States = make([]string, len(history))
	for i, s := range history {
		r.event.States[i] = s.String()
	}
	r.event.FinishedAt = time.Now()

	if a.deps.Metrics != nil {
		a.deps.Metrics.ObserveRun(r.op, r.event.ErrorCode, r.event.Duration())
	}

	if werr := a.sink.WriteEvent(r.event); werr != nil {
		r.logger.WithError(werr).Warn("写入流水线事件失败")
	}

	entry := r.logger.WithFields(logrus.Fields{
		"final_state": r.event.FinalState,
		"duration":    r.event.Duration().String(),
	})
	if err != nil {
		entry.WithField("error_code", r.event.ErrorCode).Info("运行失败")
		return
	}
	entry.Info("运行完成")
}

// stage 在超时上下文中执行一次远程调用并记录耗时
func (a *Agent) stage(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	callCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	if a.deps.Metrics != nil {
		a.deps.Metrics.ObserveStage(name, time.Since(start))
	}
	return err
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// classify 保证返回的错误属于错误分类，协作方返回的普通错误按所在阶段归类
func classify(err error, wrap func(error) *errors.AgentError) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	return wrap(err)
}

func (a *Agent) derivationSpec() signer.DerivationSpec {
	return signer.NewDerivationSpec(a.opts.Identity, a.opts.KeyName, a.opts.SignCostHint)
}

func (a *Agent) resolve(ctx context.Context, r *run, spec signer.DerivationSpec) (common.Address, error) {
	var addr common.Address
	err := a.stage(ctx, "resolve_address", a.opts.SignerTimeout, func(ctx context.Context) error {
		var err error
		addr, err = a.deps.Resolver.Resolve(ctx, spec)
		return err
	})
	if err != nil {
		return common.Address{}, classify(err, func(e error) *errors.AgentError {
			return errors.SigningBackendError(e, "解析地址失败")
		})
	}
	r.event.Sender = models.HexNoPrefix(addr.Bytes())
	r.advance(StateAddressResolved)
	return addr, nil
}

func (a *Agent) fetchPrice(ctx context.Context, r *run) (models.PriceQuote, error) {
	if a.deps.Oracle == nil {
		return "", errors.OracleUnavailable(fmt.Errorf("未配置价格预言机"), "价格预言机不可用")
	}

	var quote models.PriceQuote
	// 预言机客户端自带请求超时
	err := a.stage(ctx, "fetch_price", 0, func(ctx context.Context) error {
		var err error
		quote, err = a.deps.Oracle.FetchPriceUSD(ctx)
		return err
	})
	if err != nil {
		return "", classify(err, func(e error) *errors.AgentError {
			return errors.OracleUnavailable(e, "获取价格失败")
		})
	}
	r.advance(StatePriceFetched)
	return quote, nil
}

// GetAddress 返回代理的以太坊地址，小写十六进制，不带 0x
func (a *Agent) GetAddress(ctx context.Context) (address string, err error) {
	r := a.begin(OpGetAddress)
	defer func() { a.finish(ctx, r, err) }()

	addr, err := a.resolve(ctx, r, a.derivationSpec())
	if err != nil {
		return "", err
	}

	r.advance(StateDone)
	return models.HexNoPrefix(addr.Bytes()), nil
}

// GetOraclePriceUSD 返回 ETH/USD 报价
func (a *Agent) GetOraclePriceUSD(ctx context.Context) (price string, err error) {
	r := a.begin(OpGetOraclePriceUSD)
	defer func() { a.finish(ctx, r, err) }()

	quote, err := a.fetchPrice(ctx, r)
	if err != nil {
		return "", err
	}

	r.event.Payload = quote.String()
	r.advance(StateDone)
	return quote.String(), nil
}

// SanitizeHTTPResponse 规范化 HTTP 响应，纯函数
func (a *Agent) SanitizeHTTPResponse(raw *outcall.RawResponse) models.CanonicalHTTPResponse {
	return a.sanitizer.Canonicalize(raw)
}

// SendValue 发送原生代币转账，返回交易哈希（不带 0x）
func (a *Agent) SendValue(ctx context.Context, to string, value uint64) (string, error) {
	return a.send(ctx, OpSendValue, to, value, false)
}

// SendValueWithOraclePayload 发送携带 ETH/USD 报价载荷的转账
func (a *Agent) SendValueWithOraclePayload(ctx context.Context, to string, value uint64) (string, error) {
	return a.send(ctx, OpSendValueWithOraclePayload, to, value, true)
}

func (a *Agent) send(ctx context.Context, op, to string, value uint64, withPayload bool) (txHash string, err error) {
	r := a.begin(op)
	r.event.Recipient = to
	r.event.Value = strconv.FormatUint(value, 10)
	defer func() { a.finish(ctx, r, err) }()

	// 请求无效时不发起任何远程调用
	if err = a.validator.ValidateSend(&validation.SendRequest{
		To:    to,
		Value: new(big.Int).SetUint64(value),
	}); err != nil {
		return "", err
	}

	spec := a.derivationSpec()
	sender, err := a.resolve(ctx, r, spec)
	if err != nil {
		return "", err
	}

	var (
		payload      []byte
		liveGasPrice *big.Int
	)
	if withPayload {
		quote, ferr := a.fetchPrice(ctx, r)
		if ferr != nil {
			return "", ferr
		}
		payload = txbuilder.PricePayload(quote)
		r.event.Payload = quote.String()

		err = a.stage(ctx, "read_gas_price", a.opts.ChainTimeout, func(ctx context.Context) error {
			var rerr error
			liveGasPrice, rerr = a.deps.Reader.ReadGasPrice(ctx)
			return rerr
		})
		if err != nil {
			return "", classify(err, func(e error) *errors.AgentError {
				return errors.ChainRPCError(e, "读取 gas 价格失败")
			})
		}
	}

	// nonce 最后读取，紧接着构建和签名
	var nonce uint64
	err = a.stage(ctx, "read_nonce", a.opts.ChainTimeout, func(ctx context.Context) error {
		var rerr error
		nonce, rerr = a.deps.Reader.ReadNonce(ctx, sender)
		return rerr
	})
	if err != nil {
		return "", classify(err, func(e error) *errors.AgentError {
			return errors.ChainRPCError(e, "读取 nonce 失败")
		})
	}
	r.event.Nonce = &nonce
	r.advance(StateStateRead)

	tx, err := a.deps.Builder.Build(&txbuilder.BuildRequest{
		To:           to,
		Value:        new(big.Int).SetUint64(value),
		Nonce:        nonce,
		LiveGasPrice: liveGasPrice,
		Payload:      payload,
	})
	if err != nil {
		return "", err
	}
	r.event.GasPrice = tx.GasPrice.String()
	r.event.GasLimit = tx.GasLimit
	r.advance(StateTxBuilt)

	if !tx.HasPayload() {
		r.logger.WithField("gas_price", tx.GasPrice.String()).Debug("普通转账使用固定 gas 价格")
	}

	var signed *models.SignedTransaction
	err = a.stage(ctx, "sign", a.opts.SignerTimeout, func(ctx context.Context) error {
		var serr error
		signed, serr = a.deps.Signer.Sign(ctx, tx, sender, spec)
		return serr
	})
	if err != nil {
		return "", classify(err, func(e error) *errors.AgentError {
			return errors.SigningFailed(e, "签名失败")
		})
	}
	r.advance(StateSigned)

	var hash common.Hash
	err = a.stage(ctx, "submit", a.opts.ChainTimeout, func(ctx context.Context) error {
		var serr error
		hash, serr = a.deps.Broadcaster.Submit(ctx, signed)
		return serr
	})
	if err != nil {
		return "", classify(err, func(e error) *errors.AgentError {
			return errors.ChainRPCError(e, "广播交易失败").WithComponent("broadcaster")
		})
	}
	r.advance(StateBroadcast)

	txHash = models.HexNoPrefix(hash.Bytes())
	r.event.TxHash = txHash
	r.advance(StateDone)
	return txHash, nil
}

// ErrorSnapshot 错误统计摘要
func (a *Agent) ErrorSnapshot() map[string]interface{} {
	return a.errorHandler.Snapshot()
}
