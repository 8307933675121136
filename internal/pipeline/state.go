package pipeline

import (
	"fmt"
	"sync"
)

// State 流水线状态
type State string

const (
	StateIdle            State = "idle"
	StateAddressResolved State = "address_resolved"
	StatePriceFetched    State = "price_fetched"
	StateStateRead       State = "state_read"
	StateTxBuilt         State = "tx_built"
	StateSigned          State = "signed"
	StateBroadcast       State = "broadcast"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// transitions 合法的状态迁移，任何非终态都可以进入 Failed
//
// PriceFetched 排在 StateRead 之前：nonce 必须在构建签名前最后读取，报价与 gas 价格先于它获取。
var transitions = map[State][]State{
	StateIdle:            {StateAddressResolved, StatePriceFetched},
	StateAddressResolved: {StatePriceFetched, StateStateRead, StateDone},
	StatePriceFetched:    {StateStateRead, StateDone},
	StateStateRead:       {StateTxBuilt},
	StateTxBuilt:         {StateSigned},
	StateSigned:          {StateBroadcast},
	StateBroadcast:       {StateDone},
}

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

func (s State) String() string {
	return string(s)
}

// CanTransition 判断迁移是否合法
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Observer 状态迁移观察者
type Observer func(runID string, from, to State)

// Machine 单次运行的状态机，不在运行之间共享
type Machine struct {
	runID    string
	current  State
	history  []State
	observer Observer
	mu       sync.Mutex
}

// NewMachine 创建处于 Idle 的状态机
func NewMachine(runID string, observer Observer) *Machine {
	return &Machine{
		runID:    runID,
		current:  StateIdle,
		history:  []State{StateIdle},
		observer: observer,
	}
}

// Transition 迁移到新状态，非法迁移返回错误
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.current
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("非法的状态迁移: %s -> %s", from, to)
	}
	m.current = to
	m.history = append(m.history, to)
	m.mu.Unlock()

	if m.observer != nil {
		m.observer(m.runID, from, to)
	}
	return nil
}

// Current 当前状态
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History 已经过的状态
func (m *Machine) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, len(m.history))
	copy(out, m.history)
	return out
}
