package models

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AgentIdentity 调用方身份，仅作为派生路径的种子使用
type AgentIdentity []byte

// ParseAgentIdentity 从十六进制字符串解析身份，0x/0X 前缀可选
func ParseAgentIdentity(s string) (AgentIdentity, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if s == "" {
		return nil, fmt.Errorf("身份不能为空")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("身份不是有效的十六进制: %w", err)
	}
	return AgentIdentity(b), nil
}

// Bytes 返回身份字节的副本
func (id AgentIdentity) Bytes() []byte {
	out := make([]byte, len(id))
	copy(out, id)
	return out
}

func (id AgentIdentity) String() string {
	return hex.EncodeToString(id)
}
