package models

import "bytes"

// PriceQuote 以字符串表示的十进制价格，避免浮点精度丢失
type PriceQuote string

func (q PriceQuote) String() string {
	return string(q)
}

// CanonicalHTTPResponse HTTP 响应中的确定性子集
//
// 头部、时间戳等可能在独立执行之间变化的字段在进入交易构建前全部丢弃。
type CanonicalHTTPResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// Equal 按字节比较两个规范化响应
func (r CanonicalHTTPResponse) Equal(other CanonicalHTTPResponse) bool {
	return r.Status == other.Status && bytes.Equal(r.Body, other.Body)
}
