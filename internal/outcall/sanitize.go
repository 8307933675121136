package outcall

import (
	"bytes"
	"encoding/json"
	"io"

	"ethagent/pkg/models"
)

// DefaultVolatileFields 默认剔除的易变字段，这些字段在相邻两次请求之间几乎必然不同
var DefaultVolatileFields = []string{
	"timestamp",
	"elapsed",
	"credit_count",
	"last_updated",
	"request_id",
	"notice",
}

// Header HTTP 头
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RawResponse 未经处理的 HTTP 响应
type RawResponse struct {
	Status  int      `json:"status"`
	Headers []Header `json:"headers"`
	Body    []byte   `json:"body"`
}

// TransformFunc 响应规范化函数，必须是纯函数
type TransformFunc func(raw *RawResponse) models.CanonicalHTTPResponse

// Sanitizer 确定性响应清洗器
type Sanitizer struct {
	VolatileFields []string
}

// NewSanitizer 创建清洗器，volatile 为空时使用默认字段
func NewSanitizer(volatile []string) *Sanitizer {
	if len(volatile) == 0 {
		volatile = DefaultVolatileFields
	}
	fields := make([]string, len(volatile))
	copy(fields, volatile)
	return &Sanitizer{VolatileFields: fields}
}

// Canonicalize 使用默认易变字段规范化响应
func Canonicalize(raw *RawResponse) models.CanonicalHTTPResponse {
	return NewSanitizer(nil).Canonicalize(raw)
}

// Canonicalize 丢弃所有头部，保留状态码，JSON 响应体去除易变字段后按键排序重新编码
func (s *Sanitizer) Canonicalize(raw *RawResponse) models.CanonicalHTTPResponse {
	if raw == nil {
		return models.CanonicalHTTPResponse{}
	}

	return models.CanonicalHTTPResponse{
		Status: raw.Status,
		Body:   s.canonicalBody(raw.Body),
	}
}

// Transform 作为 TransformFunc 使用
func (s *Sanitizer) Transform() TransformFunc {
	return s.Canonicalize
}

func (s *Sanitizer) canonicalBody(body []byte) []byte {
	if len(body) == 0 || !json.Valid(body) {
		return cloneBytes(body)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return cloneBytes(body)
	}
	if _, err := dec.Token(); err != io.EOF {
		return cloneBytes(body)
	}

	drop := make(map[string]struct{}, len(s.VolatileFields))
	for _, f := range s.VolatileFields {
		drop[f] = struct{}{}
	}
	value = stripFields(value, drop)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return cloneBytes(body)
	}

	return bytes.TrimRight(buf.Bytes(), "\n")
}

// stripFields 递归删除对象中的易变字段，encoding/json 对 map 键按字典序输出
func stripFields(value interface{}, drop map[string]struct{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		for key, child := range v {
			if _, ok := drop[key]; ok {
				delete(v, key)
				continue
			}
			v[key] = stripFields(child, drop)
		}
		return v
	case []interface{}:
		for i, child := range v {
			v[i] = stripFields(child, drop)
		}
		return v
	default:
		return v
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
