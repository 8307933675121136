package outcall

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ethagent/pkg/models"
)

var (
	// ErrNoConsensus 多个副本得到的规范化结果不一致
	ErrNoConsensus = errors.New("副本之间响应不一致")
	// ErrResponseTooLarge 响应体超过上限
	ErrResponseTooLarge = errors.New("响应体超过大小上限")
)

// DefaultMaxResponseBytes 默认响应体上限
const DefaultMaxResponseBytes = 2 << 20

// Request 出站 HTTP 请求
type Request struct {
	URL              string
	Method           string
	Headers          []Header
	Body             []byte
	Transform        TransformFunc
	MaxResponseBytes int64
}

// ClientConfig 出站客户端配置
type ClientConfig struct {
	Timeout  time.Duration
	Replicas int
}

// Client 出站 HTTP 客户端
//
// 同一请求按 Replicas 并发执行，所有副本经过 Transform 后必须逐字节一致。
type Client struct {
	httpClient *http.Client
	replicas   int
	logger     *logrus.Logger
}

// NewClient 创建出站客户端
func NewClient(config ClientConfig, logger *logrus.Logger) *Client {
	if config.Replicas < 1 {
		config.Replicas = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		httpClient: &http.Client{Timeout: config.Timeout},
		replicas:   config.Replicas,
		logger:     logger,
	}
}

// WithHTTPClient 替换底层 http.Client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Replicas 副本数
func (c *Client) Replicas() int {
	return c.replicas
}

// Do 执行请求并返回规范化响应，不做任何重试
func (c *Client) Do(ctx context.Context, req *Request) (models.CanonicalHTTPResponse, error) {
	if req == nil {
		return models.CanonicalHTTPResponse{}, fmt.Errorf("请求不能为空")
	}

	transform := req.Transform
	if transform == nil {
		transform = Canonicalize
	}

	results := make([]models.CanonicalHTTPResponse, c.replicas)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.replicas; i++ {
		i := i
		g.Go(func() error {
			raw, err := c.execute(gctx, req)
			if err != nil {
				return err
			}
			results[i] = transform(raw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.CanonicalHTTPResponse{}, err
	}

	for i := 1; i < len(results); i++ {
		if !results[0].Equal(results[i]) {
			c.logger.WithFields(logrus.Fields{
				"url":      req.URL,
				"replicas": c.replicas,
				"replica":  i,
			}).Warn("副本响应不一致")
			return models.CanonicalHTTPResponse{}, ErrNoConsensus
		}
	}

	return results[0], nil
}

// execute 执行单次 HTTP 请求
func (c *Client) execute(ctx context.Context, req *Request) (*RawResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	for _, h := range req.Headers {
		httpReq.Header.Add(h.Name, h.Value)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	limit := req.MaxResponseBytes
	if limit <= 0 {
		limit = DefaultMaxResponseBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, ErrResponseTooLarge
	}

	headers := make([]Header, 0, len(resp.Header))
	for name, values := range resp.Header {
		for _, v := range values {
			headers = append(headers, Header{Name: name, Value: v})
		}
	}

	return &RawResponse{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    data,
	}, nil
}
