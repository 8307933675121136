package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ethagent/internal/errors"
	"ethagent/internal/logging"
	"ethagent/internal/outcall"
	"ethagent/pkg/models"
)

const (
	DefaultURL          = "https://pro-api.coinmarketcap.com/v1/cryptocurrency/quotes/latest?symbol=ETH"
	DefaultAPIKeyHeader = "X-CMC_PRO_API_KEY"
	DefaultSymbol       = "ETH"
)

// Config 价格接口配置
type Config struct {
	URL              string
	APIKey           string
	APIKeyHeader     string
	Symbol           string
	Timeout          time.Duration
	MaxResponseBytes int64
	VolatileFields   []string
}

// Doer 出站请求能力
type Doer interface {
	Do(ctx context.Context, req *outcall.Request) (models.CanonicalHTTPResponse, error)
}

// Client 价格预言机客户端，每次调用恰好一次出站请求，不缓存不重试
type Client struct {
	config    Config
	doer      Doer
	sanitizer *outcall.Sanitizer
	logger    *logrus.Entry
}

// NewClient 创建价格客户端
func NewClient(config Config, doer Doer, logger *logrus.Logger) *Client {
	if config.URL == "" {
		config.URL = DefaultURL
	}
	if config.APIKeyHeader == "" {
		config.APIKeyHeader = DefaultAPIKeyHeader
	}
	if config.Symbol == "" {
		config.Symbol = DefaultSymbol
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		config:    config,
		doer:      doer,
		sanitizer: outcall.NewSanitizer(config.VolatileFields),
		logger:    logging.NewComponentLogger(logger, "price_oracle"),
	}
}

// FetchPriceUSD 获取美元报价
func (c *Client) FetchPriceUSD(ctx context.Context) (models.PriceQuote, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	headers := []outcall.Header{{Name: "Accept", Value: "application/json"}}
	if c.config.APIKey != "" {
		headers = append(headers, outcall.Header{Name: c.config.APIKeyHeader, Value: c.config.APIKey})
	}

	resp, err := c.doer.Do(ctx, &outcall.Request{
		URL:              c.config.URL,
		Method:           http.MethodGet,
		Headers:          headers,
		Transform:        c.sanitizer.Transform(),
		MaxResponseBytes: c.config.MaxResponseBytes,
	})
	if err != nil {
		return "", errors.OracleUnavailable(err, "价格接口请求失败")
	}

	if resp.Status < 200 || resp.Status >= 300 {
		return "", errors.OracleUnavailable(fmt.Errorf("HTTP %d", resp.Status), "价格接口返回非成功状态")
	}

	quote, err := ExtractPrice(resp.Body, c.config.Symbol)
	if err != nil {
		return "", err
	}

	c.logger.WithFields(logrus.Fields{
		"symbol": c.config.Symbol,
		"price":  quote.String(),
	}).Debug("获取报价成功")

	return quote, nil
}

// ExtractPrice 从规范化响应体中读取 data.<SYMBOL>.quote.USD.price
func ExtractPrice(body []byte, symbol string) (models.PriceQuote, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return "", errors.OracleMalformedResponse(err, "响应不是有效的 JSON 对象")
	}

	path := []string{"data", strings.ToUpper(symbol), "quote", "USD", "price"}
	var node interface{} = doc
	for _, key := range path {
		obj, ok := node.(map[string]interface{})
		if !ok {
			return "", errors.OracleMalformedResponse(nil, fmt.Sprintf("缺少字段 %s", key))
		}
		node, ok = obj[key]
		if !ok {
			return "", errors.OracleMalformedResponse(nil, fmt.Sprintf("缺少字段 %s", key))
		}
	}

	num, ok := node.(json.Number)
	if !ok {
		return "", errors.OracleMalformedResponse(nil, "价格不是数字")
	}

	price, err := decimal.NewFromString(num.String())
	if err != nil {
		return "", errors.OracleMalformedResponse(err, "价格不是有效的十进制数")
	}

	return models.PriceQuote(price.String()), nil
}
