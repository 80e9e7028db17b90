package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrTokenExpired 本地检测到 API 令牌已过期。
	ErrTokenExpired = errors.New("api token expired")
	// ErrMissingBaseURL 未配置上游服务地址。
	ErrMissingBaseURL = errors.New("api base url is required")
	// ErrMissingToken 未配置 API 令牌。
	ErrMissingToken = errors.New("api token is required")
)

// RequestObserver 上游请求的观测回调，由监控层实现。
type RequestObserver interface {
	ObserveUpstreamRequest(method, path string, status int, duration time.Duration)
}

// Options 定义创建客户端的参数。
type Options struct {
	BaseURL       string
	Token         string  // API 令牌；若为 JWT 形式会在本地做过期预检
	CSRFToken     string  // 写操作附带的 CSRF 令牌，可为空
	RatePerSecond float64 // 客户端侧限速，<=0 表示不限速
	Timeout       time.Duration
	Logger        *zap.Logger
	Observer      RequestObserver
}

// Client 是上游 JSON API 的瘦封装。
//
// 透明附加认证与 CSRF 头，不做任何重试：传输层失败原样向上抛，
// 非 2xx 状态作为普通 Response 返回，状态语义由调用方处理。
type Client struct {
	baseURL   string
	token     string
	csrfToken string
	http      *http.Client
	limiter   *rate.Limiter
	log       *zap.Logger
	observer  RequestObserver
}

// Response 上游响应的轻量视图，整个响应体已读入内存。
type Response struct {
	StatusCode int
	Body       []byte
}

// Ok 判断状态码是否落在 2xx。
func (r *Response) Ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// JSON 将响应体解码到 v。
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response body: %w", err)
	}
	return nil
}

// NewClient 创建上游 API 客户端。
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	if opts.Token == "" {
		return nil, ErrMissingToken
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), int(opts.RatePerSecond)+1)
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		token:     opts.Token,
		csrfToken: opts.CSRFToken,
		http:      &http.Client{Timeout: timeout},
		limiter:   limiter,
		log:       log,
		observer:  opts.Observer,
	}, nil
}

// Get 发起 GET 请求。path 以 / 开头，可携带查询串。
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post 发起 POST 请求，body 序列化为 JSON。
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// Patch 发起 PATCH 请求，body 只包含要修改的字段（部分更新语义）。
func (c *Client) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return c.do(ctx, http.MethodPatch, path, body)
}

// Delete 发起 DELETE 请求。
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil)
}

// BaseURL 返回上游服务地址（供健康检查使用）。
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*Response, error) {
	if err := c.checkToken(); err != nil {
		return nil, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}

	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.csrfToken != "" && method != http.MethodGet {
		req.Header.Set("X-CSRFToken", c.csrfToken)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	duration := time.Since(start)
	if err != nil {
		if c.observer != nil {
			c.observer.ObserveUpstreamRequest(method, path, 0, duration)
		}
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s %s: %w", method, path, err)
	}

	if c.observer != nil {
		c.observer.ObserveUpstreamRequest(method, path, resp.StatusCode, duration)
	}

	c.log.Debug("upstream request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", duration),
	)

	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// checkToken 对 JWT 形式的令牌做本地过期预检，避免无谓的网络往返。
//
// 非 JWT 形式的不透明令牌直接放行，交由服务端判定。
func (c *Client) checkToken() error {
	if strings.Count(c.token, ".") != 2 {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, claims); err != nil {
		// 形似 JWT 但解析失败：当作不透明令牌处理
		return nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if time.Now().After(exp.Time) {
		return ErrTokenExpired
	}
	return nil
}

// EncodeQuery 把查询参数编码到路径上。
func EncodeQuery(path string, params map[string]string) string {
	if len(params) == 0 {
		return path
	}
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return path + "?" + values.Encode()
}
