package ipfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"jobnode/internal/coordinator"
	"jobnode/internal/metrics"
	"jobnode/internal/retry"
)

const (
	// DefaultGateway 是公共 IPFS 网关。
	DefaultGateway = "https://ipfs.io/ipfs"

	defaultGatewayTimeout = 60 * time.Second
	defaultAttempts       = 3
	defaultRetryDelay     = 2 * time.Second
	maxArtifactBytes      = 512 << 20
)

// ErrNotFound 表示网关或本地镜像中不存在该 CID。
var ErrNotFound = errors.New("artifact not found")

// GatewayClient 通过 HTTP Gateway 拉取模型与数据集，兼容本地与远程 IPFS 服务。
// 传输错误与 5xx 会线性退避重试，404 直接返回 ErrNotFound。
type GatewayClient struct {
	baseURL    string
	client     *http.Client
	attempts   int
	retryDelay time.Duration
	maxBytes   int64
	log        coordinator.Logger
}

// Option 调整 GatewayClient 的默认参数。
type Option func(*GatewayClient)

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(c *http.Client) Option {
	return func(g *GatewayClient) { g.client = c }
}

// WithRetry 设置尝试次数与基础退避间隔。
func WithRetry(attempts int, delay time.Duration) Option {
	return func(g *GatewayClient) {
		g.attempts = attempts
		g.retryDelay = delay
	}
}

// WithMaxBytes 设置单个制品的大小上限。
func WithMaxBytes(n int64) Option {
	return func(g *GatewayClient) { g.maxBytes = n }
}

// NewGatewayClient 构造面向 HTTP Gateway 的 IPFS 客户端。baseURL 为空时使用公共网关。
func NewGatewayClient(baseURL string, log coordinator.Logger, opts ...Option) *GatewayClient {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		trimmed = DefaultGateway
	}
	g := &GatewayClient{
		baseURL:    strings.TrimRight(trimmed, "/"),
		client:     &http.Client{Timeout: defaultGatewayTimeout},
		attempts:   defaultAttempts,
		retryDelay: defaultRetryDelay,
		maxBytes:   maxArtifactBytes,
		log:        coordinator.DefaultLogger(log),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Fetch 通过网关下载指定 CID 的字节流。
func (g *GatewayClient) Fetch(ctx context.Context, cid string) ([]byte, error) {
	cid = strings.Trim(strings.TrimSpace(cid), "/")
	if cid == "" {
		return nil, errors.New("cid is empty")
	}
	target := fmt.Sprintf("%s/%s", g.baseURL, cid)

	var data []byte
	err := retry.Linear(ctx, g.attempts, g.retryDelay, func(ctx context.Context) error {
		var err error
		data, err = g.get(ctx, target)
		return err
	}, func(attempt int, err error) {
		g.log.Warnf("ipfs fetch %s attempt %d failed: %v", cid, attempt, err)
	})
	switch {
	case errors.Is(err, ErrNotFound):
		metrics.ArtifactFetchesTotal.WithLabelValues("not_found").Inc()
		return nil, err
	case err != nil:
		metrics.ArtifactFetchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fetch %s: %w", cid, err)
	}
	metrics.ArtifactFetchesTotal.WithLabelValues("ok").Inc()
	g.log.Infof("downloaded %s (%d bytes) via ipfs gateway", cid, len(data))
	return data, nil
}

// get 执行一次下载。只有传输错误与 5xx 可重试。
func (g *GatewayClient) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, retry.Stop(fmt.Errorf("new request: %w", err))
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, retry.Stop(fmt.Errorf("%s: %w", target, ErrNotFound))
	case resp.StatusCode >= 500:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("gateway %s status %s: %s", target, resp.Status, strings.TrimSpace(string(payload)))
	case resp.StatusCode != http.StatusOK:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, retry.Stop(fmt.Errorf("gateway %s status %s: %s", target, resp.Status, strings.TrimSpace(string(payload))))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if int64(len(data)) > g.maxBytes {
		return nil, retry.Stop(fmt.Errorf("artifact larger than %d bytes", g.maxBytes))
	}
	return data, nil
}
