package remote

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/nodeflow/config"
	"github.com/BaSui01/nodeflow/internal/metrics"
	"github.com/BaSui01/nodeflow/internal/retry"
	"github.com/BaSui01/nodeflow/registry"
	"github.com/BaSui01/nodeflow/types"
)

// Client 绑定到单个节点的 RPC 客户端。
// 面板到节点代理的关键差异：
// 1. 每次调用携带 Bearer 共享密钥 + 请求签名双重凭证
// 2. 连接失败与鉴权失败是两类可区分的错误（503 vs 403 语义）
// 3. 幂等读操作带退避重试；变更类调用一次性执行，失败即上报
type Client struct {
	node    *registry.Node
	cfg     config.AgentConfig
	client  *http.Client // 控制类调用
	archive *http.Client // 归档/迁移类调用（超时更长）
	retryer retry.Retryer
	logger  *zap.Logger
	metrics *metrics.Collector // 可为 nil
}

// NewClient 创建绑定到 node 的客户端
func NewClient(node *registry.Node, cfg config.AgentConfig, logger *zap.Logger) *Client {
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = 15 * time.Second
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = 15 * time.Minute
	}

	var transport http.RoundTripper
	if node.AllowInsecureTLS {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &Client{
		node:    node,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.ControlTimeout, Transport: transport},
		archive: &http.Client{Timeout: cfg.ArchiveTimeout, Transport: transport},
		retryer: retry.NewBackoffRetryer(&retry.Policy{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		}, logger),
		logger: logger.With(
			zap.String("component", "agent_client"),
			zap.String("node", node.UUID),
		),
	}
}

// Node 返回客户端绑定的节点
func (c *Client) Node() *registry.Node {
	return c.node
}

// SetMetrics 注入指标采集器
func (c *Client) SetMetrics(collector *metrics.Collector) {
	c.metrics = collector
}

// idSegmentPattern 匹配路径中的 UUID 或数字标识符段
var idSegmentPattern = regexp.MustCompile(`^[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`)

// opFromPath 取路径中最后一个非标识符段作为操作标签，控制指标基数
func opFromPath(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i := len(segs) - 1; i >= 0; i-- {
		if segs[i] != "" && !idSegmentPattern.MatchString(segs[i]) {
			return segs[i]
		}
	}
	return "unknown"
}

// recordCall 上报一次代理调用的结果与耗时
func (c *Client) recordCall(path, status string, duration time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordAgentCall(c.node.Name, opFromPath(path), status, duration)
}

// buildHeaders 设置鉴权头与确定性请求签名
// 签名串: method \n path \n sha256(body)，以节点共享密钥做 HMAC-SHA256。
func (c *Client) buildHeaders(req *http.Request, body []byte) {
	req.Header.Set("Authorization", "Bearer "+c.node.BearerToken())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Nodeflow-Signature", signRequest(c.node.Token, req.Method, req.URL.Path, body))
}

// signRequest 计算请求签名
func signRequest(secret, method, path string, body []byte) string {
	sum := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s\n%s\n%s", method, path, hex.EncodeToString(sum[:]))
	return hex.EncodeToString(mac.Sum(nil))
}

// agentErrorResp 节点代理的错误响应体
type agentErrorResp struct {
	Error string `json:"error"`
}

// do 执行一次调用并解码响应
// out 为 nil 时丢弃响应体。archive 为 true 时使用长超时客户端。
func (c *Client) do(ctx context.Context, method, path string, payload any, out any, archive bool) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return types.NewError(types.ErrInternalError, "failed to encode request").WithCause(err)
		}
	}

	endpoint := strings.TrimRight(c.node.BaseURL(), "/") + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return types.NewError(types.ErrInternalError, "failed to build request").WithCause(err)
	}
	c.buildHeaders(req, body)

	httpClient := c.client
	if archive {
		httpClient = c.archive
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		// 连接失败：节点不可达（网络错误或超时）。对操作方映射为 503。
		c.recordCall(path, "unreachable", time.Since(start))
		return types.NewError(types.ErrNodeUnreachable,
			fmt.Sprintf("node agent unreachable: %s %s", method, path)).
			WithCause(err).
			WithHTTPStatus(http.StatusServiceUnavailable).
			WithRetryable(true).
			WithNode(c.node.UUID)
	}
	defer resp.Body.Close()

	c.logger.Debug("agent call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= 400 {
		c.recordCall(path, "error", time.Since(start))
		return c.mapAgentError(resp, method, path)
	}
	c.recordCall(path, "ok", time.Since(start))

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return types.NewError(types.ErrNodeRejected, "failed to decode node agent response").
				WithCause(err).
				WithHTTPStatus(http.StatusBadGateway).
				WithNode(c.node.UUID)
		}
	}
	return nil
}

// mapAgentError 将节点代理的错误状态映射为结构化错误
func (c *Client) mapAgentError(resp *http.Response, method, path string) error {
	msg := readAgentErrMsg(resp.Body)
	if msg == "" {
		msg = fmt.Sprintf("%s %s failed with status %d", method, path, resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		// 鉴权失败：密钥配置错误或已轮换。不可重试，对操作方映射为 403。
		return types.NewError(types.ErrNodeAuthFailed, msg).
			WithHTTPStatus(http.StatusForbidden).
			WithNode(c.node.UUID)
	case http.StatusNotFound:
		return types.NewError(types.ErrNotFound, msg).
			WithHTTPStatus(http.StatusNotFound).
			WithNode(c.node.UUID)
	case http.StatusConflict:
		return types.NewError(types.ErrConflict, msg).
			WithHTTPStatus(http.StatusConflict).
			WithNode(c.node.UUID)
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return types.NewError(types.ErrValidation, msg).
			WithHTTPStatus(resp.StatusCode).
			WithNode(c.node.UUID)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return types.NewError(types.ErrNodeUnreachable, msg).
			WithHTTPStatus(http.StatusServiceUnavailable).
			WithRetryable(true).
			WithNode(c.node.UUID)
	default:
		return types.NewError(types.ErrNodeRejected, msg).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(resp.StatusCode >= 500).
			WithNode(c.node.UUID)
	}
}

func readAgentErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	var errResp agentErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error != "" {
		return errResp.Error
	}
	return strings.TrimSpace(string(data))
}

// getWithRetry 对幂等读操作套用退避重试
func (c *Client) getWithRetry(ctx context.Context, path string, out any) error {
	return c.retryer.Do(ctx, func() error {
		return c.do(ctx, http.MethodGet, path, nil, out, false)
	})
}
