// Package remote 封装与记录源服务端的 HTTP 交互
//
// 所有调用都有界超时；超时一律按瞬态失败处理（服务端最终状态未知，不是被否定），
// 由上层带退避重试。409 是数据而非错误：以 PushResult.Conflict 返回给裁决器。
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	syncerrors "auditsync/errors"
	"auditsync/logging"
	"auditsync/wire"
)

// Change 一条服务端变更
type Change struct {
	EntityType wire.EntityType `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Revision   int64           `json:"revision"`
	Deleted    bool            `json:"deleted,omitempty"`
	Entity     json.RawMessage `json:"entity,omitempty"`
}

// Delta 一页增量拉取结果
type Delta struct {
	Changes   []Change `json:"changes"`
	NextSince int64    `json:"next_since"`
	HasMore   bool     `json:"has_more"`
}

// ConflictInfo 版本不匹配（409）时服务端返回的当前状态
type ConflictInfo struct {
	CurrentRevision int64           `json:"current_revision"`
	CurrentEntity   json.RawMessage `json:"current_entity,omitempty"`
	Deleted         bool            `json:"deleted,omitempty"`
}

// PushResult 一次上送的结果
//
// Conflict 非空表示版本不匹配，交由冲突裁决器处理；其余字段无效。
type PushResult struct {
	Revision  int64           `json:"revision"`
	Entity    json.RawMessage `json:"entity,omitempty"`
	Duplicate bool            `json:"duplicate,omitempty"`
	Conflict  *ConflictInfo   `json:"-"`
}

// IClient 服务端客户端抽象
//
// 测试与离线演示可注入替身实现。
type IClient interface {
	// Push 上送一条变更；expectedRevision 是客户端出发时的服务端修订号
	Push(ctx context.Context, env *wire.Envelope, expectedRevision int64) (*PushResult, error)

	// Pull 拉取 since 之后的服务端变更（单页）
	Pull(ctx context.Context, since int64) (*Delta, error)
}

// Config HTTP 客户端配置
type Config struct {
	// BaseURL 服务端根地址，如 https://api.example.com/v1
	BaseURL string

	// Timeout 单次调用的有界超时，默认 15s
	Timeout time.Duration

	// HTTPClient 可注入自定义 http.Client（测试、代理）
	HTTPClient *http.Client

	// AuthToken 可选的 Bearer 令牌
	AuthToken string

	Logger logging.Logger
}

// HTTPClient IClient 的 HTTP 实现
type HTTPClient struct {
	cfg    Config
	client *http.Client
	logger logging.Logger
}

// NewHTTPClient 创建 HTTP 客户端
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, syncerrors.New(syncerrors.KindValidation, "remote base url not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cl := cfg.HTTPClient
	if cl == nil {
		cl = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("remote.http")
	}
	return &HTTPClient{cfg: cfg, client: cl, logger: cfg.Logger}, nil
}

// Push 按操作类型路由到对应端点并上送
func (c *HTTPClient) Push(ctx context.Context, env *wire.Envelope, expectedRevision int64) (*PushResult, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	method, path, err := routeFor(env)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(pushRequest{
		Envelope:         env,
		ExpectedRevision: expectedRevision,
	})
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindInternal, "encode push request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindInternal, "build push request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", env.IdempotencyKey)
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		// 超时与连接失败：最终状态未知，按瞬态处理
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "push "+path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "read push response")
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		var info ConflictInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, syncerrors.Wrap(err, syncerrors.KindCorruption, "decode conflict response")
		}
		c.logger.Info(ctx, "push returned version mismatch",
			logging.String("entity_id", env.EntityID),
			logging.Int64("current_revision", info.CurrentRevision))
		return &PushResult{Conflict: &info}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result PushResult
		if len(data) > 0 {
			if err := json.Unmarshal(data, &result); err != nil {
				return nil, syncerrors.Wrap(err, syncerrors.KindCorruption, "decode push response")
			}
		}
		return &result, nil

	default:
		return nil, statusError(resp.StatusCode, data, "push "+path)
	}
}

// Pull 拉取增量变更
func (c *HTTPClient) Pull(ctx context.Context, since int64) (*Delta, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := c.cfg.BaseURL + "/audits?since=" + strconv.FormatInt(since, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindInternal, "build pull request")
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "pull changes")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "read pull response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, data, "pull changes")
	}

	var delta Delta
	if err := json.Unmarshal(data, &delta); err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindCorruption, "decode pull response")
	}
	return &delta, nil
}

const maxResponseBytes = 16 << 20

type pushRequest struct {
	*wire.Envelope
	ExpectedRevision int64 `json:"expected_revision"`
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
}

// routeFor 将报文映射到服务端端点
func routeFor(env *wire.Envelope) (method, path string, err error) {
	switch env.EntityType {
	case wire.EntityAudit:
		switch env.Operation {
		case wire.OpCreate:
			return http.MethodPost, "/audits", nil
		case wire.OpUpdate:
			return http.MethodPut, "/audits/" + url.PathEscape(env.EntityID), nil
		case wire.OpDelete:
			return http.MethodDelete, "/audits/" + url.PathEscape(env.EntityID), nil
		}
	case wire.EntityAction:
		// 窄变更端点按整改任务 ID 寻址；任务 ID 在载荷里，
		// EntityID 是所属审核（Outbox 以审核为单位保序）
		actionID, err := actionIDOf(env)
		if err != nil {
			return "", "", err
		}
		switch env.Operation {
		case wire.OpProgress:
			return http.MethodPost, "/actions/" + url.PathEscape(actionID) + "/progress", nil
		case wire.OpComment:
			return http.MethodPost, "/actions/" + url.PathEscape(actionID) + "/comments", nil
		}
	}
	return "", "", syncerrors.Newf(syncerrors.KindValidation, "no route for %s/%s", env.EntityType, env.Operation)
}

func actionIDOf(env *wire.Envelope) (string, error) {
	var ref struct {
		ActionID string `json:"action_id"`
	}
	if err := json.Unmarshal(env.Payload, &ref); err != nil || ref.ActionID == "" {
		return "", syncerrors.Newf(syncerrors.KindValidation, "action payload for %s missing action_id", env.EntityID)
	}
	return ref.ActionID, nil
}

// statusError 按 HTTP 状态码分类错误：409 在调用方单独处理，不会走到这里
func statusError(status int, body []byte, op string) error {
	kind := syncerrors.ClassifyHTTPStatus(status)
	msg := fmt.Sprintf("%s: server returned %d", op, status)
	err := syncerrors.New(kind, msg)
	if len(body) > 0 {
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return err.WithDetail("server_message", apiErr.Message)
		}
	}
	return err
}

var _ IClient = (*HTTPClient)(nil)
