package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/server"
	"github.com/shellcache/shellcache/internal/worker"
)

// CacheHitHeader 标记被拦截请求的响应是否来自缓存。
const CacheHitHeader = "X-Shell-Cache-Hit"

// Interceptor 决定请求是否由缓存层处理，worker.Lifecycle 即满足该接口。
type Interceptor interface {
	Fetch(ctx context.Context, req *http.Request) (worker.FetchResult, error)
}

// Handler 把入站请求转换为指向 origin 的 *http.Request 交给 Interceptor；
// 未被拦截的请求由 Forwarder 原样透传到 origin。
type Handler struct {
	origin      *url.URL
	interceptor Interceptor
	forwarder   *Forwarder
	logger      *logrus.Logger
}

// NewHandler constructs a proxy handler bound to a single origin.
func NewHandler(origin string, interceptor Interceptor, client *http.Client, logger *logrus.Logger) (*Handler, error) {
	if interceptor == nil {
		return nil, errors.New("interceptor is required")
	}
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	parsed, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", origin)
	}
	return &Handler{
		origin:      parsed,
		interceptor: interceptor,
		forwarder:   NewForwarder(client, logger),
		logger:      logger,
	}, nil
}

// Handle 实现 server.ProxyHandler：先尝试缓存层，未拦截时透传。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := h.buildOriginRequest(c)
	if err != nil {
		h.logger.WithFields(logging.RequestFields(requestID, "", string(c.Request().RequestURI()), false)).
			WithError(err).Warn("invalid_request")
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	result, err := h.interceptor.Fetch(req.Context(), req)
	if !result.Handled {
		return h.forwarder.Forward(c, req, requestID, started)
	}
	if err != nil {
		h.logResult(requestID, result, req.URL.String(), 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	return h.serveResult(c, req, result, requestID, started)
}

func (h *Handler) serveResult(
	c fiber.Ctx,
	req *http.Request,
	result worker.FetchResult,
	requestID string,
	started time.Time,
) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Response().Header.Del(fiber.HeaderContentLength)
	if result.CacheHit {
		c.Set(CacheHitHeader, "true")
	} else {
		c.Set(CacheHitHeader, "false")
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}

	h.logResult(requestID, result, req.URL.String(), resp.Status, started, nil)
	return c.Status(resp.Status).Send(resp.Body)
}

// buildOriginRequest 以 origin + 规范化路径 + 原始查询串构造回源请求，并补齐转发头。
func (h *Handler) buildOriginRequest(c fiber.Ctx) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	target := resolveOriginURL(h.origin, c)
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	req.Header.Set("Host", target.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	requestID string,
	result worker.FetchResult,
	target string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(requestID, result.Key, target, result.CacheHit)
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

func resolveOriginURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean}
	if raw := uri.QueryString(); len(raw) > 0 {
		relative.RawQuery = string(raw)
	}
	return base.ResolveReference(relative)
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	// path.Clean 会去掉目录请求的结尾斜杠，origin 可能依赖它。
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
