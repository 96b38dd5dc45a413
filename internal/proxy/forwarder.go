package proxy

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// Forwarder 把缓存层未拦截的请求原样转发到 origin 并流式回写响应。
// 重定向不在代理侧跟随，由客户端自行处理。
type Forwarder struct {
	client *http.Client
	logger *logrus.Logger
}

// NewForwarder 基于共享 client 创建 Forwarder，复用其 transport 与超时。
func NewForwarder(client *http.Client, logger *logrus.Logger) *Forwarder {
	passthrough := *client
	passthrough.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Forwarder{
		client: &passthrough,
		logger: logger,
	}
}

// Forward 发出 req 并把状态码、非 hop-by-hop 头与正文写回客户端。
func (f *Forwarder) Forward(c fiber.Ctx, req *http.Request, requestID string, started time.Time) error {
	target := req.URL.String()
	resp, err := f.client.Do(req)
	if err != nil {
		f.logResult(requestID, req.Method, target, 0, started, err)
		setRequestIDHeader(c, requestID)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		f.logResult(requestID, req.Method, target, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	f.logResult(requestID, req.Method, target, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logResult(requestID, method, target string, status int, started time.Time, err error) {
	fields := logrus.Fields{
		"action":          "passthrough",
		"request_id":      requestID,
		"method":          method,
		"url":             target,
		"upstream_status": status,
		"elapsed_ms":      time.Since(started).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		f.logger.WithFields(fields).Error("passthrough_failed")
		return
	}
	f.logger.WithFields(fields).Debug("passthrough_complete")
}
