package routes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/server"
	"github.com/shellcache/shellcache/internal/worker"
)

// WorkerController 是诊断接口依赖的生命周期操作，worker.Lifecycle 即满足该接口。
type WorkerController interface {
	Status() worker.Status
	Message(ctx context.Context, data string) (bool, error)
}

// WorkerRouteOptions 汇总 /-/worker 路由的依赖。Storage 为空时不统计 Content 条目数。
type WorkerRouteOptions struct {
	Controller       WorkerController
	Storage          cache.Storage
	ContentPartition string
	Logger           *logrus.Logger
}

type workerStatusPayload struct {
	Active         *worker.WorkerStatus `json:"active"`
	Waiting        *worker.WorkerStatus `json:"waiting"`
	ContentEntries *int                 `json:"content_entries,omitempty"`
}

// RegisterWorkerRoutes 暴露 /-/worker 状态查询与 /-/worker/message 客户端命令通道。
func RegisterWorkerRoutes(app *fiber.App, opts WorkerRouteOptions) {
	if app == nil || opts.Controller == nil {
		return
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/worker", func(c fiber.Ctx) error {
		c.Set(fiber.HeaderCacheControl, "no-cache")
		status := opts.Controller.Status()
		payload := workerStatusPayload{Active: status.Active, Waiting: status.Waiting}
		if count, ok := countContent(c.Context(), opts); ok {
			payload.ContentEntries = &count
		}
		return c.JSON(payload)
	})

	app.Post("/-/worker/message", func(c fiber.Ctx) error {
		c.Set(fiber.HeaderCacheControl, "no-cache")
		command := parseCommand(c.Body())
		if command == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "command_required"})
		}

		fields := logrus.Fields{
			"action":     "message",
			"command":    command,
			"request_id": server.RequestID(c),
		}
		recognized, err := opts.Controller.Message(c.Context(), command)
		switch {
		case errors.Is(err, worker.ErrNoActiveWorker):
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no_active_worker"})
		case err != nil:
			logger.WithFields(fields).WithError(err).Warn("command_failed")
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "command_failed", "command": command})
		case !recognized:
			logger.WithFields(fields).Debug("command_ignored")
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"result": "ignored"})
		}
		logger.WithFields(fields).Info("command_done")
		return c.JSON(fiber.Map{"result": "ok", "command": command})
	})
}

// parseCommand 接受纯文本命令或 JSON 字符串（例如 "downloadOffline"）。
func parseCommand(body []byte) string {
	raw := strings.TrimSpace(string(body))
	if strings.HasPrefix(raw, `"`) {
		var decoded string
		if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
			return strings.TrimSpace(decoded)
		}
	}
	return raw
}

func countContent(ctx context.Context, opts WorkerRouteOptions) (int, bool) {
	if opts.Storage == nil || opts.ContentPartition == "" {
		return 0, false
	}
	exists, err := opts.Storage.Has(ctx, opts.ContentPartition)
	if err != nil {
		return 0, false
	}
	if !exists {
		return 0, true
	}
	part, err := opts.Storage.Open(ctx, opts.ContentPartition)
	if err != nil {
		return 0, false
	}
	keys, err := part.Keys(ctx)
	if err != nil {
		return 0, false
	}
	return len(keys), true
}
