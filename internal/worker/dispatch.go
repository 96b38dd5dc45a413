package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// EventKind 标识宿主投递的生命周期事件。
type EventKind string

const (
	EventInstall  EventKind = "install"
	EventActivate EventKind = "activate"
	EventFetch    EventKind = "fetch"
	EventMessage  EventKind = "message"
)

// Event 是投递给 Dispatch 的带标签事件；Request 仅 fetch 使用，Data 仅 message 使用。
type Event struct {
	Kind    EventKind
	Request *http.Request
	Data    string
}

// Result 汇总各事件的返回值，只有与事件类型对应的字段有意义。
type Result struct {
	Fetch    FetchResult
	Activate ActivateReport
	// Recognized 表示 message 命令是否被识别。
	Recognized bool
	Err        error
}

// ErrUnknownEvent 表示事件类型未注册。
var ErrUnknownEvent = errors.New("unknown event kind")

// Dispatch 根据事件类型路由到对应处理器。
func (w *Worker) Dispatch(ctx context.Context, ev Event) Result {
	switch ev.Kind {
	case EventInstall:
		return Result{Err: w.Install(ctx)}
	case EventActivate:
		return Result{Activate: w.Activate(ctx)}
	case EventFetch:
		if ev.Request == nil {
			return Result{Err: errors.New("fetch event without request")}
		}
		res, err := w.Fetch(ctx, ev.Request)
		return Result{Fetch: res, Err: err}
	case EventMessage:
		ok, err := w.Message(ctx, ev.Data)
		return Result{Recognized: ok, Err: err}
	default:
		return Result{Err: fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind)}
	}
}
