package worker

import (
	"context"
	"fmt"
)

// 客户端消息通道接受的命令。
const (
	CommandSkipWaiting     = "skipWaiting"
	CommandDownloadOffline = "downloadOffline"
)

// Message 处理客户端命令，返回命令是否被识别。未识别的负载静默忽略。
func (w *Worker) Message(ctx context.Context, data string) (bool, error) {
	switch data {
	case CommandSkipWaiting:
		if w.skipWaiting != nil {
			w.skipWaiting()
		}
		return true, nil
	case CommandDownloadOffline:
		return true, w.DownloadOffline(ctx)
	default:
		return false, nil
	}
}

// DownloadOffline 拉取清单中所有尚未进入 Content 的资源，实现完整离线预取。
// 已齐全时不会发出任何网络请求。
func (w *Worker) DownloadOffline(ctx context.Context) error {
	content, err := w.storage.Open(ctx, w.names.Content)
	if err != nil {
		return fmt.Errorf("open content partition: %w", err)
	}
	urls, err := content.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list content partition: %w", err)
	}

	present := make(map[string]struct{}, len(urls))
	for _, url := range urls {
		present[storedKey(w.origin, url)] = struct{}{}
	}
	missing := w.release.Resources.Missing(present)

	fields := w.fields("download_offline")
	fields["missing"] = len(missing)
	if len(missing) == 0 {
		w.logger.WithFields(fields).Debug("offline_cache_complete")
		return nil
	}
	if err := w.addAll(ctx, content, missing, false); err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("download_offline_failed")
		return err
	}
	w.logger.WithFields(fields).Info("download_offline_done")
	return nil
}
