package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/manifest"
)

// ActivateReport 描述一次 activate 的结果，便于日志与诊断。
type ActivateReport struct {
	// FirstInstall 表示不存在上一版清单，Content 被整体重建。
	FirstInstall bool
	// Evicted 是因清单移除或 checksum 变化而被删除的 Content URL。
	Evicted []string
	// Copied 是从 Temp 复制到 Content 的条目数。
	Copied int
	// Reset 表示过程中出错，三个分区已被全部删除。
	Reset bool
	Err   error
}

// Activate 将 Temp 中的外壳文件合并进 Content，并依据上一版清单淘汰变化的资源。
// 出错时删除全部三个分区并记录日志，错误不会向上传播。
func (w *Worker) Activate(ctx context.Context) ActivateReport {
	w.setState(StateActivating)

	// 调用方取消不打断进行中的调和。
	ctx = context.WithoutCancel(ctx)
	report, err := w.reconcile(ctx)
	if err != nil {
		report.Err = err
		report.Reset = true
		w.logger.WithFields(w.fields("activate")).WithError(err).Error("worker_upgrade_failed")
		w.resetPartitions(ctx)
	}

	w.setState(StateActivated)
	return report
}

func (w *Worker) reconcile(ctx context.Context) (ActivateReport, error) {
	var report ActivateReport

	content, err := w.storage.Open(ctx, w.names.Content)
	if err != nil {
		return report, fmt.Errorf("open content partition: %w", err)
	}
	temp, err := w.storage.Open(ctx, w.names.Temp)
	if err != nil {
		return report, fmt.Errorf("open temp partition: %w", err)
	}
	manifestStore, err := w.storage.Open(ctx, w.names.Manifest)
	if err != nil {
		return report, fmt.Errorf("open manifest partition: %w", err)
	}

	stored, err := manifestStore.Match(ctx, manifestEntryKey)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return report, fmt.Errorf("read previous manifest: %w", err)
	}

	if stored == nil {
		// 没有上一版清单：清空 Content 后只保留本次 install 的外壳文件。
		report.FirstInstall = true
		if _, err := w.storage.Delete(ctx, w.names.Content); err != nil {
			return report, fmt.Errorf("clear content partition: %w", err)
		}
		content, err = w.storage.Open(ctx, w.names.Content)
		if err != nil {
			return report, fmt.Errorf("reopen content partition: %w", err)
		}
	} else {
		previous, err := manifest.Decode(stored.Body)
		if err != nil {
			return report, err
		}
		evicted, err := w.evictChanged(ctx, content, previous)
		report.Evicted = evicted
		if err != nil {
			return report, err
		}
	}

	copied, err := copyPartition(ctx, temp, content)
	report.Copied = copied
	if err != nil {
		return report, err
	}
	if _, err := w.storage.Delete(ctx, w.names.Temp); err != nil {
		return report, fmt.Errorf("delete temp partition: %w", err)
	}

	encoded, err := w.release.Resources.Encode()
	if err != nil {
		return report, err
	}
	if err := manifestStore.Put(ctx, manifestEntryKey, &cache.Response{Status: 200, Body: encoded}); err != nil {
		return report, fmt.Errorf("save manifest: %w", err)
	}

	fields := w.fields("activate")
	fields["first_install"] = report.FirstInstall
	fields["evicted"] = len(report.Evicted)
	fields["copied"] = report.Copied
	w.logger.WithFields(fields).Info("worker_activated")

	if w.claimClients != nil {
		w.claimClients()
	}
	return report, nil
}

// evictChanged 删除 Content 中不在新清单或 checksum 与上一版不同的条目。
func (w *Worker) evictChanged(ctx context.Context, content cache.Partition, previous manifest.Manifest) ([]string, error) {
	urls, err := content.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list content partition: %w", err)
	}
	var evicted []string
	for _, url := range urls {
		key := storedKey(w.origin, url)
		if w.release.Resources.Unchanged(previous, key) {
			continue
		}
		if _, err := content.Delete(ctx, url); err != nil {
			return evicted, fmt.Errorf("evict %s: %w", key, err)
		}
		evicted = append(evicted, url)
	}
	return evicted, nil
}

// copyPartition 将 src 的全部条目写入 dst，已有条目被覆盖。
func copyPartition(ctx context.Context, src, dst cache.Partition) (int, error) {
	urls, err := src.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list %s partition: %w", src.Name(), err)
	}
	copied := 0
	for _, url := range urls {
		resp, err := src.Match(ctx, url)
		if err != nil {
			return copied, fmt.Errorf("read %s from %s: %w", url, src.Name(), err)
		}
		if err := dst.Put(ctx, url, resp); err != nil {
			return copied, fmt.Errorf("copy %s to %s: %w", url, dst.Name(), err)
		}
		copied++
	}
	return copied, nil
}

// resetPartitions 无条件删除三个分区，删除失败只记录日志。
func (w *Worker) resetPartitions(ctx context.Context) {
	for _, name := range []string{w.names.Content, w.names.Temp, w.names.Manifest} {
		if _, err := w.storage.Delete(ctx, name); err != nil {
			fields := w.fields("activate_reset")
			fields["partition"] = name
			w.logger.WithFields(fields).WithError(err).Error("partition_delete_failed")
		}
	}
}
