package worker

import (
	"context"
	"fmt"
)

// Install 以强制刷新方式拉取全部外壳文件并写入 Temp 分区，成功后请求跳过等待。
// 开始前清空 Temp；任何一个文件拉取或写入失败时整体失败并再次删除 Temp，
// 因此 Temp 只会包含本版本完整的外壳文件集合。
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)

	if _, err := w.storage.Delete(ctx, w.names.Temp); err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("clear temp partition: %w", err)
	}
	temp, err := w.storage.Open(ctx, w.names.Temp)
	if err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("open temp partition: %w", err)
	}
	if err := w.addAll(ctx, temp, w.release.Core, true); err != nil {
		w.setState(StateRedundant)
		w.logger.WithFields(w.fields("install")).WithError(err).Warn("worker_install_failed")
		w.discardTemp(context.WithoutCancel(ctx))
		return fmt.Errorf("install %s: %w", w.release.Version, err)
	}

	w.setState(StateInstalled)
	fields := w.fields("install")
	fields["core_files"] = len(w.release.Core)
	w.logger.WithFields(fields).Info("worker_installed")

	if w.skipWaiting != nil {
		w.skipWaiting()
	}
	return nil
}

func (w *Worker) discardTemp(ctx context.Context) {
	if _, err := w.storage.Delete(ctx, w.names.Temp); err != nil {
		fields := w.fields("install")
		fields["partition"] = w.names.Temp
		w.logger.WithFields(fields).WithError(err).Error("partition_delete_failed")
	}
}
