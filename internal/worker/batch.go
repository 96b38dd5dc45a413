package worker

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/shellcache/shellcache/internal/cache"
)

// ErrBatchFetch 表示批量拉取中有资源返回了非 2xx 状态。
var ErrBatchFetch = errors.New("batch fetch failed")

// BatchError 携带导致批量拉取失败的 key 与状态码。
type BatchError struct {
	Key    string
	Status int
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s: %s returned status %d", ErrBatchFetch, e.Key, e.Status)
}

func (e *BatchError) Unwrap() error {
	return ErrBatchFetch
}

// addAll 与 Cache.addAll 语义一致：并发拉取全部 key，只有全部成功（2xx）后才写入分区，
// 任何一个拉取失败则整体失败且不写入。写入阶段逐条进行，中途失败时已写入的条目
// 由调用方清理。
func (w *Worker) addAll(ctx context.Context, part cache.Partition, keys []string, reload bool) error {
	if len(keys) == 0 {
		return nil
	}

	responses := make([]*cache.Response, len(keys))
	urls := make([]string, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			req, err := w.newRequest(gctx, key, reload)
			if err != nil {
				return err
			}
			resp, err := w.fetchNetwork(req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", key, err)
			}
			if !resp.OK() {
				return &BatchError{Key: key, Status: resp.Status}
			}
			urls[i] = req.URL.String()
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range keys {
		if err := part.Put(ctx, urls[i], responses[i]); err != nil {
			return fmt.Errorf("store %s: %w", keys[i], err)
		}
	}
	return nil
}
