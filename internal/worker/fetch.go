package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/manifest"
)

// FetchResult 描述 fetch 事件的处理结果。Handled 为 false 时调用方应走默认网络处理。
type FetchResult struct {
	Handled  bool
	Key      string
	CacheHit bool
	Response *cache.Response
}

// Fetch 拦截清单内资源的 GET 请求：根文档在线优先，其余资源缓存优先并懒加载写回。
// req.URL 必须是绝对 URL。网络失败且没有可用缓存时返回原始网络错误。
func (w *Worker) Fetch(ctx context.Context, req *http.Request) (FetchResult, error) {
	if req.Method != http.MethodGet {
		return FetchResult{}, nil
	}
	key, ok := LogicalKey(w.origin, req.URL.String())
	if !ok || !w.release.Resources.Has(key) {
		return FetchResult{}, nil
	}
	if key == manifest.RootKey {
		return w.onlineFirst(ctx, req, key)
	}
	return w.cacheFirst(ctx, req, key)
}

func (w *Worker) cacheFirst(ctx context.Context, req *http.Request, key string) (FetchResult, error) {
	result := FetchResult{Handled: true, Key: key}
	content, err := w.storage.Open(ctx, w.names.Content)
	if err != nil {
		return result, err
	}

	url := req.URL.String()
	cached, err := content.Match(ctx, url)
	switch {
	case err == nil:
		result.CacheHit = true
		result.Response = cached
		return result, nil
	case errors.Is(err, cache.ErrNotFound):
	default:
		w.logger.WithFields(w.requestFields(key, url)).WithError(err).Warn("cache_match_failed")
	}

	resp, err := w.fetchNetwork(outbound(ctx, req))
	if err != nil {
		return result, err
	}
	if resp.OK() {
		w.store(ctx, content, url, key, resp)
	}
	result.Response = resp
	return result, nil
}

func (w *Worker) onlineFirst(ctx context.Context, req *http.Request, key string) (FetchResult, error) {
	result := FetchResult{Handled: true, Key: key}
	// origin、片段导航等写法共享同一个根文档缓存条目。
	url := RequestURL(w.origin, key)

	resp, netErr := w.fetchNetwork(outbound(ctx, req))
	if netErr == nil {
		content, err := w.storage.Open(ctx, w.names.Content)
		if err != nil {
			return result, err
		}
		w.store(ctx, content, url, key, resp)
		result.Response = resp
		return result, nil
	}

	content, err := w.storage.Open(ctx, w.names.Content)
	if err != nil {
		return result, netErr
	}
	cached, err := content.Match(ctx, url)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logger.WithFields(w.requestFields(key, url)).WithError(err).Warn("cache_match_failed")
		}
		return result, netErr
	}
	w.logger.WithFields(w.requestFields(key, url)).WithError(netErr).Info("online_first_fallback")
	result.CacheHit = true
	result.Response = cached
	return result, nil
}

// store 写入响应克隆；写缓存失败不影响本次返回。
func (w *Worker) store(ctx context.Context, content cache.Partition, url, key string, resp *cache.Response) {
	if err := content.Put(ctx, url, resp.Clone()); err != nil {
		w.logger.WithFields(w.requestFields(key, url)).WithError(err).Warn("cache_put_failed")
	}
}

func (w *Worker) requestFields(key, url string) logrus.Fields {
	fields := w.fields("fetch")
	fields["key"] = key
	fields["url"] = url
	return fields
}

// conditionalHeaders 会让 origin 返回 304，缓存需要完整正文，回源前剔除。
var conditionalHeaders = []string{"If-None-Match", "If-Modified-Since", "If-Match", "If-Unmodified-Since", "If-Range", "Range"}

// outbound 复制入站请求用于回源，清掉服务端专用字段。
func outbound(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	out.RequestURI = ""
	for _, key := range conditionalHeaders {
		out.Header.Del(key)
	}
	return out
}
