package worker

import (
	"strings"

	"github.com/shellcache/shellcache/internal/manifest"
)

// versionQuery 是构建产物用来打破浏览器缓存的查询后缀，计算逻辑 key 时忽略。
const versionQuery = "?v="

// LogicalKey 将请求 URL 归约为清单中的逻辑 key：去掉 origin、截断 "?v=" 后缀，
// origin 本身、origin 上的片段导航与空路径都映射为根 key "/"。
// 非本 origin 的 URL 返回 false，调用方不应拦截。
func LogicalKey(origin, rawURL string) (string, bool) {
	if rawURL == origin ||
		strings.HasPrefix(rawURL, origin+"#") ||
		strings.HasPrefix(rawURL, origin+"/#") {
		return manifest.RootKey, true
	}
	rest, ok := strings.CutPrefix(rawURL, origin+"/")
	if !ok {
		return "", false
	}
	if idx := strings.Index(rest, versionQuery); idx >= 0 {
		rest = rest[:idx]
	}
	if rest == "" {
		return manifest.RootKey, true
	}
	return rest, true
}

// storedKey 将分区中保存的 URL 还原为逻辑 key。与 LogicalKey 不同，这里不处理 "?v="，
// 带版本查询的条目在 activate 时会因不在清单中而被淘汰。
func storedKey(origin, storedURL string) string {
	key := strings.TrimPrefix(storedURL, origin+"/")
	if key == "" {
		return manifest.RootKey
	}
	return key
}

// RequestURL 返回逻辑 key 对应的完整请求 URL，根 key 映射为 origin + "/"。
func RequestURL(origin, key string) string {
	if key == manifest.RootKey {
		return origin + "/"
	}
	return origin + "/" + strings.TrimPrefix(key, "/")
}
