package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// RootKey 是根文档（index 页面）在清单中的逻辑 key。
const RootKey = "/"

// Manifest 记录一次构建的全部静态资源：逻辑 key → 内容 checksum。
// checksum 只用于跨清单的相等比较。
type Manifest map[string]string

// Has 判断 key 是否属于该清单。
func (m Manifest) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Checksum 返回 key 对应的 checksum，不存在时第二个返回值为 false。
func (m Manifest) Checksum(key string) (string, bool) {
	sum, ok := m[key]
	return sum, ok
}

// Keys 返回排序后的 key 列表，保证批量下载与日志输出的顺序稳定。
func (m Manifest) Keys() []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Clone 返回独立副本。
func (m Manifest) Clone() Manifest {
	out := make(Manifest, len(m))
	for key, sum := range m {
		out[key] = sum
	}
	return out
}

// Unchanged 判断 key 在 prev 与 m 中是否同时存在且 checksum 一致。
func (m Manifest) Unchanged(prev Manifest, key string) bool {
	next, ok := m[key]
	if !ok {
		return false
	}
	old, ok := prev[key]
	return ok && old == next
}

// Missing 返回 m 中存在、但 present 集合里没有的 key（已排序）。
func (m Manifest) Missing(present map[string]struct{}) []string {
	var out []string
	for _, key := range m.Keys() {
		if _, ok := present[key]; !ok {
			out = append(out, key)
		}
	}
	return out
}

// Encode 将清单序列化为 Manifest Store 中保存的文本。
func (m Manifest) Encode() ([]byte, error) {
	if m == nil {
		m = Manifest{}
	}
	return json.Marshal(map[string]string(m))
}

// Decode 解析 Manifest Store 中保存的上一版清单。
func Decode(data []byte) (Manifest, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if raw == nil {
		raw = map[string]string{}
	}
	return Manifest(raw), nil
}

// Release 描述一次部署：资源清单 + 外壳文件列表 + 版本号。
type Release struct {
	Version   string
	Resources Manifest
	Core      []string
}

// releaseFile 是构建产物中生成的清单文件格式。
type releaseFile struct {
	Version   string            `json:"version"`
	Resources map[string]string `json:"resources"`
	Core      []string          `json:"core"`
}

// Validate 校验外壳文件均属于资源清单。
func (r Release) Validate() error {
	if len(r.Resources) == 0 {
		return errors.New("release has no resources")
	}
	for _, key := range r.Core {
		if strings.TrimSpace(key) == "" {
			return errors.New("core list contains empty key")
		}
		if !r.Resources.Has(key) {
			return fmt.Errorf("core key %q missing from resources", key)
		}
	}
	return nil
}

// Parse 从生成的 JSON 内容构建 Release；未声明版本时以内容摘要作为版本号。
func Parse(data []byte) (Release, error) {
	var file releaseFile
	if err := json.Unmarshal(data, &file); err != nil {
		return Release{}, fmt.Errorf("parse release: %w", err)
	}
	release := Release{
		Version:   strings.TrimSpace(file.Version),
		Resources: Manifest(file.Resources),
		Core:      append([]string(nil), file.Core...),
	}
	if release.Version == "" {
		sum := sha256.Sum256(data)
		release.Version = hex.EncodeToString(sum[:6])
	}
	if err := release.Validate(); err != nil {
		return Release{}, err
	}
	return release, nil
}

// Load 读取磁盘上的清单文件。
func Load(path string) (Release, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Release{}, fmt.Errorf("read release %s: %w", path, err)
	}
	return Parse(data)
}
