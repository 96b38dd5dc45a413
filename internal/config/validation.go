package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.StorageDriver {
	case StorageDriverFS, StorageDriverSQLite:
	default:
		return newFieldError("Global.StorageDriver", "仅支持 fs/sqlite")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	a := c.App
	if err := validateOrigin(a.Origin); err != nil {
		return fmt.Errorf("%s: %w", appField("Origin"), err)
	}
	if strings.TrimSpace(a.ManifestPath) == "" {
		return newFieldError(appField("ManifestPath"), "不能为空")
	}
	if a.FetchConcurrency < 1 {
		return newFieldError(appField("FetchConcurrency"), "必须大于 0")
	}

	names := map[string]string{}
	for field, name := range map[string]string{
		"Temp":     c.Partitions.Temp,
		"Content":  c.Partitions.Content,
		"Manifest": c.Partitions.Manifest,
	} {
		if err := validatePartitionName(name); err != nil {
			return newFieldError(partitionField(field), err.Error())
		}
		if other, exists := names[name]; exists {
			return newFieldError(partitionField(field), fmt.Sprintf("与 %s 重名", other))
		}
		names[name] = field
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少 origin 地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，origin: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("origin 缺少 Host: %s", raw)
	}
	if strings.Trim(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("origin 不应包含路径或查询: %s", raw)
	}
	return nil
}

func validatePartitionName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(name, `/\ `) || name == "." || name == ".." {
		return errors.New("不允许包含路径分隔符或空格")
	}
	return nil
}
