package cache

import (
	"context"
	"errors"
	"net/http"
)

// Storage 管理一组命名分区（temp / content / manifest），语义与浏览器
// CacheStorage 对齐：Open 不存在时自动创建，Delete 整体移除分区。
//
// 所有实现都必须保证单个分区操作（Open/Match/Put/Delete/Keys）对并发调用方是原子的，
// 上层 Reconciler 不再额外加锁。
type Storage interface {
	// Open 打开（必要时创建）名为 name 的分区。
	Open(ctx context.Context, name string) (Partition, error)

	// Delete 删除整个分区，返回分区此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Has 判断分区是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源。
	Close() error
}

// Partition 是单个分区的 KV 视图，key 为完整请求 URL。
type Partition interface {
	// Name 返回分区名。
	Name() string

	// Match 返回 url 对应的响应副本；未命中返回 ErrNotFound。
	Match(ctx context.Context, url string) (*Response, error)

	// Put 写入（或覆盖）url 对应的响应。实现需保证写入原子性。
	Put(ctx context.Context, url string, resp *Response) error

	// Delete 删除条目，返回条目此前是否存在。
	Delete(ctx context.Context, url string) (bool, error)

	// Keys 按写入顺序返回分区内全部 url。
	Keys(ctx context.Context) ([]string, error)
}

// Response 是缓存中保存的一份完整响应。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK 对应 fetch Response.ok：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 深拷贝响应，写缓存与返回调用方各持一份。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   append([]byte(nil), r.Body...),
	}
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidPartition 表示分区名非法（为空或包含路径分隔符）。
var ErrInvalidPartition = errors.New("invalid partition name")
