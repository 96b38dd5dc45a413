package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const entrySuffix = ".entry"

// NewStore 以 basePath 为根目录构建磁盘分区存储，整站复用一份实例。磁盘布局：
//
//	<StoragePath>/<Partition>/<sha1(url)>.entry   # 第一行为 JSON 元数据，其后为正文
func NewStore(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	s := &fileStore{
		basePath:   abs,
		partitions: make(map[string]*sync.RWMutex),
		locks:      make(map[string]*entryLock),
	}
	s.seq.Store(time.Now().UnixNano())
	return s, nil
}

// fileStore 以分区级 RWMutex 保证 Keys/删除分区与条目写入互斥，
// 同时通过 entryLock 避免同一 url 并发写入。
type fileStore struct {
	basePath string
	seq      atomic.Int64

	mu         sync.Mutex
	partitions map[string]*sync.RWMutex
	locks      map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是 .entry 文件首行保存的元数据。
type entryMeta struct {
	URL    string      `json:"url"`
	Seq    int64       `json:"seq"`
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
}

type filePartition struct {
	store *fileStore
	name  string
}

func (s *fileStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return nil, err
	}
	lock := s.partitionLock(name)
	lock.RLock()
	defer lock.RUnlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &filePartition{store: s, name: name}, nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}
	lock := s.partitionLock(name)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.partitionDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Close() error {
	return nil
}

func (p *filePartition) Name() string {
	return p.name
}

func (p *filePartition) Match(ctx context.Context, url string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := p.store.partitionLock(p.name)
	lock.RLock()
	defer lock.RUnlock()

	filePath, err := p.store.entryPath(p.name, url)
	if err != nil {
		return nil, err
	}
	meta, body, err := readEntry(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if meta.URL != url {
		// sha1 冲突时视为未命中
		return nil, ErrNotFound
	}
	return &Response{Status: meta.Status, Header: meta.Header, Body: body}, nil
}

func (p *filePartition) Put(ctx context.Context, url string, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	lock := p.store.partitionLock(p.name)
	lock.RLock()
	defer lock.RUnlock()

	unlock := p.store.lockEntry(p.name, url)
	defer unlock()

	filePath, err := p.store.entryPath(p.name, url)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	header, err := json.Marshal(entryMeta{
		URL:    url,
		Seq:    p.store.seq.Add(1),
		Status: resp.Status,
		Header: resp.Header,
	})
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	payload := io.MultiReader(bytes.NewReader(header), strings.NewReader("\n"), bytes.NewReader(resp.Body))
	_, err = copyWithContext(ctx, tempFile, payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (p *filePartition) Delete(ctx context.Context, url string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	lock := p.store.partitionLock(p.name)
	lock.RLock()
	defer lock.RUnlock()

	unlock := p.store.lockEntry(p.name, url)
	defer unlock()

	filePath, err := p.store.entryPath(p.name, url)
	if err != nil {
		return false, err
	}
	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *filePartition) Keys(ctx context.Context) ([]string, error) {
	lock := p.store.partitionLock(p.name)
	lock.RLock()
	defer lock.RUnlock()

	dir, err := p.store.partitionDir(p.name)
	if err != nil {
		return nil, err
	}
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	metas := make([]entryMeta, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(dir, item.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].Seq < metas[j].Seq
	})

	keys := make([]string, len(metas))
	for i, meta := range metas {
		keys[i] = meta.URL
	}
	return keys, nil
}

func (s *fileStore) partitionLock(name string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.partitions[name]
	if lock == nil {
		lock = &sync.RWMutex{}
		s.partitions[name] = lock
	}
	return lock
}

func (s *fileStore) lockEntry(partition, url string) func() {
	key := partition + "::" + url
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) partitionDir(name string) (string, error) {
	if err := validatePartitionName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, name), nil
}

func (s *fileStore) entryPath(partition, url string) (string, error) {
	dir, err := s.partitionDir(partition)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(url))
	return filepath.Join(dir, hex.EncodeToString(sum[:])+entrySuffix), nil
}

func validatePartitionName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return ErrInvalidPartition
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return ErrInvalidPartition
	}
	return nil
}

func readEntry(filePath string) (entryMeta, []byte, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return entryMeta{}, nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	meta, err := decodeMeta(reader)
	if err != nil {
		return entryMeta{}, nil, err
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return entryMeta{}, nil, err
	}
	return meta, body, nil
}

func readMeta(filePath string) (entryMeta, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return entryMeta{}, err
	}
	defer f.Close()
	return decodeMeta(bufio.NewReader(f))
}

func decodeMeta(reader *bufio.Reader) (entryMeta, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return entryMeta{}, fmt.Errorf("read entry header: %w", err)
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode entry header: %w", err)
	}
	return meta, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
