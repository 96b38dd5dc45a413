package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "shellcache.db"

// NewSQLiteStore 在 basePath/shellcache.db 上构建分区存储，适合希望单文件部署的场景。
// 所有写操作经 writeMutex 串行化，读操作依赖 sqlite 自身的快照隔离。
func NewSQLiteStore(basePath string) (Storage, error) {
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

	db, err := sql.Open("sqlite", filepath.Join(abs, SQLiteFileName))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	statements := []string{
		"PRAGMA journal_mode=WAL",
		`CREATE TABLE IF NOT EXISTS partitions (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			part TEXT NOT NULL,
			url TEXT NOT NULL,
			seq INTEGER NOT NULL,
			status INTEGER NOT NULL,
			header TEXT,
			body BLOB,
			PRIMARY KEY (part, url)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_seq_idx ON entries (part, seq)",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}

	return &sqliteStore{db: db}, nil
}

type sqliteStore struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

type sqlitePartition struct {
	store *sqliteStore
	name  string
}

func (s *sqliteStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO partitions (name) VALUES (?)", name); err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}
	return &sqlitePartition{store: s, name: name}, nil
}

func (s *sqliteStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := validatePartitionName(name); err != nil {
		return false, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE part = ?", name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) Has(ctx context.Context, name string) (bool, error) {
	if err := validatePartitionName(name); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM partitions WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (p *sqlitePartition) Name() string {
	return p.name
}

func (p *sqlitePartition) Match(ctx context.Context, url string) (*Response, error) {
	var (
		status int
		header sql.NullString
		body   []byte
	)
	err := p.store.db.QueryRowContext(ctx,
		"SELECT status, header, body FROM entries WHERE part = ? AND url = ?",
		p.name, url,
	).Scan(&status, &header, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	resp := &Response{Status: status, Body: body}
	if header.Valid && header.String != "" {
		if err := json.Unmarshal([]byte(header.String), &resp.Header); err != nil {
			return nil, fmt.Errorf("decode header: %w", err)
		}
	}
	return resp, nil
}

func (p *sqlitePartition) Put(ctx context.Context, url string, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return err
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	p.store.writeMutex.Lock()
	defer p.store.writeMutex.Unlock()

	tx, err := p.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO partitions (name) VALUES (?)", p.name); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries (part, url, seq, status, header, body)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM entries WHERE part = ?), ?, ?, ?)`,
		p.name, url, p.name, resp.Status, string(header), body)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *sqlitePartition) Delete(ctx context.Context, url string) (bool, error) {
	p.store.writeMutex.Lock()
	defer p.store.writeMutex.Unlock()

	res, err := p.store.db.ExecContext(ctx, "DELETE FROM entries WHERE part = ? AND url = ?", p.name, url)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.store.db.QueryContext(ctx, "SELECT url FROM entries WHERE part = ? ORDER BY seq ASC", p.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
