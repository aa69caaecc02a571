// Package credential はログインセッションのCookieを永続化する。
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hitoshi/tagscout/internal/model"
)

// Store はSessionTokenの保存先。
// トークンが存在しない場合、Loadはnil, nilを返す。
type Store interface {
	Load(ctx context.Context) (*model.SessionToken, error)
	Save(ctx context.Context, token *model.SessionToken) error
	Clear(ctx context.Context) error
}

// FileStore はJSONファイルにトークンを保存するStore。
// ファイルはオーナーのみ読み書き可能（0600）で、一時ファイル経由で置き換える。
type FileStore struct {
	path string
	mu   sync.Mutex
}

// コンパイル時にインターフェースの実装を検証する。
var _ Store = (*FileStore)(nil)

// NewFileStore は新しいFileStoreを生成する。
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path は保存先のパスを返す。
func (s *FileStore) Path() string {
	return s.path
}

// Load はトークンを読み込む。
// Cookie配列のみを保存した旧形式のファイルは、ファイルの更新時刻を保存時刻として扱う。
func (s *FileStore) Load(ctx context.Context) (*model.SessionToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var cookies []model.Cookie
		if err := json.Unmarshal(trimmed, &cookies); err != nil {
			return nil, fmt.Errorf("failed to decode credential file: %w", err)
		}
		info, err := os.Stat(s.path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat credential file: %w", err)
		}
		return &model.SessionToken{Cookies: cookies, SavedAt: info.ModTime()}, nil
	}

	var token model.SessionToken
	if err := json.Unmarshal(trimmed, &token); err != nil {
		return nil, fmt.Errorf("failed to decode credential file: %w", err)
	}
	return &token, nil
}

// Save はトークンをアトミックに書き込む。
func (s *FileStore) Save(ctx context.Context, token *model.SessionToken) error {
	if token == nil {
		return errors.New("token is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".cookies-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

// Clear はトークンを削除する。ファイルが存在しない場合も成功とする。
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credential file: %w", err)
	}
	return nil
}
