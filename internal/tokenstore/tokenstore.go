// Package tokenstore persists OAuth credentials on disk (§4.1). Writes are
// atomic enough that a reader never observes a torn write: each Save writes
// to a temp file in the destination directory and renames over the target.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	routecodex "github.com/routecodex/routecodex/internal"
)

// Store persists OAuth credentials keyed by (provider, alias).
type Store interface {
	Load(ctx context.Context, provider, alias string) (*routecodex.TokenStorage, bool, error)
	Save(ctx context.Context, provider, alias string, tok *routecodex.TokenStorage) error
	Delete(ctx context.Context, provider, alias string) error
	Stat(ctx context.Context, provider, alias string) (modTime time.Time, ok bool, err error)
}

// legacyToken is the on-disk shape read to support the legacy expiry_date
// field and redacted-value detection before adapting into
// routecodex.TokenStorage.
type legacyToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresAt    int64  `json:"expires_at"`
	ExpiryDate   int64  `json:"expiry_date"` // legacy field name
	APIKey       string `json:"api_key"`
	ProjectID    string `json:"project_id"`
	CreatedAt    int64  `json:"created_at"`
}

// FileStore implements Store against "<dir>/<provider>-<alias>.json" files;
// an empty or "default" alias uses "<dir>/<provider>.json".
type FileStore struct {
	dir string
}

// BaseDir resolves the token storage directory: $ROUTECODEX_BASEDIR or
// $RCC_BASEDIR override, falling back to "~/.routecodex/auth".
func BaseDir() string {
	if v := os.Getenv("ROUTECODEX_BASEDIR"); v != "" {
		return filepath.Join(v, "auth")
	}
	if v := os.Getenv("RCC_BASEDIR"); v != "" {
		return filepath.Join(v, "auth")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".routecodex", "auth")
}

// NewFileStore creates a FileStore rooted at dir. If dir is empty, BaseDir()
// is used.
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = BaseDir()
	}
	return &FileStore{dir: dir}
}

func (s *FileStore) path(provider, alias string) string {
	name := provider
	if alias != "" && alias != "default" {
		name = provider + "-" + alias
	}
	return filepath.Join(s.dir, name+".json")
}

// isRedacted reports whether a string value looks like a redacted
// placeholder rather than a real credential.
func isRedacted(v string) bool {
	return v == "" || strings.Contains(v, "*") || strings.Contains(v, "REDACTED")
}

// Load reads the persisted token for (provider, alias). A missing file or a
// JSON parse failure is not an error: it reports (nil, false, nil) and logs
// a warning, per §4.1's "log and continue" failure model.
func (s *FileStore) Load(_ context.Context, provider, alias string) (*routecodex.TokenStorage, bool, error) {
	p := s.path(provider, alias)
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		slog.Warn("tokenstore: read failed, treating as missing", "path", p, "error", err)
		return nil, false, nil
	}

	var lt legacyToken
	if err := json.Unmarshal(data, &lt); err != nil {
		slog.Warn("tokenstore: parse failed, treating as missing", "path", p, "error", err)
		return nil, false, nil
	}

	if isRedacted(lt.AccessToken) {
		return nil, false, nil
	}

	expiresAt := lt.ExpiresAt
	if expiresAt == 0 && lt.ExpiryDate != 0 {
		expiresAt = lt.ExpiryDate
	}

	tok := &routecodex.TokenStorage{
		AccessToken:  lt.AccessToken,
		RefreshToken: lt.RefreshToken,
		TokenType:    lt.TokenType,
		Scope:        lt.Scope,
		ExpiresAt:    expiresAt,
		APIKey:       lt.APIKey,
		ProjectID:    lt.ProjectID,
		CreatedAtMS:  lt.CreatedAt,
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	return tok, true, nil
}

// Save atomically persists tok for (provider, alias): write to a temp file
// in the same directory, then rename over the destination.
func (s *FileStore) Save(_ context.Context, provider, alias string, tok *routecodex.TokenStorage) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("tokenstore: create dir: %w", err)
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenstore: marshal: %w", err)
	}

	dest := s.path(provider, alias)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("tokenstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("tokenstore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("tokenstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("tokenstore: rename temp file: %w", err)
	}
	return nil
}

// Delete removes the persisted token for (provider, alias). A missing file
// is not an error.
func (s *FileStore) Delete(_ context.Context, provider, alias string) error {
	err := os.Remove(s.path(provider, alias))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("tokenstore: delete: %w", err)
	}
	return nil
}

// Stat returns the last-modified time of the persisted token file.
func (s *FileStore) Stat(_ context.Context, provider, alias string) (time.Time, bool, error) {
	info, err := os.Stat(s.path(provider, alias))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("tokenstore: stat: %w", err)
	}
	return info.ModTime(), true, nil
}
