package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// KeySource fetches the current public key (PEM text) from the key authority.
type KeySource interface {
	FetchPublicKey(ctx context.Context) (string, error)
}

// HTTPAuthority requests the key from <BaseURL>/public-key.
type HTTPAuthority struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPAuthority(baseURL string) *HTTPAuthority {
	return &HTTPAuthority{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *HTTPAuthority) FetchPublicKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+"/public-key", nil)
	if err != nil {
		return "", err
	}
	res, err := a.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request public key: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request public key: key authority returned %d", res.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return string(body), nil
}

// keySnapshot is immutable once published.
type keySnapshot struct {
	raw string
	key *rsa.PublicKey
	err error
}

// KeyCache keeps the trusted public key in memory and in a backing file.
// Readers never block on a refresh: they load the current snapshot, and a
// refresh publishes a new one after the file has been replaced.
type KeyCache struct {
	path   string
	source KeySource
	logger zerolog.Logger

	current   atomic.Pointer[keySnapshot]
	refreshMu sync.Mutex
	onRefresh func(error)
}

type KeyCacheOption func(*KeyCache)

// WithRefreshHook is called after every refresh attempt with its result.
func WithRefreshHook(fn func(error)) KeyCacheOption {
	return func(c *KeyCache) { c.onRefresh = fn }
}

func NewKeyCache(path string, source KeySource, opts ...KeyCacheOption) *KeyCache {
	c := &KeyCache{
		path:   path,
		source: source,
		logger: log.With().Str("component", "keycache").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PublicKey returns the trusted key, populating the cache on first use from
// the key file, or from the authority when the file is missing or empty.
func (c *KeyCache) PublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	if snap := c.current.Load(); snap != nil {
		return snap.key, snap.err
	}

	c.refreshMu.Lock()
	if snap := c.current.Load(); snap != nil {
		c.refreshMu.Unlock()
		return snap.key, snap.err
	}
	raw, err := c.ReadFile()
	if err == nil && strings.TrimSpace(raw) != "" {
		snap := newSnapshot(raw)
		c.current.Store(snap)
		c.refreshMu.Unlock()
		return snap.key, snap.err
	}
	c.refreshMu.Unlock()

	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}
	snap := c.current.Load()
	return snap.key, snap.err
}

// Refresh fetches the key from the authority, persists it and swaps the
// in-memory snapshot. On failure the previous snapshot stays in place.
func (c *KeyCache) Refresh(ctx context.Context) (err error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	defer func() {
		if c.onRefresh != nil {
			c.onRefresh(err)
		}
	}()

	raw, err := c.source.FetchPublicKey(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("public key refresh failed")
		return err
	}
	if err := c.writeFile(raw); err != nil {
		c.logger.Error().Err(err).Str("path", c.path).Msg("persisting public key failed")
		return err
	}
	c.current.Store(newSnapshot(raw))
	c.logger.Info().Str("path", c.path).Msg("public key refreshed")
	return nil
}

// ReadFile returns the key material currently persisted on disk.
func (c *KeyCache) ReadFile() (string, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *KeyCache) writeFile(raw string) error {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func newSnapshot(raw string) *keySnapshot {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(raw))
	if err != nil {
		err = fmt.Errorf("%w: %v", errUnusableKey, err)
	}
	return &keySnapshot{raw: raw, key: key, err: err}
}

var errUnusableKey = errors.New("public key is not a valid RSA PEM key")
