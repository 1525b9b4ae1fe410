// Package identity computes content-addressable identities for source
// documents. The identity is the SHA-256 digest of the file's bytes
// suffixed with the file's base name, so two renamed copies of the same
// content stay distinguishable in the knowledge base.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/renderproof/renderproof/pkg/logger"
)

// ErrUnreadableSource marks a file that could not be opened or hashed.
// The document is excluded from the run; the pipeline continues.
var ErrUnreadableSource = errors.New("source file unreadable")

// Resolver computes and memoizes document identities. The digest is
// computed at most once per path per run; every downstream consumer
// (conversion layout, diff lookup, persistence key) shares the result.
type Resolver struct {
	mu     sync.Mutex
	byPath map[string]string

	cache *Cache // optional cross-run cache, may be nil
	log   *logger.Logger
}

// NewResolver creates a Resolver. cache may be nil.
func NewResolver(cache *Cache, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.Default()
	}
	return &Resolver{
		byPath: make(map[string]string),
		cache:  cache,
		log:    log.WithComponent("identity"),
	}
}

// Identity returns the content identity for the file at path.
// Unreadable files yield an error wrapping ErrUnreadableSource.
func (r *Resolver) Identity(ctx context.Context, path string) (string, error) {
	r.mu.Lock()
	if id, ok := r.byPath[path]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	if r.cache != nil {
		if id, ok := r.cache.Lookup(ctx, path); ok {
			r.remember(path, id)
			return id, nil
		}
	}

	id, err := hashFile(path)
	if err != nil {
		return "", err
	}

	r.remember(path, id)
	if r.cache != nil {
		r.cache.Store(ctx, path, id)
	}
	return id, nil
}

func (r *Resolver) remember(path, id string) {
	r.mu.Lock()
	r.byPath[path] = id
	r.mu.Unlock()
}

// hashFile streams the file through SHA-256 and appends the base name.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnreadableSource, path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnreadableSource, path, err)
	}

	return hex.EncodeToString(h.Sum(nil)) + "_" + filepath.Base(path), nil
}
