// Package sink persists extracted documents. The filesystem sink writes
// one JSON file per document under root/site/kind/, named by a fresh
// UUID so concurrent writers never collide.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrapecore/scrapecore/internal/adapter"
)

// Sink receives extracted documents.
type Sink interface {
	// Write persists one document and returns its storage location.
	Write(ctx context.Context, doc *adapter.Document) (string, error)
	Close() error
}

// FS writes documents to a local directory tree.
type FS struct {
	root   string
	logger *zap.Logger
	newID  func() string
}

// NewFS builds the sink and ensures the root directory exists.
func NewFS(root string, logger *zap.Logger) (*FS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sink root %s: %w", root, err)
	}
	return &FS{root: root, logger: logger, newID: uuid.NewString}, nil
}

// Write implements Sink.
func (s *FS) Write(ctx context.Context, doc *adapter.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if doc == nil {
		return "", fmt.Errorf("nil document")
	}

	dir := filepath.Join(s.root, sanitize(doc.Site), string(doc.Kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create document dir: %w", err)
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}

	path := filepath.Join(dir, s.newID()+".json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write document: %w", err)
	}

	s.logger.Debug("document written",
		zap.String("path", path),
		zap.String("url", doc.URL),
		zap.String("kind", string(doc.Kind)),
	)
	return path, nil
}

// Close implements Sink. The filesystem sink holds no open resources.
func (s *FS) Close() error { return nil }

// sanitize keeps site hosts filesystem-safe.
func sanitize(site string) string {
	if site == "" {
		return "unknown"
	}
	out := make([]rune, 0, len(site))
	for _, r := range site {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
