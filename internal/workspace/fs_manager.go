// Package workspace manages the per-request directories that downloaded
// payload files land in.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager keeps one directory per request under a base directory.
type Manager struct {
	baseDir string
	now     func() time.Time
}

// NewManager creates a manager rooted at baseDir.
func NewManager(baseDir string) (*Manager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	return &Manager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// Ensure returns the workspace for requestID, creating it if needed. A
// redelivered request gets its existing directory back with a fresh mtime.
func (m *Manager) Ensure(ctx context.Context, requestID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := m.workspacePath(requestID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create workspace for request %q: %w", requestID, err)
	}
	now := m.now()
	if err := os.Chtimes(path, now, now); err != nil {
		return "", fmt.Errorf("touch workspace for request %q: %w", requestID, err)
	}
	return path, nil
}

// Cleanup removes workspace directories whose modification time is older
// than olderThan.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

// Janitor runs Cleanup every interval until ctx is done.
func (m *Manager) Janitor(ctx context.Context, interval, retention time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "workspace")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := m.Cleanup(ctx, retention)
			if err != nil && ctx.Err() == nil {
				logger.Warn("workspace cleanup failed", "error", err)
				continue
			}
			if report.DeletedDirs > 0 {
				logger.Debug("removed stale workspaces", "count", report.DeletedDirs)
			}
		}
	}
}

func (m *Manager) workspacePath(requestID string) (string, error) {
	if err := validateRequestID(requestID); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, requestID), nil
}

func validateRequestID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("request id is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("request id %q is invalid", id)
	}
	if strings.ContainsAny(trimmed, `/\`) {
		return fmt.Errorf("request id %q must not contain path separators", id)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("request id %q is invalid", id)
	}
	return nil
}
