package ops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sandwichfarm/noq/internal/queue"
	"github.com/sandwichfarm/noq/internal/storage"
)

// BackupManager snapshots the queue and event cache databases. Backups use
// VACUUM INTO so they are consistent even while the databases are in use.
type BackupManager struct {
	queue  *queue.Store
	events *storage.Storage
	logger *Logger
}

// NewBackupManager creates a new backup manager. events may be nil when the
// event cache is not in use.
func NewBackupManager(qs *queue.Store, events *storage.Storage, logger *Logger) *BackupManager {
	return &BackupManager{
		queue:  qs,
		events: events,
		logger: logger.WithComponent("backup"),
	}
}

// BackupAll snapshots every open database into destDir with timestamped
// filenames and returns the written paths.
func (b *BackupManager) BackupAll(ctx context.Context) ([]string, error) {
	return b.BackupAllTo(ctx, "./backups")
}

// BackupAllTo snapshots every open database into destDir.
func (b *BackupManager) BackupAllTo(ctx context.Context, destDir string) ([]string, error) {
	timestamp := time.Now().Format("20060102-150405")
	var written []string

	queuePath := filepath.Join(destDir, fmt.Sprintf("noq-queue-%s.db", timestamp))
	if err := b.BackupQueue(ctx, queuePath); err != nil {
		return written, err
	}
	written = append(written, queuePath)

	if b.events != nil && b.events.Driver() == "sqlite" {
		eventsPath := filepath.Join(destDir, fmt.Sprintf("noq-events-%s.db", timestamp))
		if err := b.BackupEvents(ctx, eventsPath); err != nil {
			return written, err
		}
		written = append(written, eventsPath)
	}

	return written, nil
}

// BackupQueue writes a consistent snapshot of the queue database to
// destPath.
func (b *BackupManager) BackupQueue(ctx context.Context, destPath string) error {
	return b.vacuumInto(ctx, b.queue.DB(), destPath)
}

// BackupEvents writes a consistent snapshot of the event cache to destPath.
func (b *BackupManager) BackupEvents(ctx context.Context, destPath string) error {
	if b.events == nil {
		return fmt.Errorf("event cache not configured")
	}
	db := b.events.DB()
	if db == nil {
		return fmt.Errorf("event cache driver %s does not support backups", b.events.Driver())
	}
	return b.vacuumInto(ctx, db, destPath)
}

// vacuumInto runs VACUUM INTO destPath on db. VACUUM INTO refuses to
// overwrite, so a stale file at destPath is removed first.
func (b *BackupManager) vacuumInto(ctx context.Context, db *sqlx.DB, destPath string) error {
	start := time.Now()

	destDir := filepath.Dir(destPath)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		b.logger.LogBackupOperation("create directory", destPath, 0, err)
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	if _, err := os.Stat(destPath); err == nil {
		if err := os.Remove(destPath); err != nil {
			return fmt.Errorf("failed to remove existing backup: %w", err)
		}
	}

	quoted := strings.ReplaceAll(destPath, "'", "''")
	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		b.logger.LogBackupOperation("backup", destPath, 0, err)
		return fmt.Errorf("failed to vacuum database into backup: %w", err)
	}

	size := int64(0)
	if info, err := os.Stat(destPath); err == nil {
		size = info.Size()
	}

	b.logger.LogBackupOperation("backup", destPath, size, nil)
	b.logger.Info("database backup completed",
		"destination", destPath,
		"size_mb", float64(size)/1024/1024,
		"duration_ms", time.Since(start).Milliseconds())

	return nil
}

// RestoreInstructions returns the manual steps for restoring from a backup.
// Restores are deliberately manual: the daemon must not be running while a
// database file is swapped out.
func RestoreInstructions(backupPath, livePath string) string {
	return fmt.Sprintf(`To restore from this backup:
  1. Stop noq
  2. Move the current database aside: mv %s %s.old
  3. Copy the backup into place: cp %s %s
  4. Remove stale WAL files if present: rm -f %s-wal %s-shm
  5. Start noq
`, livePath, livePath, backupPath, livePath, livePath, livePath)
}

// CleanOldBackups removes backups older than the specified age
func CleanOldBackups(backupDir string, maxAge time.Duration, logger *Logger) error {
	logger.Info("cleaning old backups", "directory", backupDir, "max_age", maxAge)

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return fmt.Errorf("failed to read backup directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var deleted int

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if !isBackupFile(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			logger.Warn("failed to get file info", "file", entry.Name(), "error", err)
			continue
		}

		if info.ModTime().Before(cutoff) {
			path := filepath.Join(backupDir, entry.Name())
			if err := os.Remove(path); err != nil {
				logger.Warn("failed to delete old backup", "file", path, "error", err)
			} else {
				logger.Info("deleted old backup", "file", path, "age", time.Since(info.ModTime()))
				deleted++
			}
		}
	}

	logger.Info("old backup cleanup completed", "deleted", deleted)
	return nil
}

// isBackupFile checks if a filename is a backup file
func isBackupFile(name string) bool {
	return filepath.Ext(name) == ".db" && strings.HasPrefix(name, "noq-")
}
