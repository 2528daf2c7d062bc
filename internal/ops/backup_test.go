package ops

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sandwichfarm/noq/internal/queue"
)

func TestBackupQueue(t *testing.T) {
	qs := setupTestQueue(t)
	ctx := context.Background()

	enqueueAction(t, qs, queue.ActionLike, "target-1")
	enqueueAction(t, qs, queue.ActionFollow, "target-2")

	destPath := filepath.Join(t.TempDir(), "backups", "queue-backup.db")

	bm := NewBackupManager(qs, nil, quietLogger())
	if err := bm.BackupQueue(ctx, destPath); err != nil {
		t.Fatalf("BackupQueue() error = %v", err)
	}

	// The snapshot must be an openable database with the queued rows
	db, err := sqlx.Open("sqlite3", destPath)
	if err != nil {
		t.Fatalf("Failed to open backup: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.GetContext(ctx, &count, "SELECT COUNT(*) FROM pending_actions"); err != nil {
		t.Fatalf("Failed to count rows in backup: %v", err)
	}
	if count != 2 {
		t.Errorf("Backup contains %d actions, want 2", count)
	}
}

func TestBackupQueueOverwritesStaleFile(t *testing.T) {
	qs := setupTestQueue(t)
	destPath := filepath.Join(t.TempDir(), "queue-backup.db")

	if err := os.WriteFile(destPath, []byte("stale"), 0644); err != nil {
		t.Fatalf("Failed to write stale file: %v", err)
	}

	bm := NewBackupManager(qs, nil, quietLogger())
	if err := bm.BackupQueue(context.Background(), destPath); err != nil {
		t.Fatalf("BackupQueue() error = %v", err)
	}

	info, err := os.Stat(destPath)
	if err != nil {
		t.Fatalf("Backup missing: %v", err)
	}
	if info.Size() <= int64(len("stale")) {
		t.Error("Backup was not rewritten")
	}
}

func TestBackupEvents(t *testing.T) {
	qs := setupTestQueue(t)
	events := setupTestEvents(t)

	destPath := filepath.Join(t.TempDir(), "events-backup.db")

	bm := NewBackupManager(qs, events, quietLogger())
	if err := bm.BackupEvents(context.Background(), destPath); err != nil {
		t.Fatalf("BackupEvents() error = %v", err)
	}

	if _, err := os.Stat(destPath); err != nil {
		t.Errorf("Backup missing: %v", err)
	}
}

func TestBackupEventsNotConfigured(t *testing.T) {
	qs := setupTestQueue(t)

	bm := NewBackupManager(qs, nil, quietLogger())
	err := bm.BackupEvents(context.Background(), filepath.Join(t.TempDir(), "events-backup.db"))
	if err == nil {
		t.Error("BackupEvents() with nil event cache succeeded, want error")
	}
}

func TestBackupAllTo(t *testing.T) {
	qs := setupTestQueue(t)
	events := setupTestEvents(t)
	destDir := t.TempDir()

	bm := NewBackupManager(qs, events, quietLogger())
	written, err := bm.BackupAllTo(context.Background(), destDir)
	if err != nil {
		t.Fatalf("BackupAllTo() error = %v", err)
	}

	if len(written) != 2 {
		t.Fatalf("BackupAllTo() wrote %d files, want 2", len(written))
	}
	for _, path := range written {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("Backup file %s missing: %v", path, err)
		}
		if !strings.HasPrefix(filepath.Base(path), "noq-") {
			t.Errorf("Backup file %s missing noq- prefix", path)
		}
	}
}

func TestCleanOldBackups(t *testing.T) {
	dir := t.TempDir()

	oldBackup := filepath.Join(dir, "noq-queue-20240101-000000.db")
	newBackup := filepath.Join(dir, "noq-queue-20990101-000000.db")
	unrelated := filepath.Join(dir, "notes.txt")

	for _, path := range []string{oldBackup, newBackup, unrelated} {
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
	}

	oldTime := time.Now().Add(-60 * 24 * time.Hour)
	if err := os.Chtimes(oldBackup, oldTime, oldTime); err != nil {
		t.Fatalf("Failed to set mtime: %v", err)
	}

	if err := CleanOldBackups(dir, 30*24*time.Hour, quietLogger()); err != nil {
		t.Fatalf("CleanOldBackups() error = %v", err)
	}

	if _, err := os.Stat(oldBackup); !os.IsNotExist(err) {
		t.Error("Old backup was not deleted")
	}
	if _, err := os.Stat(newBackup); err != nil {
		t.Error("Recent backup was deleted")
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Error("Unrelated file was deleted")
	}
}

func TestIsBackupFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"noq-queue-20240101-000000.db", true},
		{"noq-events-20240101-000000.db", true},
		{"noq-.db", true},
		{"other-backup.db", false},
		{"noq-queue-20240101.txt", false},
		{"queue.db", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isBackupFile(tt.name); got != tt.want {
				t.Errorf("isBackupFile(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestRestoreInstructions(t *testing.T) {
	out := RestoreInstructions("/backups/noq-queue-x.db", "/data/noq-queue.db")
	if !strings.Contains(out, "/backups/noq-queue-x.db") {
		t.Error("Instructions missing backup path")
	}
	if !strings.Contains(out, "/data/noq-queue.db") {
		t.Error("Instructions missing live path")
	}
	if !strings.Contains(out, "Stop noq") {
		t.Error("Instructions missing stop step")
	}
}
