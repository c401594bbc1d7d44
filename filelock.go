package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Session file lock tuning
const (
	lockPollInterval = 100 * time.Millisecond
	lockWaitBudget   = 5 * time.Second
	lockStaleAfter   = 30 * time.Second
)

var errSessionLocked = errors.New("session file is locked by another process")

// sessionLock guards read-modify-write cycles on the session file across
// CLI processes. It is held through a sibling "<file>.lock" created with
// O_EXCL, which records the holder for diagnostics.
type sessionLock struct {
	path string
	file *os.File
}

// lockSessionFile waits until it owns the lock for sessionPath, the
// context ends, or lockWaitBudget runs out. Locks untouched for
// lockStaleAfter belong to a crashed process and are taken over.
func lockSessionFile(ctx context.Context, sessionPath string) (*sessionLock, error) {
	lockPath := sessionPath + ".lock"
	deadline := time.Now().Add(lockWaitBudget)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "pid=%d since=%s", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			return &sessionLock{path: lockPath, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create %s: %w", lockPath, err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			log.Warn().
				Str("lock", lockPath).
				Str("holder", lockHolder(lockPath)).
				Dur("age", time.Since(info.ModTime())).
				Msg("taking over stale session lock")
			if remErr := os.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
				return nil, fmt.Errorf("failed to remove stale lock %s: %w", lockPath, remErr)
			}
			continue
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w (%s) after %v", errSessionLocked, lockHolder(lockPath), lockWaitBudget)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for session lock: %w", ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

// lockHolder returns what the holder wrote into the lock file.
func lockHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return "holder unknown"
	}
	return strings.TrimSpace(string(data))
}

// unlock removes the lock file. Unlocking twice reports the missing file.
func (l *sessionLock) unlock() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	return os.Remove(l.path)
}

// withSessionLock runs fn while holding the lock for sessionPath.
func withSessionLock(ctx context.Context, sessionPath string, fn func() error) error {
	lock, err := lockSessionFile(ctx, sessionPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.unlock(); err != nil {
			log.Warn().Err(err).Str("path", sessionPath).Msg("failed to release session lock")
		}
	}()
	return fn()
}
