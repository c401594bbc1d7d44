package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// StoredCookie is one persisted cookie. The jar does not expose expiry or
// domain, so restored cookies are host-only session cookies.
type StoredCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Path  string `json:"path"`
}

// SessionStorage represents the saved session for a specific server
type SessionStorage struct {
	ServerURL string         `json:"server_url"`
	User      string         `json:"user,omitempty"`
	Cookies   []StoredCookie `json:"cookies"`
	SavedAt   time.Time      `json:"saved_at"`
}

// SessionStorageMap manages sessions for multiple servers
type SessionStorageMap struct {
	Sessions map[string]*SessionStorage `json:"sessions"` // key = server URL
}

// loadSession loads the saved session for serverURL from path.
func loadSession(path, serverURL string) (*SessionStorage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var storageMap SessionStorageMap
	if err := json.Unmarshal(data, &storageMap); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}

	if storageMap.Sessions == nil {
		return nil, errors.New("no sessions found in session file")
	}

	if storage, ok := storageMap.Sessions[serverURL]; ok && len(storage.Cookies) > 0 {
		return storage, nil
	}

	return nil, fmt.Errorf("no session found for server: %s", serverURL)
}

// saveSession saves storage to path, merging with sessions for other
// servers. An empty cookie list removes the server's entry. The file lock
// keeps concurrent CLI processes from losing each other's writes.
func saveSession(ctx context.Context, path string, storage *SessionStorage) error {
	return withSessionLock(ctx, path, func() error {
		return writeSession(path, storage)
	})
}

// writeSession merges storage into the file at path. Callers hold the lock.
func writeSession(path string, storage *SessionStorage) error {
	// Load existing map inside the lock
	var storageMap SessionStorageMap
	if existingData, err := os.ReadFile(path); err == nil {
		if unmarshalErr := json.Unmarshal(existingData, &storageMap); unmarshalErr != nil {
			log.Warn().Err(unmarshalErr).Str("path", path).Msg("discarding unreadable session file")
			storageMap.Sessions = nil
		}
	}
	if storageMap.Sessions == nil {
		storageMap.Sessions = make(map[string]*SessionStorage)
	}

	if len(storage.Cookies) == 0 {
		delete(storageMap.Sessions, storage.ServerURL)
	} else {
		storageMap.Sessions[storage.ServerURL] = storage
	}

	data, err := json.MarshalIndent(storageMap, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first (atomic write pattern)
	tempFile := path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// captureCookies reads the jar's cookies for base at each lookup path. A
// cookie is recorded with the shortest lookup path it was visible at.
func captureCookies(jar http.CookieJar, base *url.URL, lookupPaths ...string) []StoredCookie {
	paths := append([]string{"/"}, lookupPaths...)
	seen := make(map[string]bool)
	var out []StoredCookie

	for _, p := range paths {
		u := *base
		u.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(p, "/")
		for _, c := range jar.Cookies(&u) {
			if seen[c.Name] {
				continue
			}
			seen[c.Name] = true
			out = append(out, StoredCookie{Name: c.Name, Value: c.Value, Path: u.Path})
		}
	}
	return out
}

// restoreCookies puts saved cookies back into the jar.
func restoreCookies(jar http.CookieJar, base *url.URL, cookies []StoredCookie) {
	byPath := make(map[string][]*http.Cookie)
	for _, c := range cookies {
		path := c.Path
		if path == "" {
			path = "/"
		}
		byPath[path] = append(byPath[path], &http.Cookie{Name: c.Name, Value: c.Value, Path: path})
	}
	for path, cs := range byPath {
		u := *base
		u.Path = path
		jar.SetCookies(&u, cs)
	}
}
