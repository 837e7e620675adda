// Package session persists the client-side conversation state: the active
// chat session id and per-session display-title overrides.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyTitle is returned by Rename for a blank title.
var ErrEmptyTitle = errors.New("session: empty title")

// Store is the persisted session state.
type Store interface {
	// SessionID returns the active session id, creating one if needed.
	SessionID() (string, error)

	// SetSessionID switches to an existing session.
	SetSessionID(id string) error

	// NewSession starts a fresh session and returns its id.
	NewSession() (string, error)

	// Title returns the override for id, or fallback if there is none.
	Title(id, fallback string) string

	// Titles returns all overrides.
	Titles() map[string]string

	// Rename sets the display title override for id.
	Rename(id, title string) error

	// Delete removes the override for id. Deleting the active session
	// starts a new one.
	Delete(id string) error
}

// JSONStore implements Store using a JSON file for persistence.
type JSONStore struct {
	path    string
	current string
	titles  map[string]string
	mu      sync.RWMutex
}

// storeData is the JSON structure for the store file.
// The key names are fixed so other clients can share the file.
type storeData struct {
	Version          int               `json:"version"`
	UpdatedAt        string            `json:"updated_at"`
	CurrentSessionID string            `json:"current_session_id"`
	SessionTitles    map[string]string `json:"session_titles"`
}

const currentVersion = 1

var _ Store = (*JSONStore)(nil)

// NewJSONStore creates a new JSON-based store at the given path.
// If the file doesn't exist, it will be created on first save.
func NewJSONStore(path string) (*JSONStore, error) {
	store := &JSONStore{
		path:   path,
		titles: make(map[string]string),
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := store.load(); err != nil {
			return nil, fmt.Errorf("failed to load store: %w", err)
		}
	}

	return store, nil
}

// DefaultPath returns ~/.voxchat/state.json.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".voxchat", "state.json"), nil
}

// NewDefaultStore creates a store at the default location.
func NewDefaultStore() (*JSONStore, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return NewJSONStore(path)
}

// Path returns the backing file.
func (s *JSONStore) Path() string {
	return s.path
}

// load reads the store from disk.
func (s *JSONStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var stored storeData
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}

	s.current = stored.CurrentSessionID
	s.titles = stored.SessionTitles
	if s.titles == nil {
		s.titles = make(map[string]string)
	}
	return nil
}

// save writes the store to disk. Must be called with the write lock held.
func (s *JSONStore) save() error {
	stored := storeData{
		Version:          currentVersion,
		UpdatedAt:        time.Now().Format(time.RFC3339),
		CurrentSessionID: s.current,
		SessionTitles:    s.titles,
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	// Write to temp file first, then rename (atomic write)
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// SessionID returns the active session id, creating and persisting one on
// first use.
func (s *JSONStore) SessionID() (string, error) {
	s.mu.RLock()
	id := s.current
	s.mu.RUnlock()
	if id != "" {
		return id, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != "" {
		return s.current, nil
	}
	s.current = uuid.New().String()
	if err := s.save(); err != nil {
		return s.current, err
	}
	return s.current, nil
}

// SetSessionID switches to an existing session.
func (s *JSONStore) SetSessionID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("session: empty session id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == id {
		return nil
	}
	s.current = id
	return s.save()
}

// NewSession starts a fresh session and returns its id.
func (s *JSONStore) NewSession() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = uuid.New().String()
	return s.current, s.save()
}

// Title returns the override for id, or fallback if there is none.
func (s *JSONStore) Title(id, fallback string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.titles[id]; ok && t != "" {
		return t
	}
	return fallback
}

// Titles returns a copy of all overrides.
func (s *JSONStore) Titles() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.titles))
	for k, v := range s.titles {
		out[k] = v
	}
	return out
}

// IDs returns the ids that have a title override, sorted.
func (s *JSONStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.titles))
	for id := range s.titles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Rename sets the display title override for id.
func (s *JSONStore) Rename(id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles[id] = title
	return s.save()
}

// Delete removes the override for id. If id is the active session a new
// session is started.
func (s *JSONStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, had := s.titles[id]
	delete(s.titles, id)
	active := id != "" && id == s.current
	if active {
		s.current = uuid.New().String()
	}
	if !had && !active {
		return nil
	}
	return s.save()
}
