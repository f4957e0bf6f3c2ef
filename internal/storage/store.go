package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"authkit/internal/crypto"
	"authkit/pkg/logging"
)

const (
	// physicalPrefix is prepended to every key's on-disk file name so that
	// ClearAll and CleanupCorrupted only ever touch authkit-owned entries.
	physicalPrefix = "authkit_"

	// envelopeVersion is the current storage envelope schema version.
	envelopeVersion = 1

	// DefaultMaxAge is the default envelope max-age. Envelopes older than
	// this are treated as absent on read and the key is removed.
	DefaultMaxAge = 30 * 24 * time.Hour

	// stringifiedObjectArtifact is the corruption marker left behind when an
	// object is coerced to a string instead of being serialized. Persisted
	// copies carrying it are purged on read.
	stringifiedObjectArtifact = "[object Object]"
)

// ErrNotSerializable is returned by Set when the value cannot be encoded as
// JSON.
var ErrNotSerializable = errors.New("value is not JSON-serializable")

// envelope is the unit actually written to durable storage. It wraps the
// caller's value with the write timestamp and a schema version so stale or
// foreign data can be detected on read.
type envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Version   int             `json:"version"`
}

// Store is a structured, corruption-resistant keyed store for a small set of
// named values, persisted as one file per key.
//
// SECURITY: the storage directory is created 0700 and files 0600. Keys in the
// sensitive set are encrypted through the crypto cipher before hitting disk.
// Values are never logged; audit events carry keys and outcomes only.
//
// The store takes no cross-process lock: concurrent writers follow
// last-writer-wins, which is an accepted inconsistency window.
type Store struct {
	mu        sync.RWMutex
	dir       string
	cipher    *crypto.Cipher
	sensitive map[string]bool
	maxAge    map[string]time.Duration
}

// Config configures a Store.
type Config struct {
	// Dir is the storage directory. Required.
	Dir string

	// Cipher encrypts sensitive keys at rest. Required when SensitiveKeys is
	// non-empty.
	Cipher *crypto.Cipher

	// SensitiveKeys lists the logical keys whose envelopes are encrypted
	// before writing.
	SensitiveKeys []string

	// MaxAge overrides the default envelope max-age per key. Keys absent
	// from the map use DefaultMaxAge.
	MaxAge map[string]time.Duration
}

// New creates a Store rooted at cfg.Dir, creating the directory if needed.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("storage directory is required")
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	sensitive := make(map[string]bool, len(cfg.SensitiveKeys))
	for _, k := range cfg.SensitiveKeys {
		sensitive[k] = true
	}

	maxAge := make(map[string]time.Duration, len(cfg.MaxAge))
	for k, v := range cfg.MaxAge {
		maxAge[k] = v
	}

	return &Store{
		dir:       cfg.Dir,
		cipher:    cfg.Cipher,
		sensitive: sensitive,
		maxAge:    maxAge,
	}, nil
}

// Set wraps value in an envelope and persists it under key. Nil values and
// values that cannot be serialized are rejected with ErrNotSerializable.
func (s *Store) Set(key string, value interface{}) error {
	if value == nil {
		s.audit("storage_set", key, false, "nil value")
		return fmt.Errorf("%w: nil value for key %s", ErrNotSerializable, key)
	}

	data, err := json.Marshal(value)
	if err != nil {
		s.audit("storage_set", key, false, "marshal failure")
		return fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}

	env := envelope{
		Data:      data,
		Timestamp: time.Now().UTC(),
		Version:   envelopeVersion,
	}

	serialized, err := json.Marshal(env)
	if err != nil {
		s.audit("storage_set", key, false, "envelope marshal failure")
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	payload := string(serialized)
	if s.isSensitive(key) {
		payload, err = s.cipher.Encrypt(payload)
		if err != nil {
			s.audit("storage_set", key, false, "encrypt failure")
			return fmt.Errorf("failed to encrypt value for key %s: %w", key, err)
		}
	}

	s.mu.Lock()
	err = os.WriteFile(s.filePath(key), []byte(payload), 0600)
	s.mu.Unlock()

	if err != nil {
		s.audit("storage_set", key, false, "write failure")
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}

	s.audit("storage_set", key, true, "")
	return nil
}

// Get reads the value stored under key into out. It returns false when the
// key is absent, expired, or corrupted; expired and corrupted entries are
// purged as a side effect. Callers supply their own default by leaving out
// untouched when Get returns false.
func (s *Store) Get(key string, out interface{}) (bool, error) {
	s.mu.RLock()
	raw, err := os.ReadFile(s.filePath(key))
	s.mu.RUnlock()

	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		s.audit("storage_get", key, false, "read failure")
		return false, fmt.Errorf("failed to read key %s: %w", key, err)
	}

	payload := string(raw)
	if s.isSensitive(key) && s.cipher != nil {
		payload = s.cipher.Decrypt(payload)
	}

	env, ok := s.parseEnvelope(key, payload)
	if !ok {
		s.purgeCorrupted(key)
		return false, nil
	}

	if s.isExpired(key, env.Timestamp) {
		logging.Debug("Storage", "Envelope for key %s expired (written %s), purging", key, env.Timestamp.Format(time.RFC3339))
		_ = s.Remove(key)
		return false, nil
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		s.purgeCorrupted(key)
		return false, nil
	}

	s.audit("storage_get", key, true, "")
	return true, nil
}

// Remove deletes the value stored under key. Removing an absent key is not
// an error.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	err := os.Remove(s.filePath(key))
	s.mu.Unlock()

	if err != nil && !os.IsNotExist(err) {
		s.audit("storage_remove", key, false, "remove failure")
		return fmt.Errorf("failed to remove key %s: %w", key, err)
	}

	s.audit("storage_remove", key, true, "")
	return nil
}

// ClearAll removes every authkit-owned entry in the storage directory.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read storage directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), physicalPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
	}

	s.audit("storage_clear_all", "", true, "")
	return nil
}

// CleanupCorrupted scans all authkit-owned entries and removes any matching
// the corruption heuristics. Returns the number of entries removed.
func (s *Store) CleanupCorrupted() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		logging.Warn("Storage", "Corruption scan failed to read directory: %v", err)
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), physicalPrefix) {
			continue
		}

		key := s.logicalKey(entry.Name())
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}

		payload := string(raw)
		if s.isSensitive(key) && s.cipher != nil {
			payload = s.cipher.Decrypt(payload)
		}

		if _, ok := s.parseEnvelope(key, payload); ok {
			continue
		}

		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
			removed++
			logging.Warn("Storage", "Removed corrupted entry for key %s", key)
		}
	}

	if removed > 0 {
		s.audit("storage_cleanup", "", true, fmt.Sprintf("%d corrupted entries removed", removed))
	}
	return removed
}

// parseEnvelope validates the stored payload against the corruption classes:
// the stringified-object artifact, JSON parse failure, and wrong envelope
// shape.
func (s *Store) parseEnvelope(key, payload string) (*envelope, bool) {
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, stringifiedObjectArtifact) {
		logging.Warn("Storage", "Stringified-object artifact detected for key %s", key)
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		logging.Warn("Storage", "JSON parse failure for key %s: %v", key, err)
		return nil, false
	}

	if env.Version != envelopeVersion || env.Timestamp.IsZero() || len(env.Data) == 0 {
		logging.Warn("Storage", "Malformed envelope for key %s (version=%d)", key, env.Version)
		return nil, false
	}

	return &env, true
}

// purgeCorrupted removes a corrupted key and records the purge.
func (s *Store) purgeCorrupted(key string) {
	_ = s.Remove(key)
	s.audit("storage_purge_corrupted", key, true, "")
}

// isExpired applies lazy max-age expiry to an envelope timestamp.
func (s *Store) isExpired(key string, written time.Time) bool {
	maxAge, ok := s.maxAge[key]
	if !ok {
		maxAge = DefaultMaxAge
	}
	return time.Since(written) > maxAge
}

func (s *Store) isSensitive(key string) bool {
	return s.sensitive[key] && s.cipher != nil
}

// filePath maps a logical key to its on-disk location.
func (s *Store) filePath(key string) string {
	return filepath.Join(s.dir, physicalPrefix+sanitizeKey(key)+".json")
}

// logicalKey reverses filePath's name mapping for directory scans.
func (s *Store) logicalKey(fileName string) string {
	name := strings.TrimSuffix(strings.TrimPrefix(fileName, physicalPrefix), ".json")
	return name
}

// sanitizeKey makes a logical key filesystem-safe.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}

// audit emits a best-effort audit event. Failures to log never fail the
// storage operation itself.
func (s *Store) audit(action, key string, success bool, detail string) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	logging.Audit(logging.AuditEvent{
		Action:  action,
		Key:     key,
		Outcome: outcome,
		Actor:   "system",
		Detail:  detail,
	})
}
