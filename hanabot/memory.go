package hanabot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrInvalidChannelID is returned for channel IDs that can't be used
// as a file name
var ErrInvalidChannelID = errors.New("invalid channel id")

// MemoryRecord is a single long-term memory saved for a channel
type MemoryRecord struct {
	Timestamp string  `json:"timestamp"`
	UserID    string  `json:"user_id"`
	GuildID   *string `json:"guild_id"`
	Content   string  `json:"content"`
}

// MemoryStore appends memory records to one JSON file per channel,
// at <dir>/<channel_id>.json
type MemoryStore struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMemoryStore(dir string, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		dir:    dir,
		logger: logger,
		now:    time.Now,
		locks:  map[string]*sync.Mutex{},
	}
}

// channelLock returns the mutex serializing access to a channel's file
func (m *MemoryStore) channelLock(channelID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[channelID] = lock
	}
	return lock
}

func (m *MemoryStore) path(channelID string) (string, error) {
	if channelID == "" || filepath.Base(channelID) != channelID || channelID == "." || channelID == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannelID, channelID)
	}
	return filepath.Join(m.dir, channelID+".json"), nil
}

// Append adds a memory to the channel's file, creating the directory
// and file as needed. A file that doesn't hold a JSON list is replaced.
func (m *MemoryStore) Append(channelID, userID, guildID, content string) (
	MemoryRecord,
	error,
) {
	path, err := m.path(channelID)
	if err != nil {
		return MemoryRecord{}, err
	}

	lock := m.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	logger := m.logger.With("channel_id", channelID, "path", path)

	if err = os.MkdirAll(m.dir, 0o755); err != nil {
		return MemoryRecord{}, fmt.Errorf("error creating memory dir: %w", err)
	}

	entries, err := m.readEntries(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("memory file is malformed, reinitializing", tint.Err(err))
		}
		entries = []json.RawMessage{}
	}

	record := MemoryRecord{
		Timestamp: m.now().UTC().Format(time.RFC3339Nano),
		UserID:    userID,
		Content:   content,
	}
	if guildID != "" {
		record.GuildID = &guildID
	}

	encoded, err := marshalUnescaped(record)
	if err != nil {
		return MemoryRecord{}, err
	}
	entries = append(entries, encoded)

	if err = writeJSONFile(path, entries); err != nil {
		return MemoryRecord{}, err
	}
	logger.Info(
		"saved memory",
		"user_id", userID,
		"content", truncate(content, 50),
		"entries", len(entries),
	)
	return record, nil
}

// List returns every memory saved for a channel, oldest first. A
// missing file yields no records and no error.
func (m *MemoryStore) List(channelID string) ([]MemoryRecord, error) {
	path, err := m.path(channelID)
	if err != nil {
		return nil, err
	}

	lock := m.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := m.readEntries(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	records := make([]MemoryRecord, 0, len(entries))
	for i, entry := range entries {
		var rec MemoryRecord
		if e := json.Unmarshal(entry, &rec); e != nil {
			m.logger.Warn(
				"skipping malformed memory entry",
				"path", path,
				"index", i,
				tint.Err(e),
			)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// readEntries reads the file at path as a JSON list, keeping each entry
// as-is so fields written by other tools survive a rewrite
func (m *MemoryStore) readEntries(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []json.RawMessage
	if err = json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error decoding %s: %w", path, err)
	}
	if entries == nil {
		return nil, fmt.Errorf("%s does not hold a list", path)
	}
	return entries, nil
}

// writeJSONFile writes v to path with four-space indentation, without
// escaping non-ASCII or HTML characters. The file is replaced
// atomically.
// marshalUnescaped encodes v like json.Marshal, but leaves <, > and &
// as they are
func marshalUnescaped(v any) (json.RawMessage, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func writeJSONFile(path string, v any) error {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(v); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err = tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("error writing %s: %w", tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("error closing %s: %w", tmpName, err)
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("error replacing %s: %w", path, err)
	}
	return nil
}
