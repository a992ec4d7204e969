package store

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Ref points at a stored object by content hash.
type Ref struct {
	Kind   string `json:"kind"`
	SHA256 string `json:"sha256"`
}

// Store is a content-addressed object store with append-only streams.
// It is the durable boundary for the ledger and the telemetry flusher;
// the orchestrator core only uses Put/Get/Append access patterns.
type Store struct {
	BasePath string
}

// NewStore creates a store rooted at basePath, defaulting under the
// user's home directory.
func NewStore(basePath string) (*Store, error) {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Join(home, ".arbiter", "store")
	}

	dirs := []string{
		filepath.Join(basePath, "objects"),
		filepath.Join(basePath, "streams"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, err
		}
	}

	return &Store{BasePath: basePath}, nil
}

// PutObject stores a JSON object by its SHA256 content hash in a sharded
// directory structure.
func (s *Store) PutObject(obj any, kind string) (Ref, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return Ref{}, err
	}

	hashBytes := sha256.Sum256(data)
	hash := hex.EncodeToString(hashBytes[:])

	// Shard by first 2 chars
	dir := filepath.Join(s.BasePath, "objects", hash[:2])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Ref{}, err
	}

	path := filepath.Join(dir, hash+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return Ref{}, err
	}

	return Ref{Kind: kind, SHA256: hash}, nil
}

// GetObject loads a stored object by hash into out.
func (s *Store) GetObject(hash string, out any) error {
	if len(hash) < 3 {
		return fmt.Errorf("invalid object hash %q", hash)
	}
	path := filepath.Join(s.BasePath, "objects", hash[:2], hash+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// AppendRecord appends one JSON record to a named stream. Streams are
// append-only; records are never rewritten.
func (s *Store) AppendRecord(stream string, obj any) error {
	if stream == "" {
		return fmt.Errorf("stream name required")
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	path := filepath.Join(s.BasePath, "streams", stream+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReadRecords returns every record in a stream in append order. A
// missing stream reads as empty.
func (s *Store) ReadRecords(stream string) ([]json.RawMessage, error) {
	path := filepath.Join(s.BasePath, "streams", stream+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		record := make(json.RawMessage, len(line))
		copy(record, line)
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
