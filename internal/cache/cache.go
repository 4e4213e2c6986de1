// Package cache stores LLM completions on disk, keyed by the encoded
// normalized prompt that produced them.
//
// The layout is an index file with one key per row plus one payload file per
// entry. Payload files are named by the SHA-256 digest of the key so that
// removing a row never changes which file belongs to another key.
package cache

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

const (
	indexFileName = "prompts.csv"
	indexHeader   = "prompt"
	payloadSuffix = ".txt"
)

// Entry describes one cached completion.
type Entry struct {
	Key         string
	PayloadFile string
	Size        int64
}

// Cache is a file-backed response cache. It is safe for concurrent use within
// one process. Separate processes sharing a directory must not write
// concurrently.
type Cache struct {
	dir string
	mu  sync.Mutex
}

// New opens the cache rooted at dir, creating the directory if needed.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

// Lookup reports whether key has an entry.
func (c *Cache) Lookup(key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.readIndex()
	if err != nil {
		return false, err
	}
	return slices.Contains(keys, key), nil
}

// GetAnswer returns the payload stored for key. The boolean is false if key
// has no entry.
func (c *Cache) GetAnswer(key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.readIndex()
	if err != nil {
		return "", false, err
	}
	if !slices.Contains(keys, key) {
		return "", false, nil
	}
	b, err := os.ReadFile(c.payloadPath(key))
	if errors.Is(err, os.ErrNotExist) {
		// Index row without payload, treat as a miss
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("failed to read payload: %w", err)
	}
	return string(b), true, nil
}

// Update stores payload under key. An existing entry has its payload
// replaced and keeps its index row.
func (c *Cache) Update(key, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.readIndex()
	if err != nil {
		return err
	}
	if err := writeFileAtomic(c.payloadPath(key), []byte(payload)); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	if slices.Contains(keys, key) {
		return nil
	}
	return c.writeIndex(append(keys, key))
}

// Delete removes the entry for key and its payload. Deleting an absent key is
// not an error.
func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.readIndex()
	if err != nil {
		return err
	}
	i := slices.Index(keys, key)
	if i >= 0 {
		if err := c.writeIndex(slices.Delete(keys, i, i+1)); err != nil {
			return err
		}
	}
	err = os.Remove(c.payloadPath(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete payload: %w", err)
	}
	return nil
}

// Entries lists the cache contents in index order.
func (c *Cache) Entries() ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.readIndex()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		e := Entry{Key: k, PayloadFile: filepath.Base(c.payloadPath(k)), Size: -1}
		if fi, err := os.Stat(c.payloadPath(k)); err == nil {
			e.Size = fi.Size()
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Purge removes every entry.
func (c *Cache) Purge() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.readIndex()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := os.Remove(c.payloadPath(k)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete payload: %w", err)
		}
	}
	return c.writeIndex(nil)
}

func (c *Cache) indexPath() string {
	return filepath.Join(c.dir, indexFileName)
}

func (c *Cache) payloadPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+payloadSuffix)
}

func (c *Cache) readIndex() ([]string, error) {
	f, err := os.Open(c.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 1
	var keys []string
	first := true
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read cache index: %w", err)
		}
		if first {
			first = false
			if rec[0] == indexHeader {
				continue
			}
		}
		keys = append(keys, rec[0])
	}
	return keys, nil
}

func (c *Cache) writeIndex(keys []string) error {
	tmp, err := os.CreateTemp(c.dir, indexFileName+".*")
	if err != nil {
		return fmt.Errorf("failed to create cache index: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	_ = w.Write([]string{indexHeader})
	for _, k := range keys {
		_ = w.Write([]string{k})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache index: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.indexPath()); err != nil {
		return fmt.Errorf("failed to replace cache index: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
