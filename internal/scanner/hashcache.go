package scanner

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mediadedup/dedupcore/internal/types"
)

// HashCache accelerates repeat scans by remembering the whole-file content
// hash for files whose (path, size, inode, mtime) tuple hasn't changed,
// sparing a full re-read. It is the scanner's adaptation of the teacher's
// progressive byte-range cache (internal/cache/cache.go): same BoltDB
// double-buffer self-cleaning scheme, but keyed on one whole-file digest
// per entry instead of per (start, size) byte range, since C4 never hashes
// partial ranges.
//
// Self-cleaning: each run opens the previous cache read-only and a fresh
// one for writing; only entries actually looked up during this run get
// copied forward, so stale entries for files that no longer exist age out
// automatically. Close performs the atomic rename that makes the new file
// the cache for next time.
type HashCache struct {
	readDB  *bolt.DB
	writeDB *bolt.DB
	path    string
	enabled bool
}

const hashCacheBucket = "content_hashes"

// OpenHashCache opens path's existing cache read-only and creates a fresh
// write-side database alongside it. An empty path disables the cache
// entirely (Lookup/Store become no-ops), matching how the teacher's cache
// treats an empty path.
func OpenHashCache(path string) (*HashCache, error) {
	if path == "" {
		return &HashCache{enabled: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create hash cache dir: %w", err)
	}

	c := &HashCache{path: path, enabled: true}

	if _, statErr := os.Stat(path); statErr == nil {
		readDB, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
		if err == nil {
			c.readDB = readDB
		}
	}

	writeDB, err := bolt.Open(path+".new", 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create new hash cache (locked by another instance?): %w", err)
	}
	c.writeDB = writeDB

	if err := c.writeDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(hashCacheBucket))
		return err
	}); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Close closes both databases and, if the write side closed cleanly,
// atomically replaces the previous cache file with the new one.
func (c *HashCache) Close() error {
	var firstErr error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.writeDB != nil {
		if err := c.writeDB.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if err := os.Rename(c.path+".new", c.path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

const hashCacheKeyVersion byte = 1

// makeHashCacheKey builds a deterministic key: ver(1) + path + NUL +
// size(8) + ino(8) + mtime(8).
func makeHashCacheKey(fi *types.FileInfo) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(hashCacheKeyVersion)
	buf.WriteString(fi.Path)
	buf.WriteByte(0)
	_ = binary.Write(buf, binary.BigEndian, fi.Size)
	_ = binary.Write(buf, binary.BigEndian, fi.Ino)
	_ = binary.Write(buf, binary.BigEndian, fi.ModTime.UnixNano())
	return buf.Bytes()
}

// Lookup returns the cached hex-encoded content hash for fi, if present.
// A hit is copied forward into the write-side database (self-cleaning).
func (c *HashCache) Lookup(fi *types.FileInfo) (string, bool) {
	if !c.enabled || c.readDB == nil {
		return "", false
	}

	key := makeHashCacheKey(fi)
	var hash string

	_ = c.readDB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(hashCacheBucket))
		if b == nil {
			return nil
		}
		if data := b.Get(key); len(data) > 0 {
			hash = hex.EncodeToString(data)
		}
		return nil
	})
	if hash == "" {
		return "", false
	}

	c.storeRaw(key, hash)
	return hash, true
}

// Store saves hash (hex-encoded) for fi into the write-side database.
func (c *HashCache) Store(fi *types.FileInfo, hash string) {
	c.storeRaw(makeHashCacheKey(fi), hash)
}

func (c *HashCache) storeRaw(key []byte, hash string) {
	if !c.enabled || c.writeDB == nil {
		return
	}
	raw, err := hex.DecodeString(hash)
	if err != nil {
		return
	}
	_ = c.writeDB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(hashCacheBucket)).Put(key, raw)
	})
}
