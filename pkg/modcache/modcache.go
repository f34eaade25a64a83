// Package modcache persists verification results between runs.
//
// Entries are content-addressed: the cache key is the SHA-256 of the raw
// module file, so any change to the bytecode invalidates the entry. Each
// entry stores the verifier's ModuleInfo encoded with canonical CBOR,
// together with a generation identifier surfaced in verbose logs.
package modcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/slowlime/friar/pkg/verify"
)

// entryVersion is bumped on incompatible changes to the entry layout.
const entryVersion = 1

var log = commonlog.GetLogger("friar.modcache")

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("modcache: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Entry is one cached verification result.
type Entry struct {
	// Version is the entry layout version.
	Version int `cbor:"1,keyasint"`

	// Generation identifies the write that produced this entry.
	Generation string `cbor:"2,keyasint"`

	// Info is the cached verification result.
	Info *verify.ModuleInfo `cbor:"3,keyasint"`
}

// Cache is a directory of CBOR-encoded verification results.
type Cache struct {
	dir string
}

// Open returns a cache rooted at dir. The directory is created lazily on
// the first Put.
func Open(dir string) *Cache {
	return &Cache{dir: dir}
}

// Key computes the cache key for a module file's raw bytes.
func Key(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (c *Cache) entryPath(key string) string {
	return filepath.Join(c.dir, key+".cbor")
}

// Get looks up the verification result for key. A missing entry returns
// (nil, nil); a corrupt one is reported as an error.
func (c *Cache) Get(key string) (*verify.ModuleInfo, error) {
	data, err := os.ReadFile(c.entryPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("modcache: read entry: %w", err)
	}

	var entry Entry
	if err := cbor.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("modcache: unmarshal entry %s: %w", key, err)
	}

	if entry.Version != entryVersion || entry.Info == nil {
		return nil, fmt.Errorf("modcache: entry %s has unsupported version %d", key, entry.Version)
	}

	log.Debugf("hit for %s (generation %s)", key, entry.Generation)

	return entry.Info, nil
}

// Put stores a verification result under key.
func (c *Cache) Put(key string, info *verify.ModuleInfo) error {
	entry := Entry{
		Version:    entryVersion,
		Generation: uuid.NewString(),
		Info:       info,
	}

	data, err := cborEncMode.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("modcache: marshal entry: %w", err)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("modcache: create cache dir: %w", err)
	}

	if err := os.WriteFile(c.entryPath(key), data, 0o644); err != nil {
		return fmt.Errorf("modcache: write entry: %w", err)
	}

	log.Debugf("stored %s (generation %s)", key, entry.Generation)

	return nil
}
