package jit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
)

// FunctionCache persists discovered Functions keyed by entry PC. A miss is
// not an error: the caller re-runs discovery, which produces a new,
// independent Function. LevelDB handles its own synchronization.
type FunctionCache struct {
	db *leveldb.DB
}

// NewFunctionCache opens or creates a cache at the given path. If path is
// empty, uses in-memory storage.
func NewFunctionCache(path string) (*FunctionCache, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		memStorage := leveldbstorage.NewMemStorage()
		db, err = leveldb.Open(memStorage, nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open function cache at %s: %w", path, err)
	}
	return &FunctionCache{db: db}, nil
}

// NewMemoryFunctionCache creates an in-memory FunctionCache for testing.
func NewMemoryFunctionCache() (*FunctionCache, error) {
	return NewFunctionCache("")
}

func cacheKey(entry uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, entry)
	return key
}

// Get retrieves the Function discovered from entry. Returns
// (nil, false, nil) if not found.
func (c *FunctionCache) Get(entry uint64) (*Function, bool, error) {
	data, err := c.db.Get(cacheKey(entry), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Get 0x%x: %w", entry, err)
	}
	var fn Function
	if err := json.Unmarshal(data, &fn); err != nil {
		return nil, false, fmt.Errorf("decode cached function 0x%x: %w", entry, err)
	}
	return &fn, true, nil
}

// Put stores a Function under its entry PC.
func (c *FunctionCache) Put(entry uint64, fn *Function) error {
	data, err := json.Marshal(fn)
	if err != nil {
		return fmt.Errorf("encode function 0x%x: %w", entry, err)
	}
	return c.db.Put(cacheKey(entry), data, nil)
}

// Delete drops the cached Function for entry, if any.
func (c *FunctionCache) Delete(entry uint64) error {
	return c.db.Delete(cacheKey(entry), nil)
}

func (c *FunctionCache) Close() error {
	return c.db.Close()
}
