package mailbox

import (
	"errors"
	"io/fs"
	"path/filepath"
	"slices"
	"sync"

	"github.com/hiveforge/hiveforge/internal/fsutil"
)

// AckCacheLimit bounds the number of acknowledged ids kept per recipient.
const AckCacheLimit = 500

// AckCache remembers acknowledged remote message ids per recipient, oldest
// first, so replays from the remote inbox can be filtered out.
type AckCache struct {
	dir   string
	limit int
	mu    sync.Mutex
}

// NewAckCache stores one JSON file per recipient under dir.
func NewAckCache(dir string, limit int) *AckCache {
	if limit <= 0 {
		limit = AckCacheLimit
	}
	return &AckCache{dir: dir, limit: limit}
}

func (c *AckCache) path(recipient string) string {
	return filepath.Join(c.dir, recipient+".json")
}

func (c *AckCache) load(recipient string) ([]string, error) {
	var ids []string
	if err := fsutil.ReadJSON(c.path(recipient), &ids); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return ids, nil
}

// Set returns the acknowledged ids for recipient.
func (c *AckCache) Set(recipient string) (map[string]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, err := c.load(recipient)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// Contains reports whether id was acknowledged by recipient.
func (c *AckCache) Contains(recipient, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, err := c.load(recipient)
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, id), nil
}

// Add records id, evicting the oldest entries beyond the limit.
func (c *AckCache) Add(recipient, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, err := c.load(recipient)
	if err != nil {
		return err
	}
	if slices.Contains(ids, id) {
		return nil
	}
	ids = append(ids, id)
	if len(ids) > c.limit {
		ids = ids[len(ids)-c.limit:]
	}
	return fsutil.WriteJSONAtomic(c.path(recipient), ids)
}
