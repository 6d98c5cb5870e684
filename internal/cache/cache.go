package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aliskhannn/zimage-server/internal/model"
)

// Cache persists the result payload of completed jobs as one JSON file per
// job ID, so duplicate requests are answered instantly even after a restart.
// Failed and cancelled jobs are never cached.
type Cache struct {
	dir string
}

// New creates a result cache rooted at dir. The directory is created lazily
// on the first write.
func New(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) path(jobID string) string {
	return filepath.Join(c.dir, jobID+".json")
}

// Get returns the cached result for the job, if any.
func (c *Cache) Get(jobID string) (*model.Result, bool) {
	data, err := os.ReadFile(c.path(jobID))
	if err != nil {
		return nil, false
	}

	var res model.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, false
	}

	return &res, true
}

// Put writes the result of a completed job to the cache.
func (c *Cache) Put(jobID string, res model.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	if err := os.WriteFile(c.path(jobID), data, 0o644); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}

	return nil
}

// Delete removes a cached result. It reports whether a file was removed.
func (c *Cache) Delete(jobID string) bool {
	return os.Remove(c.path(jobID)) == nil
}
