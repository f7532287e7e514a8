package analysis

import (
	"sort"
	"sync"
)

// Kind names a launch-scoped analysis that must not overlap with itself.
type Kind string

const (
	KindAutoAnalyzer    Kind = "autoAnalyzer"
	KindPatternAnalyzer Kind = "patternAnalyzer"
	KindCluster         Kind = "cluster"
)

type lockKey struct {
	kind     Kind
	launchID int64
}

// StatusCache tracks which analyses are running per launch and which projects
// are being re-indexed. Entries live in memory only and vanish on restart.
type StatusCache struct {
	mu       sync.Mutex
	running  map[lockKey]int64
	indexing map[int64]struct{}
}

func NewStatusCache() *StatusCache {
	return &StatusCache{
		running:  make(map[lockKey]int64),
		indexing: make(map[int64]struct{}),
	}
}

// AnalyzeStarted records a running analysis. A later start for the same key wins.
func (c *StatusCache) AnalyzeStarted(kind Kind, launchID, projectID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running[lockKey{kind: kind, launchID: launchID}] = projectID
}

// TryAnalyzeStarted records a running analysis unless one is already held for
// the key, and reports whether the caller now owns it.
func (c *StatusCache) TryAnalyzeStarted(kind Kind, launchID, projectID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := lockKey{kind: kind, launchID: launchID}
	if _, held := c.running[key]; held {
		return false
	}
	c.running[key] = projectID
	return true
}

// AnalyzeFinished releases the entry. Releasing a missing entry is a no-op.
func (c *StatusCache) AnalyzeFinished(kind Kind, launchID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, lockKey{kind: kind, launchID: launchID})
}

func (c *StatusCache) ContainsLaunchID(kind Kind, launchID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, held := c.running[lockKey{kind: kind, launchID: launchID}]
	return held
}

// StartedAnalyzers lists the analyses currently running for a launch.
func (c *StatusCache) StartedAnalyzers(launchID int64) []Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kinds []Kind
	for key := range c.running {
		if key.launchID == launchID {
			kinds = append(kinds, key.kind)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (c *StatusCache) IndexingStarted(projectID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexing[projectID] = struct{}{}
}

func (c *StatusCache) IndexingFinished(projectID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.indexing, projectID)
}

func (c *StatusCache) IsIndexingRunning(projectID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, running := c.indexing[projectID]
	return running
}
