// Package crawl runs crawl sessions on the grid: a per-node worker pool that
// drains the document ledger, orphan handling, and the session pipeline tying
// them together.
package crawl

import (
	"fmt"
	"strings"
	"time"
)

// OrphansStrategy decides what happens to cached references that were not
// reached again during a crawl.
type OrphansStrategy string

// Orphan strategies.
const (
	OrphansIgnore  OrphansStrategy = "IGNORE"
	OrphansProcess OrphansStrategy = "PROCESS"
	OrphansDelete  OrphansStrategy = "DELETE"
)

// ParseOrphansStrategy is case-insensitive; empty means IGNORE.
func ParseOrphansStrategy(s string) (OrphansStrategy, error) {
	switch OrphansStrategy(strings.ToUpper(strings.TrimSpace(s))) {
	case "", OrphansIgnore:
		return OrphansIgnore, nil
	case OrphansProcess:
		return OrphansProcess, nil
	case OrphansDelete:
		return OrphansDelete, nil
	}
	return OrphansIgnore, fmt.Errorf("unknown orphans strategy %q", s)
}

// Mode selects what the worker loop does with each dequeued reference.
type Mode int

// Worker loop modes.
const (
	CrawlAll Mode = iota
	DeleteAll
)

func (m Mode) String() string {
	if m == DeleteAll {
		return "DELETE_ALL"
	}
	return "CRAWL_ALL"
}

// Config controls a crawl session.
type Config struct {
	// Name identifies the crawler in events and prefixes the ledger stores.
	Name       string
	NumThreads int
	// MaxDocuments caps processed documents per session; negative is unlimited.
	MaxDocuments    int64
	OrphansStrategy OrphansStrategy
	// StopOnErrors lists errors that stop the whole crawl when a document
	// fails with an error matching one of them (errors.Is).
	StopOnErrors    []error
	Incremental     bool
	IdleBackoff     time.Duration
	ProgressEvery   time.Duration
	StartReferences []string
}

// Defaults.
const (
	DefaultNumThreads    = 2
	DefaultIdleBackoff   = 500 * time.Millisecond
	DefaultProgressEvery = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.NumThreads <= 0 {
		c.NumThreads = DefaultNumThreads
	}
	if c.MaxDocuments == 0 {
		c.MaxDocuments = -1
	}
	if c.OrphansStrategy == "" {
		c.OrphansStrategy = OrphansIgnore
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = DefaultIdleBackoff
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = DefaultProgressEvery
	}
	return c
}
