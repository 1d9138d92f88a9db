// Package journal keeps a SQLite history of heap collection cycles.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/oopmem/vm"
)

var log = commonlog.GetLogger("oopmem.journal")

// ErrHeapNotFound indicates that no cycle was recorded for a heap.
var ErrHeapNotFound = errors.New("no cycles recorded for heap")

const schema = `CREATE TABLE IF NOT EXISTS cycles (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	heap_id        TEXT NOT NULL,
	kind           TEXT NOT NULL,
	started        INTEGER NOT NULL,
	duration_ns    INTEGER NOT NULL,
	survived_bytes INTEGER NOT NULL,
	promoted_bytes INTEGER NOT NULL,
	threshold      INTEGER NOT NULL,
	near_death     INTEGER NOT NULL,
	stats          BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS cycles_heap ON cycles (heap_id, id)`

// Journal records CycleStats rows. It is safe for concurrent use.
type Journal struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	log.Debugf("journal opened: %s", path)
	return &Journal{db: db, path: path}, nil
}

// Path returns the database file.
func (j *Journal) Path() string { return j.path }

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Record stores one cycle of heapID.
func (j *Journal) Record(heapID string, cs vm.CycleStats) error {
	cs.HeapID = heapID
	blob, err := vm.MarshalCycleStats(&cs)
	if err != nil {
		return fmt.Errorf("encoding cycle: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.db.Exec(`INSERT INTO cycles
		(heap_id, kind, started, duration_ns, survived_bytes, promoted_bytes, threshold, near_death, stats)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		heapID, string(cs.Kind), cs.Started.UnixNano(), int64(cs.Duration),
		int64(cs.SurvivedBytes), int64(cs.PromotedBytes), cs.Threshold, cs.NearDeath, blob)
	if err != nil {
		return fmt.Errorf("recording cycle: %w", err)
	}
	return nil
}

// Attach records every cycle of h. Failures are logged, never returned to
// the collector.
func (j *Journal) Attach(h *vm.Heap) {
	id := h.ID().String()
	h.OnCycle(func(cs vm.CycleStats) {
		if err := j.Record(id, cs); err != nil {
			log.Errorf("heap %s: %s", id, err)
		}
	})
}

// Cycles returns the last limit cycles of heapID, oldest first. A limit of
// zero or less returns all of them.
func (j *Journal) Cycles(heapID string, limit int) ([]vm.CycleStats, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.Query(`SELECT stats FROM
		(SELECT id, stats FROM cycles WHERE heap_id = ? ORDER BY id DESC LIMIT ?)
		ORDER BY id`, heapID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying cycles: %w", err)
	}
	defer rows.Close()

	var cycles []vm.CycleStats
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scanning cycle: %w", err)
		}
		cs, err := vm.UnmarshalCycleStats(blob)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, *cs)
	}
	return cycles, rows.Err()
}

// Summary aggregates the cycles of one heap.
type Summary struct {
	HeapID        string
	Scavenges     int
	FullCollects  int
	SurvivedBytes uint64
	PromotedBytes uint64
	NearDeath     int
	TotalPause    time.Duration
	MaxPause      time.Duration
	First, Last   time.Time
}

// Summary returns the totals for heapID, or ErrHeapNotFound.
func (j *Journal) Summary(heapID string) (Summary, error) {
	s := Summary{HeapID: heapID}
	var total, pause, maxPause, first, last int64
	err := j.db.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(kind = ?), 0), COALESCE(SUM(kind = ?), 0),
		COALESCE(SUM(survived_bytes), 0), COALESCE(SUM(promoted_bytes), 0),
		COALESCE(SUM(near_death), 0), COALESCE(SUM(duration_ns), 0), COALESCE(MAX(duration_ns), 0),
		COALESCE(MIN(started), 0), COALESCE(MAX(started), 0)
		FROM cycles WHERE heap_id = ?`,
		string(vm.CycleScavenge), string(vm.CycleFull), heapID).Scan(
		&total, &s.Scavenges, &s.FullCollects, &s.SurvivedBytes, &s.PromotedBytes,
		&s.NearDeath, &pause, &maxPause, &first, &last)
	if err != nil {
		return s, fmt.Errorf("summarizing heap %s: %w", heapID, err)
	}
	if total == 0 {
		return s, fmt.Errorf("%w: %s", ErrHeapNotFound, heapID)
	}
	s.TotalPause = time.Duration(pause)
	s.MaxPause = time.Duration(maxPause)
	s.First = time.Unix(0, first)
	s.Last = time.Unix(0, last)
	return s, nil
}

// Heaps returns the recorded heap IDs, most recently active first.
func (j *Journal) Heaps() ([]string, error) {
	rows, err := j.db.Query(`SELECT heap_id FROM cycles GROUP BY heap_id ORDER BY MAX(id) DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying heaps: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning heap id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
