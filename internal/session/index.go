// Package session provides the per-session message index backing the
// search_session_messages and write_session_message tools. The index is a
// LevelDB store under .zace/index/<sessionId>/, keyed so a reverse scan
// yields newest-first order.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/zacedev/zace/internal/types"
)

const msgPrefix = "msg|"

// Entry is one indexed message.
type Entry struct {
	Role      types.MessageRole `json:"role"`
	Content   string            `json:"content"`
	Timestamp string            `json:"timestamp"`
}

// Index is the LevelDB-backed message index for one session.
type Index struct {
	db  *leveldb.DB
	seq atomic.Uint64
}

// OpenIndex opens (or creates) the index for sessionID under dir.
func OpenIndex(dir, sessionID string) (*Index, error) {
	path := filepath.Join(dir, sessionID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("session: create index dir: %w", err)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("session: open index: %w", err)
	}
	return &Index{db: db}, nil
}

// key builds a monotonic key: timestamp nanos plus a process-local sequence
// so same-nanosecond writes keep insertion order.
func (ix *Index) key() []byte {
	return []byte(fmt.Sprintf("%s%020d|%06d", msgPrefix, time.Now().UnixNano(), ix.seq.Add(1)))
}

// Message appends one message. Satisfies the memory sink interface so the
// index can ride the same queue as the journal.
func (ix *Index) Message(role types.MessageRole, content string) error {
	if ix == nil || ix.db == nil {
		return nil
	}
	data, err := json.Marshal(Entry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("session: marshal entry: %w", err)
	}
	if err := ix.db.Put(ix.key(), data, nil); err != nil {
		return fmt.Errorf("session: put entry: %w", err)
	}
	return nil
}

// Search scans newest-first for entries whose content contains keyword
// (case-insensitive) and returns at most limit matches.
func (ix *Index) Search(keyword string, limit int) ([]Entry, error) {
	if ix == nil || ix.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(keyword)

	iter := ix.db.NewIterator(util.BytesPrefix([]byte(msgPrefix)), nil)
	defer iter.Release()

	var out []Entry
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(e.Content), needle) {
			continue
		}
		out = append(out, e)
	}
	if err := iter.Error(); err != nil {
		return out, fmt.Errorf("session: scan index: %w", err)
	}
	return out, nil
}

// Close releases the database. Safe on nil receiver.
func (ix *Index) Close() error {
	if ix == nil || ix.db == nil {
		return nil
	}
	return ix.db.Close()
}
