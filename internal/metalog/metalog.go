// Package metalog is the replicated key/value document mapping workspace
// paths to FileEntry metadata. Every author owns at most one record per
// key; replicas converge by exchanging records newer than their cursors.
package metalog

import (
	"fmt"
	"peersync/internal/model"
	"peersync/internal/syncerr"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Log struct {
	mu        sync.Mutex
	db        *gorm.DB
	namespace string
	author    string
	clock     *Clock
	changed   chan struct{}
}

func Open(db *gorm.DB, namespace, author string) (*Log, error) {
	if namespace == "" || author == "" {
		return nil, syncerr.New(syncerr.KindDocument, "open log", "namespace and author are required")
	}

	l := &Log{
		db:        db,
		namespace: namespace,
		author:    author,
		clock:     NewClock(),
		changed:   make(chan struct{}, 1),
	}

	var rows []struct {
		Author string
		Seq    uint64
	}
	if err := db.Model(&model.LogRecord{}).
		Select("author, MAX(seq) AS seq").
		Where("namespace = ?", namespace).
		Group("author").
		Scan(&rows).Error; err != nil {
		return nil, syncerr.Wrap(syncerr.KindDocument, "open log", err)
	}

	for _, r := range rows {
		l.clock.Observe(r.Author, r.Seq)
	}

	return l, nil
}

func (l *Log) Namespace() string {
	return l.namespace
}

func (l *Log) Author() string {
	return l.author
}

// Changed receives a signal whenever remote records were applied.
func (l *Log) Changed() <-chan struct{} {
	return l.changed
}

func (l *Log) Clock() Cursor {
	return l.clock.Snapshot()
}

// Set records entry as this author's current value for its path.
func (l *Log) Set(entry model.FileEntry) (model.LogRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Author = l.author
	value, err := json.Marshal(entry)
	if err != nil {
		return model.LogRecord{}, syncerr.WrapPath(syncerr.KindDocument, "encode entry", entry.Path, err)
	}

	seq := max(l.clock.Get(l.author)+1, uint64(time.Now().UnixNano()))
	rec := model.LogRecord{
		Namespace: l.namespace,
		Path:      entry.Path,
		Author:    l.author,
		Seq:       seq,
		Version:   entry.Version,
		Deleted:   entry.Deleted,
		Value:     value,
		UpdatedAt: time.Now(),
	}

	err = l.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
			return err
		}

		return l.pruneBelow(tx, rec.Path, rec.Version)
	})
	if err != nil {
		return model.LogRecord{}, syncerr.WrapPath(syncerr.KindDocument, "set", entry.Path, err)
	}

	l.clock.Observe(l.author, seq)
	return rec, nil
}

// Apply merges records received from a peer and returns the ones that
// changed the local replica. Records from another namespace, records older
// than what is stored for the same author, and records superseded by a
// higher version of the key are ignored.
func (l *Log) Apply(records []model.LogRecord) ([]model.LogRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var applied []model.LogRecord
	err := l.db.Transaction(func(tx *gorm.DB) error {
		for _, rec := range records {
			if rec.Namespace != l.namespace || rec.Author == "" || rec.Path == "" {
				continue
			}

			ok, err := l.applyOne(tx, rec)
			if err != nil {
				return err
			}
			if ok {
				applied = append(applied, rec)
			}
		}

		return nil
	})
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindDocument, "apply", err)
	}

	for _, rec := range records {
		if rec.Namespace == l.namespace {
			l.clock.Observe(rec.Author, rec.Seq)
		}
	}

	if len(applied) > 0 {
		select {
		case l.changed <- struct{}{}:
		default:
		}
	}

	return applied, nil
}

func (l *Log) applyOne(tx *gorm.DB, rec model.LogRecord) (bool, error) {
	var heads []model.LogRecord
	if err := tx.Where("namespace = ? AND path = ?", l.namespace, rec.Path).Find(&heads).Error; err != nil {
		return false, err
	}

	for _, h := range heads {
		if h.Author == rec.Author && h.Seq >= rec.Seq {
			return false, nil
		}
		if h.Version > rec.Version {
			return false, nil
		}
	}

	var entry model.FileEntry
	if err := json.Unmarshal(rec.Value, &entry); err != nil {
		return false, fmt.Errorf("invalid record value for %s: %w", rec.Path, err)
	}

	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
		return false, err
	}

	return true, l.pruneBelow(tx, rec.Path, rec.Version)
}

func (l *Log) pruneBelow(tx *gorm.DB, key string, version uint64) error {
	return tx.Where("namespace = ? AND path = ? AND version < ?", l.namespace, key, version).
		Delete(&model.LogRecord{}).Error
}

// Since returns the records a replica at cursor has not seen, oldest first.
func (l *Log) Since(cursor Cursor) ([]model.LogRecord, error) {
	var rows []model.LogRecord
	if err := l.db.Where("namespace = ?", l.namespace).Order("seq").Find(&rows).Error; err != nil {
		return nil, syncerr.Wrap(syncerr.KindDocument, "since", err)
	}

	out := rows[:0]
	for _, r := range rows {
		if r.Seq > cursor[r.Author] {
			out = append(out, r)
		}
	}

	return out, nil
}

// Snapshot returns the winning entry of every key, tombstones included.
func (l *Log) Snapshot() (map[string]model.FileEntry, error) {
	var rows []model.LogRecord
	if err := l.db.Where("namespace = ?", l.namespace).Find(&rows).Error; err != nil {
		return nil, syncerr.Wrap(syncerr.KindDocument, "snapshot", err)
	}

	snap := make(map[string]model.FileEntry, len(rows))
	for _, r := range rows {
		entry, err := Decode(r)
		if err != nil {
			return nil, err
		}

		if cur, ok := snap[r.Path]; !ok || entry.Newer(cur) {
			snap[r.Path] = entry
		}
	}

	return snap, nil
}

// Heads returns every author's entry for key, newest first. More than one
// head means concurrent writers have not been reconciled yet.
func (l *Log) Heads(key string) ([]model.FileEntry, error) {
	var rows []model.LogRecord
	if err := l.db.Where("namespace = ? AND path = ?", l.namespace, key).Find(&rows).Error; err != nil {
		return nil, syncerr.WrapPath(syncerr.KindDocument, "heads", key, err)
	}

	heads := make([]model.FileEntry, 0, len(rows))
	for _, r := range rows {
		entry, err := Decode(r)
		if err != nil {
			return nil, err
		}
		heads = append(heads, entry)
	}

	slices.SortFunc(heads, func(a, b model.FileEntry) int {
		if a.Newer(b) {
			return -1
		}
		if b.Newer(a) {
			return 1
		}
		return 0
	})

	return heads, nil
}

// Collapse drops every head of key except the one written by author.
func (l *Log) Collapse(key, author string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.db.Where("namespace = ? AND path = ? AND author <> ?", l.namespace, key, author).
		Delete(&model.LogRecord{}).Error
	if err != nil {
		return syncerr.WrapPath(syncerr.KindDocument, "collapse", key, err)
	}

	return nil
}

func Decode(r model.LogRecord) (model.FileEntry, error) {
	var entry model.FileEntry
	if err := json.Unmarshal(r.Value, &entry); err != nil {
		return entry, syncerr.WrapPath(syncerr.KindDocument, "decode", r.Path, err)
	}

	entry.Path = r.Path
	entry.Author = r.Author
	entry.Version = r.Version
	entry.Deleted = r.Deleted
	return entry, nil
}
