// Package logstore provides Log implementations for internal/raftserver.
package logstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cordata/raftd/internal/messages"
	"github.com/cordata/raftd/internal/raft"
	"github.com/cordata/raftd/pkg/database"
	"github.com/cordata/raftd/pkg/logger"
)

// Postgres is a Log backed by a Postgres table, keyed by group so multiple
// consensus groups can share one database.
type Postgres struct {
	pool    *pgxpool.Pool
	logger  *logger.Logger
	groupID string

	mu          sync.RWMutex
	prev        raft.LogOffset
	lastFlushed raft.LogSequence
	flushCh     chan struct{}
}

// NewPostgres creates a Postgres-backed log store for groupID, creating its
// table if necessary and recovering prev/lastFlushed from what is already
// stored.
func NewPostgres(ctx context.Context, db *database.PostgreSQL, log *logger.Logger, groupID string) (*Postgres, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("group ID is required")
	}
	pool := db.Pool()
	if pool == nil {
		return nil, fmt.Errorf("database pool is nil")
	}

	s := &Postgres{
		pool:    pool,
		logger:  log,
		groupID: groupID,
		flushCh: make(chan struct{}),
	}
	if err := s.initializeTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize log store table: %w", err)
	}
	if err := s.recover(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover log store state: %w", err)
	}
	return s, nil
}

func (s *Postgres) initializeTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS raft_logs (
			group_id   VARCHAR(255) NOT NULL,
			log_index  BIGINT NOT NULL,
			log_term   BIGINT NOT NULL,
			log_kind   SMALLINT NOT NULL,
			log_data   BYTEA,
			log_config BYTEA,
			sequence   BIGINT NOT NULL,
			PRIMARY KEY (group_id, log_index)
		);
		CREATE INDEX IF NOT EXISTS idx_raft_logs_group_sequence ON raft_logs(group_id, sequence);

		CREATE TABLE IF NOT EXISTS raft_log_prev (
			group_id  VARCHAR(255) PRIMARY KEY,
			log_index BIGINT NOT NULL,
			log_term  BIGINT NOT NULL,
			sequence  BIGINT NOT NULL
		);
	`)
	return err
}

func (s *Postgres) recover(ctx context.Context) error {
	row := s.pool.QueryRow(ctx, `SELECT log_index, log_term, sequence FROM raft_log_prev WHERE group_id = $1`, s.groupID)
	var idx, term, seq int64
	if err := row.Scan(&idx, &term, &seq); err != nil {
		if err != pgx.ErrNoRows {
			return err
		}
	} else {
		s.prev = raft.LogOffset{
			Position: raft.LogPosition{Term: raft.Term(term), Index: raft.LogIndex(idx)},
			Sequence: raft.LogSequence(seq),
		}
	}

	row = s.pool.QueryRow(ctx, `SELECT MAX(sequence) FROM raft_logs WHERE group_id = $1`, s.groupID)
	var maxSeq *int64
	if err := row.Scan(&maxSeq); err != nil && err != pgx.ErrNoRows {
		return err
	}
	if maxSeq != nil {
		s.lastFlushed = raft.LogSequence(*maxSeq)
	} else {
		s.lastFlushed = s.prev.Sequence
	}
	return nil
}

func (s *Postgres) Prev() raft.LogOffset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prev
}

func (s *Postgres) LastIndex() raft.LogIndex {
	ctx := context.Background()
	row := s.pool.QueryRow(ctx, `SELECT MAX(log_index) FROM raft_logs WHERE group_id = $1`, s.groupID)
	var idx *int64
	if err := row.Scan(&idx); err != nil || idx == nil {
		return s.Prev().Position.Index
	}
	return raft.LogIndex(*idx)
}

func (s *Postgres) Term(index raft.LogIndex) (raft.Term, bool) {
	if prev := s.Prev(); index == prev.Position.Index {
		return prev.Position.Term, true
	}
	ctx := context.Background()
	row := s.pool.QueryRow(ctx, `SELECT log_term FROM raft_logs WHERE group_id = $1 AND log_index = $2`, s.groupID, int64(index))
	var term int64
	if err := row.Scan(&term); err != nil {
		return 0, false
	}
	return raft.Term(term), true
}

func (s *Postgres) Entry(index raft.LogIndex) (raft.Entry, raft.LogSequence, bool) {
	ctx := context.Background()
	row := s.pool.QueryRow(ctx, `SELECT log_term, log_kind, log_data, log_config, sequence FROM raft_logs WHERE group_id = $1 AND log_index = $2`, s.groupID, int64(index))
	var term int64
	var kind int16
	var data, cfg []byte
	var seq int64
	if err := row.Scan(&term, &kind, &data, &cfg, &seq); err != nil {
		return raft.Entry{}, 0, false
	}
	entry := raft.Entry{Term: raft.Term(term), Index: index, Kind: raft.EntryKind(kind), Data: data}
	if len(cfg) > 0 {
		cc, err := messages.DecodeConfigChange(cfg)
		if err == nil {
			entry.Config = cc
		}
	}
	return entry, raft.LogSequence(seq), true
}

func (s *Postgres) Entries(a, b raft.LogIndex) ([]raft.Entry, raft.LogSequence, bool) {
	ctx := context.Background()
	rows, err := s.pool.Query(ctx, `SELECT log_index, log_term, log_kind, log_data, log_config, sequence FROM raft_logs WHERE group_id = $1 AND log_index BETWEEN $2 AND $3 ORDER BY log_index`, s.groupID, int64(a), int64(b))
	if err != nil {
		return nil, 0, false
	}
	defer rows.Close()

	var entries []raft.Entry
	var lastSeq raft.LogSequence
	want := a
	for rows.Next() {
		var idx, term int64
		var kind int16
		var data, cfg []byte
		var seq int64
		if err := rows.Scan(&idx, &term, &kind, &data, &cfg, &seq); err != nil {
			return nil, 0, false
		}
		if raft.LogIndex(idx) != want {
			return nil, 0, false // gap
		}
		entry := raft.Entry{Term: raft.Term(term), Index: raft.LogIndex(idx), Kind: raft.EntryKind(kind), Data: data}
		if len(cfg) > 0 {
			if cc, err := messages.DecodeConfigChange(cfg); err == nil {
				entry.Config = cc
			}
		}
		entries = append(entries, entry)
		lastSeq = raft.LogSequence(seq)
		want++
	}
	if want != b+1 {
		return nil, 0, false
	}
	return entries, lastSeq, true
}

func (s *Postgres) Append(entry raft.Entry, sequence raft.LogSequence) error {
	var cfg []byte
	if entry.Kind == raft.EntryConfig {
		cfg, _ = messages.EncodeConfigChange(entry.Config)
	}
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to append entry at index %d: %w", entry.Index, err)
	}
	defer tx.Rollback(ctx)

	// A leader-forced AppendEntries divergence re-appends at an index that
	// already has a (now-superseded) entry and everything after it; drop
	// that stale tail the same way logstore.Memory's truncateFromLocked
	// does, or those rows would outlive the term that wrote them.
	if _, err := tx.Exec(ctx, `
		DELETE FROM raft_logs WHERE group_id = $1 AND log_index > $2
	`, s.groupID, int64(entry.Index)); err != nil {
		return fmt.Errorf("failed to truncate stale tail at index %d: %w", entry.Index, err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO raft_logs (group_id, log_index, log_term, log_kind, log_data, log_config, sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (group_id, log_index) DO UPDATE SET
			log_term = EXCLUDED.log_term, log_kind = EXCLUDED.log_kind,
			log_data = EXCLUDED.log_data, log_config = EXCLUDED.log_config, sequence = EXCLUDED.sequence
	`, s.groupID, int64(entry.Index), int64(entry.Term), int16(entry.Kind), entry.Data, cfg, int64(sequence)); err != nil {
		return fmt.Errorf("failed to append entry at index %d: %w", entry.Index, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to append entry at index %d: %w", entry.Index, err)
	}

	s.mu.Lock()
	s.lastFlushed = sequence
	ch := s.flushCh
	s.flushCh = make(chan struct{})
	s.mu.Unlock()
	close(ch)
	return nil
}

func (s *Postgres) WaitForFlush(ctx context.Context) error {
	s.mu.RLock()
	ch := s.flushCh
	s.mu.RUnlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Postgres) LastFlushed() raft.LogSequence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFlushed
}

func (s *Postgres) Discard(position raft.LogPosition) error {
	_, sequence, ok := s.Entry(position.Index)
	if !ok {
		sequence = s.LastFlushed()
	}

	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO raft_log_prev (group_id, log_index, log_term, sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id) DO UPDATE SET log_index = EXCLUDED.log_index, log_term = EXCLUDED.log_term, sequence = EXCLUDED.sequence
	`, s.groupID, int64(position.Index), int64(position.Term), int64(sequence)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM raft_logs WHERE group_id = $1 AND log_index <= $2`, s.groupID, int64(position.Index)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.prev = raft.LogOffset{Position: position, Sequence: sequence}
	s.mu.Unlock()
	return nil
}
