package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ZentaChain/mate-node/pkg/crypto"
	"github.com/ZentaChain/mate-node/pkg/protocol"
)

// Direction of a logged envelope relative to this node.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Record is one logged envelope.
type Record struct {
	ID         string        `json:"id"`
	Session    string        `json:"session"`
	Peer       crypto.PeerID `json:"peer"`
	Direction  Direction     `json:"direction"`
	Kind       string        `json:"kind"`
	Nonce      uint64        `json:"nonce"`
	Payload    string        `json:"payload"`
	Timestamp  uint64        `json:"timestamp"`
	ReceivedAt time.Time     `json:"received_at"`
}

// PeerRecord summarizes traffic with one peer.
type PeerRecord struct {
	PeerID    crypto.PeerID `json:"peer_id"`
	FirstSeen time.Time     `json:"first_seen"`
	LastSeen  time.Time     `json:"last_seen"`
	Messages  int64         `json:"messages"`
}

// Record stores rec. Recording the same envelope ID twice is a no-op.
func (l *EnvelopeLog) Record(ctx context.Context, rec *Record) error {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now()
	}
	seen := rec.ReceivedAt.UnixMilli()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// SQLite integers are signed; nonce and timestamp are stored by bit
	// pattern.
	result, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO envelopes (id, session, peer, direction, kind, nonce, payload, timestamp, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Session, rec.Peer.String(), string(rec.Direction), rec.Kind,
		int64(rec.Nonce), rec.Payload, int64(rec.Timestamp), seen,
	)
	if err != nil {
		return fmt.Errorf("failed to record envelope: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO peers (peer_id, first_seen, last_seen, messages)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(peer_id) DO UPDATE SET
			last_seen = MAX(last_seen, excluded.last_seen),
			messages = messages + 1`,
		rec.Peer.String(), seen, seen,
	)
	if err != nil {
		return fmt.Errorf("failed to update peer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit envelope: %w", err)
	}
	return nil
}

// RecordEnvelope logs a verified envelope for a network session.
func (l *EnvelopeLog) RecordEnvelope(ctx context.Context, session string, peer crypto.PeerID, inbound bool, env *protocol.SignedEnvelope, msg protocol.Message) error {
	dir := Outbound
	if inbound {
		dir = Inbound
	}
	return l.Record(ctx, &Record{
		ID:        env.ID(),
		Session:   session,
		Peer:      peer,
		Direction: dir,
		Kind:      msg.Kind.String(),
		Nonce:     msg.Nonce,
		Payload:   msg.Payload,
		Timestamp: env.Timestamp,
	})
}

const selectRecords = `
	SELECT id, session, peer, direction, kind, nonce, payload, timestamp, received_at
	FROM envelopes`

// Get returns the record with the given envelope ID.
func (l *EnvelopeLog) Get(ctx context.Context, id string) (*Record, error) {
	rows, err := l.db.QueryContext(ctx, selectRecords+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get envelope: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// Recent returns up to limit records, newest first.
func (l *EnvelopeLog) Recent(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := l.db.QueryContext(ctx, selectRecords+`
		ORDER BY received_at DESC, seq DESC
		LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to get recent envelopes: %w", err)
	}
	return scanRecords(rows)
}

// ByPeer returns up to limit records exchanged with peer, newest first.
func (l *EnvelopeLog) ByPeer(ctx context.Context, peer crypto.PeerID, limit int) ([]*Record, error) {
	rows, err := l.db.QueryContext(ctx, selectRecords+`
		WHERE peer = ?
		ORDER BY received_at DESC, seq DESC
		LIMIT ?`, peer.String(), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to get envelopes for peer: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		var (
			rec              Record
			peer, dir        string
			nonce, ts, seenM int64
		)
		if err := rows.Scan(&rec.ID, &rec.Session, &peer, &dir, &rec.Kind, &nonce, &rec.Payload, &ts, &seenM); err != nil {
			return nil, fmt.Errorf("failed to scan envelope: %w", err)
		}
		rec.Peer = crypto.PeerID(peer)
		rec.Direction = Direction(dir)
		rec.Nonce = uint64(nonce)
		rec.Timestamp = uint64(ts)
		rec.ReceivedAt = time.UnixMilli(seenM)
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read envelopes: %w", err)
	}
	return recs, nil
}

// Count returns the number of logged envelopes.
func (l *EnvelopeLog) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM envelopes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count envelopes: %w", err)
	}
	return n, nil
}

// Prune deletes records logged before the given time and returns how many
// were removed. Peer summaries are kept.
func (l *EnvelopeLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, `DELETE FROM envelopes WHERE received_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune envelopes: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
