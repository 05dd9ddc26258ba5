package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ZentaChain/mate-node/pkg/crypto"
)

// Peers returns every peer seen, most recently active first.
func (l *EnvelopeLog) Peers(ctx context.Context) ([]*PeerRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT peer_id, first_seen, last_seen, messages
		FROM peers
		ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get peers: %w", err)
	}
	defer rows.Close()

	var peers []*PeerRecord
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read peers: %w", err)
	}
	return peers, nil
}

// Peer returns the summary for one peer.
func (l *EnvelopeLog) Peer(ctx context.Context, id crypto.PeerID) (*PeerRecord, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT peer_id, first_seen, last_seen, messages
		FROM peers
		WHERE peer_id = ?`, id.String())

	p, err := scanPeer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(s scanner) (*PeerRecord, error) {
	var (
		id          string
		first, last int64
		p           PeerRecord
	)
	if err := s.Scan(&id, &first, &last, &p.Messages); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan peer: %w", err)
	}
	p.PeerID = crypto.PeerID(id)
	p.FirstSeen = time.UnixMilli(first)
	p.LastSeen = time.UnixMilli(last)
	return &p, nil
}
