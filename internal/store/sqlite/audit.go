package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	gateway "github.com/dittolabs/ditto/internal"
)

// AppendAudit persists one pre-hashed audit record.
func (s *Store) AppendAudit(ctx context.Context, rec gateway.AuditRecord) error {
	var payload sql.NullString
	if rec.Payload != nil {
		raw, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("%w: marshal audit payload: %v", gateway.ErrStorage, err)
		}
		payload = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO audit_log (id, ts_ms, kind, payload, prev_hash, hash) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, int64(rec.TSMS), rec.Kind, payload, rec.PrevHash, rec.Hash,
	)
	if err != nil {
		return fmt.Errorf("%w: insert audit record: %v", gateway.ErrStorage, err)
	}
	return nil
}

// LoadAudit returns the persisted chain in id order. Payload numbers decode
// as json.Number so re-derived hashes match what the producer hashed.
func (s *Store) LoadAudit(ctx context.Context) ([]gateway.AuditRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, ts_ms, kind, payload, prev_hash, hash FROM audit_log ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrStorage, err)
	}
	defer rows.Close()

	var out []gateway.AuditRecord
	for rows.Next() {
		var rec gateway.AuditRecord
		var tsMS int64
		var payload sql.NullString
		if err := rows.Scan(&rec.ID, &tsMS, &rec.Kind, &payload, &rec.PrevHash, &rec.Hash); err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrStorage, err)
		}
		rec.TSMS = uint64(tsMS)
		if payload.Valid {
			dec := json.NewDecoder(bytes.NewReader([]byte(payload.String)))
			dec.UseNumber()
			if err := dec.Decode(&rec.Payload); err != nil {
				return nil, fmt.Errorf("%w: parse audit payload: %v", gateway.ErrStorage, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
