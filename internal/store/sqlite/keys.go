package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	gateway "github.com/dittolabs/ditto/internal"
)

// ReplaceKeys swaps the entire key set in one transaction. Keys are stored
// as JSON blobs; the gateway never queries inside a key config.
func (s *Store) ReplaceKeys(ctx context.Context, keys []gateway.VirtualKey) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", gateway.ErrStorage, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM virtual_keys`); err != nil {
		return fmt.Errorf("%w: clear keys: %v", gateway.ErrStorage, err)
	}
	for i, k := range keys {
		blob, err := json.Marshal(k)
		if err != nil {
			return fmt.Errorf("%w: marshal key %s: %v", gateway.ErrStorage, k.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO virtual_keys (id, position, config) VALUES (?, ?, ?)`,
			k.ID, i, string(blob),
		); err != nil {
			return fmt.Errorf("%w: insert key %s: %v", gateway.ErrStorage, k.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", gateway.ErrStorage, err)
	}
	return nil
}

// LoadKeys returns the persisted key set in stored order.
func (s *Store) LoadKeys(ctx context.Context) ([]gateway.VirtualKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT config FROM virtual_keys ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrStorage, err)
	}
	defer rows.Close()

	var out []gateway.VirtualKey
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrStorage, err)
		}
		var k gateway.VirtualKey
		if err := json.Unmarshal([]byte(blob), &k); err != nil {
			return nil, fmt.Errorf("%w: parse key: %v", gateway.ErrStorage, err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
