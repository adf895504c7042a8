// Package audit implements the hash-chained admin audit log. Every record's
// hash covers its base fields plus the previous record's hash, so any
// mutation or deletion inside the chain is detectable by re-deriving hashes
// from the genesis record.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	gateway "github.com/dittolabs/ditto/internal"
)

// ChainHash derives a record's hash from the predecessor hash and the
// record's base fields. The base serialization must be identical between
// producer and verifier: prev_hash and hash are cleared before marshaling,
// and map-valued payloads rely on encoding/json's sorted key order.
func ChainHash(prevHash string, rec gateway.AuditRecord) (string, error) {
	rec.PrevHash = ""
	rec.Hash = ""
	payload, err := canonicalPayload(rec.Payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit payload: %w", err)
	}
	rec.Payload = payload
	base, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal audit record: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte("\n"))
	h.Write(base)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalPayload forces the payload through a map round trip so struct
// field order never leaks into the hashed bytes. Map keys marshal sorted and
// json.Number preserves numeric literals, making producer and verifier agree.
func canonicalPayload(payload any) (any, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Log is an append-only in-memory audit chain with monotonic ids.
type Log struct {
	clock gateway.Clock

	mu       sync.Mutex
	records  []gateway.AuditRecord
	nextID   int64
	lastHash string
}

// NewLog creates an empty chain. The genesis record links to the empty hash.
func NewLog(clock gateway.Clock) *Log {
	if clock == nil {
		clock = gateway.RealClock{}
	}
	return &Log{clock: clock, nextID: 1}
}

// Append adds a record for the given event kind and payload and returns it
// with id, timestamp and chain hashes filled in.
func (l *Log) Append(kind string, payload any) (gateway.AuditRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := gateway.AuditRecord{
		ID:      l.nextID,
		TSMS:    gateway.NowMillis(l.clock.Now()),
		Kind:    kind,
		Payload: payload,
	}
	hash, err := ChainHash(l.lastHash, rec)
	if err != nil {
		return gateway.AuditRecord{}, err
	}
	rec.PrevHash = l.lastHash
	rec.Hash = hash

	l.records = append(l.records, rec)
	l.nextID++
	l.lastHash = hash
	return rec, nil
}

// ListFilter bounds a List call. Zero values mean unbounded.
type ListFilter struct {
	SinceTSMS  uint64
	BeforeTSMS uint64
	Limit      int
}

// List returns records in id order matching the filter.
func (l *Log) List(f ListFilter) []gateway.AuditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]gateway.AuditRecord, 0, len(l.records))
	for _, rec := range l.records {
		if f.SinceTSMS != 0 && rec.TSMS < f.SinceTSMS {
			continue
		}
		if f.BeforeTSMS != 0 && rec.TSMS >= f.BeforeTSMS {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Len reports the number of records in the chain.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Restore seeds the chain from persisted records, verifying it first.
func (l *Log) Restore(records []gateway.AuditRecord) error {
	if err := Verify(records); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append([]gateway.AuditRecord(nil), records...)
	l.nextID = 1
	l.lastHash = ""
	if n := len(records); n > 0 {
		l.nextID = records[n-1].ID + 1
		l.lastHash = records[n-1].Hash
	}
	return nil
}

// ExportNDJSON streams the chain as one JSON object per line.
func (l *Log) ExportNDJSON(w io.Writer) error {
	l.mu.Lock()
	records := append([]gateway.AuditRecord(nil), l.records...)
	l.mu.Unlock()

	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

// ReadNDJSON parses records exported by ExportNDJSON.
func ReadNDJSON(r io.Reader) ([]gateway.AuditRecord, error) {
	var out []gateway.AuditRecord
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		// UseNumber keeps numeric payload fields as literal text so the
		// re-marshaled base bytes match what the producer hashed.
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var rec gateway.AuditRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Verify re-derives every hash in the chain and reports the first record
// that does not link or hash correctly.
func Verify(records []gateway.AuditRecord) error {
	prev := ""
	for i, rec := range records {
		if rec.PrevHash != prev {
			return fmt.Errorf("record %d (id %d): prev_hash mismatch", i, rec.ID)
		}
		want, err := ChainHash(prev, rec)
		if err != nil {
			return fmt.Errorf("record %d (id %d): %w", i, rec.ID, err)
		}
		if rec.Hash != want {
			return fmt.Errorf("record %d (id %d): hash mismatch", i, rec.ID)
		}
		prev = rec.Hash
	}
	return nil
}
