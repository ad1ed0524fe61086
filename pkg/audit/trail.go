// Package audit keeps a tamper-evident record of reconciliation runs.
// Each record hashes its payload together with the previous record's
// hash, so rewriting history breaks the chain.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Record is one link in the trail.
type Record struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// Trail appends hash-chained records, optionally persisting each one
// as a JSON line to sink.
type Trail struct {
	mu   sync.Mutex
	prev string
	sink io.Writer
}

func NewTrail(sink io.Writer) *Trail {
	return &Trail{
		prev: strings.Repeat("0", 64),
		sink: sink,
	}
}

// Record appends a payload to the chain.
func (t *Trail) Record(payload string) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := &Record{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		PreviousHash: t.prev,
		Payload:      payload,
	}
	rec.Hash = recordHash(rec.PreviousHash, rec.Timestamp, rec.Payload)
	t.prev = rec.Hash

	if t.sink != nil {
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode audit record: %w", err)
		}
		if _, err := t.sink.Write(append(line, '\n')); err != nil {
			return nil, fmt.Errorf("persist audit record: %w", err)
		}
	}
	return rec, nil
}

func recordHash(prev, timestamp, payload string) string {
	sum := sha256.Sum256([]byte(prev + "|" + timestamp + "|" + payload))
	return hex.EncodeToString(sum[:])
}

// VerifyTrail checks that records form an unbroken, untampered chain.
func VerifyTrail(records []*Record) bool {
	for i, rec := range records {
		if i > 0 && rec.PreviousHash != records[i-1].Hash {
			return false
		}
		if recordHash(rec.PreviousHash, rec.Timestamp, rec.Payload) != rec.Hash {
			return false
		}
	}
	return true
}

// ReadTrail loads JSON-line records written by a Trail sink.
func ReadTrail(r io.Reader) ([]*Record, error) {
	var records []*Record
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec := &Record{}
		if err := json.Unmarshal([]byte(line), rec); err != nil {
			return nil, fmt.Errorf("decode audit record: %w", err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
