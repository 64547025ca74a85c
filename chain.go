// Package shipledger implements a hash-chained ledger of shipment transactions
// with an encrypted-at-rest file format.
package shipledger

import (
	"crypto/md5"
	"encoding/base64"
	"strconv"
)

// Record is one shipment transaction as persisted.
type Record struct {
	Article    string // exactly 10 ASCII digits when produced by a Session
	Quantity   int
	Timestamp  int64 // unix seconds, UTC
	StoredHash string
}

// ValidatedRecord is a Record together with the result of chain validation.
// CalculatedHash and ChainValid are never persisted.
type ValidatedRecord struct {
	Record
	CalculatedHash string
	ChainValid     bool
}

// ComputeHash returns Base64(MD5(article ‖ quantity ‖ timestamp ‖ previous)).
// Numbers are rendered in decimal ASCII; previous is the empty string for the
// first record of a ledger.
func ComputeHash(article string, quantity int, timestamp int64, previous string) string {
	h := md5.New()
	_, _ = h.Write([]byte(article))
	_, _ = h.Write(strconv.AppendInt(nil, int64(quantity), 10))
	_, _ = h.Write(strconv.AppendInt(nil, timestamp, 10))
	_, _ = h.Write([]byte(previous))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Link builds the record that follows records, chained to the stored hash of
// the last element.
func Link(records []Record, article string, quantity int, timestamp int64) Record {
	var prev string
	if n := len(records); n > 0 {
		prev = records[n-1].StoredHash
	}
	return Record{
		Article:    article,
		Quantity:   quantity,
		Timestamp:  timestamp,
		StoredHash: ComputeHash(article, quantity, timestamp, prev),
	}
}

// ValidateChain recomputes every hash in stored order.
//
// Each record is checked against the stored hash of its predecessor, not the
// recalculated one. The first mismatch marks that record and every later
// record invalid; there is no resynchronisation.
func ValidateChain(records []Record) []ValidatedRecord {
	out := make([]ValidatedRecord, 0, len(records))

	var prev string
	stillValid := true

	for _, r := range records {
		calc := ComputeHash(r.Article, r.Quantity, r.Timestamp, prev)
		if stillValid && r.StoredHash != calc {
			stillValid = false
		}
		out = append(out, ValidatedRecord{
			Record:         r,
			CalculatedHash: calc,
			ChainValid:     stillValid,
		})
		prev = r.StoredHash
	}
	return out
}

// ValidatedLedger is the consumer-side view handed to presentation layers.
type ValidatedLedger struct {
	Path      string
	Encrypted bool // content was read through the decrypt path
	Records   []ValidatedRecord
}

// Valid reports whether every record passed chain validation.
func (l *ValidatedLedger) Valid() bool {
	return l.FirstBreak() < 0
}

// FirstBreak returns the index of the first invalid record, or -1.
func (l *ValidatedLedger) FirstBreak() int {
	for i, r := range l.Records {
		if !r.ChainValid {
			return i
		}
	}
	return -1
}

// Raw returns the persisted part of every record.
func (l *ValidatedLedger) Raw() []Record {
	out := make([]Record, len(l.Records))
	for i, r := range l.Records {
		out[i] = r.Record
	}
	return out
}
