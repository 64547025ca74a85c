package shipledger

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// wireRecord is the persisted JSON shape. Only these four fields are written.
type wireRecord struct {
	Article   string `json:"article"`
	Quantity  int    `json:"quantity"`
	Timestamp int64  `json:"timestamp"`
	Hash      string `json:"hash"`
}

// Marshal renders records as an indented JSON array.
func Marshal(records []Record) ([]byte, error) {
	wire := make([]wireRecord, len(records))
	for i, r := range records {
		wire[i] = wireRecord{
			Article:   r.Article,
			Quantity:  r.Quantity,
			Timestamp: r.Timestamp,
			Hash:      r.StoredHash,
		}
	}
	data, err := json.MarshalIndent(wire, "", "    ")
	if err != nil {
		return nil, newError(KindFormat, "marshal", "", "encode ledger", err)
	}
	return append(data, '\n'), nil
}

// Unmarshal parses a JSON array of records.
//
// The top level must be an array. Elements that are not objects are skipped,
// missing or mistyped fields take their zero value and unknown fields are
// ignored.
func Unmarshal(data []byte) ([]Record, error) {
	var items []json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&items); err != nil {
		return nil, newError(KindFormat, "unmarshal", "", "not a JSON array", err)
	}
	if dec.More() {
		return nil, newError(KindFormat, "unmarshal", "", "trailing data after JSON array", nil)
	}
	if items == nil {
		// literal null
		return nil, newError(KindFormat, "unmarshal", "", "not a JSON array", nil)
	}

	out := make([]Record, 0, len(items))
	for _, raw := range items {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '{' {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		out = append(out, Record{
			Article:    stringField(obj["article"]),
			Quantity:   int(intField(obj["quantity"], false)),
			Timestamp:  intField(obj["timestamp"], true),
			StoredHash: stringField(obj["hash"]),
		})
	}
	return out, nil
}

func stringField(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// intField converts an integral JSON number. With allowString, decimal
// strings are accepted too. Anything else yields 0.
func intField(raw json.RawMessage, allowString bool) int64 {
	if len(raw) == 0 {
		return 0
	}
	if raw[0] != '"' {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0
		}
		if v, err := n.Int64(); err == nil {
			return v
		}
		if f, err := n.Float64(); err == nil && f == math.Trunc(f) &&
			f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f)
		}
		return 0
	}
	if !allowString {
		return 0
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
