package shipledger

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Validated ledgers travel as google.protobuf.Struct so no generated code is
// needed on either side. Integers are sent as decimal strings because Struct
// numbers are doubles.

// ToProtoRecord converts a validated record to a protobuf Struct.
func ToProtoRecord(r ValidatedRecord) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"article":         structpb.NewStringValue(r.Article),
		"quantity":        structpb.NewStringValue(strconv.Itoa(r.Quantity)),
		"timestamp":       structpb.NewStringValue(strconv.FormatInt(r.Timestamp, 10)),
		"shipped_at":      structpb.NewStringValue(time.Unix(r.Timestamp, 0).UTC().Format(time.RFC3339)),
		"hash":            structpb.NewStringValue(r.StoredHash),
		"calculated_hash": structpb.NewStringValue(r.CalculatedHash),
		"chain_valid":     structpb.NewBoolValue(r.ChainValid),
	}}
}

// FromProtoRecord converts a protobuf Struct back to a validated record.
func FromProtoRecord(p *structpb.Struct) (ValidatedRecord, error) {
	var r ValidatedRecord
	if p == nil {
		return r, fmt.Errorf("nil record")
	}
	f := p.GetFields()

	var err error
	if r.Article, err = protoString(f, "article"); err != nil {
		return r, err
	}
	if r.StoredHash, err = protoString(f, "hash"); err != nil {
		return r, err
	}
	if r.CalculatedHash, err = protoString(f, "calculated_hash"); err != nil {
		return r, err
	}
	q, err := protoInt(f, "quantity")
	if err != nil {
		return r, err
	}
	r.Quantity = int(q)
	if r.Timestamp, err = protoInt(f, "timestamp"); err != nil {
		return r, err
	}
	v, ok := f["chain_valid"]
	if !ok {
		return r, fmt.Errorf("missing field chain_valid")
	}
	if _, isBool := v.GetKind().(*structpb.Value_BoolValue); !isBool {
		return r, fmt.Errorf("field chain_valid: expected bool")
	}
	r.ChainValid = v.GetBoolValue()
	return r, nil
}

// ToProtoLedger converts a validated ledger to a protobuf Struct.
func ToProtoLedger(l *ValidatedLedger) *structpb.Struct {
	recs := make([]*structpb.Value, len(l.Records))
	for i, r := range l.Records {
		recs[i] = structpb.NewStructValue(ToProtoRecord(r))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"path":        structpb.NewStringValue(l.Path),
		"encrypted":   structpb.NewBoolValue(l.Encrypted),
		"valid":       structpb.NewBoolValue(l.Valid()),
		"first_break": structpb.NewNumberValue(float64(l.FirstBreak())),
		"records":     structpb.NewListValue(&structpb.ListValue{Values: recs}),
	}}
}

// FromProtoLedger converts a protobuf Struct back to a validated ledger.
func FromProtoLedger(p *structpb.Struct) (*ValidatedLedger, error) {
	if p == nil {
		return nil, fmt.Errorf("nil ledger")
	}
	f := p.GetFields()
	l := &ValidatedLedger{
		Path:      f["path"].GetStringValue(),
		Encrypted: f["encrypted"].GetBoolValue(),
	}
	list := f["records"].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("missing field records")
	}
	for i, v := range list.GetValues() {
		r, err := FromProtoRecord(v.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		l.Records = append(l.Records, r)
	}
	return l, nil
}

func protoString(f map[string]*structpb.Value, name string) (string, error) {
	v, ok := f[name]
	if !ok {
		return "", fmt.Errorf("missing field %s", name)
	}
	if _, isString := v.GetKind().(*structpb.Value_StringValue); !isString {
		return "", fmt.Errorf("field %s: expected string", name)
	}
	return v.GetStringValue(), nil
}

// protoInt reads a decimal string, or a number small enough to be exact.
func protoInt(f map[string]*structpb.Value, name string) (int64, error) {
	v, ok := f[name]
	if !ok {
		return 0, fmt.Errorf("missing field %s", name)
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(k.StringValue, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %s: %q is not an integer", name, k.StringValue)
		}
		return n, nil
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, fmt.Errorf("field %s: %v is not an exact integer", name, n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("field %s: expected integer", name)
	}
}
