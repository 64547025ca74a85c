package shipledger

import (
	"testing"
)

const (
	h0 = "05RqXOrki3jID/Zf29EojA=="
	h1 = "yjlwywCqelQrUvdDkI3XAw=="
)

func sampleRecords() []Record {
	return []Record{
		{Article: "1234567890", Quantity: 5, Timestamp: 1000, StoredHash: h0},
		{Article: "1234567890", Quantity: 3, Timestamp: 2000, StoredHash: h1},
	}
}

func TestComputeHashVectors(t *testing.T) {
	tests := []struct {
		article  string
		quantity int
		ts       int64
		prev     string
		want     string
	}{
		{"1234567890", 5, 1000, "", h0},
		{"1234567890", 3, 2000, h0, h1},
		{"1234567890", 4, 2000, h0, "9Ys9PXYDPdBjh7DsRso53g=="},
		{"0987654321", 7, 3000, h1, "YYRqlM2PytCwtkjAWlOU5A=="},
	}
	for _, tt := range tests {
		if got := ComputeHash(tt.article, tt.quantity, tt.ts, tt.prev); got != tt.want {
			t.Errorf("ComputeHash(%q,%d,%d,%q) = %q, want %q", tt.article, tt.quantity, tt.ts, tt.prev, got, tt.want)
		}
	}
}

func TestValidateChainIntact(t *testing.T) {
	got := ValidateChain(sampleRecords())
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	for i, r := range got {
		if !r.ChainValid {
			t.Errorf("record %d invalid", i)
		}
		if r.CalculatedHash != r.StoredHash {
			t.Errorf("record %d: calculated %q, stored %q", i, r.CalculatedHash, r.StoredHash)
		}
	}
}

func TestValidateChainTamperedQuantity(t *testing.T) {
	recs := sampleRecords()
	recs[1].Quantity = 4

	got := ValidateChain(recs)
	if !got[0].ChainValid {
		t.Error("first record should stay valid")
	}
	if got[1].ChainValid {
		t.Error("second record should be invalid")
	}
	if got[1].CalculatedHash != "9Ys9PXYDPdBjh7DsRso53g==" {
		t.Errorf("calculated = %q", got[1].CalculatedHash)
	}
}

func TestValidateChainPoisonsSuffix(t *testing.T) {
	var recs []Record
	for i := 0; i < 6; i++ {
		recs = append(recs, Link(recs, "1234567890", i+1, int64(1000*(i+1))))
	}
	recs[2].Timestamp++

	got := ValidateChain(recs)
	for i, r := range got {
		want := i < 2
		if r.ChainValid != want {
			t.Errorf("record %d: valid = %v, want %v", i, r.ChainValid, want)
		}
	}
	// Later records still link to the stored hash of their predecessor.
	for i := 3; i < len(got); i++ {
		if got[i].CalculatedHash != got[i].StoredHash {
			t.Errorf("record %d: recalculated hash should match its stored hash", i)
		}
	}
}

func TestValidateChainSingleFieldEdit(t *testing.T) {
	const k = 3
	tests := []struct {
		name string
		edit func(*Record)
	}{
		{"article", func(r *Record) { r.Article = "0000000000" }},
		{"quantity", func(r *Record) { r.Quantity++ }},
		{"timestamp", func(r *Record) { r.Timestamp-- }},
		{"stored hash", func(r *Record) { r.StoredHash = h0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var recs []Record
			for i := 0; i < 7; i++ {
				recs = append(recs, Link(recs, "1234567890", i+1, int64(1000*(i+1))))
			}
			tt.edit(&recs[k])

			l := &ValidatedLedger{Records: ValidateChain(recs)}
			for i, r := range l.Records {
				if want := i < k; r.ChainValid != want {
					t.Errorf("record %d: valid = %v, want %v", i, r.ChainValid, want)
				}
			}
			if l.FirstBreak() != k {
				t.Errorf("FirstBreak = %d, want %d", l.FirstBreak(), k)
			}
		})
	}
}

func TestValidateChainEmpty(t *testing.T) {
	if got := ValidateChain(nil); len(got) != 0 {
		t.Fatalf("got %d records", len(got))
	}
	l := &ValidatedLedger{}
	if !l.Valid() || l.FirstBreak() != -1 {
		t.Error("empty ledger should be valid")
	}
}

func TestLinkUsesStoredHash(t *testing.T) {
	recs := []Record{{Article: "1234567890", Quantity: 5, Timestamp: 1000, StoredHash: "forged"}}
	next := Link(recs, "1234567890", 3, 2000)
	if want := ComputeHash("1234567890", 3, 2000, "forged"); next.StoredHash != want {
		t.Errorf("Link hash = %q, want %q", next.StoredHash, want)
	}
	first := Link(nil, "1234567890", 5, 1000)
	if first.StoredHash != h0 {
		t.Errorf("first link = %q, want %q", first.StoredHash, h0)
	}
}

func TestValidatedLedgerHelpers(t *testing.T) {
	recs := sampleRecords()
	recs[0].Article = "1111111111"
	l := &ValidatedLedger{Records: ValidateChain(recs)}
	if l.Valid() {
		t.Error("ledger should be invalid")
	}
	if l.FirstBreak() != 0 {
		t.Errorf("FirstBreak = %d, want 0", l.FirstBreak())
	}
	raw := l.Raw()
	if len(raw) != 2 || raw[0] != recs[0] || raw[1] != recs[1] {
		t.Errorf("Raw = %+v", raw)
	}
}
