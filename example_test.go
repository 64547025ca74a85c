package shipledger_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/karasz/shipledger"
)

// A producer journals every record so a crashed session can continue, then
// exports the plaintext ledger and its sealed copy.
func ExampleSession_Export() {
	dir, _ := os.MkdirTemp("", "shipledger-example-*")
	defer os.RemoveAll(dir)

	// OpenSQLiteStore(dsn) works the same way.
	store, err := shipledger.OpenFileStore(filepath.Join(dir, "journal"))
	if err != nil {
		fmt.Println(err)
		return
	}
	defer store.Close()

	s, _ := shipledger.NewSession(shipledger.WithStore(store))
	_, _ = s.Append("1234567890", 5, 1000)
	_, _ = s.Append("1234567890", 3, 2000)

	_, encPath, err := s.Export(filepath.Join(dir, shipledger.DefaultExportName))
	if err != nil {
		fmt.Println(err)
		return
	}

	l, _ := shipledger.Load(encPath)
	fmt.Println(len(l.Records), l.Encrypted, l.Valid())
	// Output: 2 true true
}

func ExampleLoadBytes() {
	ledger := []byte(`[
  {"article":"1234567890","quantity":5,"timestamp":1000,"hash":"05RqXOrki3jID/Zf29EojA=="},
  {"article":"1234567890","quantity":4,"timestamp":2000,"hash":"yjlwywCqelQrUvdDkI3XAw=="}
]`)
	l, err := shipledger.LoadBytes(ledger)
	if err != nil {
		fmt.Println(err)
		return
	}
	for _, r := range l.Records {
		fmt.Println(r.Article, r.Quantity, r.ChainValid)
	}
	// Output:
	// 1234567890 5 true
	// 1234567890 4 false
}

// Verification can run as a separate service; the client speaks protobuf.
func ExampleClient_Verify() {
	ts := httptest.NewServer(shipledger.NewServer(nil).Handler())
	defer ts.Close()

	plain, _ := shipledger.Marshal([]shipledger.Record{
		shipledger.Link(nil, "1234567890", 5, 1000),
	})
	sealed, _ := shipledger.DefaultEnvelope().Seal(plain)

	l, err := shipledger.NewClient(ts.URL).Verify(context.Background(), sealed)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(l.Records[0].StoredHash, l.Encrypted, l.Valid())
	// Output: 05RqXOrki3jID/Zf29EojA== true true
}
