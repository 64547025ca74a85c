package shipledger

import (
	"errors"
	"os"
)

// DefaultLedgerFile is the file a consumer opens when none is given.
const DefaultLedgerFile = "data/transactions_valid.json.enc"

// Loader reads ledger files in either persisted format.
type Loader struct {
	Envelope Envelope
}

// NewLoader returns a Loader using the compiled-in envelope secret.
func NewLoader() *Loader {
	return &Loader{Envelope: DefaultEnvelope()}
}

// Load reads path and validates its chain with the default Loader.
func Load(path string) (*ValidatedLedger, error) {
	return NewLoader().Load(path)
}

// LoadBytes validates an in-memory ledger file with the default Loader.
func LoadBytes(data []byte) (*ValidatedLedger, error) {
	return NewLoader().LoadBytes(data)
}

// Load reads path and returns its validated ledger. A broken chain is not an
// error: it is reported through ValidatedRecord.ChainValid.
func (l *Loader) Load(path string) (*ValidatedLedger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, newError(KindIO, "load", path, "file not found", err)
		}
		return nil, newError(KindIO, "load", path, "cannot read file", err)
	}
	vl, err := l.LoadBytes(data)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.Path = path
		}
		return nil, err
	}
	vl.Path = path
	return vl, nil
}

// LoadBytes tries the plaintext format first and only then the envelope.
func (l *Loader) LoadBytes(data []byte) (*ValidatedLedger, error) {
	records, err := Unmarshal(data)
	if err == nil {
		return &ValidatedLedger{Records: ValidateChain(records)}, nil
	}

	plain, err := l.Envelope.Open(data)
	if err != nil {
		return nil, newError(KindFormat, "load", "",
			"content is neither valid JSON nor a decryptable AES-256 envelope", err)
	}
	records, err = Unmarshal(plain)
	if err != nil {
		return nil, newError(KindFormat, "load", "", "decrypted payload is corrupt", err)
	}
	return &ValidatedLedger{Encrypted: true, Records: ValidateChain(records)}, nil
}
