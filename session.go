package shipledger

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
)

// DefaultExportName is the plaintext file name suggested to producers.
const DefaultExportName = "transactions_generated.json"

var articlePattern = regexp.MustCompile(`^\d{10}$`)

// Session is the producer side: it accepts transactions one at a time, chains
// each to the stored hash of the previous one and exports the result.
type Session struct {
	id       string
	records  []Record
	store    Store
	envelope Envelope
	now      func() time.Time
	logger   log.Logger
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithStore journals every appended record to st. Records already in st are
// loaded when the session is created, so the chain continues where it stopped.
func WithStore(st Store) SessionOption {
	return func(s *Session) { s.store = st }
}

// WithClock overrides the time source used for omitted timestamps.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// WithEnvelope overrides the secret used by Export.
func WithEnvelope(e Envelope) SessionOption {
	return func(s *Session) { s.envelope = e }
}

// WithLogger sets the logger; the default discards everything.
func WithLogger(l log.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession creates a producer session. Without a store it starts empty.
func NewSession(opts ...SessionOption) (*Session, error) {
	s := &Session{
		id:       uuid.New().String(),
		envelope: DefaultEnvelope(),
		now:      time.Now,
		logger:   log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.With(s.logger, "session", s.id)

	if s.store != nil {
		recs, err := readAll(s.store)
		if err != nil {
			return nil, newError(KindIO, "resume", "", "cannot read journal", err)
		}
		s.records = recs
		if len(recs) > 0 {
			level.Info(s.logger).Log("msg", "resumed session", "records", len(recs))
		}
	}
	return s, nil
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Len returns the number of records appended so far.
func (s *Session) Len() int { return len(s.records) }

// Records returns a copy of the session's records.
func (s *Session) Records() []Record {
	return append([]Record(nil), s.records...)
}

// Append validates the input, links it to the previous stored hash and
// appends it. A zero timestamp means "now".
func (s *Session) Append(article string, quantity int, timestamp int64) (Record, error) {
	article = strings.TrimSpace(article)
	if !articlePattern.MatchString(article) {
		return Record{}, newError(KindInput, "append", "", "article must be exactly 10 digits", nil)
	}
	if quantity <= 0 {
		return Record{}, newError(KindInput, "append", "", "quantity must be a positive integer", nil)
	}
	if timestamp < 0 {
		return Record{}, newError(KindInput, "append", "", "timestamp must be a positive unix time", nil)
	}
	if timestamp == 0 {
		timestamp = s.now().Unix()
	}

	rec := Link(s.records, article, quantity, timestamp)

	if s.store != nil {
		if err := s.store.Append(uint64(len(s.records)+1), rec); err != nil {
			return Record{}, newError(KindIO, "append", "", "cannot journal record", err)
		}
	}
	s.records = append(s.records, rec)

	level.Debug(s.logger).Log("msg", "appended", "index", len(s.records), "article", article, "hash", rec.StoredHash)
	return rec, nil
}

// AppendText parses the textual form a presentation layer collects. An empty
// timestamp means "now".
func (s *Session) AppendText(article, quantity, timestamp string) (Record, error) {
	if !articlePattern.MatchString(strings.TrimSpace(article)) {
		return Record{}, newError(KindInput, "append", "", "article must be exactly 10 digits", nil)
	}
	q, err := strconv.Atoi(strings.TrimSpace(quantity))
	if err != nil || q <= 0 {
		return Record{}, newError(KindInput, "append", "", "quantity must be a positive integer", nil)
	}
	var ts int64
	if t := strings.TrimSpace(timestamp); t != "" {
		ts, err = strconv.ParseInt(t, 10, 64)
		if err != nil || ts <= 0 {
			return Record{}, newError(KindInput, "append", "", "timestamp must be a positive unix time or empty", nil)
		}
	}
	return s.Append(article, q, ts)
}

// Reset empties the session and its journal.
func (s *Session) Reset() error {
	if s.store != nil {
		if err := s.store.Reset(); err != nil {
			return newError(KindIO, "reset", "", "cannot clear journal", err)
		}
	}
	s.records = nil
	level.Info(s.logger).Log("msg", "session reset")
	return nil
}

// Export writes the plaintext ledger to path and the sealed copy next to it
// with EncryptedSuffix appended.
func (s *Session) Export(path string) (plainPath, encPath string, err error) {
	if len(s.records) == 0 {
		return "", "", newError(KindInput, "export", path, "nothing to export", ErrEmptyLedger)
	}
	plain, err := Marshal(s.records)
	if err != nil {
		return "", "", err
	}
	if err := writeFile(path, plain); err != nil {
		return "", "", newError(KindIO, "export", path, "write failed", err)
	}

	sealed, err := s.envelope.Seal(plain)
	if err != nil {
		return "", "", newError(KindIO, "export", path, "seal failed", err)
	}
	encPath = path + EncryptedSuffix
	if err := writeFile(encPath, sealed); err != nil {
		return "", "", newError(KindIO, "export", encPath, "write failed", err)
	}

	level.Info(s.logger).Log("msg", "exported", "records", len(s.records), "plain", path, "sealed", encPath)
	return path, encPath, nil
}

// writeFile truncates path and writes data, failing on short writes.
func writeFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	n, err := f.Write(data)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("write: %w", err)
	}
	if n != len(data) {
		_ = f.Close()
		return fmt.Errorf("incomplete write: %d of %d bytes", n, len(data))
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync: %w", err)
	}
	return f.Close()
}
