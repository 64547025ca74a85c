package shipledger

// Entry is a journaled record with its 1-based position in the session.
type Entry struct {
	Index uint64
	Record
}

// Store persists an in-progress producer session so it survives restarts.
type Store interface {
	// Append writes r at idx; idx must be exactly one past the current tail.
	Append(idx uint64, r Record) error
	// Iter streams entries with Index >= startIdx in ascending order. The
	// returned func stops the stream and reports any error that ended it early.
	Iter(startIdx uint64) (<-chan Entry, func() error, error)
	// Tail returns the last entry, if any.
	Tail() (Entry, bool, error)
	// Reset discards every entry.
	Reset() error
	Close() error
}

// readAll drains st from the first entry.
func readAll(st Store) ([]Record, error) {
	ch, done, err := st.Iter(1)
	if err != nil {
		return nil, err
	}
	var out []Record
	for e := range ch {
		out = append(out, e.Record)
	}
	if err := done(); err != nil {
		return nil, err
	}
	return out, nil
}
