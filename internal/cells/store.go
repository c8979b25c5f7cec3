// Package cells holds the per-cell readings of one monitor chain and the
// statistics derived from them.
package cells

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shaunagostinho/cellbus/internal/fec"
)

var (
	// ErrIndexOutOfRange means a chain position beyond the configured length.
	ErrIndexOutOfRange = errors.New("cells: index out of range")
	// ErrEmptyStore means the store was configured with zero cells.
	ErrEmptyStore = errors.New("cells: store has no cells")
)

// Store is a fixed-length, chain-ordered set of cell records. Index 0 is the
// monitor nearest the controller. A Store is not safe for concurrent use;
// the bus controller owns it and hands out clones.
type Store struct {
	records []Record
}

// NewStore allocates n zeroed records. Negative n is treated as zero.
func NewStore(n int) *Store {
	if n < 0 {
		n = 0
	}
	return &Store{records: make([]Record, n)}
}

// Len returns the configured chain length.
func (s *Store) Len() int { return len(s.records) }

// Apply unpacks a response payload into the record at index.
func (s *Store) Apply(index int, p fec.Payload) error {
	return s.Set(index, Unpack(p))
}

// Set overwrites the record at index.
func (s *Store) Set(index int, r Record) error {
	if index < 0 || index >= len(s.records) {
		return fmt.Errorf("%w: %d (cells=%d)", ErrIndexOutOfRange, index, len(s.records))
	}
	s.records[index] = r
	return nil
}

// At returns the record at index.
func (s *Store) At(index int) (Record, error) {
	if index < 0 || index >= len(s.records) {
		return Record{}, fmt.Errorf("%w: %d (cells=%d)", ErrIndexOutOfRange, index, len(s.records))
	}
	return s.records[index], nil
}

// Records returns a copy of all records in chain order.
func (s *Store) Records() []Record {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Reset zeroes every record without changing the length.
func (s *Store) Reset() {
	for i := range s.records {
		s.records[i] = Record{}
	}
}

// Clone returns an independent copy.
func (s *Store) Clone() *Store {
	return &Store{records: s.Records()}
}

func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.records)
}

func (s *Store) UnmarshalJSON(data []byte) error {
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return err
	}
	s.records = recs
	return nil
}
