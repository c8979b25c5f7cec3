package cells

import "fmt"

// Field selects a numeric measurement from a record.
type Field func(Record) uint16

// Flag selects a boolean condition from a record.
type Flag func(Record) bool

// Measurement selectors.
var (
	Millivolts  Field = func(r Record) uint16 { return r.Millivolts }
	Temperature Field = func(r Record) uint16 { return r.Temperature }
)

// Condition selectors.
var (
	Balancing       Flag = func(r Record) bool { return r.Balancing }
	OverTemperature Flag = func(r Record) bool { return r.OverTemperature }
	OverVoltage     Flag = func(r Record) bool { return r.OverVoltage }
	UnderVoltage    Flag = func(r Record) bool { return r.UnderVoltage }
)

// BalancingState summarises how many cells are shedding charge. The values
// match the constants the monitor firmware uses.
type BalancingState uint8

const (
	BalancingNone BalancingState = 0
	BalancingSome BalancingState = 1
	BalancingAll  BalancingState = 3
)

func (b BalancingState) String() string {
	switch b {
	case BalancingNone:
		return "none"
	case BalancingSome:
		return "some"
	case BalancingAll:
		return "all"
	}
	return "unknown"
}

func (b BalancingState) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *BalancingState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "none":
		*b = BalancingNone
	case "some":
		*b = BalancingSome
	case "all":
		*b = BalancingAll
	default:
		return fmt.Errorf("cells: unknown balancing state %q", text)
	}
	return nil
}

// Extremum is a field value together with the chain position it came from.
type Extremum struct {
	Index int    `json:"index"`
	Value uint16 `json:"value"`
}

// Reduce folds step over field for every cell in chain order.
func Reduce[T any](s *Store, field Field, seed T, step func(acc T, index int, v uint16) T) (T, error) {
	if s.Len() == 0 {
		return seed, ErrEmptyStore
	}
	acc := seed
	for i, r := range s.records {
		acc = step(acc, i, field(r))
	}
	return acc, nil
}

// Mean returns the arithmetic mean of field.
func Mean(s *Store, field Field) (float64, error) {
	sum, err := Reduce(s, field, uint64(0), func(acc uint64, _ int, v uint16) uint64 {
		return acc + uint64(v)
	})
	if err != nil {
		return 0, err
	}
	return float64(sum) / float64(s.Len()), nil
}

// Max returns the largest value of field. Ties go to the lowest index.
func Max(s *Store, field Field) (Extremum, error) {
	return Reduce(s, field, Extremum{Index: -1}, func(acc Extremum, i int, v uint16) Extremum {
		if acc.Index < 0 || v > acc.Value {
			return Extremum{Index: i, Value: v}
		}
		return acc
	})
}

// Min returns the smallest value of field. Ties go to the lowest index.
func Min(s *Store, field Field) (Extremum, error) {
	return Reduce(s, field, Extremum{Index: -1}, func(acc Extremum, i int, v uint16) Extremum {
		if acc.Index < 0 || v < acc.Value {
			return Extremum{Index: i, Value: v}
		}
		return acc
	})
}

// Vector returns field for every cell in chain order.
func Vector(s *Store, field Field) ([]uint16, error) {
	return Reduce(s, field, make([]uint16, 0, s.Len()), func(acc []uint16, _ int, v uint16) []uint16 {
		return append(acc, v)
	})
}

func flagField(flag Flag) Field {
	return func(r Record) uint16 {
		if flag(r) {
			return 1
		}
		return 0
	}
}

// Count returns how many cells have flag set.
func Count(s *Store, flag Flag) (int, error) {
	return Reduce(s, flagField(flag), 0, func(acc int, _ int, v uint16) int {
		return acc + int(v)
	})
}

// Flags returns flag for every cell in chain order.
func Flags(s *Store, flag Flag) ([]bool, error) {
	return Reduce(s, flagField(flag), make([]bool, 0, s.Len()), func(acc []bool, _ int, v uint16) []bool {
		return append(acc, v != 0)
	})
}

// Balance reports whether no, some, or all cells are balancing.
func Balance(s *Store) (BalancingState, error) {
	n, err := Count(s, Balancing)
	if err != nil {
		return BalancingNone, err
	}
	switch {
	case n == 0:
		return BalancingNone, nil
	case n == s.Len():
		return BalancingAll, nil
	default:
		return BalancingSome, nil
	}
}

// FieldSummary is the mean and extremes of one measurement.
type FieldSummary struct {
	Mean float64  `json:"mean"`
	Max  Extremum `json:"max"`
	Min  Extremum `json:"min"`
}

// Summary is every aggregate a consumer of the chain normally needs.
type Summary struct {
	Cells           int            `json:"cells"`
	Millivolts      FieldSummary   `json:"millivolts"`
	Temperature     FieldSummary   `json:"temperature"`
	Balancing       int            `json:"balancing"`
	BalancingState  BalancingState `json:"balancingState"`
	OverVoltage     int            `json:"overVoltage"`
	UnderVoltage    int            `json:"underVoltage"`
	OverTemperature int            `json:"overTemperature"`
}

func summarizeField(s *Store, field Field) (FieldSummary, error) {
	var fs FieldSummary
	var err error
	if fs.Mean, err = Mean(s, field); err != nil {
		return fs, err
	}
	if fs.Max, err = Max(s, field); err != nil {
		return fs, err
	}
	fs.Min, err = Min(s, field)
	return fs, err
}

// Summarize computes all aggregates in one pass per statistic.
func Summarize(s *Store) (Summary, error) {
	sum := Summary{Cells: s.Len()}
	var err error
	if sum.Millivolts, err = summarizeField(s, Millivolts); err != nil {
		return sum, err
	}
	if sum.Temperature, err = summarizeField(s, Temperature); err != nil {
		return sum, err
	}
	if sum.Balancing, err = Count(s, Balancing); err != nil {
		return sum, err
	}
	if sum.BalancingState, err = Balance(s); err != nil {
		return sum, err
	}
	if sum.OverVoltage, err = Count(s, OverVoltage); err != nil {
		return sum, err
	}
	if sum.UnderVoltage, err = Count(s, UnderVoltage); err != nil {
		return sum, err
	}
	sum.OverTemperature, err = Count(s, OverTemperature)
	return sum, err
}
