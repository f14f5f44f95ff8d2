package generator

import (
	"fmt"

	"github.com/dyluth/cipher/pkg/cipher"
)

// Weighted pairs a value with its relative draw weight.
type Weighted[T any] struct {
	Value  T
	Weight float64
}

// Table draws values in proportion to their weights.
type Table[T any] struct {
	entries []Weighted[T]
	total   float64
}

// NewTable builds a table. Weights must be non-negative with a positive sum.
func NewTable[T any](entries ...Weighted[T]) (*Table[T], error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("weight table cannot be empty")
	}
	var total float64
	for _, e := range entries {
		if e.Weight < 0 {
			return nil, fmt.Errorf("weight for %v must be >= 0", e.Value)
		}
		total += e.Weight
	}
	if total <= 0 {
		return nil, fmt.Errorf("weights must sum to a positive value")
	}
	return &Table[T]{entries: entries, total: total}, nil
}

// Pick maps r in [0, 1) onto the table.
func (t *Table[T]) Pick(r float64) T {
	target := r * t.total
	var acc float64
	for _, e := range t.entries {
		acc += e.Weight
		if target < acc {
			return e.Value
		}
	}
	return t.entries[len(t.entries)-1].Value
}

// Default draw weights.
var (
	DefaultDifficultyWeights = map[cipher.Difficulty]float64{
		cipher.DifficultyEasy:   50,
		cipher.DifficultyMedium: 35,
		cipher.DifficultyHard:   15,
	}
	DefaultFormatWeights = map[cipher.Format]float64{
		cipher.FormatText:  60,
		cipher.FormatImage: 25,
		cipher.FormatAudio: 15,
	}
)

// DifficultyTable builds a table from configured weights. Keys must be known
// difficulties; missing difficulties get weight 0. A nil map uses the defaults.
func DifficultyTable(weights map[cipher.Difficulty]float64) (*Table[cipher.Difficulty], error) {
	if weights == nil {
		weights = DefaultDifficultyWeights
	}
	for d := range weights {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}
	entries := make([]Weighted[cipher.Difficulty], 0, len(cipher.Difficulties))
	for _, d := range cipher.Difficulties {
		entries = append(entries, Weighted[cipher.Difficulty]{Value: d, Weight: weights[d]})
	}
	return NewTable(entries...)
}

// FormatTable builds a table from configured weights. A nil map uses the defaults.
func FormatTable(weights map[cipher.Format]float64) (*Table[cipher.Format], error) {
	if weights == nil {
		weights = DefaultFormatWeights
	}
	for f := range weights {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	entries := make([]Weighted[cipher.Format], 0, len(cipher.Formats))
	for _, f := range cipher.Formats {
		entries = append(entries, Weighted[cipher.Format]{Value: f, Weight: weights[f]})
	}
	return NewTable(entries...)
}
