package econ

import (
	"fmt"
	"sync/atomic"
)

// FXTable is an immutable snapshot of exchange rates. Rates are expressed as
// units of the base currency per unit of the quoted currency.
type FXTable struct {
	Base  string
	Rates map[string]float64
}

// Rate returns the rate for code, treating the base currency as 1.
func (t *FXTable) Rate(code string) (float64, error) {
	if code == t.Base {
		return 1, nil
	}
	r, ok := t.Rates[code]
	if !ok || r <= 0 {
		return 0, fmt.Errorf("econ: no fx rate for %q", code)
	}
	return r, nil
}

// FXStore holds the current rate table. Swaps are atomic so that readers
// always observe one consistent snapshot.
type FXStore struct {
	table atomic.Pointer[FXTable]
}

func NewFXStore(base string, rates map[string]float64) *FXStore {
	s := &FXStore{}
	s.Replace(base, rates)
	return s
}

// Replace installs a new snapshot. The old table stays valid for readers
// that already hold it.
func (s *FXStore) Replace(base string, rates map[string]float64) {
	cp := make(map[string]float64, len(rates))
	for k, v := range rates {
		cp[k] = v
	}
	cp[base] = 1
	s.table.Store(&FXTable{Base: base, Rates: cp})
}

func (s *FXStore) Snapshot() *FXTable {
	return s.table.Load()
}
