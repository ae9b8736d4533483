// Package pricebook provides a read-mostly resource-type to unit-price
// table with atomic reload, modeled on the teacher's policyloader
// directory-scanning bundle loader.
package pricebook

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/mandatekernel/authority-core/pkg/contracts"
)

// ErrUnknownResource is returned when a resource type has no price
// entry.
var ErrUnknownResource = fmt.Errorf("pricebook: unknown resource type")

// Entry is a single priced resource type.
type Entry struct {
	ResourceType string          `json:"resource_type"`
	UnitPrice    contracts.Money `json:"unit_price"`
}

// Book is a lock-free-reads resource price table.
type Book struct {
	prices atomic.Pointer[map[string]contracts.Money]
}

// New returns an empty Book.
func New() *Book {
	b := &Book{}
	empty := map[string]contracts.Money{}
	b.prices.Store(&empty)
	return b
}

// LoadFile reads a JSON array of Entry from path and atomically swaps it
// in as the active price table.
func (b *Book) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pricebook: read %s: %w", path, err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("pricebook: parse %s: %w", path, err)
	}
	table := make(map[string]contracts.Money, len(entries))
	for _, e := range entries {
		table[e.ResourceType] = e.UnitPrice
	}
	b.prices.Store(&table)
	return nil
}

// Price returns the current unit price for resourceType.
func (b *Book) Price(resourceType string) (contracts.Money, error) {
	table := *b.prices.Load()
	price, ok := table[resourceType]
	if !ok {
		return contracts.Money{}, fmt.Errorf("%w: %s", ErrUnknownResource, resourceType)
	}
	return price, nil
}

// Set installs a single price, useful for tests and programmatic seeding
// without a file round-trip. It copies the current table, mutates the
// copy, then atomically swaps it in.
func (b *Book) Set(resourceType string, price contracts.Money) {
	old := *b.prices.Load()
	next := make(map[string]contracts.Money, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[resourceType] = price
	b.prices.Store(&next)
}
