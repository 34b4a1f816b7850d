// Package translate implements the forwarder's static host-name translation
// table: a build-time list of (name, replacement) pairs, sorted once at
// startup, looked up by exact-match binary search.
package translate

import "sort"

// Entry is a single translation rule: requests for Name are rewritten to
// Replacement before the outbound CONNECT is issued.
type Entry struct {
	Name        string
	Replacement string
}

// defaultTable mirrors the original forwarder's build-time constant list.
// TODO: add more translation addresses here.
var defaultTable = []Entry{
	{Name: "pop.riseup.net", Replacement: "5gdvpfoh6kb2iqbizb37lzk2ddzrwa47m6rpdueg2m656fovmbhoptqd.onion"},
	{Name: "smtp.riseup.net", Replacement: "5gdvpfoh6kb2iqbizb37lzk2ddzrwa47m6rpdueg2m656fovmbhoptqd.onion"},
}

// Table is an immutable, sorted translation table. The zero value is not
// usable; construct one with New.
type Table struct {
	entries []Entry
}

// New builds a Table from entries, sorting a private copy lexicographically
// by Name. entries is never mutated or retained.
func New(entries []Entry) *Table {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return &Table{entries: sorted}
}

// Default returns the table loaded from the compiled-in translation list.
func Default() *Table {
	return New(defaultTable)
}

// Translate returns the replacement for name if one is registered, else name
// unchanged. Lookup is exact-match binary search, matching the original
// forwarder's bsearch-equivalent loop.
func (t *Table) Translate(name string) string {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Name >= name })
	if i < len(t.entries) && t.entries[i].Name == name {
		return t.entries[i].Replacement
	}
	return name
}
