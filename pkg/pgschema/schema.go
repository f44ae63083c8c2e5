// SPDX-License-Identifier: Apache-2.0

// Package pgschema represents the Schema Upserter's view of what a table
// actually looks like in Postgres right now: its physical columns, its key
// properties, its table-version, and the raw-name -> physical-column-name
// mappings recorded by past type splits (spec.md §3, "Remote-table
// metadata").
package pgschema

// Column is a single physical column as it exists in Postgres.
type Column struct {
	// Name is the physical column name in Postgres.
	Name string
	// SQLType is the column's declared Postgres type, e.g. "bigint".
	SQLType string
	// Nullable mirrors the column's NOT NULL constraint (or lack thereof).
	Nullable bool
}

// Table is the remote-table metadata side-channel described in spec.md §3:
// the backing-store table plus enough bookkeeping to drive schema
// evolution and version activation.
type Table struct {
	// Name is the table's current physical name in Postgres.
	Name string
	// Exists is false until the table has been created for the first time.
	Exists bool
	// Empty is true if the table currently holds zero rows, which governs
	// whether a newly added column can keep its declared nullability
	// (spec.md §4.5 rules 6 vs 7, 8 vs 9).
	Empty bool
	// KeyProperties are the stream's declared key properties at the time
	// the table was created.
	KeyProperties []string
	// Version is the table-version this table currently holds.
	Version int
	// Columns is keyed by physical column name.
	Columns map[string]*Column
	// Mappings records, for every raw (stream-declared) field name that
	// has ever been split or renamed, the physical column name(s) it is
	// currently stored under. A field with no entry is stored verbatim
	// under its canonicalized name.
	Mappings map[string][]string
}

// NewTable returns an empty, not-yet-existing Table metadata record.
func NewTable(name string) *Table {
	return &Table{
		Name:     name,
		Columns:  map[string]*Column{},
		Mappings: map[string][]string{},
	}
}

// GetColumn returns the column with the given physical name, or nil.
func (t *Table) GetColumn(name string) *Column {
	return t.Columns[name]
}

// AddColumn registers a new physical column.
func (t *Table) AddColumn(c *Column) {
	if t.Columns == nil {
		t.Columns = map[string]*Column{}
	}
	t.Columns[c.Name] = c
}

// MappedNames returns the physical column name(s) currently recorded for a
// raw field name, or nil if the field has never been mapped (i.e. it is
// stored verbatim).
func (t *Table) MappedNames(raw string) []string {
	return t.Mappings[raw]
}

// AddMapping records that raw is now (also) stored under physical.
func (t *Table) AddMapping(raw, physical string) {
	if t.Mappings == nil {
		t.Mappings = map[string][]string{}
	}
	for _, existing := range t.Mappings[raw] {
		if existing == physical {
			return
		}
	}
	t.Mappings[raw] = append(t.Mappings[raw], physical)
}

// ClearMapping removes every recorded mapping for raw, used when a type
// split replaces a single prior mapping with two new ones (spec.md §4.5
// rule 4a).
func (t *Table) ClearMapping(raw string) {
	delete(t.Mappings, raw)
}

// Meta is the JSON-serializable subset of Table persisted in the backing
// store's table-comment side channel.
type Meta struct {
	KeyProperties []string            `json:"key_properties"`
	Version       int                 `json:"version"`
	Mappings      map[string][]string `json:"mappings"`
}

// ToMeta extracts the persisted subset of t.
func (t *Table) ToMeta() Meta {
	return Meta{
		KeyProperties: t.KeyProperties,
		Version:       t.Version,
		Mappings:      t.Mappings,
	}
}

// ApplyMeta installs previously persisted metadata onto t.
func (t *Table) ApplyMeta(m Meta) {
	t.KeyProperties = m.KeyProperties
	t.Version = m.Version
	if m.Mappings == nil {
		m.Mappings = map[string][]string{}
	}
	t.Mappings = m.Mappings
}
