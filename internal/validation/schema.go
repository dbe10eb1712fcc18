// Package validation runs pre-flight checks over a schema.Descriptor before
// Init or PullFrom commit to it: small validators composed with Chain,
// first error wins.
package validation

import (
	"fmt"

	"github.com/synqlite/synqlite/internal/schema"
)

// Validator checks one property of desc.
type Validator func(desc *schema.Descriptor) error

// Chain composes validators into one, running them in order and stopping
// at the first error.
func Chain(validators ...Validator) Validator {
	return func(desc *schema.Descriptor) error {
		for _, v := range validators {
			if err := v(desc); err != nil {
				return err
			}
		}
		return nil
	}
}

// Default is the validator set Init and PullFrom run before doing anything
// else: every foreign key must reference a table synqlite also tracks
// (schema.Introspect already rejects WITHOUT ROWID tables, a shadowed
// rowid column, and SET DEFAULT actions, so those aren't repeated here),
// and every unique index's columns must actually exist on its table.
func Default() Validator {
	return Chain(
		ForeignKeysReferenceKnownTables(),
		UniqueIndexColumnsExist(),
	)
}

// ForeignKeysReferenceKnownTables rejects a foreign key pointing at a table
// synqlite did not introspect — most commonly a table outside the schema
// being replicated, which the merge engine has no shadow log for and so
// could never resolve a cascade or restrict rule against.
func ForeignKeysReferenceKnownTables() Validator {
	return func(desc *schema.Descriptor) error {
		for _, t := range desc.Tables {
			for _, fk := range t.ForeignKeys {
				if _, ok := desc.Table(fk.RefTable); !ok {
					return fmt.Errorf("table %q has a foreign key to %q, which is not part of the replicated schema", t.Name, fk.RefTable)
				}
			}
		}
		return nil
	}
}

// UniqueIndexColumnsExist guards against a stale or partial index
// definition where PRAGMA index_info reports a column name that table_info
// never saw — defensive against sqlite_master/PRAGMA disagreeing mid
// schema migration, which would otherwise make R4 silently skip the index.
func UniqueIndexColumnsExist() Validator {
	return func(desc *schema.Descriptor) error {
		for _, t := range desc.Tables {
			known := map[string]bool{}
			for _, c := range t.Columns {
				known[c.Name] = true
			}
			for _, uq := range t.UniqueIndexes {
				for _, col := range uq.Columns {
					if !known[col] {
						return fmt.Errorf("table %q unique index %q references unknown column %q", t.Name, uq.Name, col)
					}
				}
			}
		}
		return nil
	}
}
