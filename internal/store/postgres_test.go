package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSchemaHasNoParentForeignKeys(t *testing.T) {
	// The persister writes child rows before their parent document, so a
	// foreign key from any child table to its parent would reject every
	// first-time insert on a fresh database.
	for _, stmt := range schemaStmts {
		assert.NotContains(t, stmt, "REFERENCES")
	}
}
