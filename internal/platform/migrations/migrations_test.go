package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmbeddedMigrationFilesArePaired(t *testing.T) {
	entries, err := files.ReadDir("sql")
	assert.NoError(t, err)
	assert.NotEmpty(t, entries)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case len(name) > 7 && name[len(name)-7:] == ".up.sql":
			ups[name[:len(name)-7]] = true
		case len(name) > 9 && name[len(name)-9:] == ".down.sql":
			downs[name[:len(name)-9]] = true
		}
	}

	for version := range ups {
		assert.Truef(t, downs[version], "missing down migration for %s", version)
	}
	for version := range downs {
		assert.Truef(t, ups[version], "missing up migration for %s", version)
	}
}
