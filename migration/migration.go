// This package defines the migration type consumed by the internal/db migrator.
package migration

import "database/sql"

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
