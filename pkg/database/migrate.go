package database

import (
	"database/sql"
	"fmt"
	"sort"

	dbsql "github.com/Wundero/sinkr/pkg/database/sql"
	"github.com/Wundero/sinkr/pkg/logging"
)

// ApplySchema executes the embedded schema files in lexical order. All
// statements are idempotent so this is safe to run at every boot.
func ApplySchema(db *sql.DB, logger logging.Logger) error {
	entries, err := dbsql.Content.ReadDir("schema")
	if err != nil {
		return fmt.Errorf("failed to read embedded schema: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := dbsql.Content.ReadFile("schema/" + name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to apply %s: %w", name, err)
		}
		logger.WithField("file", name).Debug("Applied schema file")
	}

	return nil
}
