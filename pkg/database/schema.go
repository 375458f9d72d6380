package database

import (
	"database/sql"
	"fmt"
	"strings"
)

// SchemaValidator checks that a database carries the tables and columns the
// access store queries. It is run against files shared with the CRUD
// service, whose schema tripsync does not control.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a validator for db
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// requiredColumns lists, per table, the columns the access store reads
var requiredColumns = map[string][]string{
	"trips":              {"id", "user_id"},
	"trip_collaborators": {"trip_id", "user_id"},
}

// Validate runs every check
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	return v.ValidateTableStructure()
}

// ValidateTablesExist checks for the trips and trip_collaborators tables
func (v *SchemaValidator) ValidateTablesExist() error {
	for table := range requiredColumns {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure checks the queried columns exist
func (v *SchemaValidator) ValidateTableStructure() error {
	for table, columns := range requiredColumns {
		present, err := v.columns(table)
		if err != nil {
			return fmt.Errorf("error reading columns of %s: %w", table, err)
		}
		for _, column := range columns {
			if !present[column] {
				return fmt.Errorf("table %s is missing column %s", table, column)
			}
		}
	}
	return nil
}

// indexExists reports whether the named index exists
func (v *SchemaValidator) indexExists(indexName string) (bool, error) {
	return v.sqliteMasterHas("index", indexName)
}

func (v *SchemaValidator) tableExists(tableName string) (bool, error) {
	return v.sqliteMasterHas("table", tableName)
}

func (v *SchemaValidator) sqliteMasterHas(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) columns(table string) (map[string]bool, error) {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	present := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		present[strings.ToLower(name)] = true
	}
	return present, rows.Err()
}
