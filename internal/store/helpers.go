package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanSession scans a Session from a single sql.Row.
func scanSession(row *sql.Row) (*models.Session, error) {
	var s models.Session
	var dataJSON sql.NullString
	err := row.Scan(&s.Identity, &s.State, &dataJSON, &s.LastActivity, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &s.Data); err != nil {
			return nil, fmt.Errorf("unmarshal session data failed: %w", err)
		}
	}
	if s.Data.SchemaVersion == 0 {
		s.Data.SchemaVersion = models.SessionDataSchemaVersion
	}
	return &s, nil
}

// scanCode scans a OneTimeCode from a single sql.Row.
func scanCode(row *sql.Row) (*models.OneTimeCode, error) {
	var c models.OneTimeCode
	var meta sql.NullString
	var usedAt sql.NullTime
	err := row.Scan(&c.Address, &c.Purpose, &c.Code, &c.Status, &usedAt, &c.ExpiresAt, &c.CreatedAt, &meta)
	if err != nil {
		return nil, err
	}
	c.Meta = meta.String
	if usedAt.Valid {
		c.UsedAt = &usedAt.Time
	}
	return &c, nil
}
