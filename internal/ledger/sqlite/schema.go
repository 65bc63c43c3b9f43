package sqlite

import "database/sql"

// EnsureSchema creates the audit table and its query indexes if absent.
func EnsureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS AuditLog (
            Id INTEGER PRIMARY KEY AUTOINCREMENT,
            EventUid TEXT NOT NULL,
            Operation TEXT NOT NULL,
            ActorEmail TEXT,
            ActorName TEXT,
            Timestamp TEXT NOT NULL,
            SourceCollection TEXT,
            TargetCollection TEXT,
            BeforeState TEXT,
            AfterState TEXT,
            Status TEXT NOT NULL,
            ErrorMessage TEXT,
            CreatedAt TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS AuditLog_EventUid_Idx ON AuditLog(EventUid);`,
		`CREATE INDEX IF NOT EXISTS AuditLog_Timestamp_Idx ON AuditLog(Timestamp);`,
		`CREATE INDEX IF NOT EXISTS AuditLog_ActorEmail_Idx ON AuditLog(ActorEmail);`,
		`CREATE INDEX IF NOT EXISTS AuditLog_Operation_Idx ON AuditLog(Operation);`,
		`CREATE INDEX IF NOT EXISTS AuditLog_SourceCollection_Idx ON AuditLog(SourceCollection);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
