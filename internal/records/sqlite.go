package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteSource serves employee profiles from an embedded SQLite database.
type SQLiteSource struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ Source = (*SQLiteSource)(nil)

// NewSQLiteSource opens (creating if necessary) the profile database at path.
func NewSQLiteSource(path string, logger *zap.Logger) (*SQLiteSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteSource{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteSource) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		employee_id    TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		designation    TEXT NOT NULL,
		risk           TEXT NOT NULL,
		knowledge      TEXT NOT NULL,
		vulnerability  TEXT NOT NULL,
		attack_vectors TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_profiles_risk ON profiles(risk);
	CREATE INDEX IF NOT EXISTS idx_profiles_vulnerability ON profiles(vulnerability);
	CREATE INDEX IF NOT EXISTS idx_profiles_knowledge ON profiles(knowledge);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}

// Put inserts or replaces a profile. Used by seeding tooling and tests.
func (s *SQLiteSource) Put(ctx context.Context, p Profile) error {
	vectors, err := json.Marshal(p.AttackVectors)
	if err != nil {
		return fmt.Errorf("marshal attack vectors: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (employee_id, name, designation, risk, knowledge, vulnerability, attack_vectors)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(employee_id) DO UPDATE SET
			name = excluded.name,
			designation = excluded.designation,
			risk = excluded.risk,
			knowledge = excluded.knowledge,
			vulnerability = excluded.vulnerability,
			attack_vectors = excluded.attack_vectors`,
		p.EmployeeID, p.Name, p.Designation, string(p.Risk), string(p.Knowledge), string(p.Vulnerability), string(vectors))
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// Find returns profiles matching the filter, capped at limit. Enum fields
// match exactly; name and designation match case-insensitive substrings.
func (s *SQLiteSource) Find(ctx context.Context, filter Filter, limit int) ([]Profile, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	var (
		clauses []string
		args    []any
	)
	if filter.Risk != "" {
		clauses = append(clauses, "risk = ?")
		args = append(args, string(filter.Risk))
	}
	if filter.Vulnerability != "" {
		clauses = append(clauses, "vulnerability = ?")
		args = append(args, string(filter.Vulnerability))
	}
	if filter.Knowledge != "" {
		clauses = append(clauses, "knowledge = ?")
		args = append(args, string(filter.Knowledge))
	}
	if filter.Name != "" {
		clauses = append(clauses, "name LIKE ? COLLATE NOCASE")
		args = append(args, "%"+filter.Name+"%")
	}
	if filter.Designation != "" {
		clauses = append(clauses, "designation LIKE ? COLLATE NOCASE")
		args = append(args, "%"+filter.Designation+"%")
	}

	query := "SELECT employee_id, name, designation, risk, knowledge, vulnerability, attack_vectors FROM profiles"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY employee_id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		var (
			p       Profile
			vectors string
		)
		if err := rows.Scan(&p.EmployeeID, &p.Name, &p.Designation, &p.Risk, &p.Knowledge, &p.Vulnerability, &vectors); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		if err := json.Unmarshal([]byte(vectors), &p.AttackVectors); err != nil {
			s.logger.Warn("malformed attack vectors", zap.String("employee_id", p.EmployeeID), zap.Error(err))
			p.AttackVectors = nil
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return profiles, nil
}
