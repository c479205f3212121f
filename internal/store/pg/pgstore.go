package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"medgate.org/internal/rbac"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrCheckViolation      = "23514"
)

// Unique constraints that mean "already granted" or "already exists".
var conflictEntities = map[string]string{
	"roles_name_key":                  rbac.EntityRole,
	"role_permissions_active_uniq":    rbac.EntityGrant,
	"role_feature_access_active_uniq": rbac.EntityFeatureAccess,
	"user_roles_active_uniq":          rbac.EntityAssignment,
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements rbac.Store on Postgres. Active-uniqueness of grants,
// feature access and assignments is enforced by partial unique indexes.
type Store struct {
	db *sql.DB
	q  querier
	tx bool
}

var _ rbac.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Roles() rbac.RoleRepository             { return roleRepo{s.q} }
func (s *Store) Permissions() rbac.PermissionRepository { return permRepo{s.q} }
func (s *Store) Features() rbac.FeatureRepository       { return featureRepo{s.q} }
func (s *Store) Assignments() rbac.AssignmentRepository { return assignmentRepo{s.q} }
func (s *Store) Users() rbac.UserRepository             { return userRepo{s.q} }
func (s *Store) Care() rbac.CareRepository              { return careRepo{s.q} }
func (s *Store) Audit() rbac.AuditRepository            { return auditRepo{s.q} }

// WithinTx runs fn in a transaction. Nested calls reuse the outer one.
func (s *Store) WithinTx(ctx context.Context, fn func(tx rbac.Store) error) error {
	if s.tx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Store{db: s.db, q: tx, tx: true}); err != nil {
		return err
	}
	return translate(tx.Commit())
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// translate maps constraint violations onto the rbac error taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrUniqueViolation:
		if entity, ok := conflictEntities[pgErr.ConstraintName]; ok {
			return &rbac.ConflictError{Entity: entity, Key: detailKey(pgErr.Detail)}
		}
		return fmt.Errorf("%w: %s", rbac.ErrIntegrity, pgErr.ConstraintName)
	case pgErrForeignKeyViolation, pgErrCheckViolation:
		return fmt.Errorf("%w: %s", rbac.ErrIntegrity, pgErr.ConstraintName)
	}
	return err
}

// detailKey pulls "(a, b)=(1, 2)" out of a unique violation detail.
func detailKey(detail string) string {
	if i := strings.Index(detail, "=("); i >= 0 {
		if j := strings.Index(detail[i:], ")"); j > 0 {
			return detail[i+2 : i+j]
		}
	}
	return "row"
}

func notFound(what string, id int64) error {
	return fmt.Errorf("%w: %s %d", rbac.ErrNotFound, what, id)
}

// inList renders "$n,$n+1,..." for ids starting at placeholder start and
// returns the matching args.
func inList(start int, ids []int64) (string, []any) {
	ph := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		ph[i] = "$" + strconv.Itoa(start+i)
		args[i] = id
	}
	return strings.Join(ph, ","), args
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timeOrNil(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
