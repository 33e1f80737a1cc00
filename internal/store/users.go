package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/alert"
)

const userColumns = `id, email, phone_number, active, team_id, organization_id`

// UserStore reads the user directory used for recipient resolution.
type UserStore struct {
	db     *DB
	logger *zap.Logger
}

// NewUserStore creates the user repository.
func NewUserStore(db *DB, logger *zap.Logger) *UserStore {
	return &UserStore{db: db, logger: logger}
}

// GetByID retrieves one user.
func (s *UserStore) GetByID(ctx context.Context, id string) (alert.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(s.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return alert.User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// FindRecipients expands a visibility scope to the active users it covers.
// This is the store-facing form of the visibility predicate; the in-memory
// form lives in the alert package.
func (s *UserStore) FindRecipients(ctx context.Context, v alert.Visibility) ([]alert.User, error) {
	var (
		query string
		args  []any
	)

	switch v.Type {
	case alert.VisibilityOrganization:
		if len(v.TargetIDs) == 0 {
			query = `SELECT ` + userColumns + ` FROM users WHERE active`
		} else {
			query = `SELECT ` + userColumns + ` FROM users WHERE active AND organization_id = ANY($1)`
			args = append(args, v.TargetIDs)
		}
	case alert.VisibilityTeam:
		query = `SELECT ` + userColumns + ` FROM users WHERE active AND team_id = ANY($1)`
		args = append(args, v.TargetIDs)
	case alert.VisibilityUser:
		query = `SELECT ` + userColumns + ` FROM users WHERE active AND id = ANY($1)`
		args = append(args, v.TargetIDs)
	default:
		return nil, fmt.Errorf("unknown visibility type: %s", v.Type)
	}

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var users []alert.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanUser(row pgx.Row) (alert.User, error) {
	var u alert.User
	err := row.Scan(&u.ID, &u.Email, &u.PhoneNumber, &u.Active, &u.TeamID, &u.OrganizationID)
	return u, err
}
