package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolation = "23505"
	searchLimit     = 10
)

const (
	insertUserSQL  = `INSERT INTO users (username, password) VALUES ($1, $2) RETURNING id`
	selectUserSQL  = `SELECT id, username, password FROM users WHERE `
	searchUsersSQL = `SELECT id, username FROM users WHERE username ILIKE $1 ESCAPE '\' ORDER BY username LIMIT $2`
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, u *User) (*User, error) {
	created := *u
	if err := r.db.QueryRowContext(ctx, insertUserSQL, u.Username, u.Password).Scan(&created.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("insert user %q: %w", u.Username, err)
	}
	return &created, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return r.getUser(ctx, "username = $1", username)
}

func (r *Repository) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return r.getUser(ctx, "id = $1", id)
}

func (r *Repository) getUser(ctx context.Context, where string, arg any) (*User, error) {
	var u User
	err := r.db.QueryRowContext(ctx, selectUserSQL+where, arg).Scan(&u.ID, &u.Username, &u.Password)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("select user by %s: %w", where, err)
	}
	return &u, nil
}

// SearchUsers matches query as a literal substring of the username.
func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, searchUsersSQL, likePattern(query), searchLimit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0, searchLimit)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func likePattern(q string) string {
	return "%" + likeEscaper.Replace(q) + "%"
}
