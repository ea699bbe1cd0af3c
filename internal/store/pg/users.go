package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"physionet.org/internal/auth"
)

func (s *Store) GetUser(ctx context.Context, id string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	var u auth.User
	err := s.db.QueryRowContext(ctx, `
		select id, email, is_credentialed, is_admin, created_at
		from users
		where id = $1
	`, id).Scan(&u.ID, &u.Email, &u.IsCredentialed, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	return u, nil
}

// PutUser inserts or updates a user's profile and credential flags.
func (s *Store) PutUser(ctx context.Context, u auth.User) error {
	if s.db == nil {
		return errNoDB
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("%w: user id is required", auth.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, is_credentialed, is_admin)
		values ($1, $2, $3, $4)
		on conflict (id) do update
		set email = excluded.email, is_credentialed = excluded.is_credentialed, is_admin = excluded.is_admin
	`, u.ID, u.Email, u.IsCredentialed, u.IsAdmin)
	return err
}
