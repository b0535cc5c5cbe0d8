// internal/directory/repository.go

package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Repository defines the directory repository interface
type Repository interface {
	Search(ctx context.Context, filter *SearchFilter) ([]*Entry, error)
}

// postgresRepository implements Repository using PostgreSQL
type postgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

// Search lists directory entries matching the filter, paginated
func (r *postgresRepository) Search(ctx context.Context, filter *SearchFilter) ([]*Entry, error) {
	var conditions []string
	var args []interface{}
	argn := 1

	if filter.Role != "" {
		conditions = append(conditions, fmt.Sprintf("role = $%d", argn))
		args = append(args, filter.Role)
		argn++
	}

	if filter.Query != "" {
		conditions = append(conditions, fmt.Sprintf("(username ILIKE $%d OR display_name ILIKE $%d)", argn, argn))
		args = append(args, "%"+filter.Query+"%")
		argn++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
        SELECT id, username, display_name, avatar_url, role
        FROM users
        %s
        ORDER BY display_name
        LIMIT $%d OFFSET $%d`, where, argn, argn+1)
	args = append(args, filter.Limit, filter.Offset)

	var entries []*Entry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, err
	}
	return entries, nil
}
