package category

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

// PostgresRepository reads the LMS category table through pgx.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	categoryTable string
	questionTable string
}

// NewPostgresRepository creates a repository over the given category and
// question tables. Table names may be schema-qualified.
func NewPostgresRepository(pool *pgxpool.Pool, categoryTable, questionTable string) (*PostgresRepository, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	if categoryTable == "" {
		return nil, fmt.Errorf("category table is required")
	}
	return &PostgresRepository{
		pool:          pool,
		categoryTable: quoteTable(categoryTable),
		questionTable: quoteTable(questionTable),
	}, nil
}

func (r *PostgresRepository) EnsureMetaColumn(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	_, err := r.pool.Exec(ctx,
		`ALTER TABLE `+r.categoryTable+` ADD COLUMN IF NOT EXISTS `+MetaColumn+` TEXT NULL`,
	)
	if err != nil {
		return fmt.Errorf("add meta column: %w", err)
	}
	return nil
}

func (r *PostgresRepository) LoadMeta(ctx context.Context, id int64) (*string, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var raw *string
	err := r.pool.QueryRow(ctx,
		`SELECT `+MetaColumn+` FROM `+r.categoryTable+` WHERE category_id = $1`,
		id,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select meta: %w", err)
	}
	return raw, nil
}

func (r *PostgresRepository) SaveMeta(ctx context.Context, id int64, raw string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	cmd, err := r.pool.Exec(ctx,
		`UPDATE `+r.categoryTable+` SET `+MetaColumn+` = $2 WHERE category_id = $1`,
		id,
		raw,
	)
	if err != nil {
		return fmt.Errorf("update meta: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) FindByIDs(ctx context.Context, ids []int64) ([]Row, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	return r.queryRows(ctx,
		`SELECT category_id, category_name, `+MetaColumn+`
		 FROM `+r.categoryTable+`
		 WHERE category_id = ANY($1)
		 ORDER BY category_name ASC, category_id ASC`,
		ids,
	)
}

func (r *PostgresRepository) FindByNames(ctx context.Context, names []string) ([]Row, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	return r.queryRows(ctx,
		`SELECT category_id, category_name, `+MetaColumn+`
		 FROM `+r.categoryTable+`
		 WHERE category_name = ANY($1::text[])
		 ORDER BY category_name ASC, category_id ASC`,
		names,
	)
}

func (r *PostgresRepository) Query(ctx context.Context, c Criteria) ([]Row, int, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	where, args := r.where(c)

	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT count(1) FROM `+r.categoryTable+where,
		args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count categories: %w", err)
	}

	limit := c.Limit
	if limit <= 0 {
		limit = defaultPerPage
	}
	args = append(args, limit, max(c.Offset, 0))
	rows, err := r.queryRows(ctx,
		`SELECT category_id, category_name, `+MetaColumn+`
		 FROM `+r.categoryTable+where+`
		 ORDER BY category_name ASC, category_id ASC
		 LIMIT $`+fmt.Sprint(len(args)-1)+` OFFSET $`+fmt.Sprint(len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (r *PostgresRepository) CategoryIDsForQuestions(ctx context.Context, questionIDs []int64) ([]int64, error) {
	if r.questionTable == "" || len(questionIDs) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT category_id FROM `+r.questionTable+`
		 WHERE id = ANY($1) AND category_id > 0`,
		questionIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("query question categories: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan question categories: %w", err)
	}
	return ids, nil
}

func (r *PostgresRepository) where(c Criteria) (string, []any) {
	var conds []string
	var args []any

	if c.Search != "" {
		args = append(args, "%"+escapeLike(c.Search)+"%")
		conds = append(conds, fmt.Sprintf(`category_name ILIKE $%d`, len(args)))
	}
	switch c.Status {
	case StatusAssigned:
		conds = append(conds, MetaColumn+` LIKE '%"`+RecStepKey+`"%'`)
	case StatusUnassigned:
		conds = append(conds, `(`+MetaColumn+` NOT LIKE '%"`+RecStepKey+`"%' OR `+MetaColumn+` IS NULL)`)
	}
	if len(c.CategoryIDs) > 0 {
		args = append(args, c.CategoryIDs)
		conds = append(conds, fmt.Sprintf(`category_id = ANY($%d)`, len(args)))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *PostgresRepository) queryRows(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.ID, &row.Name, &row.Meta); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return out, nil
}

func quoteTable(name string) string {
	if name == "" {
		return ""
	}
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// escapeLike escapes LIKE wildcards; backslash is the escape character in
// both PostgreSQL and the SQLite queries below.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
