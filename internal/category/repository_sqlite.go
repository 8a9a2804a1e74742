package category

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SQLiteRepository reads the category table from a SQLite database, for
// local installs and tests.
type SQLiteRepository struct {
	db            *sql.DB
	categoryTable string
	questionTable string
}

// NewSQLiteRepository creates a repository over the given tables.
func NewSQLiteRepository(db *sql.DB, categoryTable, questionTable string) (*SQLiteRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if categoryTable == "" {
		return nil, fmt.Errorf("category table is required")
	}
	return &SQLiteRepository{
		db:            db,
		categoryTable: categoryTable,
		questionTable: questionTable,
	}, nil
}

func (r *SQLiteRepository) EnsureMetaColumn(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		r.categoryTable, MetaColumn,
	).Scan(&n); err != nil {
		return fmt.Errorf("inspect category table: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := r.db.ExecContext(ctx,
		`ALTER TABLE `+quoteIdent(r.categoryTable)+` ADD COLUMN `+MetaColumn+` TEXT NULL`,
	); err != nil {
		return fmt.Errorf("add meta column: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) LoadMeta(ctx context.Context, id int64) (*string, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var raw sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT `+MetaColumn+` FROM `+quoteIdent(r.categoryTable)+` WHERE category_id = ?`,
		id,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select meta: %w", err)
	}
	if !raw.Valid {
		return nil, nil
	}
	return &raw.String, nil
}

func (r *SQLiteRepository) SaveMeta(ctx context.Context, id int64, raw string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE `+quoteIdent(r.categoryTable)+` SET `+MetaColumn+` = ? WHERE category_id = ?`,
		raw, id,
	)
	if err != nil {
		return fmt.Errorf("update meta: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) FindByIDs(ctx context.Context, ids []int64) ([]Row, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return r.queryRows(ctx,
		`SELECT category_id, category_name, `+MetaColumn+`
		 FROM `+quoteIdent(r.categoryTable)+`
		 WHERE category_id IN (`+placeholders(len(ids))+`)
		 ORDER BY category_name ASC, category_id ASC`,
		args...,
	)
}

func (r *SQLiteRepository) FindByNames(ctx context.Context, names []string) ([]Row, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	return r.queryRows(ctx,
		`SELECT category_id, category_name, `+MetaColumn+`
		 FROM `+quoteIdent(r.categoryTable)+`
		 WHERE category_name IN (`+placeholders(len(names))+`)
		 ORDER BY category_name ASC, category_id ASC`,
		args...,
	)
}

func (r *SQLiteRepository) Query(ctx context.Context, c Criteria) ([]Row, int, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var conds []string
	var args []any
	if c.Search != "" {
		// SQLite LIKE is case-insensitive for ASCII.
		conds = append(conds, `category_name LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(c.Search)+"%")
	}
	switch c.Status {
	case StatusAssigned:
		conds = append(conds, MetaColumn+` LIKE '%"`+RecStepKey+`"%'`)
	case StatusUnassigned:
		conds = append(conds, `(`+MetaColumn+` NOT LIKE '%"`+RecStepKey+`"%' OR `+MetaColumn+` IS NULL)`)
	}
	if len(c.CategoryIDs) > 0 {
		conds = append(conds, `category_id IN (`+placeholders(len(c.CategoryIDs))+`)`)
		for _, id := range c.CategoryIDs {
			args = append(args, id)
		}
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT count(1) FROM `+quoteIdent(r.categoryTable)+where,
		args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count categories: %w", err)
	}

	limit := c.Limit
	if limit <= 0 {
		limit = defaultPerPage
	}
	rows, err := r.queryRows(ctx,
		`SELECT category_id, category_name, `+MetaColumn+`
		 FROM `+quoteIdent(r.categoryTable)+where+`
		 ORDER BY category_name ASC, category_id ASC
		 LIMIT ? OFFSET ?`,
		append(args, limit, max(c.Offset, 0))...,
	)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (r *SQLiteRepository) CategoryIDsForQuestions(ctx context.Context, questionIDs []int64) ([]int64, error) {
	if r.questionTable == "" || len(questionIDs) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	args := make([]any, len(questionIDs))
	for i, id := range questionIDs {
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT category_id FROM `+quoteIdent(r.questionTable)+`
		 WHERE id IN (`+placeholders(len(questionIDs))+`) AND category_id > 0`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query question categories: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan question category: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate question categories: %w", err)
	}
	return ids, nil
}

func (r *SQLiteRepository) queryRows(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		var meta sql.NullString
		if err := rows.Scan(&row.ID, &row.Name, &meta); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		if meta.Valid {
			v := meta.String
			row.Meta = &v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return out, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
