package pgstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/portfoliolens/internal/schema"
)

const listColumnsQuery = `
	SELECT
		c.table_schema,
		c.table_name,
		c.column_name,
		c.data_type,
		c.is_nullable = 'YES',
		COALESCE(c.column_default, ''),
		EXISTS (
			SELECT 1
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage k
			  ON k.constraint_name = tc.constraint_name
			 AND k.table_schema = tc.table_schema
			 AND k.table_name = tc.table_name
			WHERE tc.constraint_type = 'PRIMARY KEY'
			  AND tc.table_schema = c.table_schema
			  AND tc.table_name = c.table_name
			  AND k.column_name = c.column_name
		)
	FROM information_schema.columns c
	JOIN information_schema.tables t
	  ON t.table_schema = c.table_schema
	 AND t.table_name = c.table_name
	WHERE c.table_schema = ANY($1)
	  AND t.table_type = 'BASE TABLE'
	  AND c.table_name <> ALL($2)
	ORDER BY c.table_schema, c.table_name, c.ordinal_position`

// ListTables implements schema.Fetcher.
func (s *Store) ListTables(ctx context.Context) ([]schema.Table, error) {
	rows, err := s.pool.Query(ctx, listColumnsQuery, s.schemas, bookkeeping)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var (
		tables []schema.Table
		index  = make(map[string]int)
	)
	for rows.Next() {
		var (
			schemaName, table string
			col               schema.Column
		)
		if err := rows.Scan(&schemaName, &table, &col.Name, &col.SQLType, &col.Nullable, &col.DefaultExpr, &col.IsPrimaryKey); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		name := s.qualify(schemaName, table)
		i, ok := index[name]
		if !ok {
			i = len(tables)
			index[name] = i
			tables = append(tables, schema.Table{Name: name})
		}
		tables[i].Columns = append(tables[i].Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	return tables, nil
}

// allowedTypes are the column types the importer creates. Types are
// spliced into DDL, so nothing else is accepted.
var allowedTypes = map[string]bool{
	"text": true, "numeric": true, "date": true, "boolean": true,
	"bigint": true, "timestamp": true,
}

func columnDef(c schema.Column) (string, error) {
	typ := strings.ToLower(strings.TrimSpace(c.SQLType))
	if !allowedTypes[typ] {
		return "", fmt.Errorf("column %q: type %q is not allowed", c.Name, c.SQLType)
	}
	return pgx.Identifier{c.Name}.Sanitize() + " " + typ, nil
}

// createTableSQL builds the CREATE TABLE statement with a generated key.
func (s *Store) createTableSQL(table string, cols []schema.Column) (string, error) {
	defs := []string{"id bigserial PRIMARY KEY"}
	for _, c := range cols {
		if c.Name == "id" {
			continue
		}
		def, err := columnDef(c)
		if err != nil {
			return "", err
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.ident(table).Sanitize(), strings.Join(defs, ", ")), nil
}

// addColumnsSQL builds one ALTER TABLE adding every column that is missing.
func (s *Store) addColumnsSQL(table string, cols []schema.Column) (string, error) {
	adds := make([]string, 0, len(cols))
	for _, c := range cols {
		def, err := columnDef(c)
		if err != nil {
			return "", err
		}
		adds = append(adds, "ADD COLUMN IF NOT EXISTS "+def)
	}
	return fmt.Sprintf("ALTER TABLE %s %s", s.ident(table).Sanitize(), strings.Join(adds, ", ")), nil
}

// CreateTable creates table with an id key and cols. An existing table
// gains the columns it lacks.
func (s *Store) CreateTable(ctx context.Context, table string, cols []schema.Column) error {
	stmt, err := s.createTableSQL(table, cols)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", table, describe(err))
	}
	return s.CreateColumns(ctx, table, cols)
}

// CreateColumns adds the missing columns to table.
func (s *Store) CreateColumns(ctx context.Context, table string, cols []schema.Column) error {
	if len(cols) == 0 {
		return nil
	}
	stmt, err := s.addColumnsSQL(table, cols)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("add columns to %s: %w", table, describe(err))
	}
	return nil
}

// columnTypes returns the data type of each named column of table.
func (s *Store) columnTypes(ctx context.Context, q pgx.Tx, table string, columns []string) ([]string, error) {
	id := s.ident(table)
	rows, err := q.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2`, id[0], id[1])
	if err != nil {
		return nil, fmt.Errorf("query columns of %s: %w", table, err)
	}
	types, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) ([2]string, error) {
		var pair [2]string
		err := row.Scan(&pair[0], &pair[1])
		return pair, err
	})
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("relation %q does not exist", table)
	}

	byName := make(map[string]string, len(types))
	for _, p := range types {
		byName[p[0]] = p[1]
	}
	out := make([]string, len(columns))
	for i, c := range columns {
		t, ok := byName[c]
		if !ok {
			return nil, fmt.Errorf("column %q of relation %q does not exist", c, table)
		}
		out[i] = t
	}
	return out, nil
}
