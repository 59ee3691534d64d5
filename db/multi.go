package db

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// MultiInserter makes it easy to construct a
// `INSERT INTO table (...) VALUES ...;`
// query which inserts multiple rows into the same table. It can also execute
// the resulting query.
type MultiInserter struct {
	// These are validated by the constructor as containing only characters
	// that are allowed in an unquoted identifier.
	// https://mariadb.com/kb/en/identifier-names/#unquoted
	table  string
	fields []string
	retCol string

	values [][]interface{}
}

// NewMultiInserter creates a new MultiInserter, checking for reasonable table
// name and list of fields. retCol is the name of a column to be used in a
// `RETURNING xyz` clause at the end; if it is empty no such clause is used.
func NewMultiInserter(table string, fields []string, retCol string) (*MultiInserter, error) {
	if len(table) == 0 || len(fields) == 0 {
		return nil, fmt.Errorf("empty table name or fields list")
	}

	err := validMariaDBUnquotedIdentifier(table)
	if err != nil {
		return nil, err
	}
	for _, field := range fields {
		err := validMariaDBUnquotedIdentifier(field)
		if err != nil {
			return nil, err
		}
	}
	if retCol != "" {
		err := validMariaDBUnquotedIdentifier(retCol)
		if err != nil {
			return nil, err
		}
	}

	return &MultiInserter{
		table:  table,
		fields: fields,
		retCol: retCol,
		values: make([][]interface{}, 0),
	}, nil
}

// Add registers another row to be included in the Insert query.
func (mi *MultiInserter) Add(row []interface{}) error {
	if len(row) != len(mi.fields) {
		return fmt.Errorf("field count mismatch, got %d, expected %d", len(row), len(mi.fields))
	}
	mi.values = append(mi.values, row)
	return nil
}

// query returns the formatted query string, and the slice of arguments for
// borp to use in place of the query's question marks.
func (mi *MultiInserter) query() (string, []interface{}) {
	var questionsBuf strings.Builder
	var queryArgs []interface{}
	for _, row := range mi.values {
		fmt.Fprintf(&questionsBuf, "(%s),", QuestionMarks(len(mi.fields)))
		queryArgs = append(queryArgs, row...)
	}

	questions := strings.TrimRight(questionsBuf.String(), ",")

	returning := ""
	if mi.retCol != "" {
		returning = fmt.Sprintf(" RETURNING %s", mi.retCol)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s%s", mi.table, strings.Join(mi.fields, ","), questions, returning)

	return query, queryArgs
}

// Insert inserts all the rows registered with Add. If a non-empty retCol was
// provided to the constructor, it returns the list of values from that column
// returned by the query.
func (mi *MultiInserter) Insert(ctx context.Context, queryer Queryer) ([]int64, error) {
	query, queryArgs := mi.query()
	rows, err := queryer.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(mi.values))
	if mi.retCol != "" {
		for rows.Next() {
			var id int64
			err = rows.Scan(&id)
			if err != nil {
				rows.Close()
				return nil, err
			}
			ids = append(ids, id)
		}
	}

	err = rows.Close()
	if err != nil {
		return nil, err
	}

	return ids, nil
}

var mariaDBUnquotedIdentifier = regexp.MustCompile(`^[0-9a-zA-Z$_]+$`)

// validMariaDBUnquotedIdentifier rejects anything that cannot appear as an
// unquoted identifier in a MariaDB query, so table and column names passed in
// from our own code cannot be used for injection.
func validMariaDBUnquotedIdentifier(s string) error {
	if !mariaDBUnquotedIdentifier.MatchString(s) {
		return fmt.Errorf("invalid identifier %q", s)
	}
	return nil
}
