package source

import (
	"regexp"
	"strconv"
	"strings"
)

// Placeholder is how a driver spells query parameters.
type Placeholder int

const (
	// Dollar numbers parameters: $1 (PostgreSQL).
	Dollar Placeholder = iota
	// Question uses positional ?, one argument per occurrence (MySQL,
	// Snowflake, SQLite).
	Question
	// Named uses @cursor (BigQuery).
	Named
)

// CursorPlaceholder is the parameter models use to reference the last
// checkpointed cursor value.
const CursorPlaceholder = ":cursor"

// cursorPattern matches :cursor but not a ::cursor cast.
var cursorPattern = regexp.MustCompile(`(^|[^:]):cursor\b`)

// HasCursorPlaceholder reports whether sql references :cursor.
func HasCursorPlaceholder(sql string) bool {
	return cursorPattern.MatchString(sql)
}

// Compile rewrites every :cursor in sql for the driver and returns the
// arguments to bind.
func Compile(sql string, cursor interface{}, style Placeholder) (string, []interface{}) {
	matches := cursorPattern.FindAllStringSubmatchIndex(sql, -1)
	if len(matches) == 0 {
		return sql, nil
	}

	var b strings.Builder
	var args []interface{}
	last := 0
	for _, m := range matches {
		// m[3] is the end of the leading character group; the placeholder
		// itself starts there.
		start := m[3]
		b.WriteString(sql[last:start])
		switch style {
		case Dollar:
			b.WriteString("$1")
			if args == nil {
				args = []interface{}{cursor}
			}
		case Question:
			b.WriteString("?")
			args = append(args, cursor)
		case Named:
			b.WriteString("@cursor")
			if args == nil {
				args = []interface{}{cursor}
			}
		}
		last = m[1]
	}
	b.WriteString(sql[last:])
	return b.String(), args
}

// placeholderFor returns the parameter style of a database/sql driver.
func placeholderFor(driver string) Placeholder {
	switch driver {
	case "pgx", "postgres":
		return Dollar
	default:
		return Question
	}
}

// describeArgs renders args for logs.
func describeArgs(args []interface{}) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a == nil {
			parts[i] = "NULL"
			continue
		}
		parts[i] = strconv.Quote(toString(a))
	}
	return strings.Join(parts, ", ")
}
