package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Migration is one SQL file.
type Migration struct {
	Version    string
	Statements []string
}

// Dialect selects the comment and quoting rules used to split a file into
// statements.
type Dialect int

const (
	// DialectSpanner is GoogleSQL DDL: -- and # comments, backslash escapes.
	DialectSpanner Dialect = iota
	// DialectPostgres adds /* */ comments and $tag$ quoted bodies.
	DialectPostgres
)

// FindMigrationsDir finds migrations/<driver> relative to the project root
func FindMigrationsDir(driver string) (string, error) {
	// Start from current working directory
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	// Walk up the directory tree to find go.mod (project root)
	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			// Found project root, each driver has its own directory
			migrationsPath := filepath.Join(dir, "migrations", driver)
			if _, err := os.Stat(migrationsPath); err == nil {
				return migrationsPath, nil
			}
			return "", fmt.Errorf("migrations directory not found at %s", migrationsPath)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			break
		}
		dir = parent
	}

	// Fallback: binary run next to its migrations, outside a module
	migrationsPath := filepath.Join(wd, "migrations", driver)
	if _, err := os.Stat(migrationsPath); err == nil {
		return migrationsPath, nil
	}

	return "", fmt.Errorf("could not find migrations/%s directory (searched from %s)", driver, wd)
}

// Load reads every .sql file in dir, sorted by name. The version of a
// migration is its file name without extension.
func Load(dir string, dialect Dialect) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	migrations := make([]Migration, 0, len(files))
	for _, name := range files {
		sql, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", name, err)
		}
		statements := splitStatements(string(sql), dialect)
		if len(statements) == 0 {
			continue
		}
		migrations = append(migrations, Migration{
			Version:    strings.TrimSuffix(name, ".sql"),
			Statements: statements,
		})
	}
	return migrations, nil
}

// splitStatements cuts sql on semicolons that are outside quotes, comments
// and dollar-quoted bodies. Comments are dropped and whitespace between
// tokens collapses to one space; quoted text is kept verbatim.
func splitStatements(sql string, dialect Dialect) []string {
	var (
		statements []string
		current    strings.Builder
		space      bool
	)
	emit := func(s string) {
		if space && current.Len() > 0 {
			current.WriteByte(' ')
		}
		space = false
		current.WriteString(s)
	}
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
		space = false
	}

	for i := 0; i < len(sql); {
		c := sql[i]
		switch {
		case strings.HasPrefix(sql[i:], "--"), dialect == DialectSpanner && c == '#':
			i = lineEnd(sql, i)
			space = true
		case dialect == DialectPostgres && strings.HasPrefix(sql[i:], "/*"):
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				i = len(sql)
			} else {
				i += 2 + end + 2
			}
			space = true
		case c == '\'' || c == '"' || c == '`':
			j := quoteEnd(sql, i, dialect == DialectSpanner)
			emit(sql[i:j])
			i = j
		case dialect == DialectPostgres && c == '$':
			tag, ok := dollarTag(sql[i:])
			if !ok {
				emit("$")
				i++
				continue
			}
			j := len(sql)
			if end := strings.Index(sql[i+len(tag):], tag); end >= 0 {
				j = i + len(tag) + end + len(tag)
			}
			emit(sql[i:j])
			i = j
		case c == ';':
			flush()
			i++
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			space = true
			i++
		default:
			emit(sql[i : i+1])
			i++
		}
	}
	flush()

	return statements
}

func lineEnd(sql string, i int) int {
	if n := strings.IndexByte(sql[i:], '\n'); n >= 0 {
		return i + n
	}
	return len(sql)
}

// quoteEnd returns the index just past the quote opened at sql[start].
// A doubled quote character is an escaped quote.
func quoteEnd(sql string, start int, backslashEscapes bool) int {
	quote := sql[start]
	for i := start + 1; i < len(sql); i++ {
		switch sql[i] {
		case '\\':
			if backslashEscapes {
				i++
			}
		case quote:
			if i+1 < len(sql) && sql[i+1] == quote {
				i++
				continue
			}
			return i + 1
		}
	}
	return len(sql)
}

// dollarTag reports whether s starts with a Postgres dollar-quote tag such
// as $$ or $body$. Positional parameters like $1 are not tags.
func dollarTag(s string) (string, bool) {
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '$':
			return s[:i+1], true
		case c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
		case c >= '0' && c <= '9' && i > 1:
		default:
			return "", false
		}
	}
	return "", false
}

func pending(all []Migration, applied map[string]bool) []Migration {
	var out []Migration
	for _, m := range all {
		if !applied[m.Version] {
			out = append(out, m)
		}
	}
	return out
}
