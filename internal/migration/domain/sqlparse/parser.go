// Package sqlparse extracts the table-level effects of migration SQL. It is
// shared by impact analysis and the pre-execution hooks.
package sqlparse

import (
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/linkflow-ai/migrator/internal/migration/domain/model"
)

// Objects other than tables that a statement can drop
const (
	ObjectSchema   = "schema"
	ObjectDatabase = "database"
)

// Statement is the table-level effect of one SQL statement
type Statement struct {
	Action  model.TableAction
	Table   string
	Columns []string
	// CountQuery counts the rows a filtered DELETE removes. Empty means every row.
	CountQuery string
	// Object is empty for tables, otherwise ObjectSchema or ObjectDatabase
	Object string
}

// Destructive reports whether the statement drops or empties existing data:
// dropped tables, schemas and databases, truncates and dropped columns
func (s Statement) Destructive() bool {
	switch s.Action {
	case model.TableActionDrop, model.TableActionTruncate:
		return true
	case model.TableActionAlter:
		return len(s.Columns) > 0
	}
	return false
}

// Destructive returns the destructive statements of a script
func Destructive(sql string) []Statement {
	var out []Statement
	for _, stmt := range Parse(sql) {
		if stmt.Destructive() {
			out = append(out, stmt)
		}
	}
	return out
}

// Parse extracts the table-level effects of a migration script. PostgreSQL
// syntax is parsed with the PostgreSQL parser; anything it rejects, such as
// MySQL dialect, goes through a keyword scanner instead.
func Parse(sql string) []Statement {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return scan(sql)
	}

	var statements []Statement
	for _, raw := range tree.Stmts {
		if raw.Stmt == nil {
			continue
		}
		statements = append(statements, fromNode(raw.Stmt, statementText(sql, raw))...)
	}
	return statements
}

func statementText(sql string, raw *pg_query.RawStmt) string {
	start := int(raw.StmtLocation)
	if start < 0 || start > len(sql) {
		return ""
	}
	end := len(sql)
	if raw.StmtLen > 0 && start+int(raw.StmtLen) <= len(sql) {
		end = start + int(raw.StmtLen)
	}
	return strings.TrimSpace(sql[start:end])
}

func fromNode(node *pg_query.Node, text string) []Statement {
	switch n := node.Node.(type) {
	case *pg_query.Node_DropStmt:
		if n.DropStmt.RemoveType == pg_query.ObjectType_OBJECT_SCHEMA {
			var out []Statement
			for _, obj := range n.DropStmt.Objects {
				if s, ok := obj.Node.(*pg_query.Node_String_); ok {
					out = append(out, Statement{Action: model.TableActionDrop, Table: s.String_.Sval, Object: ObjectSchema})
				}
			}
			return out
		}
		if n.DropStmt.RemoveType != pg_query.ObjectType_OBJECT_TABLE {
			return nil
		}
		var out []Statement
		for _, obj := range n.DropStmt.Objects {
			if name := objectName(obj); name != "" {
				out = append(out, Statement{Action: model.TableActionDrop, Table: name})
			}
		}
		return out

	case *pg_query.Node_DropdbStmt:
		return []Statement{{Action: model.TableActionDrop, Table: n.DropdbStmt.Dbname, Object: ObjectDatabase}}

	case *pg_query.Node_TruncateStmt:
		var out []Statement
		for _, rel := range n.TruncateStmt.Relations {
			if rv, ok := rel.Node.(*pg_query.Node_RangeVar); ok {
				out = append(out, Statement{Action: model.TableActionTruncate, Table: rangeVarName(rv.RangeVar)})
			}
		}
		return out

	case *pg_query.Node_DeleteStmt:
		stmt := Statement{Action: model.TableActionDelete, Table: rangeVarName(n.DeleteStmt.Relation)}
		if n.DeleteStmt.WhereClause != nil && len(n.DeleteStmt.UsingClause) == 0 && len(n.DeleteStmt.ReturningList) == 0 {
			stmt.CountQuery = deleteCountQuery(text)
		}
		return []Statement{stmt}

	case *pg_query.Node_AlterTableStmt:
		stmt := Statement{Action: model.TableActionAlter, Table: rangeVarName(n.AlterTableStmt.Relation)}
		for _, cmd := range n.AlterTableStmt.Cmds {
			if c, ok := cmd.Node.(*pg_query.Node_AlterTableCmd); ok && c.AlterTableCmd.Subtype == pg_query.AlterTableType_AT_DropColumn {
				stmt.Columns = append(stmt.Columns, c.AlterTableCmd.Name)
			}
		}
		return []Statement{stmt}

	case *pg_query.Node_CreateStmt:
		return []Statement{{Action: model.TableActionCreate, Table: rangeVarName(n.CreateStmt.Relation)}}

	case *pg_query.Node_InsertStmt:
		return []Statement{{Action: model.TableActionInsert, Table: rangeVarName(n.InsertStmt.Relation)}}

	case *pg_query.Node_UpdateStmt:
		return []Statement{{Action: model.TableActionUpdate, Table: rangeVarName(n.UpdateStmt.Relation)}}
	}
	return nil
}

// objectName joins a qualified name list such as schema.table
func objectName(obj *pg_query.Node) string {
	list, ok := obj.Node.(*pg_query.Node_List)
	if !ok {
		return ""
	}
	var parts []string
	for _, item := range list.List.Items {
		if s, ok := item.Node.(*pg_query.Node_String_); ok {
			parts = append(parts, s.String_.Sval)
		}
	}
	return strings.Join(parts, ".")
}

func rangeVarName(rv *pg_query.RangeVar) string {
	if rv == nil {
		return ""
	}
	if rv.Schemaname != "" {
		return rv.Schemaname + "." + rv.Relname
	}
	return rv.Relname
}

var deletePrefix = regexp.MustCompile(`(?is)^\s*DELETE\s+FROM\s+`)

func deleteCountQuery(text string) string {
	parts := splitStatements(text)
	if len(parts) == 0 {
		return ""
	}
	text = parts[0]
	if !deletePrefix.MatchString(text) {
		return ""
	}
	return deletePrefix.ReplaceAllString(text, "SELECT COUNT(*) FROM ")
}

const ident = "((?:[`\"]?[\\w$]+[`\"]?)(?:\\.[`\"]?[\\w$]+[`\"]?)?)"

var (
	dropObjectRe = regexp.MustCompile(`(?is)^DROP\s+(SCHEMA|DATABASE)\s+(?:IF\s+EXISTS\s+)?` + ident)
	dropTableRe  = regexp.MustCompile(`(?is)^DROP\s+TABLE\s+(?:IF\s+EXISTS\s+)?(.+?)(?:\s+(?:CASCADE|RESTRICT))?$`)
	truncateRe   = regexp.MustCompile(`(?is)^TRUNCATE\s+(?:TABLE\s+)?` + ident)
	deleteRe     = regexp.MustCompile(`(?is)^DELETE\s+FROM\s+` + ident + `(\s+WHERE\s+.+)?$`)
	alterRe      = regexp.MustCompile(`(?is)^ALTER\s+TABLE\s+(?:IF\s+EXISTS\s+)?` + ident + `\s+(.+)$`)
	dropColumnRe = regexp.MustCompile("(?i)\\bDROP\\s+(?:COLUMN\\s+)?(?:IF\\s+EXISTS\\s+)?([`\"]?[\\w$]+[`\"]?)")
	createRe     = regexp.MustCompile(`(?is)^CREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?` + ident)
	insertRe     = regexp.MustCompile(`(?is)^INSERT\s+INTO\s+` + ident)
	updateRe     = regexp.MustCompile(`(?is)^UPDATE\s+` + ident)
)

// Words that follow DROP in ALTER TABLE without naming a column
var notColumns = map[string]struct{}{
	"INDEX": {}, "KEY": {}, "CONSTRAINT": {}, "PRIMARY": {}, "FOREIGN": {},
	"CHECK": {}, "PARTITION": {}, "DEFAULT": {}, "NOT": {},
}

func scan(sql string) []Statement {
	var out []Statement
	for _, text := range splitStatements(sql) {
		switch {
		case dropObjectRe.MatchString(text):
			m := dropObjectRe.FindStringSubmatch(text)
			out = append(out, Statement{Action: model.TableActionDrop, Table: unquote(m[2]), Object: strings.ToLower(m[1])})
		case dropTableRe.MatchString(text):
			for _, name := range strings.Split(dropTableRe.FindStringSubmatch(text)[1], ",") {
				if name = unquote(name); name != "" {
					out = append(out, Statement{Action: model.TableActionDrop, Table: name})
				}
			}
		case truncateRe.MatchString(text):
			out = append(out, Statement{Action: model.TableActionTruncate, Table: unquote(truncateRe.FindStringSubmatch(text)[1])})
		case deleteRe.MatchString(text):
			m := deleteRe.FindStringSubmatch(text)
			stmt := Statement{Action: model.TableActionDelete, Table: unquote(m[1])}
			if m[2] != "" {
				stmt.CountQuery = deleteCountQuery(text)
			}
			out = append(out, stmt)
		case alterRe.MatchString(text):
			m := alterRe.FindStringSubmatch(text)
			stmt := Statement{Action: model.TableActionAlter, Table: unquote(m[1])}
			for _, d := range dropColumnRe.FindAllStringSubmatch(m[2], -1) {
				col := unquote(d[1])
				if _, skip := notColumns[strings.ToUpper(col)]; !skip {
					stmt.Columns = append(stmt.Columns, col)
				}
			}
			out = append(out, stmt)
		case createRe.MatchString(text):
			out = append(out, Statement{Action: model.TableActionCreate, Table: unquote(createRe.FindStringSubmatch(text)[1])})
		case insertRe.MatchString(text):
			out = append(out, Statement{Action: model.TableActionInsert, Table: unquote(insertRe.FindStringSubmatch(text)[1])})
		case updateRe.MatchString(text):
			out = append(out, Statement{Action: model.TableActionUpdate, Table: unquote(updateRe.FindStringSubmatch(text)[1])})
		}
	}
	return out
}

func unquote(name string) string {
	return strings.NewReplacer("`", "", `"`, "").Replace(strings.TrimSpace(name))
}

// splitStatements splits on semicolons outside quotes and drops -- comments
func splitStatements(sql string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	runes := []rune(sql)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"' || r == '`':
			quote = r
			cur.WriteRune(r)
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			cur.WriteRune('\n')
		case r == ';':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}
