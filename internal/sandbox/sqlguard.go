package sandbox

import (
	"strings"
	"unicode"

	"github.com/opensource-finance/cfdi-analytics/internal/domain"
)

// forbiddenKeywords may not appear as a word anywhere in a query outside
// string literals.
var forbiddenKeywords = map[string]bool{
	"DROP": true, "DELETE": true, "UPDATE": true, "INSERT": true, "ALTER": true,
	"CREATE": true, "TRUNCATE": true, "EXEC": true, "EXECUTE": true, "GRANT": true,
	"REVOKE": true, "MERGE": true, "CALL": true, "REPLACE": true, "LOAD": true,
	"OUTFILE": true, "INFILE": true, "BACKUP": true, "RESTORE": true, "SHUTDOWN": true,
	"KILL": true, "SLEEP": true, "WAITFOR": true, "ATTACH": true, "DETACH": true,
	"PRAGMA": true, "VACUUM": true, "COPY": true,
}

// AllowedTables are the only relations a query may read.
var AllowedTables = []string{"cfdi", "issuer", "receiver", "concept"}

func allowedTable(name string) bool {
	for _, t := range AllowedTables {
		if t == name {
			return true
		}
	}
	return false
}

// nonFunctionWords open a parenthesis that is not a function call.
var nonFunctionWords = map[string]bool{
	"IN": true, "AS": true, "EXISTS": true, "FROM": true, "JOIN": true, "ON": true,
	"AND": true, "OR": true, "NOT": true, "WHERE": true, "SELECT": true, "UNION": true,
	"ALL": true, "WITH": true, "RECURSIVE": true, "HAVING": true, "BY": true,
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokNumber
	tokPunct
)

type token struct {
	kind tokenKind
	text string // words are upper-cased; quoted identifiers keep their case
	// quoted marks identifiers written as "x", `x` or [x].
	quoted bool
}

func (t token) is(word string) bool {
	return t.kind == tokWord && !t.quoted && t.text == word
}

// lexSQL splits query into tokens, dropping comments and whitespace.
func lexSQL(query string) ([]token, error) {
	var toks []token
	r := []rune(query)
	for i := 0; i < len(r); {
		c := r[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '-' && i+1 < len(r) && r[i+1] == '-':
			for i < len(r) && r[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(r) && r[i+1] == '*':
			j := i + 2
			for j+1 < len(r) && (r[j] != '*' || r[j+1] != '/') {
				j++
			}
			if j+1 >= len(r) {
				return nil, domain.NewSecurityError("unterminated comment")
			}
			i = j + 2
		case c == '\'':
			j := i + 1
			for {
				if j >= len(r) {
					return nil, domain.NewSecurityError("unterminated string literal")
				}
				if r[j] == '\'' {
					if j+1 < len(r) && r[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			toks = append(toks, token{kind: tokString, text: string(r[i+1 : j])})
			i = j + 1
		case c == '"' || c == '`' || c == '[':
			closing := c
			if c == '[' {
				closing = ']'
			}
			j := i + 1
			for j < len(r) && r[j] != closing {
				j++
			}
			if j >= len(r) {
				return nil, domain.NewSecurityError("unterminated quoted identifier")
			}
			toks = append(toks, token{kind: tokWord, text: strings.ToLower(string(r[i+1 : j])), quoted: true})
			i = j + 1
		case c == '_' || unicode.IsLetter(c):
			j := i
			for j < len(r) && (r[j] == '_' || r[j] == '$' || unicode.IsLetter(r[j]) || unicode.IsDigit(r[j])) {
				j++
			}
			toks = append(toks, token{kind: tokWord, text: strings.ToUpper(string(r[i:j]))})
			i = j
		case unicode.IsDigit(c):
			j := i
			for j < len(r) && (unicode.IsDigit(r[j]) || r[j] == '.' || r[j] == 'e' || r[j] == 'E') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: string(r[i:j])})
			i = j
		default:
			toks = append(toks, token{kind: tokPunct, text: string(c)})
			i++
		}
	}
	return toks, nil
}

// ValidateSQL applies the static checks for read-only analysis queries:
// one statement, SELECT or WITH first, no forbidden keyword and every
// relation read from the allowed tables or a CTE of the query.
func ValidateSQL(query string) error {
	if err := checkSize(query, domain.MaxQueryBytes); err != nil {
		return err
	}

	toks, err := lexSQL(query)
	if err != nil {
		return err
	}
	for len(toks) > 0 && toks[len(toks)-1].kind == tokPunct && toks[len(toks)-1].text == ";" {
		toks = toks[:len(toks)-1]
	}
	if len(toks) == 0 {
		return domain.NewValidationError("script is empty")
	}

	for _, t := range toks {
		if t.kind == tokPunct && t.text == ";" {
			return domain.NewSecurityError("only a single statement is allowed")
		}
		if t.kind == tokWord && !t.quoted && forbiddenKeywords[t.text] {
			return domain.NewSecurityError("keyword %s is not allowed", t.text)
		}
	}

	if !toks[0].is("SELECT") && !toks[0].is("WITH") {
		return domain.NewSecurityError("query must start with SELECT or WITH")
	}

	ctes := cteNames(toks)
	return checkRelations(toks, ctes)
}

// cteNames collects the names defined by a leading WITH clause.
func cteNames(toks []token) map[string]bool {
	names := make(map[string]bool)
	if !toks[0].is("WITH") {
		return names
	}
	depth := 0
	expectName := true
	for i := 1; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.kind == tokPunct && t.text == "(":
			depth++
		case t.kind == tokPunct && t.text == ")":
			depth--
		case depth == 0 && t.is("RECURSIVE"):
		case depth == 0 && t.kind == tokPunct && t.text == ",":
			expectName = true
		case depth == 0 && t.is("SELECT"):
			return names
		case depth == 0 && expectName && t.kind == tokWord:
			names[strings.ToLower(t.text)] = true
			expectName = false
		}
	}
	return names
}

// checkRelations verifies the relation named after every FROM and JOIN
// outside function-call parentheses.
func checkRelations(toks []token, ctes map[string]bool) error {
	var parens []bool // true for a function-call parenthesis
	inFunction := func() bool { return len(parens) > 0 && parens[len(parens)-1] }

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.kind == tokPunct && t.text == "(":
			fn := i > 0 && toks[i-1].kind == tokWord && !toks[i-1].quoted && !nonFunctionWords[toks[i-1].text]
			parens = append(parens, fn)
		case t.kind == tokPunct && t.text == ")":
			if len(parens) > 0 {
				parens = parens[:len(parens)-1]
			}
		case (t.is("FROM") || t.is("JOIN")) && !inFunction():
			next, err := checkRelationList(toks, i+1, t.is("FROM"), ctes)
			if err != nil {
				return err
			}
			i = next - 1
		}
	}
	return nil
}

// checkRelationList validates the relations starting at toks[i]. A FROM
// clause may list several relations separated by commas. It returns the
// index of the first token it did not consume.
func checkRelationList(toks []token, i int, commaList bool, ctes map[string]bool) (int, error) {
	for {
		if i >= len(toks) {
			return i, domain.NewSecurityError("missing table name")
		}
		t := toks[i]
		if t.kind == tokPunct && t.text == "(" {
			// Subquery; its own FROM clauses are checked by the caller.
			return i, nil
		}
		if t.kind != tokWord {
			return i, domain.NewSecurityError("invalid table reference")
		}
		name := strings.ToLower(t.text)
		if i+1 < len(toks) && toks[i+1].kind == tokPunct && toks[i+1].text == "." {
			return i, domain.NewSecurityError("qualified table names are not allowed")
		}
		if i+1 < len(toks) && toks[i+1].kind == tokPunct && toks[i+1].text == "(" {
			return i, domain.NewSecurityError("table-valued function %s is not allowed", name)
		}
		if !allowedTable(name) && !ctes[name] {
			return i, domain.NewSecurityError("table %s is not allowed", name)
		}
		i++

		// Optional alias.
		if i < len(toks) && toks[i].is("AS") {
			i += 2
		} else if i < len(toks) && toks[i].kind == tokWord && (toks[i].quoted || !clauseWord(toks[i].text)) {
			i++
		}

		if commaList && i < len(toks) && toks[i].kind == tokPunct && toks[i].text == "," {
			i++
			continue
		}
		return i, nil
	}
}

// clauseWord reports whether w can follow a relation without being an alias.
func clauseWord(w string) bool {
	switch w {
	case "WHERE", "GROUP", "ORDER", "HAVING", "LIMIT", "OFFSET", "JOIN", "INNER", "LEFT",
		"RIGHT", "FULL", "OUTER", "CROSS", "NATURAL", "ON", "USING", "UNION", "INTERSECT",
		"EXCEPT", "WINDOW", "AS":
		return true
	}
	return false
}

// sqlLanguage runs validated queries on the in-process SQLite runtime.
type sqlLanguage struct{}

func (sqlLanguage) Name() domain.Language { return domain.LanguageSQL }

func (sqlLanguage) Validate(script string) error { return ValidateSQL(resolveQuery(script)) }

func (sqlLanguage) Harness(script string) map[string][]byte {
	return map[string][]byte{"query.sql": []byte(resolveQuery(script))}
}

func (sqlLanguage) RuntimeTag() string { return SQLiteTag }

func (sqlLanguage) Command() []string { return []string{"sqlite", "/app/query.sql"} }
