package clinical

import (
	"strings"
	"unicode"
)

// QueryableTables are the only relations ad-hoc queries may read.
var QueryableTables = map[string]bool{
	"patient":        true,
	"allergy":        true,
	"medication":     true,
	"problem":        true,
	"encounter":      true,
	"vital_sign":     true,
	"clinical_order": true,
	"appointment":    true,
	"inbox_message":  true,
}

var forbiddenWords = map[string]bool{
	"insert": true, "update": true, "delete": true, "merge": true, "upsert": true,
	"drop": true, "alter": true, "create": true, "truncate": true, "comment": true,
	"grant": true, "revoke": true, "copy": true, "call": true, "do": true,
	"execute": true, "prepare": true, "deallocate": true, "listen": true, "notify": true,
	"unlisten": true, "lock": true, "vacuum": true, "analyze": true, "reindex": true,
	"cluster": true, "refresh": true, "set": true, "reset": true, "begin": true,
	"commit": true, "rollback": true, "savepoint": true, "into": true, "returning": true,
	"set_config": true, "current_setting": true, "dblink": true, "share": true,
}

// allowedFunctions are the only calls a query may make. Anything else that
// precedes "(" is rejected, which keeps out functions that run SQL text or
// read relations by name (query_to_xml, table_to_xml, dblink, ...).
var allowedFunctions = map[string]bool{
	// aggregates and window functions
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"string_agg": true, "array_agg": true, "bool_and": true, "bool_or": true, "every": true,
	"stddev": true, "variance": true, "percentile_cont": true, "percentile_disc": true, "mode": true,
	"row_number": true, "rank": true, "dense_rank": true, "ntile": true,
	"lag": true, "lead": true, "first_value": true, "last_value": true,
	// conditionals
	"coalesce": true, "nullif": true, "greatest": true, "least": true,
	// text
	"lower": true, "upper": true, "initcap": true, "length": true, "char_length": true,
	"trim": true, "btrim": true, "ltrim": true, "rtrim": true, "substring": true, "substr": true,
	"position": true, "replace": true, "concat": true, "concat_ws": true, "left": true, "right": true,
	"split_part": true, "overlay": true,
	// numbers
	"abs": true, "round": true, "ceil": true, "ceiling": true, "floor": true, "trunc": true,
	"mod": true, "power": true, "sqrt": true,
	// dates
	"now": true, "date_trunc": true, "date_part": true, "extract": true, "age": true,
	"make_date": true, "to_char": true, "to_date": true, "to_timestamp": true,
	// casts and type modifiers
	"cast": true, "numeric": true, "decimal": true, "varchar": true, "char": true, "character": true,
}

// parenKeywords may directly precede "(" without being a call.
var parenKeywords = map[string]bool{
	"select": true, "from": true, "join": true, "lateral": true, "where": true, "on": true,
	"and": true, "or": true, "not": true, "in": true, "exists": true, "any": true, "all": true,
	"some": true, "as": true, "over": true, "filter": true, "group": true, "by": true,
	"having": true, "using": true, "case": true, "when": true, "then": true, "else": true,
	"is": true, "like": true, "ilike": true, "between": true, "union": true, "intersect": true,
	"except": true, "values": true, "row": true, "distinct": true,
}

// callAllowed reports whether the word at i, which is followed by "(", is an
// approved function, a keyword that opens a parenthesised expression or a CTE
// name with a column list.
func callAllowed(tokens []sqlToken, i int) bool {
	name := tokens[i].text
	if allowedFunctions[name] || parenKeywords[name] {
		return true
	}
	return cteColumnList(tokens, i)
}

// cteColumnList matches "WITH name (cols) AS (" and ", name (cols) AS (".
func cteColumnList(tokens []sqlToken, i int) bool {
	if i == 0 || (tokens[i-1].text != "with" && tokens[i-1].text != ",") {
		return false
	}
	j := i + 2
	for j < len(tokens) && tokens[j].text != ")" {
		if tokens[j].text == "(" || !(tokens[j].word || tokens[j].text == ",") {
			return false
		}
		j++
	}
	return j+2 < len(tokens) && tokens[j+1].text == "as" && tokens[j+2].text == "("
}

type sqlToken struct {
	text string // lower-cased for words
	word bool
}

// ValidateReadOnlySQL accepts a single SELECT (optionally led by WITH) over
// QueryableTables and returns it without a trailing semicolon. Everything else
// is rejected with a ValidationError: comments, additional statements, quoted
// identifiers, schema-qualified names, locking clauses, any write keyword and
// any function outside allowedFunctions.
func ValidateReadOnlySQL(query string) (string, error) {
	q, _, err := validateSQL(query)
	return q, err
}

// ReferencedTables lists the queryable tables a query reads, in first-seen
// order. It returns nil for a query ValidateReadOnlySQL rejects.
func ReferencedTables(query string) []string {
	_, tables, err := validateSQL(query)
	if err != nil {
		return nil
	}
	return tables
}

func validateSQL(query string) (string, []string, error) {
	q := strings.TrimSpace(query)
	q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	if q == "" {
		return "", nil, invalidSQL("query is empty")
	}
	if len(q) > 4000 {
		return "", nil, invalidSQL("query is too long")
	}

	tokens, err := tokenizeSQL(q)
	if err != nil {
		return "", nil, err
	}
	if len(tokens) == 0 || !tokens[0].word || (tokens[0].text != "select" && tokens[0].text != "with") {
		return "", nil, invalidSQL("only SELECT statements are allowed")
	}

	ctes := map[string]bool{}
	for i, t := range tokens {
		if !t.word {
			continue
		}
		if forbiddenWords[t.text] {
			return "", nil, invalidSQL("keyword " + strings.ToUpper(t.text) + " is not allowed")
		}
		if strings.HasPrefix(t.text, "pg_") || strings.HasPrefix(t.text, "lo_") {
			return "", nil, invalidSQL("system objects are not allowed")
		}
		if i+1 < len(tokens) && tokens[i+1].text == "(" && !callAllowed(tokens, i) {
			return "", nil, invalidSQL("function " + t.text + " is not allowed")
		}
		// WITH name AS ( ... ) and , name AS ( ... )
		if i+2 < len(tokens) && tokens[i+1].word && tokens[i+1].text == "as" && tokens[i+2].text == "(" {
			if i > 0 && (tokens[i-1].text == "with" || tokens[i-1].text == ",") {
				ctes[t.text] = true
			}
		}
		if i+1 < len(tokens) && tokens[i+1].text == "(" && cteColumnList(tokens, i) {
			ctes[t.text] = true
		}
	}

	tables, err := checkRelations(tokens, ctes)
	if err != nil {
		return "", nil, err
	}
	return q, tables, nil
}

// checkRelations verifies that every relation named after FROM or JOIN,
// including comma-separated lists, is allowed.
func checkRelations(tokens []sqlToken, ctes map[string]bool) ([]string, error) {
	var tables []string
	seen := map[string]bool{}
	inArgs := functionArgFrom(tokens)
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		if !t.word || (t.text != "from" && t.text != "join") || inArgs[i] {
			continue
		}
		for {
			i++
			if i >= len(tokens) {
				return nil, invalidSQL("missing relation after FROM")
			}
			rel := tokens[i]
			if rel.text == "(" {
				break // subquery; its own FROM is checked separately
			}
			if !rel.word {
				return nil, invalidSQL("unexpected token after FROM")
			}
			if i+1 < len(tokens) && tokens[i+1].text == "." {
				return nil, invalidSQL("schema-qualified names are not allowed")
			}
			if i+1 < len(tokens) && tokens[i+1].text == "(" {
				return nil, invalidSQL("table functions are not allowed")
			}
			if QueryableTables[rel.text] {
				if !seen[rel.text] {
					seen[rel.text] = true
					tables = append(tables, rel.text)
				}
			} else if !ctes[rel.text] {
				return nil, invalidSQL("table " + rel.text + " is not queryable")
			}
			// optional alias
			j := i + 1
			if j < len(tokens) && tokens[j].text == "as" {
				j++
			}
			if j < len(tokens) && tokens[j].word && !clauseWords[tokens[j].text] {
				j++
			}
			if j < len(tokens) && tokens[j].text == "," {
				i = j
				continue
			}
			break
		}
	}
	return tables, nil
}

// Functions whose argument syntax uses FROM, as in EXTRACT(YEAR FROM x).
var fromArgFunctions = map[string]bool{
	"extract": true, "substring": true, "trim": true, "overlay": true, "position": true,
}

// functionArgFrom marks tokens that sit inside the parentheses of one of
// fromArgFunctions.
func functionArgFrom(tokens []sqlToken) map[int]bool {
	marked := map[int]bool{}
	var stack []bool // per open paren: is it a fromArgFunctions call
	for i, t := range tokens {
		switch t.text {
		case "(":
			stack = append(stack, i > 0 && tokens[i-1].word && fromArgFunctions[tokens[i-1].text])
		case ")":
			if n := len(stack); n > 0 {
				stack = stack[:n-1]
			}
		default:
			if len(stack) > 0 && stack[len(stack)-1] {
				marked[i] = true
			}
		}
	}
	return marked
}

// clauseWords can follow a relation and are never aliases.
var clauseWords = map[string]bool{
	"where": true, "join": true, "inner": true, "left": true, "right": true, "full": true,
	"cross": true, "on": true, "group": true, "order": true, "limit": true, "offset": true,
	"having": true, "union": true, "intersect": true, "except": true, "natural": true,
	"using": true, "window": true, "fetch": true, "for": true,
}

func tokenizeSQL(q string) ([]sqlToken, error) {
	var tokens []sqlToken
	rs := []rune(q)
	for i := 0; i < len(rs); {
		c := rs[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '-' && i+1 < len(rs) && rs[i+1] == '-',
			c == '/' && i+1 < len(rs) && rs[i+1] == '*':
			return nil, invalidSQL("comments are not allowed")
		case c == ';':
			return nil, invalidSQL("multiple statements are not allowed")
		case c == '"':
			return nil, invalidSQL("quoted identifiers are not allowed")
		case c == '$':
			return nil, invalidSQL("dollar quoting and parameters are not allowed")
		case c == '\'':
			// string literal; '' escapes a quote
			j := i + 1
			for {
				if j >= len(rs) {
					return nil, invalidSQL("unterminated string literal")
				}
				if rs[j] == '\'' {
					if j+1 < len(rs) && rs[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			tokens = append(tokens, sqlToken{text: "'"})
			i = j + 1
		case c == '_' || unicode.IsLetter(c):
			j := i
			for j < len(rs) && (rs[j] == '_' || unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j])) {
				j++
			}
			tokens = append(tokens, sqlToken{text: strings.ToLower(string(rs[i:j])), word: true})
			i = j
		case unicode.IsDigit(c):
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			tokens = append(tokens, sqlToken{text: "0"})
			i = j
		default:
			tokens = append(tokens, sqlToken{text: string(c)})
			i++
		}
	}
	return tokens, nil
}

func invalidSQL(reason string) error {
	return &ValidationError{Field: "sql", Reason: reason}
}
