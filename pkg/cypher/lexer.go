package cypher

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenKind classifies a lexical token.
type TokenKind uint8

const (
	TokEOF TokenKind = iota
	TokIdent
	TokKeyword
	TokString
	TokInt
	TokFloat
	TokParam
	TokPunct
)

func (k TokenKind) String() string {
	switch k {
	case TokEOF:
		return "end of input"
	case TokIdent:
		return "identifier"
	case TokKeyword:
		return "keyword"
	case TokString:
		return "string"
	case TokInt:
		return "integer"
	case TokFloat:
		return "float"
	case TokParam:
		return "parameter"
	case TokPunct:
		return "symbol"
	default:
		return fmt.Sprintf("token(%d)", uint8(k))
	}
}

// Token is one lexical unit. Text holds the source spelling (unquoted for
// strings and backtick identifiers, upper-cased for keywords); Value holds
// the decoded literal for strings and numbers.
type Token struct {
	Kind  TokenKind
	Text  string
	Raw   string
	Value any
	Pos   int
}

func (t Token) String() string {
	switch t.Kind {
	case TokEOF:
		return "end of input"
	case TokString:
		return strconv.Quote(t.Text)
	case TokParam:
		return "$" + t.Text
	default:
		return fmt.Sprintf("%q", t.Raw)
	}
}

var keywords = map[string]struct{}{
	"MATCH": {}, "WHERE": {}, "RETURN": {}, "CREATE": {}, "SET": {},
	"DELETE": {}, "DETACH": {}, "REMOVE": {}, "ORDER": {}, "BY": {},
	"LIMIT": {}, "SKIP": {}, "ASC": {}, "ASCENDING": {}, "DESC": {},
	"DESCENDING": {}, "AND": {}, "OR": {}, "XOR": {}, "NOT": {}, "AS": {},
	"DISTINCT": {}, "IS": {}, "NULL": {}, "TRUE": {}, "FALSE": {}, "IN": {},
	"CONTAINS": {}, "STARTS": {}, "ENDS": {}, "WITH": {},
}

// SyntaxError reports text the lexer cannot tokenize.
type SyntaxError struct {
	Position int // Byte offset into the query
	Line     int
	Column   int
	Message  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d, column %d: %s", e.Line, e.Column, e.Message)
}

// lineCol converts a byte offset into a 1-based line and column.
func lineCol(src string, pos int) (int, int) {
	if pos > len(src) {
		pos = len(src)
	}
	line := 1 + strings.Count(src[:pos], "\n")
	col := pos - strings.LastIndexByte(src[:pos], '\n')
	return line, col
}

type lexer struct {
	src string
	pos int
}

// Lex splits a query into tokens, ending with a TokEOF token.
func Lex(src string) ([]Token, error) {
	lx := &lexer{src: src}
	var toks []Token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.Kind == TokEOF {
			return toks, nil
		}
	}
}

func (lx *lexer) errorf(pos int, format string, args ...any) error {
	line, col := lineCol(lx.src, pos)
	return &SyntaxError{Position: pos, Line: line, Column: col, Message: fmt.Sprintf(format, args...)}
}

func (lx *lexer) peekByte(off int) byte {
	if lx.pos+off < len(lx.src) {
		return lx.src[lx.pos+off]
	}
	return 0
}

func (lx *lexer) skipSpaceAndComments() error {
	for lx.pos < len(lx.src) {
		r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
		switch {
		case unicode.IsSpace(r):
			lx.pos += size
		case r == '/' && lx.peekByte(1) == '/':
			end := strings.IndexByte(lx.src[lx.pos:], '\n')
			if end < 0 {
				lx.pos = len(lx.src)
			} else {
				lx.pos += end + 1
			}
		case r == '/' && lx.peekByte(1) == '*':
			end := strings.Index(lx.src[lx.pos+2:], "*/")
			if end < 0 {
				return lx.errorf(lx.pos, "unterminated comment")
			}
			lx.pos += end + 4
		default:
			return nil
		}
	}
	return nil
}

var twoCharOps = []string{"<>", "!=", "<=", ">=", "+=", ".."}

func (lx *lexer) next() (Token, error) {
	if err := lx.skipSpaceAndComments(); err != nil {
		return Token{}, err
	}
	start := lx.pos
	if start >= len(lx.src) {
		return Token{Kind: TokEOF, Pos: start}, nil
	}

	c := lx.src[start]
	switch {
	case c == '\'' || c == '"':
		return lx.lexString(c)
	case c == '`':
		end := strings.IndexByte(lx.src[start+1:], '`')
		if end < 0 {
			return Token{}, lx.errorf(start, "unterminated quoted identifier")
		}
		name := lx.src[start+1 : start+1+end]
		if name == "" {
			return Token{}, lx.errorf(start, "empty quoted identifier")
		}
		lx.pos = start + end + 2
		return Token{Kind: TokIdent, Text: name, Raw: lx.src[start:lx.pos], Pos: start}, nil
	case c == '$':
		lx.pos++
		name := lx.scanIdent()
		if name == "" {
			return Token{}, lx.errorf(start, "expected parameter name after '$'")
		}
		return Token{Kind: TokParam, Text: name, Raw: lx.src[start:lx.pos], Pos: start}, nil
	case isDigit(c) || (c == '.' && isDigit(lx.peekByte(1))):
		return lx.lexNumber()
	}

	r, _ := utf8.DecodeRuneInString(lx.src[start:])
	if r == '_' || unicode.IsLetter(r) {
		word := lx.scanIdent()
		upper := strings.ToUpper(word)
		if _, ok := keywords[upper]; ok {
			return Token{Kind: TokKeyword, Text: upper, Raw: word, Pos: start}, nil
		}
		return Token{Kind: TokIdent, Text: word, Raw: word, Pos: start}, nil
	}

	for _, op := range twoCharOps {
		if strings.HasPrefix(lx.src[start:], op) {
			lx.pos += 2
			return Token{Kind: TokPunct, Text: op, Raw: op, Pos: start}, nil
		}
	}
	if strings.ContainsRune("()[]{}:,.;|=<>+-*/%", rune(c)) {
		lx.pos++
		s := string(c)
		return Token{Kind: TokPunct, Text: s, Raw: s, Pos: start}, nil
	}
	return Token{}, lx.errorf(start, "unexpected character %q", r)
}

func (lx *lexer) scanIdent() string {
	start := lx.pos
	for lx.pos < len(lx.src) {
		r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		lx.pos += size
	}
	return lx.src[start:lx.pos]
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func (lx *lexer) lexNumber() (Token, error) {
	start := lx.pos
	float := false
	for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
		lx.pos++
	}
	// "1..3" is a range, not a float.
	if lx.peekByte(0) == '.' && isDigit(lx.peekByte(1)) {
		float = true
		lx.pos++
		for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
			lx.pos++
		}
	}
	if c := lx.peekByte(0); c == 'e' || c == 'E' {
		save := lx.pos
		lx.pos++
		if c := lx.peekByte(0); c == '+' || c == '-' {
			lx.pos++
		}
		if isDigit(lx.peekByte(0)) {
			float = true
			for lx.pos < len(lx.src) && isDigit(lx.src[lx.pos]) {
				lx.pos++
			}
		} else {
			lx.pos = save
		}
	}
	text := lx.src[start:lx.pos]
	if r, _ := utf8.DecodeRuneInString(lx.src[lx.pos:]); lx.pos < len(lx.src) && (unicode.IsLetter(r) || r == '_') {
		return Token{}, lx.errorf(start, "invalid number literal %q", text+string(r))
	}
	if float {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Token{}, lx.errorf(start, "invalid float literal %q", text)
		}
		return Token{Kind: TokFloat, Text: text, Raw: text, Value: f, Pos: start}, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return Token{}, lx.errorf(start, "integer literal %s out of range", text)
	}
	return Token{Kind: TokInt, Text: text, Raw: text, Value: n, Pos: start}, nil
}

func (lx *lexer) lexString(quote byte) (Token, error) {
	start := lx.pos
	lx.pos++
	var sb strings.Builder
	for {
		if lx.pos >= len(lx.src) {
			return Token{}, lx.errorf(start, "unterminated string literal")
		}
		c := lx.src[lx.pos]
		switch {
		case c == quote:
			lx.pos++
			s := sb.String()
			return Token{Kind: TokString, Text: s, Raw: lx.src[start:lx.pos], Value: s, Pos: start}, nil
		case c == '\\':
			if lx.pos+1 >= len(lx.src) {
				return Token{}, lx.errorf(start, "unterminated string literal")
			}
			esc := lx.src[lx.pos+1]
			lx.pos += 2
			switch esc {
			case '\\', '\'', '"':
				sb.WriteByte(esc)
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case 'b':
				sb.WriteByte('\b')
			case 'f':
				sb.WriteByte('\f')
			case 'u':
				if lx.pos+4 > len(lx.src) {
					return Token{}, lx.errorf(lx.pos-2, "invalid unicode escape")
				}
				code, err := strconv.ParseUint(lx.src[lx.pos:lx.pos+4], 16, 32)
				if err != nil {
					return Token{}, lx.errorf(lx.pos-2, "invalid unicode escape")
				}
				sb.WriteRune(rune(code))
				lx.pos += 4
			default:
				return Token{}, lx.errorf(lx.pos-2, "invalid escape sequence \\%c", esc)
			}
		default:
			sb.WriteByte(c)
			lx.pos++
		}
	}
}
