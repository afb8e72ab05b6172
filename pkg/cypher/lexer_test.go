package cypher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(toks []Token) []TokenKind {
	out := make([]TokenKind, len(toks))
	for i, t := range toks {
		out[i] = t.Kind
	}
	return out
}

func TestLex(t *testing.T) {
	t.Run("keywords_are_case_insensitive", func(t *testing.T) {
		toks, err := Lex("match (n) Return n")
		require.NoError(t, err)
		assert.Equal(t, TokKeyword, toks[0].Kind)
		assert.Equal(t, "MATCH", toks[0].Text)
		assert.Equal(t, "match", toks[0].Raw)
		assert.Equal(t, "RETURN", toks[4].Text)
		assert.Equal(t, TokEOF, toks[len(toks)-1].Kind)
	})

	t.Run("literals", func(t *testing.T) {
		toks, err := Lex(`'it\'s' "tab\there" 42 3.5 1e3 $name ` + "`weird name`")
		require.NoError(t, err)
		require.Equal(t, []TokenKind{TokString, TokString, TokInt, TokFloat, TokFloat, TokParam, TokIdent, TokEOF}, kinds(toks))
		assert.Equal(t, "it's", toks[0].Value)
		assert.Equal(t, "tab\there", toks[1].Value)
		assert.Equal(t, int64(42), toks[2].Value)
		assert.Equal(t, 3.5, toks[3].Value)
		assert.Equal(t, 1000.0, toks[4].Value)
		assert.Equal(t, "name", toks[5].Text)
		assert.Equal(t, "weird name", toks[6].Text)
	})

	t.Run("unicode_escape", func(t *testing.T) {
		toks, err := Lex(`'caf\u00e9'`)
		require.NoError(t, err)
		assert.Equal(t, "café", toks[0].Value)
	})

	t.Run("range_is_not_a_float", func(t *testing.T) {
		toks, err := Lex("*1..3")
		require.NoError(t, err)
		require.Equal(t, []TokenKind{TokPunct, TokInt, TokPunct, TokInt, TokEOF}, kinds(toks))
		assert.Equal(t, "..", toks[2].Text)
	})

	t.Run("operators", func(t *testing.T) {
		toks, err := Lex("<> != <= >= += -> <-")
		require.NoError(t, err)
		var texts []string
		for _, tok := range toks[:len(toks)-1] {
			texts = append(texts, tok.Text)
		}
		assert.Equal(t, []string{"<>", "!=", "<=", ">=", "+=", "-", ">", "<", "-"}, texts)
	})

	t.Run("comments_are_skipped", func(t *testing.T) {
		toks, err := Lex("MATCH // trailing\n(n) /* block\ncomment */ RETURN n")
		require.NoError(t, err)
		assert.Len(t, toks, 7)
	})

	t.Run("errors_carry_position", func(t *testing.T) {
		cases := map[string]int{
			"RETURN 'open":    7,
			"RETURN `open":    7,
			"RETURN 1 # 2":    9,
			"RETURN 12abc":    7,
			"RETURN $":        7,
			"MATCH (n)\n  ^ ": 12,
		}
		for q, pos := range cases {
			_, err := Lex(q)
			var se *SyntaxError
			require.True(t, errors.As(err, &se), q)
			assert.Equal(t, pos, se.Position, q)
		}
	})

	t.Run("line_and_column", func(t *testing.T) {
		_, err := Lex("MATCH (n)\nRETURN n ?")
		var se *SyntaxError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, 2, se.Line)
		assert.Equal(t, 10, se.Column)
		assert.Contains(t, se.Error(), "line 2, column 10")
	})
}
