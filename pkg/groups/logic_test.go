package groups

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func set(ids ...string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func TestParseLogic_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"dangling operator", "1 AND"},
		{"leading operator", "OR 2"},
		{"unclosed paren", "(1 OR 2"},
		{"stray close paren", "1)"},
		{"zero index", "0"},
		{"negative-ish token", "abc"},
		{"adjacent indices", "1 2"},
		{"bad character", "1 & 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseLogic(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestLogic_Evaluate(t *testing.T) {
	sets := []map[string]bool{
		set("a", "b", "c"),
		set("b", "c", "d"),
		set("c"),
	}
	universe := set("a", "b", "c", "d", "e")

	tests := []struct {
		expr string
		want []string
	}{
		{"1", []string{"a", "b", "c"}},
		{"1 AND 2", []string{"b", "c"}},
		{"1 OR 2", []string{"a", "b", "c", "d"}},
		{"NOT 1", []string{"d", "e"}},
		{"1 AND NOT 3", []string{"a", "b"}},
		{"(1 OR 2) AND NOT 3", []string{"a", "b", "d"}},
		{"NOT (1 OR 2)", []string{"e"}},
		{"1 and 2 or 3", []string{"b", "c"}},
		{"not not 3", []string{"c"}},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			logic, err := ParseLogic(tt.expr)
			require.NoError(t, err)

			got := logic.Evaluate(sets, universe)
			var ids []string
			for id := range got {
				ids = append(ids, id)
			}
			assert.ElementsMatch(t, tt.want, ids)
		})
	}
}

// AND binds tighter than OR.
func TestLogic_Precedence(t *testing.T) {
	sets := []map[string]bool{
		set("a"),
		set("b"),
		set("b", "c"),
	}
	universe := set("a", "b", "c")

	logic, err := ParseLogic("1 OR 2 AND 3")
	require.NoError(t, err)

	got := logic.Evaluate(sets, universe)
	assert.ElementsMatch(t, []string{"a", "b"}, keysOf(got))

	grouped, err := ParseLogic("(1 OR 2) AND 3")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b"}, keysOf(grouped.Evaluate(sets, universe)))
}

func TestLogic_MaxIndex(t *testing.T) {
	logic, err := ParseLogic("(1 OR 4) AND NOT 2")
	require.NoError(t, err)
	assert.Equal(t, 4, logic.MaxIndex())
}

// An index past the provided sets evaluates to the empty set.
func TestLogic_OutOfRangeIndexIsEmpty(t *testing.T) {
	logic, err := ParseLogic("3")
	require.NoError(t, err)

	got := logic.Evaluate([]map[string]bool{set("a")}, set("a"))
	assert.Empty(t, got)
}

func keysOf(m map[string]bool) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
