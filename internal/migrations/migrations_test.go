package migrations

import (
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeSchemaState(t *testing.T) {
	cases := []struct {
		name   string
		tables []string
		want   SchemaState
	}{
		{"empty", nil, SchemaEmpty},
		{"complete", []string{"fsm_states", "group_tokens"}, SchemaComplete},
		{"extra tables", []string{"fsm_states", "group_tokens", "legacy"}, SchemaUnknown},
		{"partial", []string{"fsm_states"}, SchemaPartial},
		{"only foreign tables", []string{"legacy"}, SchemaEmpty},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, AnalyzeSchemaState(tc.tables))
		})
	}
}

func TestSplitSQLCommands(t *testing.T) {
	src := `
-- comment
CREATE TABLE a (id INT); -- trailing
/* block
comment */
CREATE FUNCTION f() RETURNS trigger AS $$
BEGIN
  RETURN NEW;
END;
$$ LANGUAGE plpgsql;
INSERT INTO a VALUES (1)`

	cmds := SplitSQLCommands(src)
	require.Len(t, cmds, 3)
	assert.Equal(t, "CREATE TABLE a (id INT);", cmds[0])
	assert.Contains(t, cmds[1], "RETURN NEW;")
	assert.Contains(t, cmds[1], "LANGUAGE plpgsql;")
	assert.Equal(t, "INSERT INTO a VALUES (1)", cmds[2])
}

func TestEmbeddedSchemaCreatesExpectedTables(t *testing.T) {
	cmds := SplitSQLCommands(initialSchema)
	require.NotEmpty(t, cmds)
	for _, table := range ExpectedSchema {
		found := slices.ContainsFunc(cmds, func(cmd string) bool {
			return strings.HasPrefix(cmd, "CREATE TABLE IF NOT EXISTS "+table.Name+" ")
		})
		assert.True(t, found, "no CREATE TABLE for %s", table.Name)
		for _, column := range table.Columns {
			assert.Contains(t, initialSchema, column)
		}
	}
}
