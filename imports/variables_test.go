// Copyright © 2024 The robotdev authors

package imports

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDataVariables(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "env.yml")
	writeFile(t, src, `
NAME: robot
EMPTY: null
USERS:
  - alice
  - bob
LIMITS:
  cpu: 2
`)
	vars, err := LoadDataVariables(src)
	require.NoError(t, err)
	require.Len(t, vars, 4)
	assert.Equal(t, VariableDef{Name: "${NAME}", Value: "robot", Source: src, LineNo: 2}, vars[0])
	assert.Equal(t, "None", vars[1].Value)
	assert.Equal(t, `["alice","bob"]`, vars[2].Value)
	assert.Equal(t, `{"cpu":2}`, vars[3].Value)
	assert.Equal(t, 7, vars[3].LineNo)
}

func TestLoadDataVariablesJSON(t *testing.T) {
	src := filepath.Join(t.TempDir(), "env.json")
	writeFile(t, src, `{"url": "http://localhost", "retries": 3}`)
	vars, err := LoadDataVariables(src)
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, "${url}", vars[0].Name)
	assert.Equal(t, "3", vars[1].Value)
}

func TestLoadDataVariablesErrors(t *testing.T) {
	dir := t.TempDir()

	list := filepath.Join(dir, "list.yaml")
	writeFile(t, list, "- a\n- b\n")
	_, err := LoadDataVariables(list)
	var detail ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, "DataError", detail.Type)
	assert.Contains(t, detail.Message, "must be a mapping")

	broken := filepath.Join(dir, "broken.yaml")
	writeFile(t, broken, "a: [1, 2\n")
	_, err = LoadDataVariables(broken)
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, "YAMLError", detail.Type)

	_, err = LoadDataVariables(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestIsDataVariablesFile(t *testing.T) {
	assert.True(t, IsDataVariablesFile("/a/vars.YAML"))
	assert.True(t, IsDataVariablesFile("vars.json"))
	assert.False(t, IsDataVariablesFile("vars.py"))
}
