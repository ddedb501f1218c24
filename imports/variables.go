// Copyright © 2024 The robotdev authors

package imports

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// IsDataVariablesFile reports whether source is a YAML or JSON variables
// file, which is loaded without a worker.
func IsDataVariablesFile(source string) bool {
	switch strings.ToLower(filepath.Ext(source)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadDataVariables reads a YAML or JSON variables file. The top level must
// be a mapping; every key becomes a scalar variable.
func LoadDataVariables(source string) ([]VariableDef, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, err
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, ErrorDetail{Message: err.Error(), Type: "YAMLError", Source: source}
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, ErrorDetail{
			Message: fmt.Sprintf("variable file must be a mapping, got %s", nodeKind(doc)),
			Type:    "DataError",
			Source:  source,
			LineNo:  doc.Line,
		}
	}
	vars := make([]VariableDef, 0, len(doc.Content)/2)
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, val := doc.Content[i], doc.Content[i+1]
		if key.Kind != yaml.ScalarNode {
			return nil, ErrorDetail{Message: "variable names must be strings", Type: "DataError", Source: source, LineNo: key.Line}
		}
		text, err := nodeText(val)
		if err != nil {
			return nil, ErrorDetail{Message: err.Error(), Type: "DataError", Source: source, LineNo: val.Line}
		}
		vars = append(vars, VariableDef{
			Name:   "${" + key.Value + "}",
			Value:  text,
			Source: source,
			LineNo: key.Line,
		})
	}
	return vars, nil
}

func nodeText(n *yaml.Node) (string, error) {
	if n.Kind == yaml.ScalarNode {
		if n.Tag == "!!null" {
			return "None", nil
		}
		return n.Value, nil
	}
	var v any
	if err := n.Decode(&v); err != nil {
		return "", err
	}
	b, err := json.Marshal(normalize(v))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// normalize converts the map[any]any values yaml may produce for non-string
// keys into JSON-encodable maps.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = normalize(e)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		for i, e := range x {
			x[i] = normalize(e)
		}
		return x
	}
	return v
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.SequenceNode:
		return "a list"
	case yaml.ScalarNode:
		return "a scalar"
	}
	return "an unsupported value"
}
