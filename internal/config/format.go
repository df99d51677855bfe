package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Format is the on-disk encoding of a config file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatOf picks the format from the file extension; anything that is not
// .yaml or .yml is read as JSON.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// toJSON returns data as JSON so both formats go through the same strict
// decoder.
func toJSON(f Format, data []byte) ([]byte, error) {
	if f != FormatYAML {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	doc, err := jsonable(doc, "")
	if err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return json.Marshal(doc)
}

// jsonable rewrites YAML maps to string-keyed maps. Keys that collide once
// stringified (1 and "1") are rejected instead of silently merged.
func jsonable(v any, at string) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			conv, err := jsonable(e, at+"."+k)
			if err != nil {
				return nil, err
			}
			x[k] = conv
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			key := fmt.Sprint(k)
			if _, dup := m[key]; dup {
				return nil, fmt.Errorf("%s: duplicate key %q", strings.TrimPrefix(at+"."+key, "."), key)
			}
			conv, err := jsonable(e, at+"."+key)
			if err != nil {
				return nil, err
			}
			m[key] = conv
		}
		return m, nil
	case []any:
		for i, e := range x {
			conv, err := jsonable(e, fmt.Sprintf("%s[%d]", at, i))
			if err != nil {
				return nil, err
			}
			x[i] = conv
		}
		return x, nil
	default:
		return v, nil
	}
}
