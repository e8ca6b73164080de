package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// ParseBytes decodes a config document. Files ending in .yaml or .yml are
// YAML; anything else is JSON. ${VAR} references are expanded before
// decoding, and unknown keys are errors in both formats.
func ParseBytes(name string, data []byte) (*Config, error) {
	data, err := expandEnv(data)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if data, err = yamlToJSON(data); err != nil {
			return nil, err
		}
	}
	return decodeStrict(data)
}

// yamlToJSON re-encodes a YAML mapping so the JSON decoder can enforce
// DisallowUnknownFields on it too.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	switch doc.(type) {
	case nil:
		return []byte("{}"), nil
	case map[string]any, map[any]any:
	default:
		return nil, fmt.Errorf("yaml: document must be a mapping of sections, got %T", doc)
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml: re-encode: %w", err)
	}
	return out, nil
}

// stringKeys rewrites nested map[any]any nodes, which encoding/json cannot
// marshal, into map[string]any.
func stringKeys(node any) any {
	switch n := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range n {
			n[k] = stringKeys(v)
		}
	case []any:
		for i, v := range n {
			n[i] = stringKeys(v)
		}
	}
	return node
}

func decodeStrict(data []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	cfg := new(Config)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	var extra json.RawMessage
	switch err := dec.Decode(&extra); {
	case errors.Is(err, io.EOF):
		return cfg, nil
	case err != nil:
		return nil, err
	default:
		return nil, errors.New("config: unexpected data after the document")
	}
}

// hashConfig fingerprints the decoded config so reloads that only touch
// comments or whitespace are ignored.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
