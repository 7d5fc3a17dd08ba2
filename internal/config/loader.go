package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// includeKey marks a nested file to merge into the enclosing document.
const includeKey = "$include"

// Load reads a configuration file, resolves $include directives, expands
// environment variables, applies defaults, and validates the result.
// Supported extensions: .yaml, .yml, .json, .json5.
func Load(path string) (*Config, error) {
	raw, err := loadRaw(path, map[string]bool{})
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := decodeStrict(raw, cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// loadRaw parses one file into a generic map, recursively resolving
// $include entries relative to the including file. The visited set breaks
// include cycles.
func loadRaw(path string, visited map[string]bool) (map[string]interface{}, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if visited[abs] {
		return nil, fmt.Errorf("include cycle detected at %s", path)
	}
	visited[abs] = true

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	doc := map[string]interface{}{}
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(expanded, &doc); err != nil {
			return nil, fmt.Errorf("parsing yaml %s: %w", path, err)
		}
	case ".json", ".json5":
		if err := json5.Unmarshal(expanded, &doc); err != nil {
			return nil, fmt.Errorf("parsing json %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q", filepath.Ext(abs))
	}

	return resolveIncludes(doc, filepath.Dir(abs), visited)
}

// resolveIncludes walks the document and merges any $include files into the
// map that declares them. Included values are overridden by sibling keys.
func resolveIncludes(doc map[string]interface{}, baseDir string, visited map[string]bool) (map[string]interface{}, error) {
	result := map[string]interface{}{}

	if inc, ok := doc[includeKey]; ok {
		paths, err := includePaths(inc)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			if !filepath.IsAbs(p) {
				p = filepath.Join(baseDir, p)
			}
			included, err := loadRaw(p, visited)
			if err != nil {
				return nil, err
			}
			result = mergeMaps(result, included)
		}
	}

	for key, value := range doc {
		if key == includeKey {
			continue
		}
		if nested, ok := value.(map[string]interface{}); ok {
			resolved, err := resolveIncludes(nested, baseDir, visited)
			if err != nil {
				return nil, err
			}
			result = mergeMaps(result, map[string]interface{}{key: resolved})
			continue
		}
		result = mergeMaps(result, map[string]interface{}{key: value})
	}
	return result, nil
}

func includePaths(v interface{}) ([]string, error) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []interface{}:
		paths := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings, got %T", item)
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("$include must be a string or list of strings, got %T", v)
	}
}

// mergeMaps deep-merges b over a. Nested maps merge recursively; any other
// value in b replaces the value in a.
func mergeMaps(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if existing, ok := out[k].(map[string]interface{}); ok {
			if next, ok := v.(map[string]interface{}); ok {
				out[k] = mergeMaps(existing, next)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// decodeStrict round-trips the merged document through YAML with unknown
// fields rejected, so typos in config keys fail loudly at startup.
func decodeStrict(doc map[string]interface{}, cfg *Config) error {
	buf, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}
