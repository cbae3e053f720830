// Package eval loads provisioning documents written in PKL, YAML or JSON into
// an ir.Config.
package eval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/apple/pkl-go/pkl"
	"gopkg.in/yaml.v3"

	"github.com/picklr-io/inferstack/internal/ir"
)

// renderExpr renders a PKL module as JSON. Durations become seconds, which
// ir.Duration accepts.
const renderExpr = `new JsonRenderer { converters { [Duration] = (it) -> it.toUnit("s").value } }.renderDocument(module)`

// Evaluator handles document evaluation into IR types.
type Evaluator struct {
	projectDir string
}

func NewEvaluator(projectDir string) *Evaluator {
	return &Evaluator{
		projectDir: projectDir,
	}
}

// Load reads the document at path, chosen by extension, and validates it.
func (e *Evaluator) Load(ctx context.Context, path string, properties map[string]string) (*ir.Config, error) {
	var (
		cfg *ir.Config
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pkl":
		cfg, err = e.LoadConfig(ctx, path, properties)
	case ".yaml", ".yml":
		cfg, err = e.loadYAML(path)
	case ".json":
		cfg, err = e.loadJSON(path)
	default:
		return nil, fmt.Errorf("unsupported document %s: want .pkl, .yaml or .json", path)
	}
	if err != nil {
		return nil, err
	}

	normalize(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid document %s: %w", path, err)
	}
	return cfg, nil
}

func (e *Evaluator) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.projectDir, path)
}

// LoadConfig evaluates a PKL module and returns the IR.
func (e *Evaluator) LoadConfig(ctx context.Context, entryPoint string, properties map[string]string) (*ir.Config, error) {
	opts := []func(*pkl.EvaluatorOptions){pkl.PreconfiguredOptions}
	if len(properties) > 0 {
		opts = append(opts, func(o *pkl.EvaluatorOptions) {
			if o.Properties == nil {
				o.Properties = make(map[string]string)
			}
			for k, v := range properties {
				o.Properties[k] = v
			}
		})
	}

	var (
		evaluator pkl.Evaluator
		err       error
	)
	if _, statErr := os.Stat(filepath.Join(e.projectDir, "PklProject")); statErr == nil {
		u, err := url.Parse("file://" + e.projectDir + "/")
		if err != nil {
			return nil, fmt.Errorf("failed to parse project directory URL: %w", err)
		}
		evaluator, err = pkl.NewProjectEvaluator(ctx, u, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
		}
	} else {
		evaluator, err = pkl.NewEvaluator(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
		}
	}
	defer evaluator.Close()

	var rendered string
	if err := evaluator.EvaluateExpression(ctx, pkl.FileSource(e.resolve(entryPoint)), renderExpr, &rendered); err != nil {
		return nil, fmt.Errorf("failed to evaluate config: %w", err)
	}

	var cfg ir.Config
	if err := json.Unmarshal([]byte(rendered), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode evaluated config: %w", err)
	}
	return &cfg, nil
}

func (e *Evaluator) loadYAML(path string) (*ir.Config, error) {
	data, err := os.ReadFile(e.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return DecodeYAML(data)
}

// DecodeYAML parses a YAML provisioning document. Unknown fields are rejected.
func DecodeYAML(data []byte) (*ir.Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg ir.Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	return &cfg, nil
}

func (e *Evaluator) loadJSON(path string) (*ir.Config, error) {
	data, err := os.ReadFile(e.resolve(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var cfg ir.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse json: %w", err)
	}
	return &cfg, nil
}

// normalize rewrites decoded property values into the JSON-compatible shapes
// the engine hashes and diffs.
func normalize(cfg *ir.Config) {
	for _, r := range cfg.Resources {
		if r.Properties == nil {
			r.Properties = map[string]any{}
		}
		for k, v := range r.Properties {
			r.Properties[k] = normalizeValue(v)
		}
	}
	for k, v := range cfg.Outputs {
		cfg.Outputs[k] = normalizeValue(v)
	}
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			val[k] = normalizeValue(child)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[fmt.Sprint(k)] = normalizeValue(child)
		}
		return out
	case []any:
		for i, child := range val {
			val[i] = normalizeValue(child)
		}
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case pkl.Duration:
		return val.GoDuration().String()
	default:
		return v
	}
}
