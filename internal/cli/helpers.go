package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/picklr-io/inferstack/internal/engine"
	"github.com/picklr-io/inferstack/internal/eval"
	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/provider"
	"github.com/picklr-io/inferstack/internal/state"
)

const defaultUnit = "default"

// entryPoints are tried in order when no document is named.
var entryPoints = []string{"main.pkl", "main.yaml", "main.yml", "main.json"}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

func (o *options) colorize(code string) string {
	if o.noColor {
		return ""
	}
	return code
}

// resolveDocument returns the project directory and document file name for
// the optional path argument, which may name a directory or a file.
func resolveDocument(args []string) (dir, entry string, err error) {
	dir, err = os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("failed to get working directory: %w", err)
	}

	if len(args) > 0 {
		absPath, err := filepath.Abs(args[0])
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve path %s: %w", args[0], err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return "", "", fmt.Errorf("failed to stat path %s: %w", args[0], err)
		}
		if !info.IsDir() {
			return filepath.Dir(absPath), filepath.Base(absPath), nil
		}
		dir = absPath
	}

	for _, name := range entryPoints {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return dir, name, nil
		}
	}
	return "", "", fmt.Errorf("no document found in %s (run 'inferstack init')", dir)
}

func (o *options) loadDocument(ctx context.Context, args []string, props map[string]string) (*ir.Config, string, error) {
	dir, entry, err := resolveDocument(args)
	if err != nil {
		return nil, "", err
	}
	doc, err := eval.NewEvaluator(dir).Load(ctx, filepath.Join(dir, entry), props)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load %s: %w", entry, err)
	}
	return doc, dir, nil
}

// unitName picks the unit a state command works on: --unit, then the unit of
// the document in the project directory.
func (o *options) unitName(ctx context.Context, args []string) (string, string, error) {
	if o.unit != "" {
		dir, err := os.Getwd()
		if err != nil {
			return "", "", fmt.Errorf("failed to get working directory: %w", err)
		}
		if len(args) > 0 {
			if dir, err = filepath.Abs(args[0]); err != nil {
				return "", "", err
			}
		}
		return o.unit, dir, nil
	}

	doc, dir, err := o.loadDocument(ctx, args, nil)
	if err != nil {
		return "", "", err
	}
	return unitOf(doc), dir, nil
}

func unitOf(doc *ir.Config) string {
	if doc.Unit != "" {
		return doc.Unit
	}
	return defaultUnit
}

// stateDir is the local state directory, relative paths resolved against the
// project directory.
func (o *options) stateDir(projectDir string) string {
	if filepath.IsAbs(o.cfg.StateDir) {
		return o.cfg.StateDir
	}
	return filepath.Join(projectDir, o.cfg.StateDir)
}

func (o *options) openUnit(projectDir, name string) (*engine.Unit, error) {
	conf := o.cfg.BackendConfig()
	if o.cfg.StateBackend == "local" || o.cfg.StateBackend == "" {
		conf["dir"] = o.stateDir(projectDir)
	}
	backend, err := state.NewBackend(&state.BackendConfig{Type: o.cfg.StateBackend, Config: conf}, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open state of unit %s: %w", name, err)
	}
	return engine.NewUnit(name, backend), nil
}

// newEngine builds an engine from the runtime configuration. When out is not
// nil, apply progress is printed to it.
func (o *options) newEngine(out io.Writer) *engine.Engine {
	registry := provider.NewRegistry(provider.WithAWSRegion(o.cfg.Region))
	eng := engine.NewEngine(registry)
	eng.DefaultProvider = o.cfg.Provider
	eng.ConvergeTimeout = o.cfg.ConvergeTimeout
	eng.PollInterval = o.cfg.PollInterval
	if out != nil {
		eng.OnEvent = o.progress(out)
	}
	return eng
}

func (o *options) progress(out io.Writer) engine.ApplyCallback {
	return func(ev engine.ApplyEvent) {
		switch ev.Status {
		case "started":
			fmt.Fprintf(out, "%s: %s...\n", ev.Address, ev.Action)
		case "converging":
			fmt.Fprintf(out, "%s: waiting to converge...\n", ev.Address)
		case "completed":
			fmt.Fprintf(out, "%s%s: %s complete after %s%s\n", o.colorize(colorGreen), ev.Address, ev.Action, ev.Duration.Round(100*time.Millisecond), o.colorize(colorReset))
		case "failed":
			fmt.Fprintf(out, "%s%s: %s failed: %v%s\n", o.colorize(colorRed), ev.Address, ev.Action, ev.Error, o.colorize(colorReset))
		}
	}
}

func actionColor(action string) string {
	switch action {
	case ir.ActionCreate:
		return colorGreen
	case ir.ActionDelete:
		return colorRed
	case ir.ActionUpdate:
		return colorYellow
	default:
		return colorReset
	}
}

func actionSymbol(action string) string {
	switch action {
	case ir.ActionCreate:
		return "+"
	case ir.ActionDelete:
		return "-"
	case ir.ActionUpdate:
		return "~"
	default:
		return " "
	}
}

// renderPlanChanges prints the detailed change list for a plan.
func (o *options) renderPlanChanges(out io.Writer, plan *ir.Plan) {
	reset := o.colorize(colorReset)
	for _, change := range plan.Changes {
		if change.Action == ir.ActionNoop {
			continue
		}
		color := o.colorize(actionColor(change.Action))

		fmt.Fprintf(out, "\n%s  # %s will be %sd%s\n", color, change.Address, verb(change.Action), reset)
		fmt.Fprintf(out, "%s  %s %s %q {\n", color, actionSymbol(change.Action), change.Kind, change.Address)
		for _, key := range sortedKeys(change.Diff) {
			o.renderPropertyDiff(out, key, change.Diff[key])
		}
		fmt.Fprintf(out, "%s    }%s\n", color, reset)
	}
}

func verb(action string) string {
	switch action {
	case ir.ActionCreate:
		return "create"
	case ir.ActionDelete:
		return "delete"
	default:
		return "update"
	}
}

// renderPropertyDiff prints one structured property diff.
func (o *options) renderPropertyDiff(out io.Writer, key string, diff *ir.PropertyDiff) {
	reset := o.colorize(colorReset)
	switch diff.Action {
	case ir.ActionCreate:
		fmt.Fprintf(out, "%s      + %s = %s%s\n", o.colorize(colorGreen), key, formatValue(diff.After), reset)
	case ir.ActionDelete:
		fmt.Fprintf(out, "%s      - %s = %s%s\n", o.colorize(colorRed), key, formatValue(diff.Before), reset)
	case ir.ActionUpdate:
		fmt.Fprintf(out, "%s      ~ %s = %s -> %s%s\n", o.colorize(colorYellow), key, formatValue(diff.Before), formatValue(diff.After), reset)
	default:
		fmt.Fprintf(out, "        %s = %s\n", key, formatValue(diff.After))
	}
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// renderPlanSummary prints the plan summary counts.
func renderPlanSummary(out io.Writer, plan *ir.Plan) {
	fmt.Fprintln(out, "\nPlan Summary:")
	fmt.Fprintf(out, "  Create:  %d\n", plan.Summary.Create)
	fmt.Fprintf(out, "  Update:  %d\n", plan.Summary.Update)
	fmt.Fprintf(out, "  Delete:  %d\n", plan.Summary.Delete)
	fmt.Fprintf(out, "  NoOp:    %d\n", plan.Summary.NoOp)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
