package tool

import (
	"fmt"

	"github.com/hupe1980/agentos/logging"
)

// AssemblyOptions configures Assemble.
type AssemblyOptions struct {
	// Strict marks assembled functions for strict structured-output mode.
	// Set it when the model declares native structured-output support, an
	// output schema is present and JSON mode is not forced.
	Strict bool

	// Logger receives skip notices for tools that fail construction.
	Logger logging.Logger
}

// Assemble converts a heterogeneous entry list into the final function-call
// table for one run.
//
// Rules:
//   - map entries are opaque provider builtins, passed through unmodified
//   - toolkits expand into their constituent tools
//   - duplicate names are dropped silently, first registration wins
//   - a tool whose construction fails is logged and excluded; one bad tool
//     must not prevent using the others
//   - errors in the copy-and-strict-processing step abort assembly:
//     malformed tool metadata is a hard stop
func Assemble(entries []Entry, optFns ...func(o *AssemblyOptions)) ([]*Function, error) {
	opts := AssemblyOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	var collected []*Function

	for _, entry := range entries {
		switch e := entry.(type) {
		case nil:
			continue
		case map[string]any:
			collected = append(collected, NewBuiltin(e))
		case *Function:
			collected = append(collected, e)
		case Toolkit:
			for _, t := range e.Tools() {
				fn, err := fromTool(t)
				if err != nil {
					opts.Logger.Warn("tool.assembly.skip", "toolkit", e.Name(), "error", err.Error())
					continue
				}
				collected = append(collected, fn)
			}
		case Tool:
			fn, err := fromTool(e)
			if err != nil {
				opts.Logger.Warn("tool.assembly.skip", "error", err.Error())
				continue
			}
			collected = append(collected, fn)
		default:
			return nil, fmt.Errorf("unsupported tool entry type %T", entry)
		}
	}

	// De-duplicate by name, first registration wins.
	seen := make(map[string]bool, len(collected))
	deduped := collected[:0]
	for _, fn := range collected {
		if seen[fn.Name()] {
			continue
		}
		seen[fn.Name()] = true
		deduped = append(deduped, fn)
	}

	// Copy-and-strict-processing: run-scoped clones so strict marking never
	// leaks into the entity's configured instances. Errors here abort.
	result := make([]*Function, 0, len(deduped))
	for _, fn := range deduped {
		c := fn.clone()
		if opts.Strict && !c.strictDisabled && !c.IsBuiltin() {
			if err := validateStrict(c); err != nil {
				return nil, err
			}
			c.strict = true
		}
		result = append(result, c)
	}

	return result, nil
}

// validateStrict enforces the schema shape strict mode requires.
func validateStrict(f *Function) error {
	params := f.Parameters()
	if params == nil {
		return fmt.Errorf("function %s: strict mode requires a parameter schema", f.Name())
	}
	if _, ok := params["type"]; !ok {
		return fmt.Errorf("function %s: strict mode requires a typed parameter schema", f.Name())
	}
	return nil
}

// AnyRequiresMedia reports whether any assembled function declared a media
// requirement; the run collects its joint media context once in that case.
func AnyRequiresMedia(fns []*Function) bool {
	for _, fn := range fns {
		if fn.RequiresMedia() {
			return true
		}
	}
	return false
}

// fromTool adapts a Tool into an assembled Function.
func fromTool(t Tool) (*Function, error) {
	if t == nil {
		return nil, fmt.Errorf("nil tool")
	}
	if t.Name() == "" {
		return nil, fmt.Errorf("tool of type %T has empty name", t)
	}
	if f, ok := t.(*Function); ok {
		return f, nil
	}
	return New(t.Name(), t.Description(), t.Execute, func(o *Options) {
		o.Parameters = t.Parameters()
	})
}
