package covconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"go.starlark.net/starlark"
)

// DefaultStarlarkTimeout is the default execution timeout for Starlark
// config files.
const DefaultStarlarkTimeout = 5 * time.Second

// ErrConfigureNotFound is returned when the config file doesn't define a
// configure() function.
var ErrConfigureNotFound = errors.New("starcov.config.star must define a configure() function")

// ErrConfigureReturnType is returned when configure() doesn't return a dict.
var ErrConfigureReturnType = errors.New("configure() must return a dict")

// LoadStarlarkConfig loads a Config from a Starlark file. The file must
// define a configure() function returning a dict. Execution is sandboxed: no
// filesystem or network access beyond the predeclared builtins, and a hard
// timeout.
func LoadStarlarkConfig(path string, timeout time.Duration) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	thread := &starlark.Thread{Name: path}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("execution timeout")
		case <-done:
		}
	}()
	defer close(done)

	globals, err := starlark.ExecFile(thread, path, data, configPredeclared())
	if err != nil {
		return nil, fmt.Errorf("executing config %s: %w", path, err)
	}

	configureFn, ok := globals["configure"]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrConfigureNotFound)
	}

	fn, ok := configureFn.(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("%s: configure must be a function, got %s", path, configureFn.Type())
	}

	result, err := starlark.Call(thread, fn, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: calling configure(): %w", path, err)
	}

	dict, ok := result.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("%s: %w, got %s", path, ErrConfigureReturnType, result.Type())
	}

	return dictToConfig(dict)
}

// configPredeclared returns the predeclared values for config Starlark
// files: no filesystem or network access, just enough to make config-as-code
// worthwhile.
func configPredeclared() starlark.StringDict {
	return starlark.StringDict{
		"getenv":    starlark.NewBuiltin("getenv", builtinGetenv),
		"host_os":   starlark.String(runtime.GOOS),
		"host_arch": starlark.String(runtime.GOARCH),
		"duration":  starlark.NewBuiltin("duration", builtinDuration),
		"struct":    starlark.NewBuiltin("struct", builtinStruct),
	}
}

// builtinGetenv implements getenv(name, default="") -> string.
func builtinGetenv(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultVal starlark.String
	if err := starlark.UnpackArgs("getenv", args, kwargs, "name", &name, "default?", &defaultVal); err != nil {
		return nil, err
	}

	val := os.Getenv(name)
	if val == "" {
		return defaultVal, nil
	}
	return starlark.String(val), nil
}

// builtinDuration implements duration(s) -> string, validating that s parses
// as a Go duration.
func builtinDuration(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackArgs("duration", args, kwargs, "s", &s); err != nil {
		return nil, err
	}
	if _, err := time.ParseDuration(s); err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return starlark.String(s), nil
}

// builtinStruct implements a simple keyword-only struct constructor.
func builtinStruct(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 {
		return nil, errors.New("struct: positional arguments not allowed")
	}
	d := starlark.NewDict(len(kwargs))
	for _, kv := range kwargs {
		if err := d.SetKey(starlark.String(string(kv[0].(starlark.String))), kv[1]); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// dictToConfig converts a Starlark dict (as returned by configure()) to a
// Config.
func dictToConfig(d *starlark.Dict) (*Config, error) {
	cfg := DefaultConfig()

	if covVal, found, _ := d.Get(starlark.String("coverage")); found {
		covDict, ok := covVal.(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("coverage must be a dict, got %s", covVal.Type())
		}
		if err := parseCoverageConfig(covDict, &cfg.Coverage); err != nil {
			return nil, fmt.Errorf("parsing coverage config: %w", err)
		}
	}

	return cfg, nil
}

// parseCoverageConfig parses the coverage section from a Starlark dict.
func parseCoverageConfig(d *starlark.Dict, cfg *CoverageConfig) error {
	if v, found, _ := d.Get(starlark.String("paths")); found {
		list, ok := v.(*starlark.List)
		if !ok {
			return fmt.Errorf("paths must be a list, got %s", v.Type())
		}
		cfg.Paths = nil
		for i := 0; i < list.Len(); i++ {
			s, ok := starlark.AsString(list.Index(i))
			if !ok {
				return fmt.Errorf("paths[%d] must be a string", i)
			}
			cfg.Paths = append(cfg.Paths, s)
		}
	}

	if v, found, _ := d.Get(starlark.String("output")); found {
		s, ok := starlark.AsString(v)
		if !ok {
			return fmt.Errorf("output must be a string, got %s", v.Type())
		}
		cfg.Output = s
	}

	if v, found, _ := d.Get(starlark.String("fail_under")); found {
		switch val := v.(type) {
		case starlark.Int:
			i, _ := val.Int64()
			cfg.FailUnder = float64(i)
		case starlark.Float:
			cfg.FailUnder = float64(val)
		default:
			return fmt.Errorf("fail_under must be a number, got %s", v.Type())
		}
	}

	return nil
}
