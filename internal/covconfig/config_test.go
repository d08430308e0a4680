package covconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadTOMLConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		check   func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name: "basic coverage config",
			content: `
[coverage]
paths = ["pkg/a.star", "pkg/b.star"]
output = "cov-out"
fail_under = 80.5
`,
			check: func(t *testing.T, cfg *Config) {
				if len(cfg.Coverage.Paths) != 2 || cfg.Coverage.Paths[0] != "pkg/a.star" {
					t.Errorf("paths = %v, want [pkg/a.star pkg/b.star]", cfg.Coverage.Paths)
				}
				if cfg.Coverage.Output != "cov-out" {
					t.Errorf("output = %q, want %q", cfg.Coverage.Output, "cov-out")
				}
				if cfg.Coverage.FailUnder != 80.5 {
					t.Errorf("fail_under = %v, want 80.5", cfg.Coverage.FailUnder)
				}
			},
		},
		{
			name:    "empty config",
			content: "",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Coverage.Output != "coverage" {
					t.Errorf("output = %q, want default %q", cfg.Coverage.Output, "coverage")
				}
			},
		},
		{
			name:    "invalid toml",
			content: "this is not valid toml [[[",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, ConfigTOML)
			if err := os.WriteFile(configPath, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			cfg, err := LoadTOMLConfig(configPath)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadTOMLConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoadStarlarkConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		check   func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name: "basic configure function",
			content: `
def configure():
    return {
        "coverage": {
            "paths": ["a.star"],
            "output": "out",
            "fail_under": 90,
        },
    }
`,
			check: func(t *testing.T, cfg *Config) {
				if len(cfg.Coverage.Paths) != 1 || cfg.Coverage.Paths[0] != "a.star" {
					t.Errorf("paths = %v, want [a.star]", cfg.Coverage.Paths)
				}
				if cfg.Coverage.Output != "out" {
					t.Errorf("output = %q, want %q", cfg.Coverage.Output, "out")
				}
				if cfg.Coverage.FailUnder != 90 {
					t.Errorf("fail_under = %v, want 90", cfg.Coverage.FailUnder)
				}
			},
		},
		{
			name: "conditional with getenv",
			content: `
def configure():
    ci = getenv("CI", "") != ""
    return {
        "coverage": {
            "fail_under": 90 if ci else 0,
        },
    }
`,
			env: map[string]string{"CI": "true"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Coverage.FailUnder != 90 {
					t.Errorf("fail_under = %v, want 90 (CI=true)", cfg.Coverage.FailUnder)
				}
			},
		},
		{
			name: "host_os",
			content: `
def configure():
    return {
        "coverage": {
            "output": "out-" + host_os,
        },
    }
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Coverage.Output == "out-" {
					t.Error("output should include host_os")
				}
			},
		},
		{
			name: "duration builtin validates format",
			content: `
def configure():
    d = duration("45s")
    return {"coverage": {"output": d}}
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Coverage.Output != "45s" {
					t.Errorf("output = %q, want %q", cfg.Coverage.Output, "45s")
				}
			},
		},
		{
			name: "missing configure function",
			content: `
x = 1
`,
			wantErr: true,
		},
		{
			name: "configure returns non-dict",
			content: `
def configure():
    return "nope"
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, ConfigStarlark)
			if err := os.WriteFile(configPath, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			cfg, err := LoadStarlarkConfig(configPath, DefaultStarlarkTimeout)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadStarlarkConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestDiscoverConfigFindsTOMLInAncestor(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatalf("MkdirAll .git: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, ConfigTOML), []byte(`
[coverage]
output = "root-out"
`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll nested: %v", err)
	}

	cfg, err := DiscoverConfig(nested)
	if err != nil {
		t.Fatalf("DiscoverConfig: %v", err)
	}
	if cfg.Coverage.Output != "root-out" {
		t.Errorf("output = %q, want %q", cfg.Coverage.Output, "root-out")
	}
}

func TestDiscoverConfigStopsAtGitRoot(t *testing.T) {
	outer := t.TempDir()
	if err := os.WriteFile(filepath.Join(outer, ConfigTOML), []byte(`
[coverage]
output = "outer-out"
`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	repo := filepath.Join(outer, "repo")
	if err := os.MkdirAll(filepath.Join(repo, ".git"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	nested := filepath.Join(repo, "src")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll nested: %v", err)
	}

	cfg, err := DiscoverConfig(nested)
	if err != nil {
		t.Fatalf("DiscoverConfig: %v", err)
	}
	if cfg.Coverage.Output != "coverage" {
		t.Errorf("output = %q, want default %q (outer config must not be seen)", cfg.Coverage.Output, "coverage")
	}
}

func TestDiscoverConfigReturnsDefaultWhenNoneFound(t *testing.T) {
	dir := t.TempDir()
	cfg, err := DiscoverConfig(dir)
	if err != nil {
		t.Fatalf("DiscoverConfig: %v", err)
	}
	if cfg.Coverage.Output != "coverage" {
		t.Errorf("output = %q, want default %q", cfg.Coverage.Output, "coverage")
	}
}

func TestDiscoverConfigConflictErrorsOnAmbiguity(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ConfigTOML), []byte("[coverage]\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigStarlark), []byte("def configure():\n    return {}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := DiscoverConfig(dir); err == nil {
		t.Fatal("DiscoverConfig() error = nil, want ErrConflict")
	}
}

func TestEnvConfigOverridesDiscovery(t *testing.T) {
	dir := t.TempDir()
	explicit := filepath.Join(dir, "custom.toml")
	if err := os.WriteFile(explicit, []byte(`
[coverage]
output = "explicit-out"
`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv(EnvConfig, explicit)

	cfg, err := DiscoverConfig(dir)
	if err != nil {
		t.Fatalf("DiscoverConfig: %v", err)
	}
	if cfg.Coverage.Output != "explicit-out" {
		t.Errorf("output = %q, want %q", cfg.Coverage.Output, "explicit-out")
	}
}
