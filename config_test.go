package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPENROUTER_API_KEY", "test-key")
	// Point at a nonexistent file so a councils.yaml in the working
	// directory cannot leak into the test.
	t.Setenv("COUNCILS_FILE", filepath.Join(t.TempDir(), "none.yaml"))
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "test-key", cfg.APIKey)
	assert.Equal(t, "https://openrouter.ai/api/v1/chat/completions", cfg.APIURL)
	assert.Equal(t, ":8001", cfg.ListenAddr)
	assert.Equal(t, "data/council.sqlite", cfg.DBPath)
	assert.Equal(t, 120*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.TitleTimeout)
	assert.Equal(t, int64(4), cfg.MaxConcurrentRequests)
	assert.Equal(t, 8, cfg.MaxContextMessages)
	assert.Equal(t, 3, cfg.RetryAttempts)

	council, err := cfg.Council("")
	require.NoError(t, err)
	assert.Equal(t, "default", council.Key)
	assert.Len(t, council.Members, 4)
	assert.Contains(t, council.Members, council.Chairman)
}

func TestLoadConfigRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENROUTER_API_KEY")
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("REQUEST_TIMEOUT", "45s")
	t.Setenv("MAX_CONCURRENT_REQUESTS", "2")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 45*time.Second, cfg.RequestTimeout)
	assert.Equal(t, int64(2), cfg.MaxConcurrentRequests)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
}

func TestLoadConfigCouncilsFile(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "councils.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
councils:
  - key: fast
    name: Fast Council
    members:
      - test/alpha
      - test/beta
    chairman: test/beta
`), 0o644))
	t.Setenv("COUNCILS_FILE", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	council, err := cfg.Council("fast")
	require.NoError(t, err)
	assert.Equal(t, "Fast Council", council.Name)
	assert.Equal(t, []string{"test/alpha", "test/beta"}, council.Members)
	assert.Equal(t, "test/beta", council.Chairman)

	// The default profile survives alongside file-defined ones.
	_, err = cfg.Council("default")
	assert.NoError(t, err)
}

func TestLoadConfigRejectsInvalidCouncilsFile(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "councils.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
councils:
  - key: broken
    name: Broken
    members:
      - test/alpha
    chairman: test/other
`), 0o644))
	t.Setenv("COUNCILS_FILE", path)

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chairman")
}

func TestCouncilUnknownKey(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	_, err = cfg.Council("nope")
	require.Error(t, err)
}

func TestCouncilValidate(t *testing.T) {
	tests := []struct {
		name    string
		council Council
		wantErr string
	}{
		{
			name:    "valid single member",
			council: Council{Key: "solo", Members: []string{"m/a"}, Chairman: "m/a"},
		},
		{
			name: "valid four members",
			council: Council{
				Key:      "quad",
				Members:  []string{"m/a", "m/b", "m/c", "m/d"},
				Chairman: "m/c",
			},
		},
		{
			name:    "missing key",
			council: Council{Members: []string{"m/a"}, Chairman: "m/a"},
			wantErr: "key",
		},
		{
			name:    "no members",
			council: Council{Key: "empty", Chairman: "m/a"},
			wantErr: "1-4 members",
		},
		{
			name: "too many members",
			council: Council{
				Key:      "huge",
				Members:  []string{"m/a", "m/b", "m/c", "m/d", "m/e"},
				Chairman: "m/a",
			},
			wantErr: "1-4 members",
		},
		{
			name:    "duplicate member",
			council: Council{Key: "dup", Members: []string{"m/a", "m/a"}, Chairman: "m/a"},
			wantErr: "duplicate",
		},
		{
			name:    "empty member",
			council: Council{Key: "blank", Members: []string{"m/a", ""}, Chairman: "m/a"},
			wantErr: "empty",
		},
		{
			name:    "chairman not a member",
			council: Council{Key: "outsider", Members: []string{"m/a"}, Chairman: "m/b"},
			wantErr: "chairman",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.council.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
