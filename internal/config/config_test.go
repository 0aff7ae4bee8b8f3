package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("riverside")
	require.NoError(t, cfg.Validate())
	require.Equal(t, "riverside", cfg.Club.ID)
	require.Equal(t, []string{"Coach", "Finance", "Kit"}, cfg.RoleNames())
	require.True(t, cfg.Roles["Kit"].System)
	require.Equal(t, "/v0", cfg.Server.BasePath)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "missing club", yaml: "roles: {}\n", wantErr: "club.id is required"},
		{name: "empty member", yaml: "club: {id: c}\nroles:\n  Kit:\n    members: [\"\"]\n", wantErr: "empty member"},
		{name: "duplicate member", yaml: "club: {id: c}\nroles:\n  Kit:\n    members: [carol, carol]\n", wantErr: "twice"},
		{name: "bad base path", yaml: "club: {id: c}\nserver:\n  base_path: v0\n", wantErr: "base_path"},
		{name: "bad log level", yaml: "club: {id: c}\nlog:\n  level: loud\n", wantErr: "log.level"},
		{name: "ok", yaml: "club: {id: c}\nroles:\n  Kit:\n    members: [carol, dave]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := FromYAML([]byte(tt.yaml))
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, []string{"carol", "dave"}, cfg.Roles["Kit"].Members)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Nil(t, cfg)

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault("harbour")), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, "harbour", cfg.Club.ID)

	_, err = Load(t.TempDir())
	require.ErrorContains(t, err, "not found")
}
