package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conditional-dns.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "conditional-dns dev")
}

func TestRequiresTransport(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 5053\n")

	out, err := execute(t, "--config", path)
	assert.ErrorIs(t, err, errNoTransport)
	assert.Contains(t, out, "--udp")
}

func TestExplicitConfigMustExist(t *testing.T) {
	_, err := execute(t, "--udp", "--config", filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestRejectsArgs(t *testing.T) {
	_, err := execute(t, "--udp", "extra")
	assert.Error(t, err)
}

func TestLoadConfig_FlagsOverride(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 7000\n  tcp_enabled: true\n")

	tests := []struct {
		name    string
		args    []string
		port    int
		tcp     bool
		udp     bool
		wantErr bool
	}{
		{name: "config port kept", args: []string{"--config", path}, port: 7000, tcp: true},
		{name: "flag port wins", args: []string{"--config", path, "--port", "5353", "--udp"}, port: 5353, tcp: true, udp: true},
		{name: "invalid port", args: []string{"--config", path, "--port", "70000"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newRootCmd()
			require.NoError(t, cmd.ParseFlags(tt.args))

			opt := options{}
			opt.configPath, _ = cmd.Flags().GetString("config")
			opt.port, _ = cmd.Flags().GetInt("port")
			opt.tcp, _ = cmd.Flags().GetBool("tcp")
			opt.udp, _ = cmd.Flags().GetBool("udp")

			cfg, err := loadConfig(cmd, opt)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.port, cfg.Server.Port)
			assert.Equal(t, tt.tcp, cfg.Server.TCPEnabled)
			assert.Equal(t, tt.udp, cfg.Server.UDPEnabled)
		})
	}
}

func TestWatchPath(t *testing.T) {
	path := writeConfig(t, "")
	assert.Equal(t, path, watchPath(path))
	assert.Empty(t, watchPath(filepath.Join(t.TempDir(), "nope.yml")))
}
