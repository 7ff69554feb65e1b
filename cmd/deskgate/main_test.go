package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deskgate/deskgate/internal/config"
	"github.com/deskgate/deskgate/pkg/auth"
)

func TestBuildGateway(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Dir = t.TempDir()
	cfg.Server.Addr = "127.0.0.1:0"

	g, err := build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer g.close()

	assert.NotNil(t, g.registry)
	assert.NotNil(t, g.disk)
	assert.Nil(t, g.redis)
	assert.Equal(t, 0, g.manager.Count())
	assert.Equal(t, 0, g.server.ClientCount())
}

func TestBuildRejectsBadStorage(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	dir := t.TempDir()
	file := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	cfg.Storage.Dir = filepath.Join(file, "transfers")

	_, err := build(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deskgate.toml")
	require.NoError(t, os.WriteFile(path, []byte("[auth]\nenabled = true\njwt_secret = \"cli-secret\"\n"), 0o644))

	cmd := tokenCmd(&path)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--client-id", "kiosk-7", "--perm", "session, input"})
	require.NoError(t, cmd.Execute())

	v, err := auth.NewJWTVerifier(auth.JWTConfig{Secret: []byte("cli-secret")})
	require.NoError(t, err)
	id, err := v.Verify(context.Background(), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "kiosk-7", id.ClientID)
	assert.True(t, id.Can(auth.PermInput))
	assert.False(t, id.Can(auth.PermFiles))

	cmd = tokenCmd(&path)
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--client-id", "kiosk-7", "--perm", "root"})
	assert.Error(t, cmd.Execute())
}
