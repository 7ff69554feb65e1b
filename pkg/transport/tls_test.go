package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskgate/deskgate/internal/hosttest"
	"github.com/deskgate/deskgate/pkg/protocol"
)

func startTLSHost(t *testing.T) (*hosttest.Host, *TLSConfig) {
	t.Helper()
	serverCfg, pool, err := hosttest.SelfSigned()
	require.NoError(t, err)
	h := startHost(t, hosttest.Options{Confirm: true, TLS: serverCfg})
	return h, &TLSConfig{RootCAs: pool}
}

func TestTLSVerifiesByDefault(t *testing.T) {
	h, _ := startTLSHost(t)
	opts := testOptions(t, h)
	opts.TLS = &TLSConfig{}

	_, err := Open(context.Background(), opts, nil)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestTLSWithTrustedRoot(t *testing.T) {
	h, trusted := startTLSHost(t)
	opts := testOptions(t, h)
	opts.TLS = trusted

	c, err := Open(context.Background(), opts, nil)
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, c.IsConnected())

	require.NoError(t, c.SendCommand(&protocol.KeyboardInput{KeyCode: 13}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = h.WaitReceived(ctx, 2)
	require.NoError(t, err)
}

func TestTLSInsecureOptOut(t *testing.T) {
	h, _ := startTLSHost(t)
	opts := testOptions(t, h)
	opts.TLS = &TLSConfig{InsecureSkipVerify: true}

	c, err := Open(context.Background(), opts, nil)
	require.NoError(t, err)
	c.Close()
}

func TestTLSConfigBuild(t *testing.T) {
	cfg, err := (&TLSConfig{}).Build("rdp.example.com")
	require.NoError(t, err)
	assert.Equal(t, "rdp.example.com", cfg.ServerName)
	assert.False(t, cfg.InsecureSkipVerify)

	cfg, err = (&TLSConfig{ServerName: "override"}).Build("10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "override", cfg.ServerName)

	_, err = (&TLSConfig{CAFile: "/nonexistent/ca.pem"}).Build("h")
	assert.Error(t, err)
}
