package siloconfig_test

import (
	"testing"

	"github.com/quarkrun/quark/internal/siloconfig"
	"github.com/stretchr/testify/require"
)

func TestDefaultSiloConfigValidates(t *testing.T) {
	cfg := siloconfig.DefaultSiloConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := siloconfig.DefaultSiloConfig()
	cfg.ListenAddr = ""
	require.Error(t, cfg.Validate())

	cfg = siloconfig.DefaultSiloConfig()
	cfg.MailboxCapacity = 0
	require.Error(t, cfg.Validate())

	cfg = siloconfig.DefaultSiloConfig()
	cfg.VirtualNodesPerSilo = -1
	require.Error(t, cfg.Validate())

	cfg = siloconfig.DefaultSiloConfig()
	cfg.ChainMaxDepth = 0
	require.Error(t, cfg.Validate())
}

func TestMembershipConfigProjection(t *testing.T) {
	cfg := siloconfig.DefaultSiloConfig()
	mc := cfg.MembershipConfig()

	require.Equal(t, cfg.HeartbeatInterval, mc.HeartbeatInterval)
	require.Equal(t, cfg.VirtualNodesPerSilo, mc.VirtualNodes)
}
