package provisioner

import (
	"github.com/prometheus/client_golang/prometheus"

	"crewcall-backend/pkg/config"
	"crewcall-backend/pkg/logger"
)

// New returns the LiveKit provisioner when LIVEKIT_URL and its credentials are
// set, otherwise a LocalProvisioner. Production config requires all three.
func New(cfg *config.LiveKitConfig, reg prometheus.Registerer) (Provisioner, error) {
	if cfg.URL == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		logger.Warn("LiveKit not configured, using local room provisioner")
		return NewLocalProvisioner(cfg), nil
	}
	return NewLiveKitProvisioner(cfg, reg)
}
