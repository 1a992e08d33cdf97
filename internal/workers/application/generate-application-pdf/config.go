package generateapplicationpdf

import (
	"time"

	"onboarding-crm/internal/common/config"
)

type Config struct {
	RendererURL string
	APIKey      string
	Timeout     time.Duration
}

func LoadConfig(cfg *config.Config) *Config {
	c := &Config{
		RendererURL: cfg.PDF.RendererURL,
		APIKey:      cfg.PDF.APIKey,
		Timeout:     20 * time.Second,
	}
	if cfg.PDF.Timeout > 0 {
		c.Timeout = config.GetDuration(cfg.PDF.Timeout)
	}
	return c
}
