package sendnotification

import (
	"time"

	"onboarding-crm/internal/common/config"
)

type Config struct {
	EmailEnabled bool
	SMSEnabled   bool
	FromEmail    string
	SMSSenderID  string
	OpsEmail     string
	Timeout      time.Duration
}

func LoadConfig(cfg *config.Config) *Config {
	aws := cfg.Integrations.AWS
	c := &Config{
		EmailEnabled: aws.SES.Enabled,
		SMSEnabled:   aws.SNS.Enabled,
		FromEmail:    aws.SES.FromEmail,
		SMSSenderID:  aws.SNS.DefaultSMSSenderID,
		OpsEmail:     cfg.Notifications.OpsEmail,
		Timeout:      30 * time.Second,
	}
	if cfg.Notifications.Timeout > 0 {
		c.Timeout = config.GetDuration(cfg.Notifications.Timeout)
	}
	return c
}
