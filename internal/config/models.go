package config

import (
	"fmt"
	"time"

	"fedwatch/internal/flood"
)

// AutomationMode is the per-domain policy for flagged verdicts.
type AutomationMode string

const (
	// AutomationOff posts plain alerts with no machine assistance.
	AutomationOff AutomationMode = "off"

	// AutomationAlertOnly annotates alerts with machine verdicts but
	// leaves every action to a human.
	AutomationAlertOnly AutomationMode = "alert-only"

	// AutomationFull schedules a delayed automated action that a
	// moderator can cancel before it fires.
	AutomationFull AutomationMode = "full"
)

// Domain identifies one federation member.
type Domain struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FloodConfig is the serialized form of per-domain flood settings.
type FloodConfig struct {
	Enabled          bool `json:"enabled"`
	WindowSeconds    int  `json:"window_seconds"`
	MessageThreshold int  `json:"message_threshold"`
	ChannelThreshold int  `json:"channel_threshold"`
}

// AutomationConfig holds the automation policy for one domain.
type AutomationConfig struct {
	Mode             AutomationMode `json:"mode"`
	DelaySeconds     int            `json:"delay_seconds"`
	AssignRoleOnSafe bool           `json:"assign_role_on_safe,omitempty"`
	SafeRoleID       string         `json:"safe_role_id,omitempty"`
}

// Config is the federation configuration document.
type Config struct {
	OwnerID string   `json:"owner_id,omitempty"`
	Domains []Domain `json:"domains"`

	ModeratorRoles map[string][]string `json:"moderator_roles,omitempty"`
	ExemptRoles    map[string][]string `json:"exempt_roles,omitempty"`

	AlertChannels  map[string]string `json:"alert_channels,omitempty"`
	NoticeChannels map[string]string `json:"notice_channels,omitempty"`
	LogChannel     string            `json:"log_channel,omitempty"`

	TimeoutMinutesDefault   int            `json:"timeout_minutes_default,omitempty"`
	TimeoutMinutesPerDomain map[string]int `json:"timeout_minutes_per_domain,omitempty"`

	RetainDaysDefault   int            `json:"retain_days_default,omitempty"`
	RetainDaysPerDomain map[string]int `json:"retain_days_per_domain,omitempty"`

	FloodDefaults  FloodConfig            `json:"flood_defaults,omitempty"`
	FloodPerDomain map[string]FloodConfig `json:"flood_per_domain,omitempty"`

	AutomationDefaults  AutomationConfig            `json:"automation_defaults,omitempty"`
	AutomationPerDomain map[string]AutomationConfig `json:"automation_per_domain,omitempty"`
}

// Validate checks internal references and fills defaults.
func (c *Config) Validate() error {
	ids := make(map[string]struct{}, len(c.Domains))
	for _, d := range c.Domains {
		if d.ID == "" {
			return fmt.Errorf("config: domain with empty id")
		}
		if _, dup := ids[d.ID]; dup {
			return fmt.Errorf("config: duplicate domain id %s", d.ID)
		}
		ids[d.ID] = struct{}{}
	}
	for _, m := range []map[string][]string{c.ModeratorRoles, c.ExemptRoles} {
		for id := range m {
			if _, ok := ids[id]; !ok {
				return fmt.Errorf("config: role mapping references unknown domain %s", id)
			}
		}
	}
	for id, a := range c.AutomationPerDomain {
		if _, ok := ids[id]; !ok {
			return fmt.Errorf("config: automation settings reference unknown domain %s", id)
		}
		switch a.Mode {
		case AutomationOff, AutomationAlertOnly, AutomationFull, "":
		default:
			return fmt.Errorf("config: unknown automation mode %q for domain %s", a.Mode, id)
		}
	}
	if c.TimeoutMinutesDefault == 0 {
		c.TimeoutMinutesDefault = 10
	}
	if c.RetainDaysDefault == 0 {
		c.RetainDaysDefault = 1
	}
	if c.AutomationDefaults.Mode == "" {
		c.AutomationDefaults.Mode = AutomationOff
	}
	if c.AutomationDefaults.DelaySeconds == 0 {
		c.AutomationDefaults.DelaySeconds = 180
	}
	return nil
}

func (fc FloodConfig) settings() flood.Settings {
	return flood.Settings{
		Enabled:          fc.Enabled,
		Window:           time.Duration(fc.WindowSeconds) * time.Second,
		MessageThreshold: fc.MessageThreshold,
		ChannelThreshold: fc.ChannelThreshold,
	}
}
