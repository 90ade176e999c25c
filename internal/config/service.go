// Package config loads and serves the federation configuration: member
// domains, trusted roles, channel routing, timeout and automation
// policy. The document is a JSON file reloaded on operator request.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"fedwatch/internal/flood"

	"github.com/rs/zerolog/log"
)

// Service provides concurrent read access to the federation config.
type Service struct {
	mu         sync.RWMutex
	config     *Config
	configPath string
	loadedAt   time.Time
}

// NewService loads the config from path. A missing file leaves the
// service empty (no member domains) rather than failing startup.
func NewService(configPath string) (*Service, error) {
	s := &Service{configPath: configPath}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load federation config: %w", err)
	}
	return s, nil
}

// NewStatic wraps an in-memory config. Reload is a no-op; used when
// the config is owned by the caller rather than a file.
func NewStatic(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Service{config: &cfg, loadedAt: time.Now().UTC()}, nil
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", s.configPath).Msg("config: file not found, starting with empty federation")
			s.mu.Lock()
			s.config = &Config{}
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	s.mu.Lock()
	s.config = &cfg
	s.loadedAt = time.Now().UTC()
	s.mu.Unlock()

	log.Info().
		Int("domains", len(cfg.Domains)).
		Str("path", s.configPath).
		Msg("config: federation config loaded")
	return nil
}

// Reload re-reads the configuration from disk. No-op for a static
// service.
func (s *Service) Reload() error {
	if s.configPath == "" {
		return nil
	}
	return s.load()
}

// LoadedAt returns when the config was last (re)loaded.
func (s *Service) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

// Domains returns all federation member domains.
func (s *Service) Domains() []Domain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Domain, len(s.config.Domains))
	copy(out, s.config.Domains)
	return out
}

// IsMember reports whether the domain participates in the federation.
func (s *Service) IsMember(domainID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.config.Domains {
		if d.ID == domainID {
			return true
		}
	}
	return false
}

// DomainName returns the display name for a domain, falling back to
// the ID when unknown.
func (s *Service) DomainName(domainID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.config.Domains {
		if d.ID == domainID {
			return d.Name
		}
	}
	return domainID
}

// OwnerID returns the federation owner's identity, if configured.
func (s *Service) OwnerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.OwnerID
}

// HasModeratorRole reports whether any of roleIDs is a trusted
// moderator role for the domain.
func (s *Service) HasModeratorRole(domainID string, roleIDs []string) bool {
	s.mu.RLock()
	trusted := s.config.ModeratorRoles[domainID]
	s.mu.RUnlock()
	return overlap(trusted, roleIDs)
}

// IsExempt reports whether any of roleIDs is exempt from screening in
// the domain.
func (s *Service) IsExempt(domainID string, roleIDs []string) bool {
	s.mu.RLock()
	exempt := s.config.ExemptRoles[domainID]
	s.mu.RUnlock()
	return overlap(exempt, roleIDs)
}

// ExemptRoleUnion returns every exempt role ID across all domains,
// used by backfill sanity checks.
func (s *Service) ExemptRoleUnion() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for _, roles := range s.config.ExemptRoles {
		for _, r := range roles {
			out[r] = struct{}{}
		}
	}
	return out
}

// AlertChannel returns the alert channel for a domain, or "".
func (s *Service) AlertChannel(domainID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.AlertChannels[domainID]
}

// NoticeChannel returns the federation notice channel for a domain.
func (s *Service) NoticeChannel(domainID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.NoticeChannels[domainID]
}

// TimeoutFor returns the screening timeout duration for a domain.
func (s *Service) TimeoutFor(domainID string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.config.TimeoutMinutesPerDomain[domainID]; ok {
		return time.Duration(m) * time.Minute
	}
	return time.Duration(s.config.TimeoutMinutesDefault) * time.Minute
}

// RetainDaysFor returns how many days of recent content to keep when
// blocking on a domain.
func (s *Service) RetainDaysFor(domainID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.config.RetainDaysPerDomain[domainID]; ok {
		return d
	}
	return s.config.RetainDaysDefault
}

// FloodSettings returns the flood detector settings for a domain.
func (s *Service) FloodSettings(domainID string) flood.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if fc, ok := s.config.FloodPerDomain[domainID]; ok {
		return fc.settings()
	}
	return s.config.FloodDefaults.settings()
}

// Automation returns the automation policy for a domain.
func (s *Service) Automation(domainID string) AutomationConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.config.AutomationPerDomain[domainID]; ok {
		if a.Mode == "" {
			a.Mode = s.config.AutomationDefaults.Mode
		}
		if a.DelaySeconds == 0 {
			a.DelaySeconds = s.config.AutomationDefaults.DelaySeconds
		}
		return a
	}
	return s.config.AutomationDefaults
}

func overlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
