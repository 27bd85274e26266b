package types

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultSiteName matches the name the portal integration has always used
// when none is configured.
const DefaultSiteName = "APsystems"

// Site is one configured APsystems EMA account.
type Site struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`

	// AuthID is the demo-user identifier passed to intoDemoUser.action. It
	// grants read access to the account so it is never serialized to JSON.
	AuthID   string `yaml:"authId" json:"-"`
	SystemID string `yaml:"systemId" json:"systemId"`
	ECUID    string `yaml:"ecuId" json:"ecuId"`
	ViewID   string `yaml:"viewId" json:"viewId"`

	// Panels lists the panel names from the view detail that should be
	// exposed as their own sensors.
	Panels []string `yaml:"panels" json:"panels"`

	// SunsetMode reports every sensor as unavailable between sunset and
	// sunrise. Latitude and Longitude are required when it is set.
	SunsetMode bool    `yaml:"sunsetMode" json:"sunsetMode"`
	Latitude   float64 `yaml:"latitude" json:"latitude,omitempty"`
	Longitude  float64 `yaml:"longitude" json:"longitude,omitempty"`
}

// ApplyDefaults fills in the name and ID when they were left empty and trims
// whitespace from panel names.
func (s *Site) ApplyDefaults() {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		s.Name = DefaultSiteName
	}
	if s.ID == "" {
		s.ID = strings.ReplaceAll(strings.ToLower(s.Name), " ", "_")
	}
	for i, p := range s.Panels {
		s.Panels[i] = strings.TrimSpace(p)
	}
}

// Validate makes sure the site has everything a fetch cycle needs.
func (s Site) Validate() error {
	var errs []error
	if s.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if s.AuthID == "" {
		errs = append(errs, errors.New("authId is required"))
	}
	if s.SystemID == "" {
		errs = append(errs, errors.New("systemId is required"))
	}
	if s.ECUID == "" {
		errs = append(errs, errors.New("ecuId is required"))
	}
	if s.ViewID == "" {
		errs = append(errs, errors.New("viewId is required"))
	}
	seen := make(map[string]bool, len(s.Panels))
	for _, p := range s.Panels {
		if p == "" {
			errs = append(errs, errors.New("panel names must not be empty"))
			continue
		}
		if seen[p] {
			errs = append(errs, fmt.Errorf("duplicate panel %q", p))
		}
		seen[p] = true
	}
	if s.SunsetMode {
		if s.Latitude < -90 || s.Latitude > 90 {
			errs = append(errs, fmt.Errorf("latitude out of range: %f", s.Latitude))
		}
		if s.Longitude < -180 || s.Longitude > 180 {
			errs = append(errs, fmt.Errorf("longitude out of range: %f", s.Longitude))
		}
		if s.Latitude == 0 && s.Longitude == 0 {
			errs = append(errs, errors.New("sunsetMode requires latitude and longitude"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid site %q: %w", s.ID, errors.Join(errs...))
	}
	return nil
}
