// Package config provides configuration loading utilities for role profiles.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-medical-chat/internal/domain"
)

// RoleProfile describes one audience role: its search partition and the
// persona used when composing answers for it.
type RoleProfile struct {
	Partition string `yaml:"partition"`
	Persona   string `yaml:"persona"`
	Audience  string `yaml:"audience"`
	Tone      string `yaml:"tone"`
}

// RolesConfig maps roles to their profiles.
type RolesConfig struct {
	Roles map[domain.Role]RoleProfile `yaml:"roles"`
}

// defaultRoles mirrors the shipped configs/roles.yaml so the service still
// starts when the file is absent.
func defaultRoles() RolesConfig {
	return RolesConfig{Roles: map[domain.Role]RoleProfile{
		domain.RolePatientDental: {
			Partition: "bnrhm",
			Persona:   "dentist",
			Audience:  "dental patient",
			Tone:      "friendly, plain language, no jargon",
		},
		domain.RolePatientDiabetes: {
			Partition: "bndtd",
			Persona:   "endocrinologist",
			Audience:  "diabetes patient",
			Tone:      "friendly, simple language, concise",
		},
		domain.RoleDoctorDental: {
			Partition: "bsrhm",
			Persona:   "endocrinologist",
			Audience:  "dentist",
			Tone:      "concise clinical language for a dental colleague",
		},
		domain.RoleDoctorEndocrine: {
			Partition: "bsnt",
			Persona:   "dentist",
			Audience:  "endocrinologist",
			Tone:      "concise clinical language for an endocrine colleague",
		},
	}}
}

// LoadRolesConfig loads role profiles from path, falling back to the built-in
// defaults when the file does not exist.
func LoadRolesConfig(path string) (RolesConfig, error) {
	if path == "" {
		path = "configs/roles.yaml"
	}
	content, err := os.ReadFile(path) // #nosec G304 -- configuration files are expected to be safe
	if err != nil {
		if os.IsNotExist(err) {
			return defaultRoles(), nil
		}
		return RolesConfig{}, fmt.Errorf("op=config.LoadRolesConfig: %w", err)
	}
	var rc RolesConfig
	if err := yaml.Unmarshal(content, &rc); err != nil {
		return RolesConfig{}, fmt.Errorf("op=config.LoadRolesConfig: parse: %w", err)
	}
	if len(rc.Roles) == 0 {
		return defaultRoles(), nil
	}
	return rc, nil
}

// Profile returns the profile for role, falling back to the patient_dental
// profile for unknown roles.
func (rc RolesConfig) Profile(role domain.Role) RoleProfile {
	if p, ok := rc.Roles[role]; ok {
		return p
	}
	return rc.Roles[domain.RolePatientDental]
}

// Partitions lists every configured search partition, deduplicated.
func (rc RolesConfig) Partitions() []string {
	seen := make(map[string]struct{}, len(rc.Roles))
	out := make([]string, 0, len(rc.Roles))
	for _, p := range rc.Roles {
		if _, ok := seen[p.Partition]; ok {
			continue
		}
		seen[p.Partition] = struct{}{}
		out = append(out, p.Partition)
	}
	return out
}
