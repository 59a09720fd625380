package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Persona is one named agent configuration offered to the realtime session.
type Persona struct {
	Name         string   `yaml:"name" toml:"name" json:"name"`
	Voice        string   `yaml:"voice,omitempty" toml:"voice,omitempty" json:"voice,omitempty"`
	Instructions string   `yaml:"instructions" toml:"instructions" json:"instructions"`
	Handoffs     []string `yaml:"handoffs,omitempty" toml:"handoffs,omitempty" json:"handoffs,omitempty"`
	Tools        []Tool   `yaml:"tools,omitempty" toml:"tools,omitempty" json:"tools,omitempty"`
}

// Tool declares a function the model may call while this persona is active.
type Tool struct {
	Name        string         `yaml:"name" toml:"name" json:"name"`
	Description string         `yaml:"description" toml:"description" json:"description"`
	Parameters  map[string]any `yaml:"parameters,omitempty" toml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Set is the ordered persona list plus the designated default.
type Set struct {
	Default  string    `yaml:"default" toml:"default"`
	Personas []Persona `yaml:"personas" toml:"personas"`
}

// SupervisorTool is the tool the chat persona uses to reach the supervisor model.
const SupervisorTool = "getNextResponseFromSupervisor"

// DefaultSet is used when no persona file is configured.
func DefaultSet(defaultName string) Set {
	if defaultName == "" {
		defaultName = "chatAgent"
	}
	return Set{
		Default: defaultName,
		Personas: []Persona{{
			Name:  defaultName,
			Voice: "echo",
			Instructions: `You are the RomaTek website assistant. Keep a professional but friendly tone and be clear and concise.
Handle greetings and general questions directly. For company-specific facts, services or pricing,
say a short filler phrase and call getNextResponseFromSupervisor with the relevant context from the user's last message.`,
			Tools: []Tool{{
				Name:        SupervisorTool,
				Description: "Ask the supervisor model for the next response using company knowledge.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"relevantContextFromLastUserMessage": map[string]any{
							"type":        "string",
							"description": "Key information from the user's most recent message.",
						},
					},
					"required":             []any{"relevantContextFromLastUserMessage"},
					"additionalProperties": false,
				},
			}},
		}},
	}
}

// Load reads a persona set from a YAML or TOML file, chosen by extension.
func Load(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Set{}, err
	}
	var s Set
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &s); err != nil {
			return Set{}, fmt.Errorf("parse persona file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Set{}, fmt.Errorf("parse persona file: %w", err)
		}
	}
	return s, nil
}

// Validate ensures every persona is named uniquely and hand-off targets exist.
func Validate(s Set) error {
	if len(s.Personas) == 0 {
		return fmt.Errorf("personas must include at least one entry")
	}
	seen := make(map[string]struct{}, len(s.Personas))
	for i, p := range s.Personas {
		if p.Name == "" {
			return fmt.Errorf("personas[%d].name is required", i)
		}
		key := strings.ToLower(p.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("persona %q declared twice", p.Name)
		}
		seen[key] = struct{}{}
		for _, tool := range p.Tools {
			if tool.Name == "" {
				return fmt.Errorf("persona %q has a tool without a name", p.Name)
			}
		}
	}
	for _, p := range s.Personas {
		for _, target := range p.Handoffs {
			if _, ok := seen[strings.ToLower(target)]; !ok {
				return fmt.Errorf("persona %q hands off to unknown persona %q", p.Name, target)
			}
		}
	}
	return nil
}

// Ordered returns the personas with the default moved to the front.
func (s Set) Ordered() []Persona {
	return Order(s.Personas, s.Default)
}

// Order returns a copy of personas with the named default promoted to the
// front. The relative order of the others is preserved; an unknown default
// leaves the order unchanged.
func Order(personas []Persona, defaultName string) []Persona {
	out := make([]Persona, 0, len(personas))
	idx := -1
	for i, p := range personas {
		if p.Name == defaultName {
			idx = i
			break
		}
	}
	if idx < 0 {
		return append(out, personas...)
	}
	out = append(out, personas[idx])
	out = append(out, personas[:idx]...)
	return append(out, personas[idx+1:]...)
}

// Find looks a persona up by name, ignoring case.
func Find(personas []Persona, name string) (Persona, bool) {
	for _, p := range personas {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Persona{}, false
}
