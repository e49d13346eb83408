package plugin

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/taproom/internal/dispatch"
	"github.com/mattjoyce/taproom/internal/protocol"
)

// SupportedManifestVersion is the manifest format this runtime reads.
const SupportedManifestVersion = 1

// Commands is a list of command definitions.
//
// Accepted formats:
//   - string array: commands: [say, shout]
//   - object array: commands: [{name: say, output_type: JSON, parameters: [...]}]
type Commands []protocol.CommandDefinition

func (c *Commands) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*c = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("commands must be a sequence")
	}

	out := make([]protocol.CommandDefinition, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, protocol.CommandDefinition{Name: strings.TrimSpace(item.Value)})
		case yaml.MappingNode:
			var def protocol.CommandDefinition
			if err := item.Decode(&def); err != nil {
				return fmt.Errorf("invalid command object: %w", err)
			}
			def.Name = strings.TrimSpace(def.Name)
			out = append(out, def)
		default:
			return fmt.Errorf("invalid command entry (must be string or object)")
		}
	}

	*c = out
	return nil
}

// Manifest describes the system a plugin serves and the commands it implements.
type Manifest struct {
	ManifestVersion int            `yaml:"manifest_version" json:"manifest_version"`
	Name            string         `yaml:"name" json:"name"`
	Version         string         `yaml:"version" json:"version"`
	DisplayName     string         `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Description     string         `yaml:"description,omitempty" json:"description,omitempty"`
	Metadata        map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Commands        Commands       `yaml:"commands" json:"commands"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	for i := range m.Commands {
		normalizeDefinition(&m.Commands[i])
	}
	if err := validateManifest(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// Command returns the definition called name.
func (m *Manifest) Command(name string) (protocol.CommandDefinition, bool) {
	for _, c := range m.Commands {
		if c.Name == name {
			return c, true
		}
	}
	return protocol.CommandDefinition{}, false
}

// Registry binds every declared command to its handler. Handlers for
// commands the manifest does not declare are left out.
func (m *Manifest) Registry(handlers map[string]dispatch.HandlerFunc) (*dispatch.Registry, error) {
	r := dispatch.NewRegistry()
	for _, def := range m.Commands {
		h, ok := handlers[def.Name]
		if !ok {
			return nil, fmt.Errorf("command %q has no implementation", def.Name)
		}
		if err := r.Register(def, h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func normalizeDefinition(def *protocol.CommandDefinition) {
	def.CommandType = strings.ToUpper(strings.TrimSpace(def.CommandType))
	if def.CommandType == "" {
		def.CommandType = protocol.CommandTypeAction
	}
	def.OutputType = strings.ToUpper(strings.TrimSpace(def.OutputType))
	if def.OutputType == "" {
		def.OutputType = protocol.OutputTypeString
	}
}

func validateManifest(m *Manifest) error {
	if m.ManifestVersion == 0 {
		return fmt.Errorf("manifest_version is required")
	}
	if m.ManifestVersion != SupportedManifestVersion {
		return fmt.Errorf("unsupported manifest_version %d (supported: %d)", m.ManifestVersion, SupportedManifestVersion)
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("version is required")
	}
	if len(m.Commands) == 0 {
		return fmt.Errorf("at least one command must be declared")
	}

	validCommandTypes := map[string]bool{
		protocol.CommandTypeAction:    true,
		protocol.CommandTypeInfo:      true,
		protocol.CommandTypeEphemeral: true,
	}
	seen := make(map[string]bool, len(m.Commands))
	for _, cmd := range m.Commands {
		if cmd.Name == "" {
			return fmt.Errorf("command name is required")
		}
		if strings.HasPrefix(cmd.Name, "_") {
			return fmt.Errorf("command %q: names starting with _ are reserved", cmd.Name)
		}
		if seen[cmd.Name] {
			return fmt.Errorf("command %q declared twice", cmd.Name)
		}
		seen[cmd.Name] = true
		if !validCommandTypes[cmd.CommandType] {
			return fmt.Errorf("invalid command_type %q for %q (valid: ACTION, INFO, EPHEMERAL)", cmd.CommandType, cmd.Name)
		}
		if cmd.OutputType != protocol.OutputTypeString && cmd.OutputType != protocol.OutputTypeJSON {
			return fmt.Errorf("invalid output_type %q for %q (valid: STRING, JSON)", cmd.OutputType, cmd.Name)
		}
		if err := validateParameters(cmd.Name, cmd.Parameters); err != nil {
			return err
		}
	}
	return nil
}

func validateParameters(command string, params []protocol.Parameter) error {
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if strings.TrimSpace(p.Key) == "" {
			return fmt.Errorf("command %q: parameter key is required", command)
		}
		if seen[p.Key] {
			return fmt.Errorf("command %q: parameter %q declared twice", command, p.Key)
		}
		seen[p.Key] = true
		if err := validateParameters(command, p.Parameters); err != nil {
			return err
		}
	}
	return nil
}
