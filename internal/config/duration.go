// ABOUTME: Duration config values parsed from strings such as "30s", "1h" or "1d"
// ABOUTME: Decodes from both YAML and TOML

package config

import (
	"fmt"
	"time"

	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string in config files.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// String formats d the way str2duration writes it.
func (d Duration) String() string {
	return str2duration.String(time.Duration(d))
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := str2duration.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string", node.Line)
	}
	if err := d.UnmarshalText([]byte(node.Value)); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}
