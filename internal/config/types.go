package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses Go duration strings such as "30s" or "1m30s".
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Job mirrors the job.yaml document structure.
type Job struct {
	Version     string            `yaml:"version"`
	Name        string            `yaml:"name"`
	Command     []string          `yaml:"command"`
	Workdir     string            `yaml:"workdir"`
	InheritEnv  *bool             `yaml:"inheritEnv"`
	Env         map[string]string `yaml:"env"`
	EnvFromFile string            `yaml:"envFromFile"`
	Channels    []Channel         `yaml:"channels"`
	Options     map[string]string `yaml:"options"`
	Limits      map[string]Limit  `yaml:"limits"`
	ExitTimeout Duration          `yaml:"exitTimeout"`
	KillGrace   Duration          `yaml:"killGrace"`
	Input       *string           `yaml:"input"`

	// Path is the absolute path the job was loaded from.
	Path string `yaml:"-"`
}

// Channel declares an extra descriptor passed to the child.
type Channel struct {
	Name      string `yaml:"name"`
	Direction string `yaml:"direction"`
}

const (
	DirectionBidi = "bidi"
	DirectionOut  = "out"
)

// Limit is a resource limit. It is written either as a single scalar used
// for both the soft and hard limit, or as a mapping with soft and hard keys.
type Limit struct {
	Soft string `yaml:"soft"`
	Hard string `yaml:"hard"`
}

// UnmarshalYAML accepts both the scalar and mapping forms.
func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		l.Soft = node.Value
		l.Hard = node.Value
		return nil
	case yaml.MappingNode:
		type plain Limit
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		*l = Limit(p)
		if l.Hard == "" {
			l.Hard = l.Soft
		}
		if l.Soft == "" {
			l.Soft = l.Hard
		}
		return nil
	default:
		return fmt.Errorf("line %d: limit must be a scalar or a mapping", node.Line)
	}
}

// InheritsEnv reports whether the child starts from the caller's environment.
func (j *Job) InheritsEnv() bool {
	return j.InheritEnv == nil || *j.InheritEnv
}

// ApplyDefaults fills unset fields.
func (j *Job) ApplyDefaults() {
	if j.Version == "" {
		j.Version = "v1"
	}
	for i := range j.Channels {
		if j.Channels[i].Direction == "" {
			j.Channels[i].Direction = DirectionBidi
		}
	}
}

func jobField(parts ...any) string {
	out := ""
	for _, p := range parts {
		switch v := p.(type) {
		case int:
			out += "[" + strconv.Itoa(v) + "]"
		case string:
			if out != "" {
				out += "."
			}
			out += v
		}
	}
	return out
}
