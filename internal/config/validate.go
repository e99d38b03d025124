package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Paintersrp/subproc/internal/resources"
)

var stdStreams = map[string]bool{"stdin": true, "stdout": true, "stderr": true}

var optSuffixes = []string{"_BUFSIZE", "_LINE_BUFFER", "_EOF_NEWLINE"}

// Validate performs the semantic checks the schema cannot express.
func (j *Job) Validate() error {
	if len(j.Command) == 0 || j.Command[0] == "" {
		return fmt.Errorf("%s: must not be empty", jobField("command"))
	}
	if j.Version != "v1" {
		return fmt.Errorf("%s: unsupported version %q", jobField("version"), j.Version)
	}

	streams := map[string]bool{"stdin": true, "stdout": true, "stderr": true}
	for i, ch := range j.Channels {
		field := jobField("channels", i)
		if ch.Name == "" || strings.ContainsAny(ch.Name, "=\x00") {
			return fmt.Errorf("%s.name: invalid channel name %q", field, ch.Name)
		}
		if stdStreams[ch.Name] {
			return fmt.Errorf("%s.name: %q collides with a standard stream", field, ch.Name)
		}
		if streams[ch.Name] {
			return fmt.Errorf("%s.name: duplicate channel %q", field, ch.Name)
		}
		switch ch.Direction {
		case DirectionBidi, DirectionOut:
		default:
			return fmt.Errorf("%s.direction: must be %q or %q", field, DirectionBidi, DirectionOut)
		}
		streams[ch.Name] = true
	}

	for _, key := range sortedKeys(j.Options) {
		stream, ok := optionStream(key)
		if !ok {
			return fmt.Errorf("%s: unrecognized option", jobField("options", key))
		}
		if !streams[stream] {
			return fmt.Errorf("%s: no stream named %q", jobField("options", key), stream)
		}
	}

	for _, name := range sortedKeys(j.Limits) {
		lim := j.Limits[name]
		soft, err := resources.ParseRlimit(name, lim.Soft)
		if err != nil {
			return fmt.Errorf("%s: %w", jobField("limits", name), err)
		}
		hard, err := resources.ParseRlimit(name, lim.Hard)
		if err != nil {
			return fmt.Errorf("%s: %w", jobField("limits", name), err)
		}
		if soft > hard {
			return fmt.Errorf("%s: soft limit exceeds hard limit", jobField("limits", name))
		}
	}

	if j.ExitTimeout.Duration < 0 {
		return fmt.Errorf("%s: must not be negative", jobField("exitTimeout"))
	}
	if j.KillGrace.Duration < 0 {
		return fmt.Errorf("%s: must not be negative", jobField("killGrace"))
	}
	return nil
}

func optionStream(key string) (string, bool) {
	for _, suffix := range optSuffixes {
		if strings.HasSuffix(key, suffix) && len(key) > len(suffix) {
			return strings.TrimSuffix(key, suffix), true
		}
	}
	return "", false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
