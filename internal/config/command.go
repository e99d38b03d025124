package config

import (
	"fmt"

	"github.com/Paintersrp/subproc/internal/resources"
	"github.com/Paintersrp/subproc/internal/subprocess"
)

// Descriptor converts the job into a subprocess descriptor. Option values are
// passed through untouched and checked when the descriptor is spawned.
func (j *Job) Descriptor() (*subprocess.Command, error) {
	var env []string
	if !j.InheritsEnv() {
		env = []string{}
	}
	cmd, err := subprocess.NewCommand(j.Command, env)
	if err != nil {
		return nil, err
	}
	for _, k := range sortedKeys(j.Env) {
		if err := cmd.SetEnv(k, j.Env[k]); err != nil {
			return nil, fmt.Errorf("%s: %w", jobField("env", k), err)
		}
	}
	cmd.SetDir(j.Workdir)

	for i, ch := range j.Channels {
		add := cmd.AddChannel
		if ch.Direction == DirectionOut {
			add = cmd.AddOutputChannel
		}
		if err := add(ch.Name); err != nil {
			return nil, fmt.Errorf("%s: %w", jobField("channels", i), err)
		}
	}
	for _, k := range sortedKeys(j.Options) {
		if err := cmd.SetOpt(k, j.Options[k]); err != nil {
			return nil, fmt.Errorf("%s: %w", jobField("options", k), err)
		}
	}
	for _, name := range sortedKeys(j.Limits) {
		lim := j.Limits[name]
		soft, err := resources.ParseRlimit(name, lim.Soft)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", jobField("limits", name), err)
		}
		hard, err := resources.ParseRlimit(name, lim.Hard)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", jobField("limits", name), err)
		}
		if err := cmd.SetRlimit(name, subprocess.Rlimit{Cur: soft, Max: hard}); err != nil {
			return nil, fmt.Errorf("%s: %w", jobField("limits", name), err)
		}
	}
	if err := cmd.SetExitTimeout(j.ExitTimeout.Duration); err != nil {
		return nil, fmt.Errorf("%s: %w", jobField("exitTimeout"), err)
	}
	if err := cmd.SetKillGrace(j.KillGrace.Duration); err != nil {
		return nil, fmt.Errorf("%s: %w", jobField("killGrace"), err)
	}
	return cmd, nil
}
