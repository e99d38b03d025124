package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads, validates and resolves a job file.
func Load(path string) (*Job, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve job path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open job file: %w", err)
	}
	job, err := Parse(data, filepath.Dir(absPath))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	job.Path = absPath
	return job, nil
}

// Parse decodes a job document. Relative paths inside it are resolved
// against baseDir.
func Parse(data []byte, baseDir string) (*Job, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("job document is empty")
	}
	if err := validateAgainstSchema(raw); err != nil {
		return nil, err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var job Job
	if err := decoder.Decode(&job); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	job.Workdir = resolveWorkdir(baseDir, os.ExpandEnv(job.Workdir))
	for i, arg := range job.Command {
		job.Command[i] = os.ExpandEnv(arg)
	}

	var fileEnv map[string]string
	if job.EnvFromFile != "" {
		expanded := os.ExpandEnv(job.EnvFromFile)
		if !filepath.IsAbs(expanded) {
			expanded = filepath.Clean(filepath.Join(job.Workdir, expanded))
		}
		job.EnvFromFile = expanded
		env, err := godotenv.Read(expanded)
		if err != nil {
			return nil, fmt.Errorf("%s: load env file %q: %w", jobField("envFromFile"), expanded, err)
		}
		fileEnv = env
	}

	merged := make(map[string]string, len(fileEnv)+len(job.Env))
	for k, v := range fileEnv {
		merged[k] = v
	}
	for k, v := range job.Env {
		merged[k] = os.ExpandEnv(v)
	}
	job.Env = merged

	job.ApplyDefaults()
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

func resolveWorkdir(base, workdir string) string {
	if workdir == "" {
		return base
	}
	if filepath.IsAbs(workdir) {
		return filepath.Clean(workdir)
	}
	return filepath.Clean(filepath.Join(base, workdir))
}
