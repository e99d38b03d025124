package subprocess

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/Paintersrp/subproc/internal/resources"
)

// Option configures Exec.
type Option func(*execOptions)

type execOptions struct {
	logger zerolog.Logger
}

// WithLogger attaches a logger. Records carry the subprocess id and pid.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *execOptions) {
		o.logger = logger
	}
}

type streamConfig struct {
	bufSize    int
	lineBuffer bool
	eofNewline bool
}

// streamConfigs resolves the per-stream options of a frozen command. Errors
// match both ErrInvalidArgument and unix.EINVAL.
func (c *Command) streamConfigs() (map[string]streamConfig, error) {
	configs := map[string]streamConfig{
		StreamStdin:  {bufSize: DefaultBufSize},
		StreamStdout: {bufSize: DefaultBufSize},
		StreamStderr: {bufSize: DefaultBufSize},
	}
	for _, ch := range c.channels {
		configs[ch.name] = streamConfig{bufSize: DefaultBufSize}
	}
	for key, value := range c.opts {
		name, suffix, ok := splitOptKey(key)
		if !ok {
			return nil, optionError(key, value, fmt.Errorf("unrecognized option"))
		}
		cfg, ok := configs[name]
		if !ok {
			return nil, optionError(key, value, fmt.Errorf("no stream named %q", name))
		}
		switch suffix {
		case OptBufSize:
			n, err := resources.ParseSize(value)
			if err != nil {
				return nil, optionError(key, value, err)
			}
			if int64(int(n)) != n {
				return nil, optionError(key, value, fmt.Errorf("size out of range"))
			}
			cfg.bufSize = int(n)
		case OptLineBuffer:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, optionError(key, value, err)
			}
			cfg.lineBuffer = b
		case OptEOFNewline:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, optionError(key, value, err)
			}
			cfg.eofNewline = b
		}
		configs[name] = cfg
	}
	return configs, nil
}

func optionError(key, value string, err error) error {
	return fmt.Errorf("%w: option %s=%q: %w: %w", ErrInvalidArgument, key, value, err, unix.EINVAL)
}
