package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Paintersrp/subproc/internal/config"
	"github.com/Paintersrp/subproc/internal/logmux"
	"github.com/Paintersrp/subproc/internal/subprocess"
	"github.com/Paintersrp/subproc/internal/tui"
)

// uiQueueSize bounds the events waiting for the viewer. Output beyond it is
// dropped and counted rather than stalling the reactor.
const uiQueueSize = 1024

type runOptions struct {
	file           string
	channels       []string
	outputChannels []string
	opts           []string
	env            []string
	clearEnv       bool
	cwd            string
	timeout        time.Duration
	killGrace      time.Duration
	input          string
	inputFile      string
	json           bool
	tui            bool
}

func newRunCmd(ctx *context) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [flags] -- CMD [ARGS...]",
		Short: "Run a command and stream its output",
		Long: "Run a command, or the job described by --file, with stdin, stdout, stderr and\n" +
			"any extra channels multiplexed on a single event loop. The exit status\n" +
			"mirrors the child's (128+signal when it was killed by a signal).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, ctx, &opts, args)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.file, "file", "f", "", "Job file to run instead of CMD")
	flags.StringArrayVar(&opts.channels, "channel", nil, "Add a bidirectional channel NAME (repeatable)")
	flags.StringArrayVar(&opts.outputChannels, "output-channel", nil, "Add an output-only channel NAME (repeatable)")
	flags.StringArrayVar(&opts.opts, "opt", nil, "Stream option KEY=VALUE, e.g. stdout_BUFSIZE=4KiB (repeatable)")
	flags.StringArrayVarP(&opts.env, "env", "e", nil, "Set environment KEY=VALUE (repeatable)")
	flags.BoolVar(&opts.clearEnv, "clear-env", false, "Start from an empty environment")
	flags.StringVar(&opts.cwd, "cwd", "", "Working directory of the child")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Terminate the child after this long")
	flags.DurationVar(&opts.killGrace, "kill-grace", 0, "Wait between SIGTERM and SIGKILL on timeout")
	flags.StringVar(&opts.input, "input", "", "Write TEXT to stdin, then close it")
	flags.StringVar(&opts.inputFile, "input-file", "", "Copy PATH (or - for our stdin) to the child's stdin")
	flags.BoolVar(&opts.json, "json", false, "Print one JSON record per line of output and a final exit record")
	flags.BoolVar(&opts.tui, "tui", false, "Show an interactive stream viewer")
	return cmd
}

func runCommand(cmd *cobra.Command, ctx *context, opts *runOptions, args []string) error {
	if opts.json && opts.tui {
		return errors.New("--json and --tui are mutually exclusive")
	}
	desc, jobInput, err := buildCommand(cmd, opts, args)
	if err != nil {
		return err
	}
	input, closeInput, err := resolveInput(cmd, opts, jobInput)
	if err != nil {
		return err
	}
	defer closeInput()

	runCtx := cmd.Context()
	if runCtx == nil {
		runCtx = stdcontext.Background()
	}

	rcfg := runnerConfig{
		Logger: ctx.logger,
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
		JSON:   opts.json,
	}

	if opts.tui {
		if f, ok := rcfg.Stdout.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
			return errors.New("--tui requires a terminal")
		}
		// Log records would draw over the screen.
		rcfg.Logger = ctx.logger.Level(zerolog.Disabled)
	}

	r, err := newRunner(rcfg)
	if err != nil {
		return err
	}

	if addr := ctx.settings.MetricsAddr; addr != "" {
		stopServer, err := r.serveControl(runCtx, addr)
		if err != nil {
			return err
		}
		defer func() {
			if err := stopServer(); err != nil {
				ctx.logger.Warn().Err(err).Msg("control API")
			}
		}()
	}

	var (
		ui    *tui.UI
		uiErr chan error
	)
	if opts.tui {
		mux := logmux.New(uiQueueSize)
		ui = tui.New(
			tui.WithTitle(desc.String()),
			tui.WithSource(mux.Output()),
			tui.WithQuitFunc(func() { r.loop.Post(r.terminate) }),
		)
		r.events = mux
		uictx, cancel := stdcontext.WithCancel(runCtx)
		defer cancel()
		uiErr = make(chan error, 1)
		go func() { uiErr <- ui.Run(uictx) }()
	}

	p, err := r.run(runCtx, desc, input)
	if ui != nil {
		r.events.Close()
		if err == nil {
			<-ui.Done()
		} else {
			ui.Stop()
		}
		if uerr := <-uiErr; uerr != nil && err == nil {
			err = fmt.Errorf("tui: %w", uerr)
		}
	}
	if err != nil {
		return err
	}
	if p.State() == subprocess.StateExited && p.ExitCode() == 0 {
		return nil
	}
	return &ExitError{Code: exitStatus(p), State: p.State()}
}

// buildCommand assembles the descriptor from a job file or the positional
// arguments, then applies flag overrides.
func buildCommand(cmd *cobra.Command, opts *runOptions, args []string) (*subprocess.Command, *string, error) {
	var (
		desc  *subprocess.Command
		input *string
		err   error
	)
	switch {
	case opts.file != "" && len(args) > 0:
		return nil, nil, errors.New("pass either --file or a command, not both")
	case opts.file != "":
		job, err := config.Load(opts.file)
		if err != nil {
			return nil, nil, err
		}
		desc, err = job.Descriptor()
		if err != nil {
			return nil, nil, err
		}
		input = job.Input
		if opts.clearEnv {
			for _, kv := range desc.Env() {
				name, _, _ := strings.Cut(kv, "=")
				desc.UnsetEnv(name)
			}
		}
	case len(args) > 0:
		var env []string
		if opts.clearEnv {
			env = []string{}
		}
		desc, err = subprocess.NewCommand(args, env)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, errors.New("no command given: pass CMD after -- or --file")
	}

	for _, kv := range opts.env {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, nil, fmt.Errorf("--env %q: expected KEY=VALUE", kv)
		}
		if err := desc.SetEnv(name, value); err != nil {
			return nil, nil, fmt.Errorf("--env %q: %w", kv, err)
		}
	}
	if opts.cwd != "" {
		desc.SetDir(opts.cwd)
	}
	for _, name := range opts.channels {
		if err := desc.AddChannel(name); err != nil {
			return nil, nil, fmt.Errorf("--channel %q: %w", name, err)
		}
	}
	for _, name := range opts.outputChannels {
		if err := desc.AddOutputChannel(name); err != nil {
			return nil, nil, fmt.Errorf("--output-channel %q: %w", name, err)
		}
	}
	for _, kv := range opts.opts {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, nil, fmt.Errorf("--opt %q: expected KEY=VALUE", kv)
		}
		if err := desc.SetOpt(key, value); err != nil {
			return nil, nil, fmt.Errorf("--opt %q: %w", kv, err)
		}
	}
	if cmd.Flags().Changed("timeout") {
		if err := desc.SetExitTimeout(opts.timeout); err != nil {
			return nil, nil, fmt.Errorf("--timeout: %w", err)
		}
	}
	if cmd.Flags().Changed("kill-grace") {
		if err := desc.SetKillGrace(opts.killGrace); err != nil {
			return nil, nil, fmt.Errorf("--kill-grace: %w", err)
		}
	}
	return desc, input, nil
}

// resolveInput picks the stdin source. Flags win over the job's input.
func resolveInput(cmd *cobra.Command, opts *runOptions, jobInput *string) (runInput, func(), error) {
	noop := func() {}
	textSet := cmd.Flags().Changed("input")
	if textSet && opts.inputFile != "" {
		return runInput{}, noop, errors.New("--input and --input-file are mutually exclusive")
	}
	switch {
	case textSet:
		return runInput{Data: []byte(opts.input)}, noop, nil
	case opts.inputFile == "-":
		return runInput{Reader: cmd.InOrStdin()}, noop, nil
	case opts.inputFile != "":
		f, err := os.Open(opts.inputFile)
		if err != nil {
			return runInput{}, noop, fmt.Errorf("--input-file: %w", err)
		}
		return runInput{Reader: f}, func() { f.Close() }, nil
	case jobInput != nil:
		return runInput{Data: []byte(*jobInput)}, noop, nil
	default:
		return runInput{}, noop, nil
	}
}
