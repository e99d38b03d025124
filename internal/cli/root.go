package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/subproc/internal/logging"
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := &context{logger: zerolog.Nop()}

	root := &cobra.Command{
		Use:   "subproc",
		Short: "Run local subprocesses with multiplexed streams and channels",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.init(cmd)
		},
	}
	addSettingsFlags(root.PersistentFlags())

	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newValidateCmd())
	root.AddCommand(newSchemaCmd())
	root.AddCommand(newVersionCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	err := root.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

// context carries state shared by subcommands once settings are resolved.
type context struct {
	settings Settings
	logger   zerolog.Logger
}

func (c *context) init(cmd *cobra.Command) error {
	settings, err := loadSettings(cmd.Flags())
	if err != nil {
		return err
	}
	if settings.Log.Output == nil || settings.Log.Output == os.Stderr {
		settings.Log.Output = cmd.ErrOrStderr()
	}
	logger, err := logging.New(settings.Log)
	if err != nil {
		return err
	}
	c.settings = settings
	c.logger = logger
	return nil
}
