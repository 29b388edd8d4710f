// Package cli provides the command-line interface for ftpferry.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ftpferry/ftpferry/internal/logging"
	"github.com/ftpferry/ftpferry/internal/version"
)

var (
	// Global flags
	cfgFile string
	verbose bool
	debug   bool

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ftpferry",
		Short: "ftpferry - parallel FTP/FTPS upload tool",
		Long: `ftpferry ` + version.Version + ` - Built: ` + version.BuildTime + `
Uploads files to FTP and FTPS servers over parallel connections, with
collision handling (resume, overwrite, autorename), ASCII/binary modes
and SOCKS5 proxy support.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefaultCLILogger()
			if verbose || debug {
				logging.SetGlobalLevel(-1) // zerolog.DebugLevel
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default $HOME/.ftpferry/config.csv)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug output")

	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// Execute runs the CLI with signal-aware cancellation.
func Execute() int {
	rootContext, cancelFunc = signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancelFunc()

	if err := NewRootCmd().ExecuteContext(rootContext); err != nil {
		return 1
	}
	return 0
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("ftpferry %s (built %s)\n", version.Version, version.BuildTime)
		},
	}
}
