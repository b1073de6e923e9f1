package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/snipvault-installer/internal/config"
	"github.com/oshokin/snipvault-installer/internal/service/cli"
	"github.com/oshokin/snipvault-installer/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// manifestPath overrides the manifest from configuration.
	manifestPath string
	// verifyOnly stops after every resource is fetched and verified.
	verifyOnly bool
	// historyLimit is the number of runs listed by `history`.
	historyLimit int
	// writePath receives the effective configuration.
	writePath string

	// rootCmd represents the base command.
	rootCmd = &cobra.Command{
		Use:   version.Name,
		Short: "Install SnipVault and its resources into an isolated environment.",
		Long: `Fetches every resource listed in the manifest, verifies each payload against its
expected digest, installs them into an isolated root, creates the runtime
directories and checks that the installed entry point reports its version.

Settings come from built-in defaults, the YAML configuration file and
SNIPVAULT_INSTALLER_* environment variables, in that order.`,
		SilenceUsage: true,
	}

	// installCmd runs an installation.
	installCmd = &cobra.Command{
		Use:   "install",
		Short: "Fetch, verify and install every resource.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			_, err := cli.Install(ctx, options(cmd))

			return err
		},
	}

	// historyCmd lists recorded runs.
	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List recent installation runs.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cli.History(cmd.Context(), options(cmd), historyLimit)

			return err
		},
	}

	// configCmd prints the effective configuration.
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cli.ShowConfig(cmd.Context(), options(cmd), writePath)

			return err
		},
	}
)

// Execute runs the CLI and exits with the status matching the error class.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}

func options(cmd *cobra.Command) *cli.Options {
	return &cli.Options{
		ConfigPath:   configPath,
		ManifestPath: manifestPath,
		VerifyOnly:   verifyOnly,
		Stdout:       cmd.OutOrStdout(),
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", "", "path to configuration file (default "+config.DefaultConfigFilename+" if present)")

	installCmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "path to resource manifest (default embedded)")
	installCmd.Flags().BoolVar(&verifyOnly, "verify-only", false, "fetch and verify resources without installing them")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", cli.DefaultHistoryLimit, "number of runs to show")

	configCmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "path to resource manifest")
	configCmd.Flags().StringVarP(&writePath, "write", "w", "", "save the effective configuration to this path")

	rootCmd.AddCommand(installCmd, historyCmd, configCmd)
}
