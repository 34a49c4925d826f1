package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

// AppOptions holds the CLI options shared by all commands
type AppOptions struct {
	ConfigFile string
	Weights    string
	LogLevel   logrus.Level
	HttpPort   int
	MqttMode   bool
	HttpMode   bool
}

// Runner is the application surface driven by the CLI
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunService(ctx context.Context) error
	RunEstimate(ctx context.Context, input string, out io.Writer) error
	RunInitWeights(output string) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, NewApp()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// run executes the CLI with args against app
func run(ctx context.Context, args []string, out io.Writer, app Runner) error {
	cmd := newRootCmd(app)
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(out)
	return cmd.ExecuteContext(ctx)
}

func newRootCmd(app Runner) *cobra.Command {
	var opts AppOptions
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "corrnet",
		Short: "Correspondence pruning and essential matrix estimation",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			opts.LogLevel = level
			app.ApplyOptions(opts)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", defaultConfigFile, "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.Weights, "weights", "", "Checkpoint file (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	cobra.EnableCommandSorting = false

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Serve estimates over MQTT and HTTP",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunService(cmd.Context())
		},
	}
	serveCmd.Flags().BoolVar(&opts.MqttMode, "mqtt", true, "Subscribe to configured sources and publish estimates")
	serveCmd.Flags().BoolVar(&opts.HttpMode, "http", true, "Enable the HTTP API")
	serveCmd.Flags().IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")

	var input string
	estimateCmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate a request file and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunEstimate(cmd.Context(), input, cmd.OutOrStdout())
		},
	}
	estimateCmd.Flags().StringVarP(&input, "input", "i", "-", "Request JSON file or http(s) URL, - for stdin")

	var output string
	initCmd := &cobra.Command{
		Use:   "init-weights",
		Short: "Write a freshly initialized checkpoint for the configured network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunInitWeights(output)
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", "weights.msgpack", "Checkpoint output path")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "corrnet version: %s\n", Version)
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, estimateCmd, initCmd, versionCmd)
	return rootCmd
}
