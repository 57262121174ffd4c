package main

import (
	"context"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/brizzai/marketweb/internal/app"
	"github.com/brizzai/marketweb/internal/config"
	"github.com/brizzai/marketweb/internal/logger"
	"github.com/brizzai/marketweb/internal/tui"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

func main() {
	Execute()
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "marketweb",
	Short: "Session and data-cache coordinator for the marketplace front end",
	Long: `marketweb keeps one authenticated session per user across every page it serves.
It persists the backend token pair in shared storage, caches the user profile,
keeps execution contexts in step on logout and forwards same-origin API calls
to the marketplace upstream.`,
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the front-end server",
	RunE:  runServe,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor the session of a running server",
	Long: `watch follows the event stream of a running marketweb server and shows
the shared session, the profile refreshes and every reload broadcast to the pages.`,
	RunE: runWatch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		pterm.Info.Println(config.GetVersionInfo())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	// Place version check in PreRun to ensure flags are parsed first
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			pterm.Info.Println(config.GetVersionInfo())
			os.Exit(0)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func init() {
	config.InitFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().BoolP("version", "v", false, "Show version information")
	watchCmd.Flags().String("server", "http://127.0.0.1:3000", "Base URL of the server to monitor")
	rootCmd.AddCommand(serveCmd, watchCmd, versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	defer func() {
		if r := recover(); r != nil {
			pterm.Error.Printf("\nCaught panic: %v\n", r)
			pterm.Error.Printf("%s\n", debug.Stack())
			os.Exit(2)
		}
	}()

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	if err := logger.InitLogger(&cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	pterm.Info.Printfln("Serving on %s, proxying %s to %s",
		pterm.LightGreen(cfg.Server.Host, ":", cfg.Server.Port),
		pterm.White(cfg.Proxy.MountPath),
		pterm.White(cfg.Proxy.UpstreamBaseURL))

	fx.New(
		fx.Supply(cfg),
		app.Module,
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.GetLogger()}
		}),
	).Run()
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	server, err := cmd.Flags().GetString("server")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tui.Run(ctx, tui.NewClient(server, nil)); err != nil {
		return err
	}
	pterm.Success.Println("Session monitor closed")
	return nil
}
