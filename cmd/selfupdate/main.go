package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/selfupdate/internal/httputil"
)

var (
	version    = "0.1.0"
	cfgFile    string
	installDir string
)

var rootCmd = &cobra.Command{
	Use:   "selfupdate",
	Short: "Application self-update engine",
	Long: `selfupdate keeps an installed application in step with its release server:
it downloads or patches changed files into a staging area and moves them
into place once the whole update has been verified.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		httputil.UserAgent = "selfupdate/" + version
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("selfupdate v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is selfupdate.yaml in the system config dir)")
	rootCmd.PersistentFlags().StringVar(&installDir, "dir", "", "install directory (overrides install_dir)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if isWindowsService() {
		if err := runAsService(runDaemon); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if err := rootCmd.Execute(); err != nil {
		printer.Error("%v", err)
		os.Exit(1)
	}
}
