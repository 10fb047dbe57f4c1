package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"vdaserver/api"
)

var rootCmd = &cobra.Command{
	Use:          "vdaserver",
	Short:        "Local download server for the VDA browser extension",
	Long:         "vdaserver accepts download requests from the browser extension over HTTP and runs yt-dlp for them one at a time.",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (default)",
	RunE:  runServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether yt-dlp and ffmpeg are usable",
	RunE:  runCheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vdaserver: %s\n", api.Version)
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			}
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.Int("port", 8080, "port to listen on (1-65535)")
	pf.String("host", "127.0.0.1", "address to bind")
	pf.String("download-dir", "", "base folder for downloads (default ~/Downloads)")
	pf.BoolP("verbose", "v", false, "debug logging")
	pf.String("config", "", "path to a vda_config.yaml file")

	rootCmd.AddCommand(serveCmd, checkCmd, versionCmd)
}
