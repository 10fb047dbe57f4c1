// vdaserver/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"vdaserver/api"
	"vdaserver/config"
	"vdaserver/download"
	"vdaserver/ffmpeg"
	"vdaserver/logging"
	"vdaserver/process"
	"vdaserver/relay"
	"vdaserver/task"
	"vdaserver/ytdlp"
)

func main() {
	// A .env next to the binary is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: could not read .env: %v\n", err)
	}

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("vdaserver failed")
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		logging.Setup(os.Stderr, false)
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.Setup(os.Stderr, cfg.Verbose)
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	// 1. Tools
	runner := process.NewRunner()
	events := relay.New()
	prober := ytdlp.NewProber(runner, cfg.YtdlpBin, cfg.ProbeTimeout)
	verifier := ytdlp.NewVerifier(runner, prober.Command, cfg.PremiumProbeURL, cfg.VerifyTimeout)
	converter := ffmpeg.NewConverter(cfg.FFmpegBin, runner)
	resources := download.NewResources(cfg.ThrottleFreeDisk, cfg.ThrottleFreeMem)

	// 2. Executor and scheduler
	executor := download.NewExecutor(cfg, runner, prober.Command, converter, resources, events)
	scheduler := task.NewScheduler(executor, events, cfg.MaxQueueDepth)

	// 3. Router and listener
	router := api.SetupRouter(cfg, api.Deps{
		Queue:    scheduler,
		Tools:    prober,
		Verifier: verifier,
		Relay:    events,
	})

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		if isAddrInUse(err) {
			return fmt.Errorf("port %d already in use; is another vdaserver running?", cfg.Port)
		}
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 4. Run until signalled
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", ln.Addr().String()).
			Str("downloads_folder", cfg.DownloadsFolder).
			Bool("ffmpeg", converter.Available()).
			Msg("server listening")
		serveErr <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		scheduler.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}

	// Restore default behavior on the interrupt signal and notify user of shutdown.
	stop()
	log.Info().Msg("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("requests still waiting on downloads, closing connections")
		_ = srv.Close()
	}

	if snap := scheduler.Snapshot(); snap.Running != nil {
		log.Info().Uint64("job_id", snap.Running.ID).Msg("waiting for the running download to finish")
	}
	scheduler.Stop()

	log.Info().Msg("server exiting")
	return nil
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	// Windows reports WSAEADDRINUSE, which syscall does not map.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "address already in use") || strings.Contains(msg, "only one usage of each socket address")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	runner := process.NewRunner()
	ctx := cmd.Context()

	yt := ytdlp.NewProber(runner, cfg.YtdlpBin, cfg.ProbeTimeout).Availability(ctx)
	fmt.Printf("yt-dlp:  %s\n", yt.Message)

	conv := ffmpeg.NewConverter(cfg.FFmpegBin, runner)
	if conv.Available() {
		vctx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
		defer cancel()
		if v, err := conv.Version(vctx); err == nil {
			fmt.Printf("ffmpeg:  %s\n", v)
		} else {
			fmt.Printf("ffmpeg:  found but not working: %v\n", err)
		}
	} else {
		fmt.Printf("ffmpeg:  not found (%s); mkv, webm and mp3 downloads stay mp4\n", cfg.FFmpegBin)
	}
	fmt.Printf("folder:  %s\n", cfg.DownloadsFolder)

	if !yt.Installed {
		return errors.New("yt-dlp is not installed")
	}
	return nil
}
