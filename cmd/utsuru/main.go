package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/VincentVerdynanta/utsuru/pkg/api"
	"github.com/VincentVerdynanta/utsuru/pkg/config"
	"github.com/VincentVerdynanta/utsuru/pkg/logger"
	"github.com/VincentVerdynanta/utsuru/pkg/whip"
)

// startupLog handles the sliver of startup that runs before the flag set
// is parsed and the real slog pipeline exists: malformed flags and the
// --completions short-circuit. It never sees another line of output once
// the banner prints, so it is console-only and never configurable.
var startupLog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()

const (
	appName    = "utsuru"
	appVersion = "0.1.0"
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet(appName, flag.ExitOnError)

	var host string
	var port int
	var completions string
	fs.StringVar(&host, "host", "127.0.0.1", "Specify bind address")
	fs.StringVar(&host, "h", "127.0.0.1", "Specify bind address (shorthand)")
	fs.IntVar(&port, "port", 3000, "Specify port to listen on")
	fs.IntVar(&port, "p", 3000, "Specify port to listen on (shorthand)")
	fs.StringVar(&completions, "completions", "", "Print shell completion script for <shell> (bash, zsh, fish)")
	logFlags := logger.RegisterFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", appName)
		fmt.Fprintf(os.Stderr, "WHIP to Discord Go Live bridge\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		startupLog.Error().Err(err).Msg("failed to parse flags")
		return err
	}

	if completions != "" {
		startupLog.Debug().Str("shell", completions).Msg("printing shell completions")
		return printCompletions(completions)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		startupLog.Error().Err(err).Msg("invalid verbosity")
		return err
	}
	log, err := logger.New(logConfig)
	if err != nil {
		return err
	}
	defer log.Close()
	logger.SetDefault(log)

	printBanner()

	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("invalid bind address: %s", host)
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	probe, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Println("  - An error has occured:")
		fmt.Printf("    %s\n", err)
		fmt.Println()
		return nil
	}
	probe.Close()

	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}
	if cfg.DiscordBotToken != "" {
		log.Info("loaded default bot token from .env")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	whipCoord := whip.New(ip, log.With("component", "whip").Logger)
	defaults := api.Defaults{
		Token:     cfg.DiscordBotToken,
		GuildID:   cfg.DefaultGuildID,
		ChannelID: cfg.DefaultChannel,
	}
	server := api.NewServer(whipCoord, nil, defaults, log.With("component", "api").Logger)

	if err := server.Start(ctx, addr); err != nil {
		return err
	}

	fmt.Printf("  - %s is ready! Listening on:\n", appName)
	fmt.Printf("    Web UI:      http://%s\n", addr)
	fmt.Printf("    WHIP Server: http://%s/whip\n", addr)
	fmt.Printf("    WHIP Token:  %s\n", appName)
	fmt.Println()

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := server.Stop(stopCtx); err != nil {
		log.Error("error stopping HTTP server", "error", err)
	}

	log.Info("graceful shutdown complete")
	return nil
}

func printBanner() {
	fmt.Println()
	fmt.Println("  +---------------------+")
	fmt.Println("  |                     |")
	fmt.Printf("  |%s|\n", center(fmt.Sprintf("%s v%s", appName, appVersion), 21))
	fmt.Println("  |                     |")
	fmt.Println("  +---------------------+")
	fmt.Println()
	fmt.Printf("  - Thank you for using %s.\n", appName)
	fmt.Println("    We are currently conducting internal preparations. Please wait...")
	fmt.Println()
}

func center(s string, width int) string {
	pad := width - len(s)
	if pad <= 0 {
		return s
	}
	left := pad / 2
	right := pad - left
	return fmt.Sprintf("%*s%s%*s", left, "", s, right, "")
}

func printCompletions(shell string) error {
	switch shell {
	case "bash":
		fmt.Print(bashCompletion)
	case "zsh":
		fmt.Print(zshCompletion)
	case "fish":
		fmt.Print(fishCompletion)
	default:
		return fmt.Errorf("unsupported shell: %s (must be bash, zsh, or fish)", shell)
	}
	return nil
}

const bashCompletion = `_utsuru_completions() {
    local cur opts
    cur="${COMP_WORDS[COMP_CWORD]}"
    opts="-h --host -p --port -v --verbosity --completions --help"
    COMPREPLY=($(compgen -W "${opts}" -- "${cur}"))
}
complete -F _utsuru_completions utsuru
`

const zshCompletion = `#compdef utsuru
_arguments \
  '(-h --host)'{-h,--host}'[bind address]:host:' \
  '(-p --port)'{-p,--port}'[listen port]:port:' \
  '(-v --verbosity)'{-v,--verbosity}'[log verbosity]:verbosity:(off error warn info debug trace)' \
  '--completions[print shell completion script]:shell:(bash zsh fish)' \
  '--help[print help]'
`

const fishCompletion = `complete -c utsuru -s h -l host -d 'Specify bind address'
complete -c utsuru -s p -l port -d 'Specify port to listen on'
complete -c utsuru -s v -l verbosity -d 'Log verbosity' -xa 'off error warn info debug trace'
complete -c utsuru -l completions -d 'Print shell completion script' -xa 'bash zsh fish'
complete -c utsuru -l help -d 'Print help'
`
