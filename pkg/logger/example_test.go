package logger_test

import (
	"fmt"
	"os"

	"github.com/VincentVerdynanta/utsuru/pkg/logger"
)

// Example showing basic logger usage
func ExampleLogger_basic() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.Info("application started", "version", "1.0.0")
	log.Warn("deprecated route used", "path", "/api/mirrors")
	log.Error("failed to connect", "error", "connection timeout")
}

// Example showing debug category usage
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugRTP)
	cfg.EnableCategory(logger.DebugGateway)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.DebugRTPPacket(12345, 90000, 96, 1200)
	log.DebugNALUnit(7, 28, false) // SPS

	log.DebugRTP("packet received", "seq", 12345)
	log.DebugGateway("dispatch received", "t", "VOICE_STATE_UPDATE")
}

// Example showing command-line flags integration
func ExampleFlags() {
	// In cmd/utsuru/main.go:
	// fs := flag.NewFlagSet("utsuru", flag.ExitOnError)
	// logFlags := logger.RegisterFlags(fs)
	// fs.Parse(os.Args[1:])
	//
	// logConfig, _ := logFlags.ToConfig()
	// log, _ := logger.New(logConfig)
	// defer log.Close()

	fmt.Println("See cmd/utsuru/main.go for complete example")
}

// Example showing JSON format output
func ExampleLogger_json() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatJSON
	cfg.OutputFile = "app.json"

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	defer os.Remove("app.json")

	log.Info("mirror created",
		"guild_id", "12345",
		"channel_id", "67890",
		"duration_ms", 250)

	// Output will be in JSON format:
	// {"time":"...","level":"INFO","msg":"mirror created","guild_id":"12345","channel_id":"67890","duration_ms":250}
}

// Example showing conditional debug logging
func ExampleLogger_conditional() {
	cfg := logger.NewConfig()
	cfg.EnableCategory(logger.DebugDave)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// This will only execute if DebugDave is enabled
	log.DebugDave("rotating to new epoch", "epoch", 4)

	// Category methods automatically check if enabled
	log.DebugRTP("packet received", "seq", 12345)
}
