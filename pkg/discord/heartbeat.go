package discord

import (
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/VincentVerdynanta/utsuru/pkg/utsuruerr"
)

// jsMaxSafeInteger bounds the heartbeat nonce range to what a Discord
// client (running in JavaScript) can round-trip without losing
// precision.
const jsMaxSafeInteger = (uint64(1) << 53) - 1

// HeartbeatCoordinator drives the voice-endpoint heartbeat: send op-3
// with a random nonce every interval, expect it echoed back on op-6.
type HeartbeatCoordinator struct {
	notify   *Notifier
	interval time.Duration
	egress   chan<- egressFrame
	nonceRx  <-chan uint64
	logger   *slog.Logger
}

func NewHeartbeatCoordinator(notify *Notifier, interval time.Duration, egress chan<- egressFrame, nonceRx <-chan uint64, logger *slog.Logger) *HeartbeatCoordinator {
	return &HeartbeatCoordinator{notify: notify, interval: interval, egress: egress, nonceRx: nonceRx, logger: logger}
}

// Run sleeps, sends a nonce, and waits for it to echo back. The first
// sleep is supposed to be jittered by a uniform [0,1) multiplier, but
// truncating that float to a uint64 before multiplying always yields 0
// (see DESIGN.md) — preserved as-is, so the first heartbeat fires
// immediately.
func (h *HeartbeatCoordinator) Run() error {
	defer h.notify.Close()

	isFirst := true
	for {
		multiplier := uint64(0)
		if !isFirst {
			multiplier = 1
		} else {
			_ = rand.Float64() // jitter fraction always truncates to 0, see above
		}
		sleepFor := time.Duration(uint64(h.interval) * multiplier)

		select {
		case <-time.After(sleepFor):
		case <-h.notify.Heartbeat():
			return nil
		}

		nonce := rand.Uint64N(jsMaxSafeInteger)
		h.sendHeartbeat(nonce)

		select {
		case received, ok := <-h.nonceRx:
			if !ok {
				return nil
			}
			if received != nonce {
				return nil
			}
		case <-h.notify.Heartbeat():
			return nil
		}

		isFirst = false
	}
}

func (h *HeartbeatCoordinator) sendHeartbeat(nonce uint64) {
	h.sendText(map[string]any{
		"op": 3,
		"d": map[string]any{
			"t":       nonce,
			"seq_ack": 1,
		},
	})
}

func (h *HeartbeatCoordinator) sendText(payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("heartbeat payload marshal failed", "error", utsuruerr.New(utsuruerr.DiscordIPC, err))
		return
	}
	select {
	case h.egress <- egressFrame{binary: false, data: data}:
	case <-h.notify.Heartbeat():
	}
}
