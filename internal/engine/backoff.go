package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/probelabs/visor/internal/config"
)

// backoffSettings are the resolved retry delay parameters for one check.
type backoffSettings struct {
	Mode       string
	DelayMS    int
	MaxDelayMS int
	Factor     float64
	Jitter     bool
}

func defaultBackoffSettings() backoffSettings {
	// Defaults are 200ms / factor 2.0 / cap 60s. Jitter stays off for
	// determinism unless configured.
	return backoffSettings{
		Mode:       "exponential",
		DelayMS:    200,
		MaxDelayMS: 60_000,
		Factor:     2.0,
		Jitter:     false,
	}
}

func backoffSettingsFor(cfg *config.BackoffConfig) backoffSettings {
	out := defaultBackoffSettings()
	if cfg == nil {
		return out
	}
	if cfg.Mode != "" {
		out.Mode = cfg.Mode
	}
	if cfg.DelayMS > 0 {
		out.DelayMS = cfg.DelayMS
	}
	if cfg.MaxDelayMS > 0 {
		out.MaxDelayMS = cfg.MaxDelayMS
	}
	if cfg.Factor > 0 {
		out.Factor = cfg.Factor
	}
	out.Jitter = cfg.Jitter
	if out.Mode == "fixed" {
		out.Factor = 1.0
	}
	return out
}

// DelayForAttempt computes the sleep before retry `attempt` (1-indexed):
// delay * factor^(attempt-1), capped, with optional seeded jitter applied
// after the cap so repeated runs stay reproducible.
func DelayForAttempt(attempt int, cfg backoffSettings, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.DelayMS <= 0 {
		return 0
	}
	baseMS := float64(cfg.DelayMS) * math.Pow(cfg.Factor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if cfg.Jitter {
		m := 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
		baseMS *= m
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	const max = float64(^uint64(0))
	return float64(u) / max
}

func retryDelay(runID, checkName string, attempt int, cfg *config.BackoffConfig) time.Duration {
	seed := fmt.Sprintf("%s:%s:%d", runID, checkName, attempt)
	return DelayForAttempt(attempt, backoffSettingsFor(cfg), seed)
}
