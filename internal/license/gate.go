// Package license decides whether licensed features may run.
package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/rendis/mnemos/internal/logging"
	"github.com/rendis/mnemos/pkg/schema"
)

// Placeholder is the key shipped in the sample configuration. It never
// unlocks anything.
const Placeholder = "ENTER-YOUR-LICENSE-KEY-HERE"

// EnvKeys are consulted in order by ResolveKey.
var EnvKeys = []string{"MNEMOS_LICENSE_KEY", "THRUST_LICENSE_KEY"}

// Feature names passed to Gate.Allow.
const (
	FeatureAggressiveClear = "aggressive_clear"
	FeatureProfiles        = "profiles"
	FeatureDaemon          = "daemon"
)

// Gate authorizes licensed features.
type Gate interface {
	// Allow returns nil when feature may run, or a PERMISSION_DENIED error.
	Allow(ctx context.Context, feature string) error
}

// KeyGate allows every feature once a non-placeholder key is present.
type KeyGate struct {
	key    string
	logger *slog.Logger
}

var _ Gate = (*KeyGate)(nil)

// NewKeyGate returns a gate for key. Surrounding whitespace is ignored.
func NewKeyGate(key string, logger *slog.Logger) *KeyGate {
	return &KeyGate{key: strings.TrimSpace(key), logger: logging.OrDefault(logger)}
}

// ResolveKey picks the first non-empty environment key, falling back to the
// configured one. getenv is usually os.Getenv.
func ResolveKey(configured string, getenv func(string) string) string {
	for _, name := range EnvKeys {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(configured)
}

// Licensed reports whether the gate holds a usable key.
func (g *KeyGate) Licensed() bool {
	return g.key != "" && g.key != Placeholder
}

// Fingerprint identifies the key in logs without revealing it.
func (g *KeyGate) Fingerprint() string {
	if g.key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(g.key))
	return hex.EncodeToString(sum[:4])
}

// Allow implements Gate.
func (g *KeyGate) Allow(ctx context.Context, feature string) error {
	if g.Licensed() {
		return nil
	}
	reason := "no license key configured"
	if g.key == Placeholder {
		reason = "license key is the placeholder value"
	}
	g.logger.DebugContext(ctx, "licensed feature denied",
		slog.String("feature", feature),
		slog.String("reason", reason))
	return schema.NewErrorf(schema.ErrCodePermissionDenied, "%s requires a license: %s", feature, reason).
		WithDetails(map[string]any{"feature": feature})
}
