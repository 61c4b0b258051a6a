package kernelconfig

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/majorsoln/bos/internal/obslog"
)

// ensureSigningKey auto-generates the API-key HMAC secret on first
// boot when unset, so a development instance never starts with a
// blank signing key; production deployments should set
// SECURITY_SIGNING_KEY explicitly for persistence across restarts.
func (c *Config) ensureSigningKey() error {
	if c.Security.SigningKey != "" {
		return nil
	}
	key, err := generateSecureRandomHex(32)
	if err != nil {
		return fmt.Errorf("kernelconfig: auto-generate signing key: %w", err)
	}
	c.Security.SigningKey = key
	obslog.L().Warn("auto-generated security.signing_key; set SECURITY_SIGNING_KEY for persistence",
		zap.Int("length", len(key)))
	return nil
}

func generateSecureRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}
