package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mailfunnel/deliver/lmtp"
)

func TestLMTPConfig_Resolve(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := DefaultLMTPConfig()
		cfg.URL = "lmtp://mda.hostname.com"
		cfg.EnvelopeRecipient = "user@hostname.com"

		lmtpConfig, err := cfg.Resolve()
		assert.NoError(t, err)
		assert.Equal(t, lmtp.Config{
			HostPort:          "mda.hostname.com:24",
			EnvelopeRecipient: "user@hostname.com",
			EnvelopeSender:    lmtp.DefaultSender,
			LocalHostname:     "localhost",
			Timeout:           30 * time.Second,
		}, lmtpConfig)
	})

	t.Run("explicit_port", func(t *testing.T) {
		cfg := DefaultLMTPConfig()
		cfg.URL = "lmtp://mda.hostname.com:2424"
		cfg.EnvelopeRecipient = "user@hostname.com"

		lmtpConfig, err := cfg.Resolve()
		assert.NoError(t, err)
		assert.Equal(t, "mda.hostname.com:2424", lmtpConfig.HostPort)
	})

	t.Run("bad_scheme", func(t *testing.T) {
		cfg := DefaultLMTPConfig()
		cfg.URL = "smtp://mda.hostname.com"
		cfg.EnvelopeRecipient = "user@hostname.com"

		_, err := cfg.Resolve()
		assert.Equal(t, errInvalidScheme, err)
	})
}
