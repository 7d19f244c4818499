package config

import (
	"crypto/tls"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"mailfunnel/fetcher"
	"mailfunnel/imap"
	mock_imap "mailfunnel/imap/mocks"
)

func getTestIMAPConfig() IMAPConfig {
	cfg := DefaultIMAPConfig()
	cfg.URL = "imaps://imap.hostname.com:1234/INBOX"
	cfg.Username = "username"
	cfg.Password = "password"

	return cfg
}

func TestIMAPConfig_Resolve(t *testing.T) {
	t.Run("urls", func(t *testing.T) {
		t.Run("imaps_default_port", func(t *testing.T) {
			cfg := getTestIMAPConfig()
			cfg.URL = "imaps://imap.hostname.com/Lists"

			fetcherConfig, err := cfg.Resolve()
			assert.NoError(t, err)
			assert.Equal(t, "imap.hostname.com:993", fetcherConfig.HostPort)
			assert.Equal(t, "Lists", fetcherConfig.Mailbox)
			assert.True(t, fetcherConfig.TLS)
		})

		t.Run("imap_default_port", func(t *testing.T) {
			cfg := getTestIMAPConfig()
			cfg.URL = "imap://imap.hostname.com"

			fetcherConfig, err := cfg.Resolve()
			assert.NoError(t, err)
			assert.Equal(t, "imap.hostname.com:143", fetcherConfig.HostPort)
			assert.Equal(t, "", fetcherConfig.Mailbox)
			assert.False(t, fetcherConfig.TLS)
		})

		t.Run("bad_scheme", func(t *testing.T) {
			cfg := getTestIMAPConfig()
			cfg.URL = "http://imap.hostname.com"

			_, err := cfg.Resolve()
			assert.Equal(t, errInvalidScheme, err)
		})
	})

	t.Run("passwords", func(t *testing.T) {
		t.Run("password", func(t *testing.T) {
			cfg := getTestIMAPConfig()

			fetcherConfig, err := cfg.Resolve()
			assert.NoError(t, err)
			assert.Equal(t, fetcher.Config{
				HostPort:         "imap.hostname.com:1234",
				Auth:             imap.NewNormalAuthenticator("username", "password"),
				Mailbox:          "INBOX",
				TLS:              true,
				TLSConfig:        nil,
				Debug:            false,
				TimeoutConnect:   fetcher.DefaultTimeoutConnect,
				TimeoutIdleStart: fetcher.DefaultTimeoutIdleStart,
				TimeoutIdleEnd:   fetcher.DefaultTimeoutIdleEnd,
			}, fetcherConfig)
		})

		t.Run("password_file", func(t *testing.T) {
			cfg := getTestIMAPConfig()
			cfg.Password = ""
			cfg.PasswordFile = "testdata/testpass.txt"

			fetcherConfig, err := cfg.Resolve()
			assert.NoError(t, err)
			assert.Equal(t, imap.NewNormalAuthenticator("username", "password"), fetcherConfig.Auth)
		})

		t.Run("missing", func(t *testing.T) {
			cfg := getTestIMAPConfig()
			cfg.Password = ""

			_, err := cfg.Resolve()
			assert.Error(t, err)
		})
	})

	t.Run("tls", func(t *testing.T) {
		cfg := getTestIMAPConfig()
		cfg.TLSSkipVerify = true

		fetcherConfig, err := cfg.Resolve()
		assert.NoError(t, err)
		assert.Equal(t, &tls.Config{InsecureSkipVerify: true}, fetcherConfig.TLSConfig)
	})

	t.Run("auth", func(t *testing.T) {
		t.Run("normal", func(t *testing.T) {
			ctrl := gomock.NewController(t)

			mockClient := mock_imap.NewMockClient(ctrl)
			mockClient.EXPECT().Login("username", "password")

			cfg := getTestIMAPConfig()
			cfg.AuthMethod = "normal"

			fetcherConfig, err := cfg.Resolve()
			if !assert.NoError(t, err) {
				t.FailNow()
			}

			assert.NoError(t, fetcherConfig.Auth.Authenticate(mockClient))
		})

		t.Run("plain", func(t *testing.T) {
			ctrl := gomock.NewController(t)

			mockClient := mock_imap.NewMockClient(ctrl)
			mockClient.EXPECT().Authenticate(gomock.Any()).DoAndReturn(func(c sasl.Client) error {
				mech, ir, err := c.Start()
				if err != nil {
					return err
				}

				assert.Equal(t, "PLAIN", mech)
				assert.Equal(t, []byte("\x00username\x00password"), ir)
				return nil
			})

			cfg := getTestIMAPConfig()
			cfg.AuthMethod = "PLAIN"

			fetcherConfig, err := cfg.Resolve()
			if !assert.NoError(t, err) {
				t.FailNow()
			}

			assert.NoError(t, fetcherConfig.Auth.Authenticate(mockClient))
		})

		t.Run("unsupported", func(t *testing.T) {
			cfg := getTestIMAPConfig()
			cfg.AuthMethod = "xoauth2"

			_, err := cfg.Resolve()
			assert.Error(t, err)
		})
	})
}
