/*
 * MailFunnel - Copyright (C) 2023 The MailFunnel Authors
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 2, and only
 * version 2 as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program; if not, write to the Free Software
 * Foundation, Inc., 59 Temple Place, Suite 330, Boston, MA  02111-1307  USA
 */

package config

import (
	"crypto/tls"
	"fmt"
	"io/ioutil"
	"net"
	"net/url"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/urfave/cli/v2"

	"mailfunnel/fetcher"
	"mailfunnel/imap"
)

func DefaultIMAPConfig() IMAPConfig {
	return IMAPConfig{
		AuthMethod:       "normal",
		TLSSkipVerify:    false,
		Debug:            false,
		TimeoutConnect:   fetcher.DefaultTimeoutConnect,
		TimeoutIdleStart: fetcher.DefaultTimeoutIdleStart,
		TimeoutIdleEnd:   fetcher.DefaultTimeoutIdleEnd,
	}
}

func (cfg *IMAPConfig) makeIMAPParameters() []cli.Flag {
	def := DefaultIMAPConfig()

	return []cli.Flag{
		&cli.StringFlag{
			Name:        "imap-url",
			Usage:       "imap url, e.g. imaps://mail.example.com/INBOX",
			EnvVars:     []string{"MAILFUNNEL_IMAP_URL"},
			Destination: &cfg.URL,
			Required:    true,
			Value:       def.URL,
		},
		&cli.StringFlag{
			Name:        "imap-auth-method",
			Usage:       "imap auth method (normal, plain)",
			EnvVars:     []string{"MAILFUNNEL_IMAP_AUTH_METHOD"},
			Destination: &cfg.AuthMethod,
			Required:    false,
			Value:       def.AuthMethod,
		},
		&cli.StringFlag{
			Name:        "imap-username",
			Usage:       "imap username",
			EnvVars:     []string{"MAILFUNNEL_IMAP_USERNAME"},
			Destination: &cfg.Username,
			Required:    true,
			Value:       def.Username,
		},
		&cli.StringFlag{
			Name:        "imap-password",
			Usage:       "imap password",
			EnvVars:     []string{"MAILFUNNEL_IMAP_PASSWORD"},
			Destination: &cfg.Password,
			Required:    false,
			Value:       def.Password,
		},
		&cli.StringFlag{
			Name:        "imap-password-file",
			Usage:       "imap password file",
			EnvVars:     []string{"MAILFUNNEL_IMAP_PASSWORD_FILE"},
			Destination: &cfg.PasswordFile,
			Required:    false,
			Value:       def.PasswordFile,
		},
		&cli.BoolFlag{
			Name:        "imap-tls-skip-verify",
			Usage:       "skip imap tls verification",
			EnvVars:     []string{"MAILFUNNEL_IMAP_TLS_SKIP_VERIFY"},
			Destination: &cfg.TLSSkipVerify,
			Value:       def.TLSSkipVerify,
		},
		&cli.BoolFlag{
			Name:        "imap-debug",
			Usage:       "display the raw imap protocol exchange",
			EnvVars:     []string{"MAILFUNNEL_IMAP_DEBUG"},
			Destination: &cfg.Debug,
			Value:       def.Debug,
		},
		&cli.DurationFlag{
			Name:        "imap-timeout-connect",
			Usage:       "timeout for dial, greeting and command round trips",
			EnvVars:     []string{"MAILFUNNEL_IMAP_TIMEOUT_CONNECT"},
			Destination: &cfg.TimeoutConnect,
			Value:       def.TimeoutConnect,
		},
		&cli.DurationFlag{
			Name:        "imap-timeout-idle-start",
			Usage:       "how long one IDLE cycle waits before being refreshed",
			EnvVars:     []string{"MAILFUNNEL_IMAP_TIMEOUT_IDLE_START"},
			Destination: &cfg.TimeoutIdleStart,
			Value:       def.TimeoutIdleStart,
		},
		&cli.DurationFlag{
			Name:        "imap-timeout-idle-end",
			Usage:       "timeout for terminating an IDLE cycle",
			EnvVars:     []string{"MAILFUNNEL_IMAP_TIMEOUT_IDLE_END"},
			Destination: &cfg.TimeoutIdleEnd,
			Value:       def.TimeoutIdleEnd,
		},
	}
}

func extractIMAPUrl(u *url.URL) (string, string, bool, error) {
	var defaultPort string
	var useTLS bool
	switch strings.ToLower(u.Scheme) {
	case "imap":
		defaultPort = "143"
		useTLS = false
	case "imaps":
		defaultPort = "993"
		useTLS = true
	default:
		return "", "", false, errInvalidScheme
	}

	host := u.Hostname()
	port := u.Port()

	if port == "" {
		port = defaultPort
	}

	return net.JoinHostPort(host, port), strings.TrimPrefix(u.Path, "/"), useTLS, nil
}

func (cfg *IMAPConfig) validateUserPass() (string, string, error) {
	if cfg.Username == "" {
		return "", "", fmt.Errorf("\"imap-username\" is required when using %v auth", cfg.AuthMethod)
	}

	var password string
	username := cfg.Username

	if cfg.Password != "" {
		password = cfg.Password
	} else if cfg.PasswordFile != "" {
		pass, err := ioutil.ReadFile(cfg.PasswordFile)
		if err != nil {
			return "", "", err
		}

		password = strings.TrimSpace(string(pass))
	} else {
		return "", "", fmt.Errorf("at least one of the \"imap-password\" or \"imap-password-file\" flags is required")
	}

	return username, password, nil
}

// Resolve turns the raw flag values into a fetcher configuration.
func (cfg *IMAPConfig) Resolve() (fetcher.Config, error) {
	fetcherConfig := fetcher.Config{}

	imapURL, err := url.Parse(cfg.URL)
	if err != nil {
		return fetcherConfig, err
	}

	hostPort, mailbox, wantTLS, err := extractIMAPUrl(imapURL)
	if err != nil {
		return fetcherConfig, err
	}

	fetcherConfig.HostPort = hostPort
	fetcherConfig.Mailbox = mailbox

	switch strings.ToUpper(cfg.AuthMethod) {
	case "NORMAL":
		user, pass, err := cfg.validateUserPass()
		if err != nil {
			return fetcherConfig, err
		}

		fetcherConfig.Auth = imap.NewNormalAuthenticator(user, pass)
	case sasl.Plain:
		user, pass, err := cfg.validateUserPass()
		if err != nil {
			return fetcherConfig, err
		}

		fetcherConfig.Auth = imap.NewSASLAuthenticator(sasl.NewPlainClient("", user, pass))
	default:
		return fetcherConfig, fmt.Errorf("unsupported auth method: %v", cfg.AuthMethod)
	}

	fetcherConfig.TLS = wantTLS
	fetcherConfig.TLSConfig = nil
	if cfg.TLSSkipVerify {
		// #nosec G402
		fetcherConfig.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	fetcherConfig.Debug = cfg.Debug
	fetcherConfig.TimeoutConnect = cfg.TimeoutConnect
	fetcherConfig.TimeoutIdleStart = cfg.TimeoutIdleStart
	fetcherConfig.TimeoutIdleEnd = cfg.TimeoutIdleEnd
	return fetcherConfig, nil
}
