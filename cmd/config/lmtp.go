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
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"mailfunnel/deliver/lmtp"
)

func DefaultLMTPConfig() LMTPConfig {
	return LMTPConfig{
		EnvelopeSender: lmtp.DefaultSender,
		LocalHostname:  "localhost",
		TimeoutConnect: 30 * time.Second,
	}
}

func (cfg *LMTPConfig) makeLMTPParameters() []cli.Flag {
	def := DefaultLMTPConfig()

	return []cli.Flag{
		&cli.StringFlag{
			Name:        "lmtp-url",
			Usage:       "lmtp url, e.g. lmtp://mda.example.com:24",
			EnvVars:     []string{"MAILFUNNEL_LMTP_URL"},
			Destination: &cfg.URL,
			Required:    true,
			Value:       def.URL,
		},
		&cli.StringFlag{
			Name:        "lmtp-recipient",
			Usage:       "envelope recipient every message is delivered to",
			EnvVars:     []string{"MAILFUNNEL_LMTP_RECIPIENT"},
			Destination: &cfg.EnvelopeRecipient,
			Required:    true,
			Value:       def.EnvelopeRecipient,
		},
		&cli.StringFlag{
			Name:        "lmtp-sender",
			Usage:       "envelope sender (MAIL FROM)",
			EnvVars:     []string{"MAILFUNNEL_LMTP_SENDER"},
			Destination: &cfg.EnvelopeSender,
			Required:    false,
			Value:       def.EnvelopeSender,
		},
		&cli.StringFlag{
			Name:        "lmtp-local-hostname",
			Usage:       "hostname announced in LHLO",
			EnvVars:     []string{"MAILFUNNEL_LMTP_LOCAL_HOSTNAME"},
			Destination: &cfg.LocalHostname,
			Required:    false,
			Value:       def.LocalHostname,
		},
		&cli.DurationFlag{
			Name:        "lmtp-timeout-connect",
			Usage:       "timeout for dialing the LMTP endpoint",
			EnvVars:     []string{"MAILFUNNEL_LMTP_TIMEOUT_CONNECT"},
			Destination: &cfg.TimeoutConnect,
			Value:       def.TimeoutConnect,
		},
	}
}

func extractLMTPUrl(u *url.URL) (string, error) {
	if strings.ToLower(u.Scheme) != "lmtp" {
		return "", errInvalidScheme
	}

	host := u.Hostname()
	port := u.Port()

	if port == "" {
		port = "24"
	}

	return net.JoinHostPort(host, port), nil
}

// Resolve turns the raw flag values into a deliverer configuration.
func (cfg *LMTPConfig) Resolve() (lmtp.Config, error) {
	lmtpConfig := lmtp.Config{}

	lmtpURL, err := url.Parse(cfg.URL)
	if err != nil {
		return lmtpConfig, err
	}

	hostPort, err := extractLMTPUrl(lmtpURL)
	if err != nil {
		return lmtpConfig, err
	}

	lmtpConfig.HostPort = hostPort
	lmtpConfig.EnvelopeRecipient = cfg.EnvelopeRecipient
	lmtpConfig.EnvelopeSender = cfg.EnvelopeSender
	lmtpConfig.LocalHostname = cfg.LocalHostname
	lmtpConfig.Timeout = cfg.TimeoutConnect
	return lmtpConfig, nil
}
