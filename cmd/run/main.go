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

package run

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"mailfunnel/bridge"
	"mailfunnel/cmd/config"
	"mailfunnel/deliver/lmtp"
	"mailfunnel/fetcher"
	"mailfunnel/imap/client"
)

func RegisterCommand(app *cli.App) *cli.App {
	cfg := &config.CliConfig{}
	app.Commands = append(app.Commands, &cli.Command{
		Name:   "run",
		Usage:  "Run the bridge",
		Flags:  cfg.Parameters(),
		Action: func(context *cli.Context) error { return run(context, cfg) },
	})
	return app
}

func run(_ *cli.Context, cfg *config.CliConfig) error {
	logLevel, err := log.ParseLevel(cfg.LogLevel)
	if err == nil {
		log.SetLevel(logLevel)
	}

	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	log.WithFields(log.Fields{
		"imap_url":             cfg.IMAP.URL,
		"imap_auth_method":     cfg.IMAP.AuthMethod,
		"imap_username":        cfg.IMAP.Username,
		"imap_password_file":   cfg.IMAP.PasswordFile,
		"imap_tls_skip_verify": cfg.IMAP.TLSSkipVerify,
		"imap_debug":           cfg.IMAP.Debug,
		"lmtp_url":             cfg.LMTP.URL,
		"lmtp_recipient":       cfg.LMTP.EnvelopeRecipient,
		"lmtp_sender":          cfg.LMTP.EnvelopeSender,
		"lmtp_local_hostname":  cfg.LMTP.LocalHostname,
		"log_level":            cfg.LogLevel,
		"log_format":           cfg.LogFormat,
	}).Info("starting")

	fetcherConfig, err := cfg.IMAP.Resolve()
	if err != nil {
		return err
	}

	lmtpConfig, err := cfg.LMTP.Resolve()
	if err != nil {
		return err
	}

	deliverer, err := lmtp.New(&lmtpConfig)
	if err != nil {
		return err
	}

	f := fetcher.New(&fetcherConfig, &client.Factory{}, deliverer)

	doneChan := make(chan error, 1)
	go func() { doneChan <- bridge.Run(f) }()

	sigchan := make(chan os.Signal, 10)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	interrupted := false
	for {
		select {
		case sig := <-sigchan:
			log.WithFields(log.Fields{"signal": sig, "interrupted": interrupted}).Trace("caught_signal")

			if interrupted {
				log.WithFields(log.Fields{"signal": sig}).Warn("received_interrupt_force_exit")
				os.Exit(1)
			}
			log.WithFields(log.Fields{"signal": sig}).Info("received_interrupt")

			interrupted = true
			f.Shutdown()
		case err := <-doneChan:
			// the bridge goroutine is done, teardown is single-threaded again
			deliverer.Disconnect()
			f.Disconnect()

			if interrupted {
				log.Info("bridge_terminated")
				return nil
			}
			return err
		}
	}
}
