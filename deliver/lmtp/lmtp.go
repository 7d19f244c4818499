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

// Package lmtp delivers messages to a local mail endpoint over LMTP. All mail
// goes to one pre-configured envelope recipient from one envelope sender.
package lmtp

import (
	"errors"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	log "github.com/sirupsen/logrus"

	"mailfunnel/fault"
)

// DefaultSender is the envelope sender used when none is configured. It only
// appears on the mail envelope, never in the message headers; the receiving
// server may record it in a header like X-Envelope-From, but its value is
// otherwise irrelevant.
const DefaultSender = "mailfunnel@localhost"

const defaultTimeout = 30 * time.Second

type Config struct {
	HostPort          string
	EnvelopeRecipient string
	EnvelopeSender    string
	LocalHostname     string
	Timeout           time.Duration
}

type Deliverer struct {
	cfg    Config
	client *smtp.Client
}

func New(cfg *Config) (*Deliverer, error) {
	if cfg.HostPort == "" {
		return nil, errors.New("lmtp host is required")
	}

	if cfg.EnvelopeRecipient == "" {
		return nil, errors.New("envelope recipient is required")
	}

	c := *cfg
	if c.EnvelopeSender == "" {
		c.EnvelopeSender = DefaultSender
	}
	if c.LocalHostname == "" {
		c.LocalHostname = "localhost"
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}

	return &Deliverer{cfg: c}, nil
}

func (d *Deliverer) log() *log.Entry {
	return log.WithField("hostport", d.cfg.HostPort)
}

func (d *Deliverer) Connect() error {
	if d.client != nil {
		d.log().Info("lmtp_quitting_leftover_client")
		d.Disconnect()
	}

	d.log().Debug("lmtp_connecting")
	conn, err := net.DialTimeout("tcp", d.cfg.HostPort, d.cfg.Timeout)
	if err != nil {
		return fault.DeliverWrap(fault.DeliverConnect, "dial", err)
	}

	host, _, _ := net.SplitHostPort(d.cfg.HostPort)
	c, err := smtp.NewClientLMTP(conn, host)
	if err != nil {
		_ = conn.Close()
		return fault.DeliverWrap(fault.DeliverCommandFailed, "greeting", err)
	}

	d.log().Trace("lmtp_sending_lhlo")
	if err := c.Hello(d.cfg.LocalHostname); err != nil {
		_ = c.Close()
		return fault.DeliverWrap(fault.DeliverCommandFailed, "lhlo", err)
	}

	d.client = c
	return nil
}

func (d *Deliverer) DeliverMessage(message []byte) error {
	if d.client == nil {
		return fault.Deliverf(fault.DeliverState, "deliver", "tried to deliver while client is not connected")
	}

	from := d.cfg.EnvelopeSender
	to := d.cfg.EnvelopeRecipient
	d.log().WithFields(log.Fields{
		"envelope_from": from,
		"envelope_to":   to,
		"size":          len(message),
	}).Debug("lmtp_sending_message")

	if err := d.client.Mail(from, nil); err != nil {
		return d.commandFailed("mail", err)
	}

	if err := d.client.Rcpt(to); err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			return fault.DeliverWrap(fault.DeliverRecipientRefused, "rcpt", smtpErr)
		}
		return d.commandFailed("rcpt", err)
	}

	// each recipient gets its own final status on LMTP; a refused one does
	// not surface as an error from Close
	refused := map[string]*smtp.SMTPError{}
	w, err := d.client.LMTPData(func(rcpt string, status *smtp.SMTPError) {
		if status != nil {
			refused[rcpt] = status
		}
	})
	if err != nil {
		return d.commandFailed("data", err)
	}

	if _, err := w.Write(message); err != nil {
		_ = w.Close()
		return d.commandFailed("data_write", err)
	}

	if err := w.Close(); err != nil {
		return d.commandFailed("data_close", err)
	}

	if len(refused) > 0 {
		d.log().WithField("refused", refused).Error("lmtp_recipients_refused")
		return fault.Deliverf(fault.DeliverCommandFailed, "data", "sending failed, server refused: %v", refused)
	}

	d.log().Trace("lmtp_delivery_successful")
	return nil
}

func (d *Deliverer) Disconnect() {
	if d.client == nil {
		d.log().Trace("lmtp_already_disconnected")
		return
	}

	d.log().Trace("lmtp_sending_quit")
	if err := d.client.Quit(); err != nil {
		// keep the reference, the next Connect cleans it up
		d.log().WithError(err).Warn("lmtp_quit_failed")
		return
	}

	d.log().Trace("lmtp_quit_ok")
	d.client = nil
}

// commandFailed logs the full failure context and maps the transport error to
// the generic command-failure kind.
func (d *Deliverer) commandFailed(op string, err error) error {
	d.log().WithError(err).WithField("op", op).Error("lmtp_command_failed")
	return fault.DeliverWrap(fault.DeliverCommandFailed, op, err)
}
