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

package client

import (
	"net"
	"os"
	"time"

	goImapClient "github.com/emersion/go-imap/client"

	"mailfunnel/imap"
)

const defaultTimeout = 30 * time.Second

// Factory produces connected, unauthenticated clients. Login is the session's
// job so it can classify authentication failures separately.
type Factory struct{}

func (f *Factory) NewClient(cfg *imap.ClientConfig) (imap.Client, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}

	var c *goImapClient.Client
	var err error
	if cfg.TLS {
		c, err = goImapClient.DialWithDialerTLS(dialer, cfg.HostPort, cfg.TLSConfig)
	} else {
		c, err = goImapClient.DialWithDialer(dialer, cfg.HostPort)
	}

	if err != nil {
		return nil, err
	}

	// No blanket command deadline: IDLE waits are expected to outlive any
	// reasonable one and are bounded by the session's own idle timers.
	c.Updates = cfg.Updates

	if cfg.Debug {
		c.SetDebug(os.Stderr)
	}

	return c, nil
}
