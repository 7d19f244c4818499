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

package fetcher

import (
	"crypto/tls"
	"sync"
	"time"

	goImapClient "github.com/emersion/go-imap/client"

	"mailfunnel/deliver"
	imap2 "mailfunnel/imap"
)

const (
	DefaultTimeoutConnect   = 30 * time.Second
	DefaultTimeoutIdleStart = 60 * time.Second
	DefaultTimeoutIdleEnd   = 5 * time.Second
)

type Config struct {
	HostPort  string
	Auth      imap2.Authenticator
	Mailbox   string
	TLS       bool
	TLSConfig *tls.Config
	Debug     bool

	// TimeoutConnect bounds establishing the connection.
	TimeoutConnect time.Duration
	// TimeoutIdleStart is how long one IDLE cycle waits for a server push
	// before being refreshed. Expiry is the normal way to cycle IDLE, not
	// an error.
	TimeoutIdleStart time.Duration
	// TimeoutIdleEnd bounds IDLE termination. Expiry here is fatal.
	TimeoutIdleEnd time.Duration
}

// Fetcher owns the IMAP session and drives the fetch/dedup/deliver/mark cycle
// for one mailbox. All operations are issued one at a time; at most one
// delivery is ever in flight.
type Fetcher struct {
	cfg       Config
	factory   imap2.ClientFactory
	deliverer deliver.Deliverer

	client  imap2.Client
	hasIdle bool

	// unilateral server updates, consumed continuously so the client's
	// reader never blocks on us
	updates chan goImapClient.Update
	// candidate UIDs distilled from EXISTS pushes
	pending chan uint32
	done    chan struct{}

	// closed by Shutdown; the only cross-goroutine signal into the session
	shutdown     chan struct{}
	shutdownOnce sync.Once

	// last seen EXISTS count, used to tell new-message pushes from
	// recent-count noise. Only touched by the update consumer after connect.
	lastExists uint32
}
