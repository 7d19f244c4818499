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

package imap

import (
	"crypto/tls"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
)

// Client is the subset of IMAP operations the bridge needs. *client.Client
// from go-imap satisfies it directly, as do the generated mocks.
type Client interface {
	Login(username string, password string) error

	Authenticate(auth sasl.Client) error

	Select(name string, readOnly bool) (*imap.MailboxStatus, error)

	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)

	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error

	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error

	Support(cap string) (bool, error)

	Idle(stop <-chan struct{}, opts *client.IdleOptions) error

	Logout() error
}

type ClientConfig struct {
	HostPort  string
	TLS       bool
	TLSConfig *tls.Config
	Debug     bool
	// Timeout bounds the dial.
	Timeout time.Duration
	Updates chan<- client.Update
}

type ClientFactory interface {
	NewClient(cfg *ClientConfig) (Client, error)
}

// Authenticator performs the login step on a freshly-connected client.
type Authenticator interface {
	Authenticate(c Client) error
}
