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
	"errors"
	"io/ioutil"
	"net"
	"time"

	"github.com/emersion/go-imap"
	goImapClient "github.com/emersion/go-imap/client"
	log "github.com/sirupsen/logrus"

	"mailfunnel/deliver"
	"mailfunnel/fault"
	imap2 "mailfunnel/imap"
	"mailfunnel/mailflag"
)

func New(cfg *Config, factory imap2.ClientFactory, deliverer deliver.Deliverer) *Fetcher {
	c := *cfg
	if c.Mailbox == "" {
		c.Mailbox = "INBOX"
	}
	if c.TimeoutConnect == 0 {
		c.TimeoutConnect = DefaultTimeoutConnect
	}
	if c.TimeoutIdleStart == 0 {
		c.TimeoutIdleStart = DefaultTimeoutIdleStart
	}
	if c.TimeoutIdleEnd == 0 {
		c.TimeoutIdleEnd = DefaultTimeoutIdleEnd
	}

	return &Fetcher{
		cfg:       c,
		factory:   factory,
		deliverer: deliverer,
		shutdown:  make(chan struct{}),
	}
}

func (f *Fetcher) log() *log.Entry {
	return log.WithField("host", f.cfg.HostPort)
}

// Connect dials the server, authenticates and selects the mailbox. The
// session is usable only if no error is returned. A server that cannot
// persist custom flags is rejected outright; a server without IDLE is
// accepted in degraded mode and reported via HasIdle.
func (f *Fetcher) Connect() error {
	f.log().Debug("fetcher_connecting")

	updates := make(chan goImapClient.Update, 64)
	c, err := f.factory.NewClient(&imap2.ClientConfig{
		HostPort:  f.cfg.HostPort,
		TLS:       f.cfg.TLS,
		TLSConfig: f.cfg.TLSConfig,
		Debug:     f.cfg.Debug,
		Timeout:   f.cfg.TimeoutConnect,
		Updates:   updates,
	})
	if err != nil {
		return classify("greeting", err)
	}

	f.log().Trace("fetcher_logging_in")
	if err := f.cfg.Auth.Authenticate(c); err != nil {
		_ = c.Logout()
		if isTimeout(err) {
			return fault.FetchWrap(fault.FetchTimeout, "login", err)
		}
		return fault.FetchWrap(fault.FetchAuthentication, "login", err)
	}

	f.log().Trace("fetcher_selecting_mailbox")
	status, err := c.Select(f.cfg.Mailbox, false)
	if err != nil {
		_ = c.Logout()
		return classify("select", err)
	}

	if !mailflag.SupportsCustom(status.PermanentFlags) {
		_ = c.Logout()
		return fault.Fetchf(fault.FetchFeatureUnsupported, "select",
			"server does not support custom flags, these are required for deduplication")
	}

	f.hasIdle = false
	if ok, err := c.Support("IDLE"); err != nil {
		f.log().WithError(err).Debug("fetcher_capability_query_failed")
	} else {
		f.hasIdle = ok
	}
	if !f.hasIdle {
		f.log().Warn("fetcher_idle_unsupported")
	}

	f.client = c
	f.lastExists = status.Messages
	f.updates = updates
	f.pending = make(chan uint32, 64)
	f.done = make(chan struct{})
	go f.consumeUpdates(updates, f.done)

	f.log().WithFields(log.Fields{
		"mailbox":  status.Name,
		"messages": status.Messages,
		"has_idle": f.hasIdle,
	}).Info("fetcher_connected")
	return nil
}

// Disconnect logs out best-effort and always leaves the session in the
// disconnected state. It never fails and is safe to call repeatedly.
func (f *Fetcher) Disconnect() {
	if f.client == nil {
		f.log().Trace("fetcher_already_logged_out")
		return
	}

	f.log().Trace("fetcher_logging_out")
	if err := f.client.Logout(); err != nil {
		f.log().WithError(err).Debug("fetcher_ignoring_logout_error")
	} else {
		f.log().Trace("fetcher_logged_out")
	}

	close(f.done)
	f.client = nil
}

// HasIdle reports whether the server supports real-time push. It is only
// meaningful on a connected session.
func (f *Fetcher) HasIdle() bool {
	return f.client != nil && f.hasIdle
}

// FetchDeliverUnflagged searches for every message missing the delivered
// keyword and processes them in server order. The whole batch is bracketed by
// one deliverer connection; no connection is opened for an empty backlog. Any
// failure aborts the remaining batch, in a fail-safe way: only messages whose
// delivery round trip completed carry the keyword.
func (f *Fetcher) FetchDeliverUnflagged() error {
	if f.client == nil {
		return fault.Fetchf(fault.FetchState, "search", "called without being connected")
	}

	f.log().Trace("fetcher_searching_unflagged")
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{mailflag.Fetched}

	uids, err := f.client.UidSearch(criteria)
	if err != nil {
		return classify("search", err)
	}

	if err := validateUIDs(uids); err != nil {
		return err
	}

	if len(uids) == 0 {
		f.log().Debug("fetcher_no_new_messages")
		return nil
	}

	f.log().WithField("uids", uids).Debug("fetcher_backlog")
	return f.deliverBatch(uids)
}

// validateUIDs rejects search results the dedup set cannot be trusted on.
func validateUIDs(uids []uint32) error {
	seen := make(map[uint32]struct{}, len(uids))
	for _, uid := range uids {
		if uid == 0 {
			return fault.Fetchf(fault.FetchUnexpectedResponse, "search", "search returned uid 0")
		}
		if _, dup := seen[uid]; dup {
			return fault.Fetchf(fault.FetchUnexpectedResponse, "search", "search returned duplicate uid %d", uid)
		}
		seen[uid] = struct{}{}
	}
	return nil
}

// deliverBatch brackets a batch of UIDs with one deliverer connection and
// processes them strictly one after another. On failure the deliverer is left
// to the caller's teardown; there is no retry.
func (f *Fetcher) deliverBatch(uids []uint32) error {
	if err := f.deliverer.Connect(); err != nil {
		return err
	}

	for _, uid := range uids {
		if err := f.fetchDeliverMessage(uid); err != nil {
			return err
		}
	}

	f.deliverer.Disconnect()
	return nil
}

// fetchDeliverMessage fetches one message, delivers it and marks it. Messages
// that already carry the delivered keyword are skipped without error; they
// can re-appear when mail is moved between folders by another session.
func (f *Fetcher) fetchDeliverMessage(uid uint32) error {
	if f.client == nil {
		return fault.Fetchf(fault.FetchState, "fetch", "called without being connected")
	}

	e := f.log().WithField("uid", uid)
	e.Debug("fetcher_fetching_message")
	start := time.Now()

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchFlags, imap.FetchRFC822Size, section.FetchItem()}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	ch := make(chan *imap.Message, 2)
	done := make(chan error, 1)
	go func() { done <- f.client.UidFetch(seqset, items, ch) }()

	var msgs []*imap.Message
	for msg := range ch {
		msgs = append(msgs, msg)
	}
	if err := <-done; err != nil {
		return classify("fetch", err)
	}

	if len(msgs) != 1 {
		return fault.Fetchf(fault.FetchUnexpectedResponse, "fetch",
			"expected 1 message for uid %d, got %d", uid, len(msgs))
	}
	msg := msgs[0]

	if mailflag.Has(msg.Flags, mailflag.Fetched) {
		e.Debug("fetcher_message_already_flagged")
		return nil
	}

	literal := msg.GetBody(section)
	if literal == nil {
		return fault.Fetchf(fault.FetchUnexpectedResponse, "fetch", "no body literal for uid %d", uid)
	}

	body, err := ioutil.ReadAll(literal)
	if err != nil {
		return fault.FetchWrap(fault.FetchUnexpectedResponse, "fetch", err)
	}

	if int(msg.Size) != len(body) {
		return fault.Fetchf(fault.FetchInconsistentResponse, "fetch",
			"expected message size %d, got %d", msg.Size, len(body))
	}

	if err := f.deliverer.DeliverMessage(body); err != nil {
		e.WithError(err).Error("fetcher_delivery_failed")
		return err
	}

	// the mail cannot be un-delivered from here on; a store failure has to
	// be treated as fatal by the caller
	if err := f.setFetchedFlag(uid); err != nil {
		return err
	}

	e.WithFields(log.Fields{
		"size":     len(body),
		"duration": time.Since(start),
	}).Info("fetcher_message_delivered")
	return nil
}

// setFetchedFlag marks the message with the delivered keyword.
func (f *Fetcher) setFetchedFlag(uid uint32) error {
	if f.client == nil {
		return fault.Fetchf(fault.FetchState, "store", "called without being connected")
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := f.client.UidStore(seqset, item, []interface{}{mailflag.Fetched}, nil); err != nil {
		return classify("store", err)
	}

	return nil
}

// IdleLoopStep runs a single IDLE cycle: wait for a push or for the refresh
// window to elapse, terminate IDLE, then process whatever arrived. The
// returned bool tells the caller whether to keep looping.
func (f *Fetcher) IdleLoopStep() (bool, error) {
	if f.client == nil {
		return false, fault.Fetchf(fault.FetchState, "idle", "called without being connected")
	}

	f.log().Debug("fetcher_idle_enter")

	stop := make(chan struct{})
	idleDone := make(chan error, 1)
	go func() { idleDone <- f.client.Idle(stop, nil) }()

	var newUIDs []uint32
	ended := false
	stopping := false
	var idleErr error

	timer := time.NewTimer(f.cfg.TimeoutIdleStart)
	defer timer.Stop()

wait:
	for {
		select {
		case uid := <-f.pending:
			newUIDs = append(newUIDs, uid)
			// drain whatever arrived in the same push before leaving
			if len(f.pending) == 0 {
				break wait
			}
		case <-timer.C:
			// time to restart IDLE, see
			// https://www.imapwiki.org/ClientImplementation/Synchronization
			f.log().Debug("fetcher_idle_refresh_timeout")
			break wait
		case <-f.shutdown:
			f.log().Debug("fetcher_shutdown_requested")
			stopping = true
			break wait
		case idleErr = <-idleDone:
			ended = true
			break wait
		}
	}

	if !ended {
		close(stop)

		endTimer := time.NewTimer(f.cfg.TimeoutIdleEnd)
		select {
		case idleErr = <-idleDone:
			endTimer.Stop()
		case <-endTimer.C:
			return false, fault.Fetchf(fault.FetchTimeout, "idle", "idle end timeout")
		}
	}

	if idleErr != nil {
		if isTimeout(idleErr) {
			return false, fault.FetchWrap(fault.FetchTimeout, "idle", idleErr)
		}
		return false, fault.FetchWrap(fault.FetchAbort, "idle", idleErr)
	}

	f.log().Debug("fetcher_idle_leave")

	if stopping {
		// anything still unflagged is picked up by the next run's backlog
		return false, nil
	}

	if len(newUIDs) > 0 {
		f.log().WithField("count", len(newUIDs)).Debug("fetcher_new_messages")
		if err := f.deliverBatch(newUIDs); err != nil {
			return false, err
		}
	}

	return true, nil
}

// Shutdown asks the session to wind down at the next idle boundary. Unlike
// every other method it is safe to call from another goroutine: it touches no
// session state, the loop observes the request and stops cleanly, and the
// owning goroutine performs the actual teardown.
func (f *Fetcher) Shutdown() {
	f.shutdownOnce.Do(func() { close(f.shutdown) })
}

// RunIdleLoop waits for mail and delivers it as it arrives, until a step
// reports stop or an error propagates. There is no bound on iterations.
func (f *Fetcher) RunIdleLoop() error {
	for {
		keepGoing, err := f.IdleLoopStep()
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
}

// consumeUpdates drains unilateral server updates for the whole session so
// the client's connection reader can never block on a full channel, and
// distills EXISTS pushes into candidate UIDs.
func (f *Fetcher) consumeUpdates(updates <-chan goImapClient.Update, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case upd := <-updates:
			uid, ok := f.handleUpdate(upd)
			if !ok {
				continue
			}
			select {
			case f.pending <- uid:
			default:
				// the message is still unflagged on the server, a later
				// push or restart picks it up
				f.log().WithField("uid", uid).Warn("fetcher_push_backlog_full")
			}
		}
	}
}

// handleUpdate inspects one unilateral update. An EXISTS push carries the new
// message count, which doubles as the candidate UID to fetch. Recent-count
// changes and status lines are informational only.
func (f *Fetcher) handleUpdate(upd goImapClient.Update) (uint32, bool) {
	switch vv := upd.(type) {
	case *goImapClient.MailboxUpdate:
		if vv.Mailbox == nil {
			return 0, false
		}
		if vv.Mailbox.Messages > f.lastExists {
			f.lastExists = vv.Mailbox.Messages
			f.log().WithField("uid", vv.Mailbox.Messages).Debug("fetcher_push_new_message")
			return vv.Mailbox.Messages, true
		}
		f.log().WithFields(log.Fields{
			"messages": vv.Mailbox.Messages,
			"recent":   vv.Mailbox.Recent,
		}).Trace("fetcher_push_mailbox_counts")
	case *goImapClient.StatusUpdate:
		f.log().WithFields(log.Fields{
			"type": vv.Status.Type,
			"info": vv.Status.Info,
		}).Trace("fetcher_push_status")
	case *goImapClient.ExpungeUpdate:
		f.log().WithField("seq", vv.SeqNum).Trace("fetcher_push_expunge")
	default:
		f.log().Trace("fetcher_push_ignored")
	}

	return 0, false
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// classify maps a transport error to the matching fetch kind. Timeouts get
// their own kind, everything else is a failed command.
func classify(op string, err error) error {
	if isTimeout(err) {
		return fault.FetchWrap(fault.FetchTimeout, op, err)
	}
	return fault.FetchWrap(fault.FetchCommandFailed, op, err)
}
