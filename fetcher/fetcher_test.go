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
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	goImapClient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	mock_deliver "mailfunnel/deliver/mocks"
	"mailfunnel/fault"
	imap2 "mailfunnel/imap"
	imapClient "mailfunnel/imap/client"
	mock_imap "mailfunnel/imap/mocks"
	"mailfunnel/internal"
	"mailfunnel/mailflag"
)

func makeTestMessage(t *testing.T, uid uint32, flags ...string) (*imap.Message, []byte) {
	section, err := imap.ParseBodySectionName("BODY[]")
	assert.NoError(t, err)
	if err != nil {
		t.FailNow()
	}

	hdr := message.Header{}
	hdr.Add("From", "from@example.com")
	hdr.Add("To", "to@example.com")
	hdr.Add("Subject", "Test Email")
	hdr.Add("Date", "Wed, 11 May 2016 14:31:59 +0000")
	hdr.Add("Content-Type", "text/plain")
	hdr.Add("Message-ID", fmt.Sprintf("<%d@localhost>", uid))

	msg, err := message.New(hdr, strings.NewReader("Привет!"))
	assert.NoError(t, err)
	if err != nil {
		t.FailNow()
	}

	bb := new(bytes.Buffer)
	err = msg.WriteTo(bb)
	assert.NoError(t, err)
	if err != nil {
		t.FailNow()
	}

	body := bb.Bytes()

	imsg := imap.NewMessage(uid, []imap.FetchItem{imap.FetchFlags, imap.FetchRFC822Size, section.FetchItem()})
	imsg.Uid = uid
	imsg.Flags = flags
	imsg.Size = uint32(len(body))
	imsg.Body[section] = bytes.NewReader(body)
	return imsg, body
}

type testRig struct {
	ctrl      *gomock.Controller
	client    *mock_imap.MockClient
	factory   *mock_imap.MockClientFactory
	deliverer *mock_deliver.MockDeliverer
	fetcher   *Fetcher
	updates   chan<- goImapClient.Update
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	ctrl := gomock.NewController(t)

	rig := &testRig{
		ctrl:      ctrl,
		client:    mock_imap.NewMockClient(ctrl),
		factory:   mock_imap.NewMockClientFactory(ctrl),
		deliverer: mock_deliver.NewMockDeliverer(ctrl),
	}

	if cfg.Auth == nil {
		cfg.Auth = imap2.NewNormalAuthenticator("username", "password")
	}
	cfg.HostPort = "imap.hostname.com:993"

	rig.factory.EXPECT().NewClient(gomock.Any()).DoAndReturn(
		func(clientConfig *imap2.ClientConfig) (imap2.Client, error) {
			rig.updates = clientConfig.Updates
			return rig.client, nil
		}).AnyTimes()

	rig.fetcher = New(&cfg, rig.factory, rig.deliverer)
	return rig
}

// connect runs the fetcher through a successful Connect against a mailbox
// reporting the given message count.
func (rig *testRig) connect(t *testing.T, messages uint32) {
	rig.client.EXPECT().Login("username", "password").Return(nil)
	rig.client.EXPECT().Select("INBOX", false).Return(&imap.MailboxStatus{
		Name:           "INBOX",
		Messages:       messages,
		PermanentFlags: []string{imap.SeenFlag, imap.DeletedFlag, "\\*"},
	}, nil)
	rig.client.EXPECT().Support("IDLE").Return(true, nil)

	err := rig.fetcher.Connect()
	assert.NoError(t, err)
	if err != nil {
		t.FailNow()
	}
}

// expectFetchDeliverStore wires the full round trip for one message: fetch,
// deliver its body, store the keyword.
func (rig *testRig) expectFetchDeliverStore(t *testing.T, uid uint32) []*gomock.Call {
	msg, body := makeTestMessage(t, uid)

	fetch := rig.client.EXPECT().UidFetch(uidSet(uid), gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ *imap.SeqSet, _ []imap.FetchItem, ch chan *imap.Message) error {
			ch <- msg
			close(ch)
			return nil
		})

	deliver := rig.deliverer.EXPECT().DeliverMessage(body).Return(nil)

	store := rig.client.EXPECT().UidStore(
		uidSet(uid),
		imap.FormatFlagsOp(imap.AddFlags, true),
		[]interface{}{mailflag.Fetched},
		gomock.Nil(),
	).Return(nil)

	return []*gomock.Call{fetch, deliver, store}
}

func uidSet(uid uint32) *imap.SeqSet {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	return seqset
}

func TestConnect(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		rig := newTestRig(t, Config{})
		rig.connect(t, 3)

		assert.True(t, rig.fetcher.HasIdle())

		rig.client.EXPECT().Logout().Return(nil)
		rig.fetcher.Disconnect()
		assert.False(t, rig.fetcher.HasIdle())
	})

	t.Run("no_custom_flags", func(t *testing.T) {
		rig := newTestRig(t, Config{})

		rig.client.EXPECT().Login("username", "password").Return(nil)
		rig.client.EXPECT().Select("INBOX", false).Return(&imap.MailboxStatus{
			Name:           "INBOX",
			PermanentFlags: []string{imap.SeenFlag, imap.DeletedFlag},
		}, nil)
		rig.client.EXPECT().Logout().Return(nil)

		err := rig.fetcher.Connect()
		assert.True(t, fault.IsFetch(err, fault.FetchFeatureUnsupported))
	})

	t.Run("bad_credentials", func(t *testing.T) {
		rig := newTestRig(t, Config{})

		rig.client.EXPECT().Login("username", "password").Return(errors.New("NO [AUTHENTICATIONFAILED]"))
		rig.client.EXPECT().Logout().Return(nil)

		err := rig.fetcher.Connect()
		assert.True(t, fault.IsFetch(err, fault.FetchAuthentication))
	})

	t.Run("no_idle", func(t *testing.T) {
		rig := newTestRig(t, Config{})

		rig.client.EXPECT().Login("username", "password").Return(nil)
		rig.client.EXPECT().Select("INBOX", false).Return(&imap.MailboxStatus{
			Name:           "INBOX",
			PermanentFlags: []string{"\\*"},
		}, nil)
		rig.client.EXPECT().Support("IDLE").Return(false, nil)

		assert.NoError(t, rig.fetcher.Connect())
		assert.False(t, rig.fetcher.HasIdle())
	})
}

func TestDisconnectAbsorbsErrors(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.connect(t, 0)

	rig.client.EXPECT().Logout().Return(errors.New("connection reset"))
	rig.fetcher.Disconnect()

	// repeated disconnects are no-ops
	rig.fetcher.Disconnect()
}

func TestFetchDeliverUnflagged(t *testing.T) {
	t.Run("empty_backlog", func(t *testing.T) {
		rig := newTestRig(t, Config{})
		rig.connect(t, 0)

		// no deliverer connection may be opened for an empty backlog
		rig.client.EXPECT().UidSearch(gomock.Any()).DoAndReturn(
			func(criteria *imap.SearchCriteria) ([]uint32, error) {
				assert.Equal(t, []string{mailflag.Fetched}, criteria.WithoutFlags)
				return nil, nil
			})

		assert.NoError(t, rig.fetcher.FetchDeliverUnflagged())
	})

	t.Run("batch_in_order", func(t *testing.T) {
		rig := newTestRig(t, Config{})
		rig.connect(t, 5)

		uids := []uint32{2, 4, 6, 8, 10}
		rig.client.EXPECT().UidSearch(gomock.Any()).Return(uids, nil)

		calls := []*gomock.Call{rig.deliverer.EXPECT().Connect().Return(nil)}
		for _, uid := range uids {
			calls = append(calls, rig.expectFetchDeliverStore(t, uid)...)
		}
		calls = append(calls, rig.deliverer.EXPECT().Disconnect())
		gomock.InOrder(calls...)

		assert.NoError(t, rig.fetcher.FetchDeliverUnflagged())
	})

	t.Run("skips_already_flagged", func(t *testing.T) {
		rig := newTestRig(t, Config{})
		rig.connect(t, 1)

		// the keyword comparison is case-insensitive
		msg, _ := makeTestMessage(t, 7, "mailfunnelFETCHED")

		rig.client.EXPECT().UidSearch(gomock.Any()).Return([]uint32{7}, nil)
		rig.deliverer.EXPECT().Connect().Return(nil)
		rig.client.EXPECT().UidFetch(uidSet(7), gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ *imap.SeqSet, _ []imap.FetchItem, ch chan *imap.Message) error {
				ch <- msg
				close(ch)
				return nil
			})
		rig.deliverer.EXPECT().Disconnect()

		assert.NoError(t, rig.fetcher.FetchDeliverUnflagged())
	})

	t.Run("size_mismatch", func(t *testing.T) {
		rig := newTestRig(t, Config{})
		rig.connect(t, 1)

		msg, _ := makeTestMessage(t, 3)
		msg.Size = 152

		rig.client.EXPECT().UidSearch(gomock.Any()).Return([]uint32{3}, nil)
		rig.deliverer.EXPECT().Connect().Return(nil)
		rig.client.EXPECT().UidFetch(uidSet(3), gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ *imap.SeqSet, _ []imap.FetchItem, ch chan *imap.Message) error {
				ch <- msg
				close(ch)
				return nil
			})

		err := rig.fetcher.FetchDeliverUnflagged()
		assert.True(t, fault.IsFetch(err, fault.FetchInconsistentResponse))
	})

	t.Run("delivery_failure_propagates", func(t *testing.T) {
		rig := newTestRig(t, Config{})
		rig.connect(t, 1)

		msg, body := makeTestMessage(t, 5)
		refused := fault.Deliverf(fault.DeliverRecipientRefused, "rcpt", "550 mailbox unavailable")

		rig.client.EXPECT().UidSearch(gomock.Any()).Return([]uint32{5}, nil)
		rig.deliverer.EXPECT().Connect().Return(nil)
		rig.client.EXPECT().UidFetch(uidSet(5), gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ *imap.SeqSet, _ []imap.FetchItem, ch chan *imap.Message) error {
				ch <- msg
				close(ch)
				return nil
			})
		rig.deliverer.EXPECT().DeliverMessage(body).Return(refused)

		// no store may happen for an undelivered message
		err := rig.fetcher.FetchDeliverUnflagged()
		assert.Equal(t, refused, err)
		assert.True(t, fault.IsDeliverSide(err))
	})

	t.Run("duplicate_uids_rejected", func(t *testing.T) {
		rig := newTestRig(t, Config{})
		rig.connect(t, 2)

		rig.client.EXPECT().UidSearch(gomock.Any()).Return([]uint32{9, 9}, nil)

		err := rig.fetcher.FetchDeliverUnflagged()
		assert.True(t, fault.IsFetch(err, fault.FetchUnexpectedResponse))
	})

	t.Run("not_connected", func(t *testing.T) {
		rig := newTestRig(t, Config{})

		err := rig.fetcher.FetchDeliverUnflagged()
		assert.True(t, fault.IsFetch(err, fault.FetchState))
	})
}

func TestIdleLoopStep(t *testing.T) {
	t.Run("push_triggers_delivery", func(t *testing.T) {
		rig := newTestRig(t, Config{})
		rig.connect(t, 1)

		rig.client.EXPECT().Idle(gomock.Any(), gomock.Any()).DoAndReturn(
			func(stop <-chan struct{}, _ *goImapClient.IdleOptions) error {
				<-stop
				return nil
			})

		// a new message pushes the count from 1 to 2; the new count doubles
		// as the candidate UID
		rig.updates <- &goImapClient.MailboxUpdate{
			Mailbox: &imap.MailboxStatus{Name: "INBOX", Messages: 2},
		}
		time.Sleep(50 * time.Millisecond)

		rig.deliverer.EXPECT().Connect().Return(nil)
		rig.expectFetchDeliverStore(t, 2)
		rig.deliverer.EXPECT().Disconnect()

		keepGoing, err := rig.fetcher.IdleLoopStep()
		assert.NoError(t, err)
		assert.True(t, keepGoing)
	})

	t.Run("refresh_timeout", func(t *testing.T) {
		rig := newTestRig(t, Config{TimeoutIdleStart: 50 * time.Millisecond})
		rig.connect(t, 1)

		rig.client.EXPECT().Idle(gomock.Any(), gomock.Any()).DoAndReturn(
			func(stop <-chan struct{}, _ *goImapClient.IdleOptions) error {
				<-stop
				return nil
			})

		keepGoing, err := rig.fetcher.IdleLoopStep()
		assert.NoError(t, err)
		assert.True(t, keepGoing)
	})

	t.Run("idle_error_aborts", func(t *testing.T) {
		rig := newTestRig(t, Config{})
		rig.connect(t, 1)

		rig.client.EXPECT().Idle(gomock.Any(), gomock.Any()).Return(errors.New("connection reset"))

		keepGoing, err := rig.fetcher.IdleLoopStep()
		assert.False(t, keepGoing)
		assert.True(t, fault.IsFetch(err, fault.FetchAbort))
	})

	t.Run("end_timeout", func(t *testing.T) {
		rig := newTestRig(t, Config{
			TimeoutIdleStart: 50 * time.Millisecond,
			TimeoutIdleEnd:   50 * time.Millisecond,
		})
		rig.connect(t, 1)

		// an IDLE that never honours DONE
		rig.client.EXPECT().Idle(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ <-chan struct{}, _ *goImapClient.IdleOptions) error {
				time.Sleep(time.Second)
				return nil
			})

		keepGoing, err := rig.fetcher.IdleLoopStep()
		assert.False(t, keepGoing)
		assert.True(t, fault.IsFetch(err, fault.FetchTimeout))
	})

	// A quiet mailbox must reach the refresh timeout even when it is longer
	// than the connect timeout; nothing may put a deadline under the IDLE
	// wait. Runs against a real client and server, since mocked Idle calls
	// cannot catch a connection-level deadline.
	t.Run("quiet_wait_outlives_connect_timeout", func(t *testing.T) {
		_, address, _ := internal.BuildTestIMAPServer(t)

		ctrl := gomock.NewController(t)
		deliverer := mock_deliver.NewMockDeliverer(ctrl)

		f := New(&Config{
			HostPort:         address,
			Auth:             imap2.NewNormalAuthenticator("username", "password"),
			TimeoutConnect:   time.Second,
			TimeoutIdleStart: 2 * time.Second,
		}, &imapClient.Factory{}, deliverer)

		if !assert.NoError(t, f.Connect()) {
			t.FailNow()
		}
		defer f.Disconnect()

		start := time.Now()
		keepGoing, err := f.IdleLoopStep()
		assert.NoError(t, err)
		assert.True(t, keepGoing)
		assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
	})

	t.Run("recent_only_update_ignored", func(t *testing.T) {
		rig := newTestRig(t, Config{TimeoutIdleStart: 100 * time.Millisecond})
		rig.connect(t, 2)

		rig.client.EXPECT().Idle(gomock.Any(), gomock.Any()).DoAndReturn(
			func(stop <-chan struct{}, _ *goImapClient.IdleOptions) error {
				<-stop
				return nil
			})

		// same message count, only the recent counter moved
		rig.updates <- &goImapClient.MailboxUpdate{
			Mailbox: &imap.MailboxStatus{Name: "INBOX", Messages: 2, Recent: 1},
		}

		keepGoing, err := rig.fetcher.IdleLoopStep()
		assert.NoError(t, err)
		assert.True(t, keepGoing)
	})
}

func TestShutdownStopsIdleLoop(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.connect(t, 1)

	rig.client.EXPECT().Idle(gomock.Any(), gomock.Any()).DoAndReturn(
		func(stop <-chan struct{}, _ *goImapClient.IdleOptions) error {
			<-stop
			return nil
		}).AnyTimes()

	done := make(chan error, 1)
	go func() { done <- rig.fetcher.RunIdleLoop() }()

	time.Sleep(50 * time.Millisecond)
	rig.fetcher.Shutdown()
	rig.fetcher.Shutdown()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("idle loop kept running after shutdown")
	}

	rig.client.EXPECT().Logout().Return(nil)
	rig.fetcher.Disconnect()
}
