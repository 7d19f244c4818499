package internal

import (
	"io"
	"io/ioutil"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
)

func BuildTestIMAPServer(t *testing.T) (*server.Server, string, *memory.Mailbox) {
	be := memory.New()
	user, err := be.Login(nil, "username", "password")
	assert.NoError(t, err)
	if err != nil {
		t.FailNow()
	}

	mb, err := user.GetMailbox("INBOX")
	assert.NoError(t, err)
	if err != nil {
		t.FailNow()
	}

	mailbox := mb.(*memory.Mailbox)
	mailbox.Messages = nil

	s := server.New(be)
	t.Cleanup(func() { _ = s.Close() })

	s.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "localhost:0")
	assert.NoError(t, err)
	if err != nil {
		t.FailNow()
	}

	go func() { err = s.Serve(l) }()

	return s, l.Addr().String(), mailbox
}

// Envelope is one transaction as seen by the test LMTP server.
type Envelope struct {
	From       string
	Recipients []string
	Data       []byte
}

// LMTPCollector records every envelope accepted by the test server. A
// recipient present in Refuse is rejected at RCPT time with the given error.
type LMTPCollector struct {
	mtx       sync.Mutex
	Refuse    map[string]*smtp.SMTPError
	envelopes []Envelope
}

func (c *LMTPCollector) Envelopes() []Envelope {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]Envelope(nil), c.envelopes...)
}

func (c *LMTPCollector) add(e Envelope) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.envelopes = append(c.envelopes, e)
}

func (c *LMTPCollector) Login(_ *smtp.ConnectionState, _, _ string) (smtp.Session, error) {
	return nil, smtp.ErrAuthUnsupported
}

func (c *LMTPCollector) AnonymousLogin(_ *smtp.ConnectionState) (smtp.Session, error) {
	return &collectorSession{collector: c}, nil
}

type collectorSession struct {
	collector *LMTPCollector
	envelope  Envelope
}

func (s *collectorSession) Reset() {
	s.envelope = Envelope{}
}

func (s *collectorSession) Logout() error {
	return nil
}

func (s *collectorSession) Mail(from string, _ smtp.MailOptions) error {
	s.envelope.From = from
	return nil
}

func (s *collectorSession) Rcpt(to string) error {
	if err, refused := s.collector.Refuse[to]; refused {
		return err
	}

	s.envelope.Recipients = append(s.envelope.Recipients, to)
	return nil
}

func (s *collectorSession) Data(r io.Reader) error {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return err
	}

	s.envelope.Data = data
	s.collector.add(s.envelope)
	return nil
}

func BuildTestLMTPServer(t *testing.T) (*smtp.Server, string, *LMTPCollector) {
	collector := &LMTPCollector{Refuse: map[string]*smtp.SMTPError{}}

	s := smtp.NewServer(collector)
	s.LMTP = true
	s.Domain = "localhost"
	s.AllowInsecureAuth = true
	t.Cleanup(func() { _ = s.Close() })

	l, err := net.Listen("tcp", "localhost:0")
	assert.NoError(t, err)
	if err != nil {
		t.FailNow()
	}

	go func() { _ = s.Serve(l) }()

	return s, l.Addr().String(), collector
}
