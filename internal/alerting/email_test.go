package alerting

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smtpServer plays a scripted SMTP dialogue for one connection.
type smtpServer struct {
	offerTLS   bool
	rejectRcpt bool

	commands []string
	data     string
	done     chan struct{}
}

func startSMTPServer(t *testing.T, s *smtpServer) EmailConfig {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	s.done = make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(s.done)
			return
		}
		s.serve(conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return EmailConfig{
		SMTPServer: "127.0.0.1",
		SMTPPort:   addr.Port,
		Sender:     "ate@example.com",
		Timeout:    5 * time.Second,
	}
}

func (s *smtpServer) serve(conn net.Conn) {
	defer close(s.done)
	defer conn.Close()

	r := bufio.NewReader(conn)
	reply := func(lines ...string) {
		for _, l := range lines {
			fmt.Fprintf(conn, "%s\r\n", l)
		}
	}

	reply("220 mx.test ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		s.commands = append(s.commands, line)

		verb, _, _ := strings.Cut(line, " ")
		switch strings.ToUpper(verb) {
		case "EHLO":
			ext := []string{"250-mx.test", "250-AUTH PLAIN"}
			if s.offerTLS {
				ext = append(ext, "250-STARTTLS")
			}
			reply(append(ext, "250 HELP")...)
		case "STARTTLS":
			reply("454 4.7.0 TLS not available")
		case "AUTH":
			reply("235 2.7.0 Authentication successful")
		case "MAIL":
			reply("250 2.1.0 OK")
		case "RCPT":
			if s.rejectRcpt {
				reply("550 5.1.1 No such user")
			} else {
				reply("250 2.1.5 OK")
			}
		case "DATA":
			reply("354 End data with <CR><LF>.<CR><LF>")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			s.data = b.String()
			reply("250 2.0.0 Queued")
		case "QUIT":
			reply("221 2.0.0 Bye")
			return
		default:
			reply("502 5.5.2 Command not recognized")
		}
	}
}

func (s *smtpServer) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("smtp session did not finish")
	}
}

func verbs(commands []string) []string {
	out := make([]string, len(commands))
	for i, c := range commands {
		out[i], _, _ = strings.Cut(c, " ")
	}
	return out
}

func TestSubmitSMTP_Session(t *testing.T) {
	srv := &smtpServer{}
	cfg := startSMTPServer(t, srv)
	cfg.Username = "ate"
	cfg.Password = "secret"

	ok := newTestDispatcher(NewEmailChannel(cfg)).Send(context.Background(), criticalEvent(), []string{"a@example.com", "b@example.com"}, "")
	require.True(t, ok)
	srv.wait(t)

	assert.Equal(t, []string{"EHLO", "AUTH", "MAIL", "RCPT", "RCPT", "DATA", "QUIT"}, verbs(srv.commands))
	assert.Equal(t, "MAIL FROM:<ate@example.com>", srv.commands[2])
	assert.Equal(t, "RCPT TO:<a@example.com>", srv.commands[3])
	assert.Equal(t, "RCPT TO:<b@example.com>", srv.commands[4])
	assert.Contains(t, srv.data, "Subject: Yield Drop Alert\r\n")
	assert.Contains(t, srv.data, "To: a@example.com, b@example.com\r\n")
	assert.Contains(t, srv.data, "Wafer ID: WF0001\r\n")
	assert.Contains(t, srv.data, "Severity: Critical\r\n")
}

func TestSubmitSMTP_NoAuthWithoutUsername(t *testing.T) {
	srv := &smtpServer{}
	cfg := startSMTPServer(t, srv)

	require.True(t, newTestDispatcher(NewEmailChannel(cfg)).Send(context.Background(), criticalEvent(), []string{"a@example.com"}, ""))
	srv.wait(t)

	assert.NotContains(t, verbs(srv.commands), "AUTH")
}

func TestSubmitSMTP_UsesStartTLSWhenOffered(t *testing.T) {
	srv := &smtpServer{offerTLS: true}
	cfg := startSMTPServer(t, srv)

	assert.False(t, newTestDispatcher(NewEmailChannel(cfg)).Send(context.Background(), criticalEvent(), []string{"a@example.com"}, ""))
	srv.wait(t)

	assert.Equal(t, []string{"EHLO", "STARTTLS"}, verbs(srv.commands))
}

func TestSubmitSMTP_RejectedRecipientFails(t *testing.T) {
	srv := &smtpServer{rejectRcpt: true}
	cfg := startSMTPServer(t, srv)

	results := newTestDispatcher(NewEmailChannel(cfg)).Deliver(context.Background(), criticalEvent(), []string{"nobody@example.com"}, "")
	srv.wait(t)

	require.Len(t, results, 1)
	assert.True(t, results[0].Attempted)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Err.Error(), "550")
	assert.NotContains(t, verbs(srv.commands), "DATA")
}

// silentListener accepts connections and never writes a greeting.
func silentListener(t *testing.T) EmailConfig {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return EmailConfig{SMTPServer: host, SMTPPort: p, Sender: "ate@example.com"}
}

func TestSend_SilentMailServerDoesNotBlockOtherChannels(t *testing.T) {
	cfg := silentListener(t)
	cfg.Timeout = 200 * time.Millisecond
	healthy := &fakeChannel{name: "webhook", enabled: true}

	start := time.Now()
	results := newTestDispatcher(NewEmailChannel(cfg), healthy).Deliver(context.Background(), criticalEvent(), []string{"a@example.com"}, "")

	assert.Less(t, time.Since(start), 3*time.Second)
	require.Len(t, results, 2)
	assert.False(t, results[0].OK)
	assert.True(t, results[1].OK)
	assert.Len(t, healthy.sent, 1)
}

func TestSend_SilentMailServerHonoursContextDeadline(t *testing.T) {
	cfg := silentListener(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	ok := newTestDispatcher(NewEmailChannel(cfg)).Send(ctx, criticalEvent(), []string{"a@example.com"}, "")

	assert.False(t, ok)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestEmailConfig_DeadlineUsesEarlierOfTimeoutAndContext(t *testing.T) {
	cfg := EmailConfig{Timeout: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	assert.WithinDuration(t, time.Now().Add(time.Minute), cfg.deadline(ctx), 5*time.Second)

	assert.WithinDuration(t, time.Now().Add(defaultTimeout), EmailConfig{}.deadline(context.Background()), 5*time.Second)
}

func TestBuildMessage_FoldsHeaderLineBreaks(t *testing.T) {
	msg := string(buildMessage("ate@example.com", Notification{
		Subject:    "Yield Drop\r\nBcc: leak@example.com",
		Recipients: []string{"a@example.com\nCc: leak@example.com"},
		Body:       "Wafer ID: WF0001\n",
	}))

	assert.NotContains(t, msg, "\r\nBcc:")
	assert.NotContains(t, msg, "\nCc:")
	assert.Contains(t, msg, "Subject: Yield Drop Bcc: leak@example.com\r\n")
	assert.Contains(t, msg, "To: a@example.com Cc: leak@example.com\r\n")
}
