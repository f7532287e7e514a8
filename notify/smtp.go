package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/izavyalov-dev/delta-report/state"
)

const (
	defaultSMTPPort  = 25
	defaultSendRate  = 1.0
	defaultSendBurst = 5
	defaultFromName  = "Delta Report"
)

var ErrNoRecipients = errors.New("notification has no recipients")

// LaunchNotification is a launch finished email for a set of recipients.
type LaunchNotification struct {
	Recipients  []string
	ProjectName string
	Launch      state.Launch
	Statistics  map[string]int64
	LaunchURL   string
}

// SMTPConfig configures the SMTP sender.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	FromName string
	Username string
	Password string
	// RatePerSecond bounds outgoing messages; Burst allows short spikes.
	RatePerSecond float64
	Burst         int
}

type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender delivers notifications through an SMTP relay.
type SMTPSender struct {
	addr     string
	from     string
	fromName string
	auth     smtp.Auth
	limiter  *rate.Limiter
	send     sendFunc
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultSMTPPort
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultSendRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultSendBurst
	}
	if cfg.FromName == "" {
		cfg.FromName = defaultFromName
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPSender{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		from:     cfg.From,
		fromName: cfg.FromName,
		auth:     auth,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		send:     smtp.SendMail,
	}, nil
}

// SendLaunchFinished renders and sends a launch summary. It waits for the
// send rate limiter and gives up when ctx ends first.
func (s *SMTPSender) SendLaunchFinished(ctx context.Context, n LaunchNotification) error {
	if len(n.Recipients) == 0 {
		return ErrNoRecipients
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}
	subject := fmt.Sprintf("Delta Report. Launch #%d '%s' has finished", n.Launch.Number, n.Launch.Name)
	msg := formatMessage(s.fromName, s.from, n.Recipients, subject, renderLaunchFinished(n))
	if err := s.send(s.addr, s.auth, s.from, n.Recipients, msg); err != nil {
		return fmt.Errorf("send launch %d notification: %w", n.Launch.ID, err)
	}
	return nil
}

func formatMessage(fromName, from string, to []string, subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s <%s>\r\n", fromName, from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.Bytes()
}

func renderLaunchFinished(n LaunchNotification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Launch '%s' #%d in project %s finished with status %s.\r\n", n.Launch.Name, n.Launch.Number, n.ProjectName, n.Launch.Status)
	if n.LaunchURL != "" {
		fmt.Fprintf(&b, "Details: %s\r\n", n.LaunchURL)
	}
	if len(n.Statistics) > 0 {
		b.WriteString("\r\n")
		keys := make([]string, 0, len(n.Statistics))
		for key := range n.Statistics {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(&b, "%s: %d\r\n", strings.TrimPrefix(key, "statistics$"), n.Statistics[key])
		}
	}
	return b.String()
}
