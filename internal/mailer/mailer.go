// Package mailer is the thin SMTP collaborator spec.md §6 calls out as an
// external system boundary: calm composes plaintext mail bodies and hands
// them here to actually be delivered. Deliberately minimal — this is not
// a "no library available" case, the interface itself is the spec.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/datawire/dlib/dlog"
)

// AlwaysBCC is appended to every message's Bcc, mirroring
// common_constants.ALWAYS_BCC.
var AlwaysBCC = ""

// Message is one outgoing mail, already fully composed.
type Message struct {
	From    string
	To      []string
	Bcc     string
	Subject string
	Body    string
}

// Sender is the interface calmlog depends on, letting tests substitute a
// capturing fake for a real SMTP dial.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Mailer delivers Messages via SMTP, except for the literal debug
// recipient ["debug"], which is dumped to the log instead of sent.
type Mailer struct {
	Host string
	Port int
}

// Send delivers msg. When msg.To is exactly ["debug"], the message is
// logged instead of transmitted, matching calm.py's BufferingSMTPHandler
// debug-recipient special case.
func (m Mailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 1 && msg.To[0] == "debug" {
		dlog.Infof(ctx, "---- debug mail ----\nSubject: %s\n%s\n---------------------", msg.Subject, msg.Body)
		return nil
	}
	if len(msg.To) == 0 {
		return nil
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", msg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ","))
	bcc := msg.Bcc
	if AlwaysBCC != "" {
		if bcc != "" {
			bcc += "," + AlwaysBCC
		} else {
			bcc = AlwaysBCC
		}
	}
	if bcc != "" {
		fmt.Fprintf(&buf, "Bcc: %s\r\n", bcc)
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "X-Calm: 1\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(msg.Body)

	recipients := append(append([]string{}, msg.To...), splitNonEmpty(bcc)...)
	port := m.Port
	if port == 0 {
		port = 25
	}
	addr := fmt.Sprintf("%s:%d", m.Host, port)
	if err := smtp.SendMail(addr, nil, msg.From, recipients, buf.Bytes()); err != nil {
		dlog.Errorf(ctx, "sending mail %q to %v: %s", msg.Subject, msg.To, err)
		return err
	}
	return nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
