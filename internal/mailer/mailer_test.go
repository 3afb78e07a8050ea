package mailer

import (
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
)

func TestSendDebugRecipientDoesNotDial(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	m := Mailer{Host: "127.0.0.1", Port: 1}
	err := m.Send(ctx, Message{From: "calm@example.com", To: []string{"debug"}, Subject: "test", Body: "hello"})
	assert.NoError(t, err)
}

func TestSendNoRecipientsIsNoop(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	m := Mailer{Host: "127.0.0.1", Port: 1}
	err := m.Send(ctx, Message{From: "calm@example.com", Subject: "test", Body: "hello"})
	assert.NoError(t, err)
}
