package calmlog

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/release-area/calm/internal/calmerr"
	"github.com/release-area/calm/internal/mailer"
	"github.com/release-area/calm/internal/maintainers"
)

func TestSetupBuffersRecords(t *testing.T) {
	dir := t.TempDir()
	ctx, buf, err := Setup(context.Background(), dir, true)
	require.NoError(t, err)

	var c calmerr.Collector
	c.AddAttributed("alice", "foo", errors.New("bad hint"))
	LogCollected(ctx, &c)

	records := buf.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].Maintainer)
	assert.Equal(t, "foo", records[0].Package)
	assert.Equal(t, logrus.ErrorLevel, records[0].Level)
}

// testSender is a mailer.Sender fake that records every Message instead
// of dialing real SMTP.
type testSender struct {
	sent []mailer.Message
}

func (s *testSender) Send(ctx context.Context, msg mailer.Message) error {
	s.sent = append(s.sent, msg)
	return nil
}

func TestSendSummaryRoutesToMaintainerAndLeads(t *testing.T) {
	dir := t.TempDir()
	ctx, buf, err := Setup(context.Background(), dir, true)
	require.NoError(t, err)

	var c calmerr.Collector
	c.AddAttributed("alice", "foo", errors.New("bad hint for foo"))
	LogCollected(ctx, &c)

	list := maintainers.List{
		"alice": {Name: "alice", Email: []string{"alice@example.com"}, Packages: []string{"foo"}},
	}

	sender := &testSender{}
	SendSummary(ctx, sender, buf, "cycle report", []string{"leads@example.com"}, list, nil, "calm@example.com")

	require.True(t, len(sender.sent) >= 1)
	foundMaint := false
	for _, m := range sender.sent {
		if len(m.To) == 1 && m.To[0] == "alice@example.com" {
			foundMaint = true
			assert.Contains(t, m.Body, "bad hint for foo")
		}
	}
	assert.True(t, foundMaint)
}
