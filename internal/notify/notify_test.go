package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	sent []string
	err  error
}

func (c *captureNotifier) SendText(text string) error {
	c.sent = append(c.sent, text)
	return c.err
}

func TestRenderMarkdown(t *testing.T) {
	msg := StructuredMessage{
		Icon:  "⚠️",
		Title: "Order stack corrected",
		Sections: []MessageSection{
			{Title: "Details", Lines: []string{"Tier: contract", "  ", "Drift: 2"}},
		},
		Footer:    "strata",
		Timestamp: time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC),
	}
	out := msg.RenderMarkdown()
	assert.Contains(t, out, "⚠️ Order stack corrected")
	assert.Contains(t, out, "- Tier: contract")
	assert.Contains(t, out, "- Drift: 2")
	assert.NotContains(t, out, "-   \n", "blank lines dropped")
	assert.Contains(t, out, "Time: 2026-03-02 18:00:00 UTC")
}

func TestRenderMarkdownTruncates(t *testing.T) {
	msg := StructuredMessage{
		Title: "big",
		Sections: []MessageSection{
			{Lines: []string{strings.Repeat("x", 5000)}},
		},
	}
	out := msg.RenderMarkdown()
	assert.LessOrEqual(t, len(out), maxStructuredMessageLen+3)
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestRenderMarkdownEscapesFences(t *testing.T) {
	msg := StructuredMessage{
		Title:    "x",
		Sections: []MessageSection{{Lines: []string{"body ``` break"}}},
	}
	assert.NotContains(t, msg.RenderMarkdown(), "body ``` break")
}

func TestAlerter(t *testing.T) {
	t.Run("Formats Rejection", func(t *testing.T) {
		sink := &captureNotifier{}
		a := NewAlerter(sink)
		a.OrderRejected("EDOLLAR/202612", "macro", 25, "size 25 above cap 10")
		require.Len(t, sink.sent, 1)
		assert.Contains(t, sink.sent[0], "Broker order rejected")
		assert.Contains(t, sink.sent[0], "EDOLLAR/202612")
		assert.Contains(t, sink.sent[0], "above cap")
	})

	t.Run("Nil Alerter Is Safe", func(t *testing.T) {
		var a *Alerter
		assert.NotPanics(t, func() { a.ProcessFailed("j", 1, "boom") })
		assert.NotPanics(t, func() { NewAlerter(nil).ProcessTerminated("j", "watchdog") })
	})

	t.Run("Delivery Errors Swallowed", func(t *testing.T) {
		sink := &captureNotifier{err: assert.AnError}
		a := NewAlerter(sink)
		assert.NotPanics(t, func() { a.ReconcileCorrection("contract", "abc", 2) })
	})
}
