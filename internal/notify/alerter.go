package notify

import (
	"fmt"
	"time"

	"strata/internal/logger"
)

// Alerter formats order-stack and process-control alerts and pushes them
// best-effort. A nil Alerter or nil notifier drops everything silently, so
// call sites never need to guard.
type Alerter struct {
	notifier TextNotifier
}

func NewAlerter(n TextNotifier) *Alerter {
	return &Alerter{notifier: n}
}

// OrderRejected reports a venue rejection of a broker order.
func (a *Alerter) OrderRejected(contract, strategy string, quantity float64, reason string) {
	a.send(StructuredMessage{
		Icon:  "🚫",
		Title: "Broker order rejected",
		Sections: []MessageSection{{
			Lines: []string{
				fmt.Sprintf("Contract: %s", contract),
				fmt.Sprintf("Strategy: %s", strategy),
				fmt.Sprintf("Quantity: %v", quantity),
				fmt.Sprintf("Reason: %s", reason),
			},
		}},
		Timestamp: time.Now(),
	})
}

// ReconcileCorrection reports a parent order corrected against its children.
func (a *Alerter) ReconcileCorrection(tier, orderID string, drift float64) {
	a.send(StructuredMessage{
		Icon:  "⚠️",
		Title: "Order stack corrected",
		Sections: []MessageSection{{
			Lines: []string{
				fmt.Sprintf("Tier: %s", tier),
				fmt.Sprintf("Order: %s", orderID),
				fmt.Sprintf("Fill drift: %v", drift),
			},
		}},
		Timestamp: time.Now(),
	})
}

// ProcessFailed reports a job execution error.
func (a *Alerter) ProcessFailed(name string, executionCount int, message string) {
	a.send(StructuredMessage{
		Icon:  "❌",
		Title: "Process failed",
		Sections: []MessageSection{{
			Lines: []string{
				fmt.Sprintf("Process: %s", name),
				fmt.Sprintf("Execution: %d", executionCount),
				fmt.Sprintf("Error: %s", message),
			},
		}},
		Timestamp: time.Now(),
	})
}

// ProcessTerminated reports a watchdog or operator termination.
func (a *Alerter) ProcessTerminated(name, reason string) {
	a.send(StructuredMessage{
		Icon:  "🛑",
		Title: "Process terminated",
		Sections: []MessageSection{{
			Lines: []string{
				fmt.Sprintf("Process: %s", name),
				fmt.Sprintf("Reason: %s", reason),
			},
		}},
		Timestamp: time.Now(),
	})
}

func (a *Alerter) send(msg StructuredMessage) {
	if a == nil || a.notifier == nil {
		return
	}
	if err := a.notifier.SendText(msg.RenderMarkdown()); err != nil {
		logger.Warnf("alert delivery failed: %v", err)
	}
}
