package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/cenkalti/backoff/v4"

	"github.com/dyluth/warren/internal/bus"
	"github.com/dyluth/warren/internal/mailbox"
)

// SendOptions carry the optional mailbox fields.
type SendOptions struct {
	ThreadID    string
	Importance  string
	AckRequired bool
}

// SendResult is the outcome of a policy-checked send. Denied recipients
// are dropped; Blocked means every recipient was denied and nothing was
// sent.
type SendResult struct {
	MessageIDs        []string
	BlockedRecipients []string
	Blocked           bool
	Reason            string
}

// Send delivers the message to each recipient the policy engine allows.
// Each denial posts a comm_violation signal on the system channel.
// Mailbox failures are retried with bounded backoff, then logged; one
// bad recipient never aborts the rest.
func (r *Runtime) Send(ctx context.Context, to []string, subject, body string, opts SendOptions) SendResult {
	var result SendResult
	var lastReason string

	for _, recipient := range to {
		decision := r.policy.CheckContent(r.name, recipient, "", subject)
		if !decision.Allowed {
			result.BlockedRecipients = append(result.BlockedRecipients, recipient)
			lastReason = decision.Reason
			log.Printf("[Agent] %s blocked from messaging %s: %s", r.name, recipient, decision.Reason)
			r.bus.Signal("system", bus.SignalCommViolation, map[string]string{
				"sender":    r.name,
				"recipient": recipient,
				"reason":    decision.Reason,
				"domain":    string(r.id.Domain),
			})
			continue
		}

		msg := mailbox.NewMessage(r.name, recipient, subject, body)
		msg.ThreadID = opts.ThreadID
		if opts.Importance != "" {
			msg.Importance = opts.Importance
		}
		msg.AckRequired = opts.AckRequired

		var id string
		send := func() error {
			var err error
			id, err = r.mail.Send(ctx, msg)
			return err
		}
		if err := backoff.Retry(send, r.sendBackoff(ctx)); err != nil {
			log.Printf("[Agent] %s failed to send %q to %s: %v", r.name, subject, recipient, err)
			continue
		}
		result.MessageIDs = append(result.MessageIDs, id)
	}

	if len(result.MessageIDs) == 0 && len(result.BlockedRecipients) == len(to) && len(to) > 0 {
		result.Blocked = true
		result.Reason = lastReason
	}
	return result
}

// SendJSON marshals payload into the body and sends it.
func (r *Runtime) SendJSON(ctx context.Context, to []string, subject string, payload any, opts SendOptions) (SendResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("failed to marshal %q payload: %w", subject, err)
	}
	return r.Send(ctx, to, subject, string(body), opts), nil
}
