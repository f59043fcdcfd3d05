// Package email delivers document notifications by mail in fixed-size
// batches. A failure for one address is recorded and never stops the batch.
package email

import (
	"context"
	"time"

	"publish-dispatch/internal/audit"
	apperrors "publish-dispatch/internal/common/errors"
	"publish-dispatch/internal/common/logger"
	"publish-dispatch/internal/common/metrics"
	"publish-dispatch/internal/models"
	"publish-dispatch/internal/recipient"

	"github.com/google/uuid"
)

type Options struct {
	BatchSize   int
	SendTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{BatchSize: 10, SendTimeout: 30 * time.Second}
}

// BatchResult aggregates one SendBatch call. Interrupted counts recipients in
// batches that were never started because the stop context was done.
type BatchResult struct {
	Sent        int
	Skipped     int
	Failed      int
	Interrupted int
	SkipReasons map[string]int
	Batches     int
}

func (r *BatchResult) skip(reason recipient.Reason) {
	r.Skipped++
	r.SkipReasons[string(reason)]++
}

// Delivery identifies what is being sent; it is stamped on every audit row.
type Delivery struct {
	DispatchID *uuid.UUID
	Document   *models.Document
	Type       models.NotificationType
}

type Channel struct {
	transport Transport
	policy    *recipient.DomainPolicy
	store     recipient.Store
	audit     audit.Recorder
	renderer  *Renderer
	opts      Options
	logger    logger.Logger
	now       func() time.Time
}

func NewChannel(
	transport Transport,
	policy *recipient.DomainPolicy,
	store recipient.Store,
	recorder audit.Recorder,
	renderer *Renderer,
	opts Options,
	log logger.Logger,
) *Channel {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = def.SendTimeout
	}
	return &Channel{
		transport: transport,
		policy:    policy,
		store:     store,
		audit:     recorder,
		renderer:  renderer,
		opts:      opts,
		logger:    log.WithFields(map[string]interface{}{"channel": string(models.ChannelEmail)}),
		now:       time.Now,
	}
}

// SendBatch delivers to recipients in batches of BatchSize, in order. ctx is
// the stop signal: it is checked before each batch, and sends already in a
// batch finish under their own timeout.
func (c *Channel) SendBatch(ctx context.Context, recipients []models.Recipient, d Delivery) (*BatchResult, error) {
	result := &BatchResult{SkipReasons: make(map[string]int)}
	if len(recipients) == 0 {
		return result, nil
	}
	if d.Type == "" {
		d.Type = models.NotificationDocumentPublished
	}

	rendered, err := c.renderer.Render(d.Document, d.Type)
	if err != nil {
		return nil, apperrors.NewEmailSendFailedError(err)
	}

	log := c.logger.WithFields(map[string]interface{}{"documentId": d.Document.ID})

	for start := 0; start < len(recipients); start += c.opts.BatchSize {
		if ctx.Err() != nil {
			result.Interrupted = len(recipients) - start
			log.Warn("email delivery stopped before batch", map[string]interface{}{
				"batch":       result.Batches + 1,
				"interrupted": result.Interrupted,
			})
			break
		}

		end := start + c.opts.BatchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		result.Batches++

		for _, r := range recipients[start:end] {
			c.sendOne(ctx, r, d, rendered, result)
		}

		log.Debug("email batch processed", map[string]interface{}{
			"batch":   result.Batches,
			"size":    end - start,
			"sent":    result.Sent,
			"skipped": result.Skipped,
			"failed":  result.Failed,
		})
	}

	log.Info("email delivery finished", map[string]interface{}{
		"recipients":  len(recipients),
		"sent":        result.Sent,
		"skipped":     result.Skipped,
		"failed":      result.Failed,
		"interrupted": result.Interrupted,
	})
	return result, nil
}

func (c *Channel) sendOne(ctx context.Context, r models.Recipient, d Delivery, msg *Rendered, result *BatchResult) {
	address := r.EmailAddress()
	if reason, ok := c.policy.Check(address); !ok {
		result.skip(reason)
		c.observe(models.OutcomeSkipped)
		c.logger.Warn("email recipient skipped", map[string]interface{}{
			"recipientId": r.ID(),
			"reason":      string(reason),
		})
		return
	}

	attempt := models.NewDeliveryAttempt(models.ChannelEmail, d.Type, d.Document.ID).ForRecipient(r)
	attempt.DispatchID = d.DispatchID
	attempt.Address = address
	attempt.Title = msg.Subject
	attempt.Body = msg.Text

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.SendTimeout)
	err := c.transport.Send(sendCtx, address, msg)
	cancel()

	if err != nil {
		result.Failed++
		c.observe(models.OutcomeFailed)
		c.audit.Record(ctx, attempt.Failed(err))
		c.logger.Warn("email send failed", map[string]interface{}{
			"recipientId": r.ID(),
			"error":       err,
		})
		return
	}

	result.Sent++
	c.observe(models.OutcomeSent)
	c.audit.Record(ctx, attempt.Succeeded(""))

	if r.Kind() == models.RecipientSubscriber {
		c.markNotified(ctx, r.ID())
	}
}

// markNotified is best effort; a failure is logged and the send still counts.
func (c *Channel) markNotified(ctx context.Context, subscriberID string) {
	updCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.SendTimeout)
	defer cancel()

	if err := c.store.UpdateLastNotified(updCtx, subscriberID, c.now().UTC()); err != nil {
		c.logger.Warn("failed to update subscriber last notified", map[string]interface{}{
			"subscriberId": subscriberID,
			"error":        err,
		})
	}
}

func (c *Channel) observe(outcome models.Outcome) {
	metrics.DeliveryAttempts.WithLabelValues(string(models.ChannelEmail), string(outcome)).Inc()
}
