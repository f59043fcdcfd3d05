// Package push delivers document notifications to device tokens. Every
// send consults the cooldown limiter first and writes one audit row per
// attempted delivery.
package push

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"publish-dispatch/internal/audit"
	apperrors "publish-dispatch/internal/common/errors"
	"publish-dispatch/internal/common/logger"
	"publish-dispatch/internal/common/metrics"
	"publish-dispatch/internal/models"
	"publish-dispatch/internal/ratelimit"

	"golang.org/x/sync/errgroup"
)

const cooldownKeyPrefix = "push_cooldown:"

type Options struct {
	Cooldown    time.Duration
	SendTimeout time.Duration
	Fanout      int
}

func DefaultOptions() Options {
	return Options{Cooldown: 15 * time.Second, SendTimeout: 10 * time.Second, Fanout: 8}
}

// Result is the outcome for one recipient. Err is set only for OutcomeFailed.
type Result struct {
	RecipientID string
	Outcome     models.Outcome
	MessageID   string
	Err         error
}

type Summary struct {
	Sent        int
	Failed      int
	RateLimited int
	Skipped     int
	// Interrupted counts recipients never started because ctx was done.
	Interrupted int
	Results     []Result
}

func (s *Summary) Attempted() int {
	return s.Sent + s.Failed
}

type Channel struct {
	transport Transport
	limiter   ratelimit.Limiter
	audit     audit.Recorder
	opts      Options
	logger    logger.Logger
}

func NewChannel(transport Transport, limiter ratelimit.Limiter, recorder audit.Recorder, opts Options, log logger.Logger) *Channel {
	def := DefaultOptions()
	if opts.Cooldown <= 0 {
		opts.Cooldown = def.Cooldown
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = def.SendTimeout
	}
	if opts.Fanout <= 0 {
		opts.Fanout = def.Fanout
	}
	return &Channel{
		transport: transport,
		limiter:   limiter,
		audit:     recorder,
		opts:      opts,
		logger:    log.WithFields(map[string]interface{}{"channel": string(models.ChannelPush)}),
	}
}

// RateKey identifies a recipient for the cooldown. The token hash is used
// when the recipient has no id.
func RateKey(r models.Recipient) string {
	if id := r.ID(); id != "" {
		return cooldownKeyPrefix + id
	}
	sum := sha256.Sum256([]byte(r.PushToken()))
	return cooldownKeyPrefix + hex.EncodeToString(sum[:])
}

// Send delivers msg to one recipient. The cooldown entry is written before
// the transport is called. Once started, a send runs to completion bounded
// by SendTimeout even if ctx is cancelled.
func (c *Channel) Send(ctx context.Context, r models.Recipient, msg Message) Result {
	res := Result{RecipientID: r.ID()}
	log := c.logger.WithFields(map[string]interface{}{
		"recipientId": r.ID(),
		"documentId":  msg.DocumentID,
	})

	if !r.HasPushToken() {
		res.Outcome = models.OutcomeSkipped
		c.observe(res.Outcome)
		log.Debug("recipient has no device token", nil)
		return res
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.SendTimeout)
	defer cancel()

	attempt := c.newAttempt(r, msg)

	acquired, err := c.limiter.TryAcquire(sendCtx, RateKey(r), c.opts.Cooldown)
	if err != nil {
		res.Outcome = models.OutcomeFailed
		res.Err = apperrors.NewRateLimitUnavailableError(err)
		c.audit.Record(ctx, attempt.Failed(res.Err))
		c.observe(res.Outcome)
		log.Error("rate limiter unavailable, push not sent", map[string]interface{}{"error": err})
		return res
	}
	if !acquired {
		res.Outcome = models.OutcomeRateLimited
		c.observe(res.Outcome)
		log.Warn("push skipped inside cooldown", map[string]interface{}{"cooldown": c.opts.Cooldown.String()})
		return res
	}

	messageID, err := c.transport.Send(sendCtx, r.PushToken(), msg)
	if err != nil {
		res.Outcome = models.OutcomeFailed
		res.Err = apperrors.NewPushSendFailedError(err)
		c.audit.Record(ctx, attempt.Failed(err))
		c.observe(res.Outcome)
		log.Warn("push send failed", map[string]interface{}{"error": err})
		return res
	}

	res.Outcome = models.OutcomeSent
	res.MessageID = messageID
	c.audit.Record(ctx, attempt.Succeeded(messageID))
	c.observe(res.Outcome)
	log.Debug("push sent", map[string]interface{}{"messageId": messageID})
	return res
}

// SendAll fans msg out to recipients with at most Fanout sends in flight.
// One recipient's failure never affects another. No new send starts after
// ctx is done, including sends already queued behind the fan-out limit.
func (c *Channel) SendAll(ctx context.Context, recipients []models.Recipient, msg Message) *Summary {
	summary := &Summary{}
	if len(recipients) == 0 {
		return summary
	}

	results := make([]Result, len(recipients))
	started := make([]bool, len(recipients))
	dropped := make([]bool, len(recipients))

	var g errgroup.Group
	g.SetLimit(c.opts.Fanout)

	for i, r := range recipients {
		if ctx.Err() != nil {
			break
		}
		started[i] = true
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					results[i] = Result{
						RecipientID: r.ID(),
						Outcome:     models.OutcomeFailed,
						Err:         fmt.Errorf("push send panicked: %v", p),
					}
					c.logger.Error("push send panicked", map[string]interface{}{
						"recipientId": r.ID(),
						"panic":       fmt.Sprint(p),
					})
				}
			}()
			if ctx.Err() != nil {
				dropped[i] = true
				return nil
			}
			results[i] = c.Send(ctx, r, msg)
			return nil
		})
	}
	_ = g.Wait()

	for i, res := range results {
		if !started[i] || dropped[i] {
			summary.Interrupted++
			continue
		}
		switch res.Outcome {
		case models.OutcomeSent:
			summary.Sent++
		case models.OutcomeFailed:
			summary.Failed++
		case models.OutcomeRateLimited:
			summary.RateLimited++
		default:
			summary.Skipped++
		}
		summary.Results = append(summary.Results, res)
	}

	if summary.Interrupted > 0 {
		c.logger.Warn("push fan-out interrupted", map[string]interface{}{
			"documentId":  msg.DocumentID,
			"interrupted": summary.Interrupted,
		})
	}
	return summary
}

func (c *Channel) newAttempt(r models.Recipient, msg Message) *models.DeliveryAttempt {
	attempt := models.NewDeliveryAttempt(models.ChannelPush, msg.Type, msg.DocumentID).ForRecipient(r)
	attempt.DispatchID = msg.DispatchID
	attempt.Token = r.PushToken()
	attempt.Title = msg.Title
	attempt.Body = msg.Body
	if msg.Link != "" {
		attempt.Metadata = map[string]interface{}{"link": msg.Link}
	}
	return attempt
}

func (c *Channel) observe(outcome models.Outcome) {
	metrics.DeliveryAttempts.WithLabelValues(string(models.ChannelPush), string(outcome)).Inc()
}
