package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"publish-dispatch/internal/audit"
	"publish-dispatch/internal/channel/email"
	"publish-dispatch/internal/channel/push"
	apperrors "publish-dispatch/internal/common/errors"
	"publish-dispatch/internal/common/logger"
	"publish-dispatch/internal/common/metrics"
	"publish-dispatch/internal/common/observability"
	"publish-dispatch/internal/models"
	"publish-dispatch/internal/recipient"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

type Resolver interface {
	Resolve(ctx context.Context) (*recipient.Resolution, error)
}

type PushSender interface {
	SendAll(ctx context.Context, recipients []models.Recipient, msg push.Message) *push.Summary
}

type EmailSender interface {
	SendBatch(ctx context.Context, recipients []models.Recipient, d email.Delivery) (*email.BatchResult, error)
}

// AttemptHistory answers which recipients already have a successful row for
// a dispatch, so a resumed request does not resend to them.
type AttemptHistory interface {
	Query(ctx context.Context, filter audit.Filter) ([]models.DeliveryAttempt, error)
}

type Options struct {
	MaxAttempts   int
	Backoff       []time.Duration
	DeepLinkBase  string
	PushBodyLimit int
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		Backoff:     []time.Duration{10 * time.Second, 60 * time.Second, 120 * time.Second},
	}
}

// BackoffFor returns the wait after the given failed attempt (1-based). The
// last entry is reused once the schedule runs out.
func (o Options) BackoffFor(attempt int) time.Duration {
	if len(o.Backoff) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(o.Backoff) {
		return o.Backoff[len(o.Backoff)-1]
	}
	return o.Backoff[attempt-1]
}

// Summary is what one delivery pass did. A nil channel summary means the
// channel did not run.
type Summary struct {
	Push            *push.Summary
	Email           *email.BatchResult
	PushErr         error
	EmailErr        error
	AlreadyNotified int
	Rejected        map[recipient.Reason]int
	Interrupted     bool
}

type Coordinator struct {
	store    RequestStore
	resolver Resolver
	push     PushSender
	email    EmailSender
	history  AttemptHistory
	obs      *observability.Observability
	opts     Options
	logger   logger.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(
	store RequestStore,
	resolver Resolver,
	pushSender PushSender,
	emailSender EmailSender,
	history AttemptHistory,
	obs *observability.Observability,
	opts Options,
	log logger.Logger,
) *Coordinator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultOptions().Backoff
	}
	return &Coordinator{
		store:    store,
		resolver: resolver,
		push:     pushSender,
		email:    emailSender,
		history:  history,
		obs:      obs,
		opts:     opts,
		logger:   log.WithFields(map[string]interface{}{"component": "dispatch_coordinator"}),
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ValidateSnapshot checks the fields a dispatch cannot do without.
func ValidateSnapshot(req *models.DispatchRequest) error {
	doc := req.Snapshot
	var missing []string
	if strings.TrimSpace(doc.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(doc.Title) == "" {
		missing = append(missing, "title")
	}
	if req.Kind == models.KindPublished && doc.PublishedAt == nil {
		missing = append(missing, "published_at")
	}
	if len(missing) > 0 {
		return apperrors.NewDocumentInvalidError(doc.ID, "missing "+strings.Join(missing, ", "))
	}
	return nil
}

// Dispatch drives req to a terminal state. ctx is the stop signal: when it
// is cancelled the request is left pending or delivering for Resume. A lost
// claim returns nil; another worker owns the request.
func (c *Coordinator) Dispatch(ctx context.Context, req *models.DispatchRequest) (err error) {
	if ctx.Err() != nil {
		return nil
	}

	start := time.Now()
	log := c.logger.WithFields(map[string]interface{}{
		"dispatchRequestId": req.ID.String(),
		"documentId":        req.DocumentID,
		"kind":              string(req.Kind),
	})

	spanCtx, span := c.obs.StartSpan(ctx, "dispatch.Dispatch",
		attribute.String("dispatch.id", req.ID.String()),
		attribute.String("document.id", req.DocumentID),
		attribute.String("dispatch.kind", string(req.Kind)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("dispatch.state", string(req.State)))
		span.End()
		c.obs.RecordDispatch(context.WithoutCancel(ctx), string(req.Kind), string(req.State), time.Since(start))
		if req.State.IsTerminal() {
			metrics.DispatchDuration.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())
		}
	}()

	err = c.run(spanCtx, req, log)
	if errors.Is(err, ErrClaimLost) {
		log.Info("dispatch request claimed by another worker", map[string]interface{}{"error": err})
		return nil
	}
	return err
}

func (c *Coordinator) run(ctx context.Context, req *models.DispatchRequest, log logger.Logger) error {
	switch req.State {
	case models.StateDelivering:
		return c.resume(ctx, req, log)

	case models.StateResolving:
		// A crash between claim and resolution; hand it back to the loop.
		if err := c.transition(ctx, req, models.StatePending, nil); err != nil {
			return err
		}

	case models.StatePending:

	default:
		log.Debug("dispatch request already finished", map[string]interface{}{"state": string(req.State)})
		return nil
	}

	if verr := ValidateSnapshot(req); verr != nil {
		if err := c.transition(ctx, req, models.StateFailed, func(r *models.DispatchRequest) {
			r.LastError = verr.Error()
		}); err != nil {
			return err
		}
		log.Error("dispatch request rejected", map[string]interface{}{"error": verr})
		return verr
	}

	for {
		if err := c.transition(ctx, req, models.StateResolving, func(r *models.DispatchRequest) {
			r.Attempts++
		}); err != nil {
			return err
		}

		res, rerr := c.resolve(ctx, req)
		if rerr == nil {
			if err := c.transition(ctx, req, models.StateDelivering, func(r *models.DispatchRequest) {
				r.LastError = ""
			}); err != nil {
				return err
			}
			return c.deliverAndComplete(ctx, req, res, false, log)
		}

		// A stop during resolution does not use up the attempt.
		if ctx.Err() != nil {
			if err := c.transition(ctx, req, models.StatePending, func(r *models.DispatchRequest) {
				r.Attempts--
				r.LastError = rerr.Error()
			}); err != nil {
				return err
			}
			log.Info("stopped during resolution, request left pending", map[string]interface{}{"error": rerr})
			return nil
		}

		if req.Attempts >= c.opts.MaxAttempts || !apperrors.IsRetryable(rerr) {
			return c.fail(ctx, req, rerr, log)
		}

		wait := c.opts.BackoffFor(req.Attempts)
		if err := c.transition(ctx, req, models.StatePending, func(r *models.DispatchRequest) {
			r.LastError = rerr.Error()
		}); err != nil {
			return err
		}
		log.Warn("recipient resolution failed, retrying", map[string]interface{}{
			"attempt": req.Attempts,
			"backoff": wait.String(),
			"error":   rerr,
		})

		if err := c.sleep(ctx, wait); err != nil {
			log.Info("stopped during backoff, request left pending", nil)
			return nil
		}
	}
}

// resume re-resolves a request that was already delivering. Resolution
// retries on the same schedule as a fresh request; sends that already
// succeeded are skipped.
func (c *Coordinator) resume(ctx context.Context, req *models.DispatchRequest, log logger.Logger) error {
	log.Info("resuming delivery", map[string]interface{}{"attempts": req.Attempts})

	for attempt := 1; ; attempt++ {
		if err := c.transition(ctx, req, models.StateDelivering, func(r *models.DispatchRequest) {
			r.Attempts++
		}); err != nil {
			return err
		}

		res, rerr := c.resolve(ctx, req)
		if rerr == nil {
			return c.deliverAndComplete(ctx, req, res, true, log)
		}
		if ctx.Err() != nil {
			log.Info("stopped during resume resolution, request left delivering", map[string]interface{}{"error": rerr})
			return nil
		}
		if attempt >= c.opts.MaxAttempts || !apperrors.IsRetryable(rerr) {
			return c.fail(ctx, req, rerr, log)
		}

		wait := c.opts.BackoffFor(attempt)
		if err := c.transition(ctx, req, models.StateDelivering, func(r *models.DispatchRequest) {
			r.LastError = rerr.Error()
		}); err != nil {
			return err
		}
		log.Warn("resume resolution failed, retrying", map[string]interface{}{
			"attempt": attempt,
			"backoff": wait.String(),
			"error":   rerr,
		})
		if err := c.sleep(ctx, wait); err != nil {
			log.Info("stopped during backoff, request left delivering", nil)
			return nil
		}
	}
}

func (c *Coordinator) resolve(ctx context.Context, req *models.DispatchRequest) (*recipient.Resolution, error) {
	resolveCtx, span := c.obs.StartSpan(ctx, "dispatch.resolve", attribute.Int("dispatch.attempt", req.Attempts))
	defer span.End()

	res, err := c.resolver.Resolve(resolveCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// fail parks req as failed and raises the operator alert.
func (c *Coordinator) fail(ctx context.Context, req *models.DispatchRequest, cause error, log logger.Logger) error {
	if err := c.transition(ctx, req, models.StateFailed, func(r *models.DispatchRequest) {
		r.LastError = cause.Error()
	}); err != nil {
		return err
	}
	log.Error("dispatch request failed permanently", map[string]interface{}{
		"attempts": req.Attempts,
		"state":    string(req.State),
		"error":    cause,
		"alert":    "operator_action_required",
	})
	return apperrors.NewDispatchExhaustedError(req.Attempts, cause)
}

func (c *Coordinator) deliverAndComplete(ctx context.Context, req *models.DispatchRequest, res *recipient.Resolution, resume bool, log logger.Logger) error {
	summary := c.deliver(ctx, req, res, resume, log)

	fields := summaryFields(summary)
	if summary.Interrupted || ctx.Err() != nil {
		log.Warn("delivery interrupted, request left delivering", fields)
		return nil
	}

	if err := c.transition(ctx, req, models.StateCompleted, nil); err != nil {
		return err
	}
	log.Info("dispatch completed", fields)
	return nil
}

// deliver runs push and email side by side. A panic or error in one channel
// is recorded on the summary and never stops the other.
func (c *Coordinator) deliver(ctx context.Context, req *models.DispatchRequest, res *recipient.Resolution, resume bool, log logger.Logger) *Summary {
	summary := &Summary{Rejected: res.Rejected}
	pushRecipients, emailRecipients := res.Push, res.Email
	if req.Kind == models.KindUpdated {
		emailRecipients = nil
	}

	if resume {
		done := c.alreadyNotified(ctx, req, log)
		before := len(pushRecipients) + len(emailRecipients)
		pushRecipients = withoutNotified(pushRecipients, done[models.ChannelPush])
		emailRecipients = withoutNotified(emailRecipients, done[models.ChannelEmail])
		summary.AlreadyNotified = before - len(pushRecipients) - len(emailRecipients)
	}

	doc := req.Snapshot
	notificationType := req.Kind.NotificationType()

	var g errgroup.Group

	g.Go(func() error {
		defer recoverChannel(&summary.PushErr, "push", log)
		pctx, span := c.obs.StartSpan(ctx, "dispatch.push", attribute.Int("recipients", len(pushRecipients)))
		defer span.End()

		msg := push.BuildMessage(&doc, notificationType, push.MessageOptions{
			DeepLinkBase: c.opts.DeepLinkBase,
			BodyLimit:    c.opts.PushBodyLimit,
		})
		msg.DispatchID = &req.ID
		summary.Push = c.push.SendAll(pctx, pushRecipients, msg)
		return nil
	})

	if req.Kind != models.KindUpdated {
		g.Go(func() error {
			defer recoverChannel(&summary.EmailErr, "email", log)
			ectx, span := c.obs.StartSpan(ctx, "dispatch.email", attribute.Int("recipients", len(emailRecipients)))
			defer span.End()

			result, err := c.email.SendBatch(ectx, emailRecipients, email.Delivery{
				DispatchID: &req.ID,
				Document:   &doc,
				Type:       notificationType,
			})
			if err != nil {
				span.RecordError(err)
				summary.EmailErr = err
				return nil
			}
			summary.Email = result
			return nil
		})
	}

	_ = g.Wait()

	if summary.Push != nil {
		summary.Interrupted = summary.Interrupted || summary.Push.Interrupted > 0
		c.obs.RecordDeliveries(ctx, "push", "sent", summary.Push.Sent)
		c.obs.RecordDeliveries(ctx, "push", "failed", summary.Push.Failed)
		c.obs.RecordDeliveries(ctx, "push", "rate_limited", summary.Push.RateLimited)
	}
	if summary.Email != nil {
		summary.Interrupted = summary.Interrupted || summary.Email.Interrupted > 0
		c.obs.RecordDeliveries(ctx, "email", "sent", summary.Email.Sent)
		c.obs.RecordDeliveries(ctx, "email", "failed", summary.Email.Failed)
		c.obs.RecordDeliveries(ctx, "email", "skipped", summary.Email.Skipped)
	}
	return summary
}

func recoverChannel(target *error, channel string, log logger.Logger) {
	if p := recover(); p != nil {
		*target = fmt.Errorf("%s channel panicked: %v", channel, p)
		log.Error("channel panicked", map[string]interface{}{
			"channel": channel,
			"panic":   fmt.Sprint(p),
		})
	}
}

// alreadyNotified pages through successful rows for req. A history error
// is logged and treated as "nothing sent yet".
func (c *Coordinator) alreadyNotified(ctx context.Context, req *models.DispatchRequest, log logger.Logger) map[models.Channel]map[string]bool {
	done := map[models.Channel]map[string]bool{
		models.ChannelPush:  {},
		models.ChannelEmail: {},
	}
	if c.history == nil {
		return done
	}

	success := true
	for offset := 0; ; offset += audit.MaxQueryLimit {
		rows, err := c.history.Query(ctx, audit.Filter{
			DispatchID: &req.ID,
			Success:    &success,
			Limit:      audit.MaxQueryLimit,
			Offset:     offset,
		})
		if err != nil {
			log.Warn("delivery history unavailable, resuming without skip list", map[string]interface{}{"error": err})
			return done
		}
		for _, row := range rows {
			if row.RecipientID != nil && done[row.Channel] != nil {
				done[row.Channel][*row.RecipientID] = true
			}
		}
		if len(rows) < audit.MaxQueryLimit {
			return done
		}
	}
}

func withoutNotified(recipients []models.Recipient, done map[string]bool) []models.Recipient {
	if len(done) == 0 {
		return recipients
	}
	out := make([]models.Recipient, 0, len(recipients))
	for _, r := range recipients {
		if !done[r.ID()] {
			out = append(out, r)
		}
	}
	return out
}

// transition writes are detached from the stop signal so a shutdown never
// leaves the stored state behind the work already done.
func (c *Coordinator) transition(ctx context.Context, req *models.DispatchRequest, to models.DispatchState, mutate func(*models.DispatchRequest)) error {
	if err := c.store.Transition(context.WithoutCancel(ctx), req, to, mutate); err != nil {
		if errors.Is(err, ErrClaimLost) || errors.Is(err, models.ErrIllegalTransition) {
			return err
		}
		return apperrors.NewStorageUnavailableError("dispatch_requests", err)
	}
	metrics.DispatchRequests.WithLabelValues(string(req.Kind), string(to)).Inc()
	return nil
}

func summaryFields(s *Summary) map[string]interface{} {
	fields := map[string]interface{}{"alreadyNotified": s.AlreadyNotified}
	if s.Push != nil {
		fields["pushSent"] = s.Push.Sent
		fields["pushFailed"] = s.Push.Failed
		fields["pushRateLimited"] = s.Push.RateLimited
	}
	if s.Email != nil {
		fields["emailSent"] = s.Email.Sent
		fields["emailSkipped"] = s.Email.Skipped
		fields["emailFailed"] = s.Email.Failed
	}
	for reason, n := range s.Rejected {
		fields["rejected_"+string(reason)] = n
	}
	if s.PushErr != nil {
		fields["pushError"] = s.PushErr.Error()
	}
	if s.EmailErr != nil {
		fields["emailError"] = s.EmailErr.Error()
	}
	return fields
}
