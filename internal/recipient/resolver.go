package recipient

import (
	"context"
	"strings"

	apperrors "publish-dispatch/internal/common/errors"
	"publish-dispatch/internal/common/logger"
	"publish-dispatch/internal/common/metrics"
	"publish-dispatch/internal/models"
)

// Resolution is the recipient snapshot for one dispatch.
type Resolution struct {
	Push       []models.Recipient
	Email      []models.Recipient
	Rejected   map[Reason]int
	Duplicates int
}

func (r *Resolution) RejectedTotal() int {
	total := 0
	for _, n := range r.Rejected {
		total += n
	}
	return total
}

type Resolver struct {
	store  Store
	policy *DomainPolicy
	logger logger.Logger
}

func NewResolver(store Store, policy *DomainPolicy, log logger.Logger) *Resolver {
	return &Resolver{
		store:  store,
		policy: policy,
		logger: log.WithFields(map[string]interface{}{"component": "recipient_resolver"}),
	}
}

// Resolve builds the push and email sets. Policy rejections are counted and
// never fail resolution; storage errors do.
func (r *Resolver) Resolve(ctx context.Context) (*Resolution, error) {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return nil, apperrors.NewRecipientResolutionFailedError(err)
	}
	subscribers, err := r.store.ListActiveSubscribers(ctx)
	if err != nil {
		return nil, apperrors.NewRecipientResolutionFailedError(err)
	}

	res := &Resolution{Rejected: make(map[Reason]int)}
	seen := make(map[string]struct{})

	addEmail := func(rcpt models.Recipient) {
		reason, ok := r.policy.Check(rcpt.EmailAddress())
		if !ok {
			res.Rejected[reason]++
			return
		}
		key := strings.ToLower(rcpt.EmailAddress())
		if _, dup := seen[key]; dup {
			res.Duplicates++
			return
		}
		seen[key] = struct{}{}
		res.Email = append(res.Email, rcpt)
	}

	for _, a := range accounts {
		if a.HasPushToken() {
			res.Push = append(res.Push, a)
		}
		if a.HasEmail() {
			addEmail(a)
		}
	}
	for _, s := range subscribers {
		if !s.IsActive() {
			continue
		}
		addEmail(s)
	}

	for reason, n := range res.Rejected {
		metrics.RecipientsRejected.WithLabelValues(string(reason)).Add(float64(n))
	}

	r.logger.Info("recipients resolved", map[string]interface{}{
		"accounts":    len(accounts),
		"subscribers": len(subscribers),
		"push":        len(res.Push),
		"email":       len(res.Email),
		"rejected":    res.RejectedTotal(),
		"duplicates":  res.Duplicates,
	})

	return res, nil
}

// Policy is shared with the email channel for its send-time re-check.
func (r *Resolver) Policy() *DomainPolicy {
	return r.policy
}
