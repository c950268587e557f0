// Package subscription manages per-machine billing subscriptions for
// catalogs: fan-out creation, activation polling, resource attach and
// teardown.
package subscription

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vd-catalogd.io/catalogd/internal/billing"
	"vd-catalogd.io/catalogd/internal/broker"
	apperrors "vd-catalogd.io/catalogd/internal/pkg/errors"
)

// maxPollInterval caps the doubling backoff while waiting for
// activation.
const maxPollInterval = 5 * time.Second

// Workflow runs subscription operations against the billing service.
type Workflow struct {
	client       *billing.Client
	pollInterval time.Duration
	pollDeadline time.Duration
}

// NewWorkflow builds a subscription workflow. pollInterval is the base
// interval for activation polling; pollDeadline bounds the whole wait.
func NewWorkflow(client *billing.Client, pollInterval, pollDeadline time.Duration) *Workflow {
	return &Workflow{
		client:       client,
		pollInterval: pollInterval,
		pollDeadline: pollDeadline,
	}
}

// errNotConfigured is returned by operations that need the billing
// service when no endpoint is configured. Teardown paths skip instead.
func errNotConfigured() error {
	return apperrors.NewConfigurationError("billing.endpoint", "billing service is not configured")
}

// Bundles lists the product bundles available for subscription.
func (w *Workflow) Bundles(ctx context.Context) ([]billing.ProductBundle, error) {
	if w.client == nil {
		return nil, errNotConfigured()
	}
	return w.client.ListBundles(ctx)
}

// Subscribe creates one subscription per machine, waits for all of
// them to activate and attaches each to its machine.
//
// expectedCount is the catalog's machine count; a differing machine
// list aborts before anything is created. A failed creation or
// attachment for one machine does not stop the others; each failure is
// logged and the count checks at the end report the shortfall.
// Attachment is keyed by host name.
func (w *Workflow) Subscribe(ctx context.Context, log *zap.Logger, bundleID string, expectedCount int, machines []broker.Machine) ([]billing.Subscription, error) {
	if w.client == nil {
		return nil, errNotConfigured()
	}
	if len(machines) != expectedCount {
		return nil, &apperrors.CountMismatchError{
			What: "machines in catalog",
			Want: expectedCount,
			Got:  len(machines),
		}
	}

	byHost := make(map[string]broker.Machine, len(machines))
	for _, m := range machines {
		byHost[m.HostName()] = m
	}

	subs := make([]billing.Subscription, 0, len(machines))
	for _, m := range machines {
		log.Debug("creating subscription",
			zap.String("bundle", bundleID),
			zap.String("host", m.HostName()))
		sub, err := w.client.CreateSubscription(ctx, bundleID, m.HostName())
		if err != nil {
			log.Error("subscription not created",
				zap.String("bundle", bundleID),
				zap.String("host", m.HostName()),
				zap.Error(err))
			continue
		}
		subs = append(subs, sub)
	}
	if len(subs) != expectedCount {
		return subs, &apperrors.CountMismatchError{
			What: "created subscriptions",
			Want: expectedCount,
			Got:  len(subs),
		}
	}

	if err := w.WaitActive(ctx, log, subs); err != nil {
		return subs, err
	}

	attached := 0
	for _, sub := range subs {
		m, ok := byHost[sub.HostName]
		if !ok {
			log.Error("no machine for subscription host",
				zap.String("host", sub.HostName),
				zap.String("subscription", sub.UUID.String()))
			continue
		}
		if _, err := w.client.AttachResource(ctx, sub.UUID, m.VMResourceID, m.Name); err != nil {
			log.Error("subscription not attached",
				zap.String("host", sub.HostName),
				zap.String("subscription", sub.UUID.String()),
				zap.Error(err))
			continue
		}
		attached++
	}
	if attached != len(subs) {
		return subs, &apperrors.CountMismatchError{
			What: "attached subscriptions",
			Want: len(subs),
			Got:  attached,
		}
	}
	return subs, nil
}

// WaitActive polls until none of the given subscriptions is still NEW.
// The interval starts at the configured base and doubles up to a cap;
// exceeding the deadline returns ErrProvisioningTimedOut.
func (w *Workflow) WaitActive(ctx context.Context, log *zap.Logger, subs []billing.Subscription) error {
	pending := make(map[uuid.UUID]struct{}, len(subs))
	for _, sub := range subs {
		if sub.State == billing.StateNew {
			pending[sub.UUID] = struct{}{}
		}
	}
	if len(pending) == 0 {
		return nil
	}

	deadline := time.Now().Add(w.pollDeadline)
	interval := w.pollInterval
	for {
		if time.Now().After(deadline) {
			log.Error("subscriptions did not activate before deadline",
				zap.Int("pending", len(pending)))
			return apperrors.ErrProvisioningTimedOut
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		all, err := w.client.ListSubscriptions(ctx)
		if err != nil {
			return err
		}
		for _, sub := range all {
			if _, ok := pending[sub.UUID]; ok && sub.State != billing.StateNew {
				delete(pending, sub.UUID)
			}
		}
		if len(pending) == 0 {
			return nil
		}
		log.Debug("waiting for subscriptions to activate",
			zap.Int("pending", len(pending)),
			zap.Duration("next_poll", interval))

		interval *= 2
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}

// Unsubscribe deletes the non-expired subscriptions of a catalog's
// machines. Reports whether any subscription was deleted; per-machine
// anomalies (no subscription, duplicates) are logged and skipped so the
// rest of the teardown proceeds.
func (w *Workflow) Unsubscribe(ctx context.Context, log *zap.Logger, catalogName string, machines []broker.Machine) (bool, error) {
	if w.client == nil {
		log.Warn("billing service not configured, nothing to unsubscribe")
		return false, nil
	}
	all, err := w.client.ListSubscriptions(ctx)
	if err != nil {
		return false, err
	}

	var catalogSubs []billing.Subscription
	for _, sub := range all {
		if sub.HostName != "" && strings.HasPrefix(sub.HostName, catalogName) && sub.State != billing.StateExpired {
			catalogSubs = append(catalogSubs, sub)
		}
	}
	if len(catalogSubs) != len(machines) {
		log.Error("machine and subscription counts differ",
			zap.Int("machines", len(machines)),
			zap.Int("subscriptions", len(catalogSubs)))
	}

	deleted := false
	for _, m := range machines {
		host := m.HostName()
		var matches []billing.Subscription
		for _, sub := range catalogSubs {
			if sub.HostName == host {
				matches = append(matches, sub)
			}
		}
		if len(matches) != 1 {
			log.Error("unexpected subscription count for machine",
				zap.String("host", host),
				zap.Int("matches", len(matches)))
		}
		if len(matches) == 0 {
			continue
		}
		if err := w.client.DeleteSubscription(ctx, matches[0].UUID); err != nil {
			return deleted, err
		}
		deleted = true
	}
	return deleted, nil
}
