// Package forwarder runs one inbound job through parsing, alias resolution,
// policy, rewriting and delivery.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shineum/alias-forwarder/internal/account"
	"github.com/shineum/alias-forwarder/internal/decisionlog"
	"github.com/shineum/alias-forwarder/internal/email"
	"github.com/shineum/alias-forwarder/internal/flags"
	"github.com/shineum/alias-forwarder/internal/job"
	"github.com/shineum/alias-forwarder/internal/metrics"
	"github.com/shineum/alias-forwarder/internal/parser"
	"github.com/shineum/alias-forwarder/internal/policy"
	"github.com/shineum/alias-forwarder/internal/provider"
	"github.com/shineum/alias-forwarder/internal/rewrite"
	"github.com/shineum/alias-forwarder/internal/store"
)

// Options wires a Handler. Store, Provider and Rewriter are required.
type Options struct {
	Store    store.Store
	Provider provider.Provider
	Rewriter *rewrite.Rewriter
	Flags    *flags.Checker

	// Logger receives operational logs.
	Logger *zap.Logger
	// DecisionLogger receives the per-user decision lines, subject to each
	// user's logging flags. Defaults to Logger.
	DecisionLogger *zap.Logger

	Metrics *metrics.Metrics
}

// Handler processes jobs. It holds no per-job state and is safe for
// concurrent use.
type Handler struct {
	store     store.Store
	provider  provider.Provider
	rewriter  *rewrite.Rewriter
	flags     *flags.Checker
	parser    *parser.Parser
	logger    *zap.Logger
	decisions *zap.Logger
	metrics   *metrics.Metrics
}

// New creates a Handler.
func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	decisions := opts.DecisionLogger
	if decisions == nil {
		decisions = logger
	}
	checker := opts.Flags
	if checker == nil {
		checker = flags.NewChecker(nil)
	}
	return &Handler{
		store:     opts.Store,
		provider:  opts.Provider,
		rewriter:  opts.Rewriter,
		flags:     checker,
		parser:    parser.New(logger),
		logger:    logger.With(zap.String("component", "forwarder")),
		decisions: decisions,
		metrics:   opts.Metrics,
	}
}

// Handle processes j. The message is parsed once and each distinct envelope
// recipient is evaluated on its own; a failure for one recipient never stops
// the others. The returned error, if any, is an *Error.
func (h *Handler) Handle(ctx context.Context, j *job.Job) error {
	started := time.Now()
	recipients := j.To.Unique()
	log := h.logger.With(zap.String("job_id", j.ID))

	msg, err := h.parser.Parse(j.Data)
	if err != nil {
		log.Warn("rejecting unparseable message", zap.Error(err))
		h.metrics.RecordJob("rejected", len(recipients), started)
		return &Error{JobID: j.ID, Retryable: false, Err: err}
	}

	var errs error
	for _, rcpt := range recipients {
		if err := h.handleRecipient(ctx, log, j, msg, rcpt); err != nil {
			log.Error("recipient failed", zap.String("recipient", rcpt), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}

	if errs != nil {
		h.metrics.RecordJob("retry", len(recipients), started)
		return &Error{JobID: j.ID, Retryable: true, Err: errs}
	}

	h.metrics.RecordJob("ok", len(recipients), started)
	log.Debug("job processed",
		zap.Int("recipients", len(recipients)),
		zap.Duration("duration", time.Since(started)),
	)
	return nil
}

func (h *Handler) handleRecipient(ctx context.Context, log *zap.Logger, j *job.Job, msg *email.Message, rcpt string) error {
	alias, err := h.resolve(ctx, rcpt)
	if err != nil {
		return err
	}
	if alias == nil {
		log.Debug("no alias for recipient", zap.String("recipient", rcpt))
		return nil
	}

	user, err := h.store.GetUser(ctx, alias.UserID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("alias owner not found",
			zap.String("alias_id", alias.ID),
			zap.String("user_id", alias.UserID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading owner of alias %s: %w", alias.ID, err)
	}

	dlog := decisionlog.New(
		h.decisions.With(zap.String("job_id", j.ID)),
		decisionlog.Resolve(h.flags, user),
	)

	decision := policy.Decide(alias, j.From)
	h.metrics.RecordDecision(decision.Outcome.String())
	log.Debug("recipient decided",
		zap.String("alias_id", alias.ID),
		zap.Stringer("outcome", decision.Outcome),
		zap.String("reason", decision.Reason),
	)

	switch decision.Outcome {
	case policy.Forward:
		out := h.rewriter.Build(msg, j.From, alias, user)
		if err := h.provider.Send(ctx, out); err != nil {
			h.metrics.RecordDispatchError(h.provider.Name())
			return fmt.Errorf("sending to owner of alias %s via %s: %w", alias.ID, h.provider.Name(), err)
		}
		// The user only hears about a forward that was handed to the transport.
		dlog.Forwarding(j.From, user.Email, alias.Address, j.Data)
		h.increment(ctx, log, alias.ID, account.MetricForwarded)

	case policy.BlockSender:
		dlog.Blocking(j.From, user.Email, j.Data)
		h.increment(ctx, log, alias.ID, account.MetricBlocked)

	case policy.DiscardDisabled:
		dlog.Discarding(j.From, alias.Address, j.Data)
		h.increment(ctx, log, alias.ID, account.MetricBlocked)
	}

	return nil
}

// resolve returns the alias for address, or nil when there is none.
func (h *Handler) resolve(ctx context.Context, address string) (*account.Alias, error) {
	alias, err := h.store.ResolveAlias(ctx, address)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving alias %s: %w", address, err)
	}
	return alias, nil
}

// increment records a counter. The decision has already taken effect, so a
// failure here is logged and not returned.
func (h *Handler) increment(ctx context.Context, log *zap.Logger, aliasID string, kind account.MetricKind) {
	if err := h.store.IncrementMetric(ctx, aliasID, kind); err != nil {
		log.Error("failed to record metric",
			zap.String("alias_id", aliasID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}
