package correlator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/randalmurphal/correlator/pkg/correlator/correvent"
	"github.com/randalmurphal/correlator/pkg/correlator/ctxstore"
	"github.com/randalmurphal/correlator/pkg/correlator/model"
	"github.com/randalmurphal/correlator/pkg/correlator/observability"
	"github.com/randalmurphal/correlator/pkg/correlator/rule"
	"github.com/randalmurphal/correlator/pkg/correlator/runner"
	"github.com/randalmurphal/correlator/pkg/correlator/wire"
)

// process runs the pipeline for one raw bus item.
//
// Permanent problems (invalid message, unknown item, stale state) end
// the pipeline successfully; other failures are returned, and the
// dispatcher re-enqueues the transient ones and logs the rest.
func (e *Engine) process(ctx context.Context, raw []byte) error {
	item, err := wire.Decode(raw)
	if err != nil {
		observability.LogMessageDropped(e.logger, err.Error())
		return nil
	}

	observability.LogMessageStart(e.logger, item.ID, item.Kind.String())
	msgCtx, span := e.spans.StartMessageSpan(ctx, item.ID, item.Kind.String())
	start := time.Now()

	switch item.Kind {
	case wire.KindEvent:
		err = e.processEvent(msgCtx, item)
	case wire.KindTicket:
		err = e.processTicket(msgCtx, item)
	case wire.KindComputationOrder:
		err = e.processComputationOrder(msgCtx, item)
	default:
		e.logger.Debug("skipping unrecognized item",
			slog.String("msg_id", item.ID))
	}

	duration := time.Since(start)
	e.spans.EndSpanWithError(span, err)
	e.metrics.RecordMessage(ctx, item.Kind.String(), err == nil, duration)
	if err == nil {
		observability.LogMessageComplete(e.logger, item.ID, float64(duration.Milliseconds()))
	}
	return err
}

// processTicket applies an incident-ticket mutation. No rules run.
func (e *Engine) processTicket(ctx context.Context, item *wire.Item) error {
	info := model.TicketInfo{
		Host:      item.Ticket.Host,
		Service:   item.Ticket.Service,
		TicketID:  item.Ticket.TicketID,
		AckStatus: item.Ticket.AckStatus,
	}
	return e.gateway.Run(ctx, func(tx *sqlx.Tx) error {
		return model.HandleTicket(tx, info)
	})
}

// processComputationOrder dispatches an HLS recomputation directly to
// the HLS-dependency rule, bypassing the DAG.
func (e *Engine) processComputationOrder(ctx context.Context, item *wire.Item) error {
	if _, ok := e.dag.Rule(rule.HLSDepsRuleName); !ok {
		e.logger.Warn("the HLS dependency rule must be loaded for computation orders to be handled",
			slog.String("msg_id", item.ID))
		return nil
	}

	// Deduplicate the impacted service names.
	seen := make(map[string]struct{})
	var names []string
	for _, name := range item.ComputationOrder.HLS {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)

	if err := e.store.Set(ctx, item.ID, ctxstore.KeyImpactedHLS, names); err != nil {
		return err
	}
	if err := e.store.Set(ctx, item.ID, ctxstore.KeyHostname, nil); err != nil {
		return err
	}
	if err := e.store.Set(ctx, item.ID, ctxstore.KeyServicename, nil); err != nil {
		return err
	}

	f, err := e.pool.Dispatch(runner.Request{
		RuleName:  rule.HLSDepsRuleName,
		MessageID: item.ID,
		Payload:   item.Payload,
	})
	if err != nil {
		return err
	}
	if err := f.Wait(ctx); err != nil {
		if errors.Is(err, runner.ErrPoolStopped) {
			return err
		}
		observability.LogRuleError(e.logger, rule.HLSDepsRuleName, item.ID, err)
	}
	return nil
}

// processEvent runs the full event pipeline: resolve the item, seed
// the context, persist the state and history, run the rule DAG, apply
// the aggregate transition and republish.
func (e *Engine) processEvent(ctx context.Context, item *wire.Item) error {
	evt := item.Event

	// The sentinel host carries high-level services: null the host and
	// treat the event as targeting an HLS.
	isHLS := e.settings.HLSHost != "" && evt.Host == e.settings.HLSHost
	host := evt.Host
	if isHLS {
		host = ""
	}

	info := model.EventInfo{
		Host:      host,
		Service:   evt.Service,
		State:     evt.State,
		Timestamp: evt.Timestamp,
		Message:   evt.Message,
		TicketID:  evt.TicketID,
		AckStatus: evt.AckStatus,
	}

	// 1. Resolve the supervised item.
	err := e.gateway.Run(ctx, func(tx *sqlx.Tx) error {
		id, err := model.GetSupItem(tx, info.Host, info.Service)
		if err != nil {
			return err
		}
		info.IDSupItem = id
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrUnknownSupItem) {
			observability.LogMessageDropped(e.logger, "unknown supervised item "+info.Host+"/"+info.Service)
			return nil
		}
		return err
	}

	logger := observability.EnrichLogger(e.logger, item.ID, info.IDSupItem)

	// 2. Seed the context with the alert identity.
	seeds := map[string]any{
		ctxstore.KeyHostname:    info.Host,
		ctxstore.KeyServicename: info.Service,
		ctxstore.KeyStatename:   info.State,
		ctxstore.KeyTimestamp:   info.Timestamp,
		ctxstore.KeyIDSupItem:   info.IDSupItem,
	}
	for key, value := range seeds {
		if err := e.store.Set(ctx, item.ID, key, value); err != nil {
			return err
		}
	}

	// 3. Record the state. This step decides whether the state is new.
	var prev model.PreviousState
	err = e.gateway.Run(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		prev, txErr = model.InsertState(tx, info)
		return txErr
	})
	if err != nil {
		var old *model.OldStateError
		if errors.As(err, &old) {
			observability.LogOldState(logger, info.Host, info.Service, old.Current, old.Received)
			return nil
		}
		return err
	}

	// 4. Record the history entry and commit.
	var rawEventID int64
	err = e.gateway.Run(ctx, func(tx *sqlx.Tx) error {
		if info.Host == "" {
			return model.InsertHLSHistory(tx, info)
		}
		var txErr error
		rawEventID, txErr = model.InsertEvent(tx, info, prev)
		return txErr
	})
	if err != nil {
		if errors.Is(err, model.ErrNoProblem) {
			// Nominal state with nothing to correlate.
			logger.Debug("nominal state with no open aggregate, short-circuiting")
			return nil
		}
		return err
	}

	// 5. Seed the remaining context and run the rule DAG.
	if err := e.store.Set(ctx, item.ID, ctxstore.KeyPayload, string(item.Payload)); err != nil {
		return err
	}
	if err := e.store.Set(ctx, item.ID, ctxstore.KeyPreviousState, prev.State); err != nil {
		return err
	}
	if rawEventID != 0 {
		if err := e.store.Set(ctx, item.ID, ctxstore.KeyRawEventID, rawEventID); err != nil {
			return err
		}
	}

	correlStart := time.Now()
	if err := e.exec.run(ctx, logger, item.ID, item.Payload); err != nil {
		var mandatory *MandatoryRuleError
		if errors.As(err, &mandatory) {
			e.logger.Error("correlation failed",
				slog.String("msg_id", item.ID),
				slog.String("error", err.Error()))
			return nil
		}
		return err
	}
	e.recordCorrelTime(time.Since(correlStart))

	// 6. Republish the post-correlation state.
	if err := e.publishState(ctx, item.ID, info); err != nil {
		return err
	}

	// High-level services never produce correlated events.
	if isHLS {
		return nil
	}

	// 7. Apply the aggregate transition and notify.
	outcome, err := e.manager.Process(ctx, item.ID, info)
	if err != nil {
		return err
	}
	if outcome != nil {
		if err := e.publishOutcome(ctx, item.ID, outcome); err != nil {
			return err
		}
	}

	// The context is per-message; drop it once the pipeline is done.
	_ = e.store.Expire(ctx, item.ID)
	return nil
}

// publishState republishes the supervised item's state on the bus.
func (e *Engine) publishState(ctx context.Context, msgID string, info model.EventInfo) error {
	data, err := wire.EncodeState(msgID, wire.State{
		Timestamp: info.Timestamp,
		Host:      info.Host,
		Service:   info.Service,
		State:     info.State,
		Message:   info.Message,
	})
	if err != nil {
		return err
	}
	return e.bus.Publish(ctx, e.settings.SubjectState, data)
}

// publishOutcome emits correvent notifications for a transition.
// An absorption into predecessor aggregates notifies each of them.
func (e *Engine) publishOutcome(ctx context.Context, msgID string, outcome *correvent.Outcome) error {
	switch outcome.Action {
	case correvent.ActionNone:
		return nil
	case correvent.ActionAggregate:
		for _, id := range outcome.Members {
			snap, err := e.manager.Snapshot(ctx, id)
			if err != nil {
				return err
			}
			if err := e.publishCorrevent(ctx, snap); err != nil {
				return err
			}
		}
		return nil
	default:
		return e.publishCorrevent(ctx, outcome)
	}
}

// publishCorrevent emits one correvent notification.
func (e *Engine) publishCorrevent(ctx context.Context, outcome *correvent.Outcome) error {
	data, err := wire.EncodeCorrevent(newMessageID(), wire.Correvent{
		ID:          outcome.ID,
		Cause:       outcome.Cause,
		Priority:    int(outcome.Priority),
		Occurrence:  int(outcome.Occurrence),
		State:       outcome.CauseState,
		Host:        outcome.CauseHost,
		Service:     outcome.CauseService,
		RawEventIDs: outcome.Members,
	})
	if err != nil {
		return err
	}
	return e.bus.Publish(ctx, e.settings.SubjectCorrevent, data)
}
