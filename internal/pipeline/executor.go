// Package pipeline implements the Batch Execution Pipeline: for each
// enabled rule, query the provider, page through candidates, evaluate the
// rule's full condition list, aggregate matched ids by action, and flush
// actions in bounded chunks.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/email-management-platform/backend/gmail-automation/internal/compiler"
	"github.com/email-management-platform/backend/gmail-automation/internal/errkind"
	"github.com/email-management-platform/backend/gmail-automation/internal/labels"
	"github.com/email-management-platform/backend/gmail-automation/internal/models"
	"github.com/email-management-platform/backend/gmail-automation/internal/router"
	"github.com/email-management-platform/backend/gmail-automation/pkg/provider"
)

const (
	defaultChunkSize  = 500
	defaultMaxResults = 500
)

// Config controls the executor's batching and concurrency behavior.
type Config struct {
	ChunkSize              int  // actions flushed per provider call; default 500
	DetailFetchConcurrency int  // bound on concurrent GetMessage calls per page; default 1 (sequential)
	AllowDeletePermanent   bool // gates delete_permanent actions, see SPEC_FULL.md §9
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.DetailFetchConcurrency <= 0 {
		c.DetailFetchConcurrency = 1
	}
	return c
}

// ProgressFunc is invoked after each rule completes its scan, before
// actions for that rule are aggregated, so a caller can drive a progress
// tracker without the executor depending on internal/progress directly.
type ProgressFunc func(ruleIndex, ruleCount int, rule models.Rule)

// detailPipelines are the router candidates a scan chooses between: a
// cheap metadata-only fetch and a full-body fetch, picked per rule by
// whether its compiled query left any condition needing the body.
var detailPipelines = []router.Pipeline{
	{Name: "metadata", PredictedCostUSD: 0.0001, PredictedLatency: 10 * time.Millisecond, PredictedQuality: 0.7},
	{Name: "full", PredictedCostUSD: 0.01, PredictedLatency: 200 * time.Millisecond, PredictedQuality: 1.0},
}

// choosePipeline asks the Intelligence Router to pick a detail format:
// a full-body fetch satisfies any quality bar, while a metadata-only
// fetch is the only candidate within the tight cost bound used when no
// condition needs the body.
func choosePipeline(needsBody bool) router.Decision {
	constraints := router.Constraints{}
	if needsBody {
		constraints.MinQuality = 0.9
	} else {
		constraints.MaxCostUSD = 0.0005
	}
	decision, err := router.Choose(detailPipelines, constraints)
	if err != nil {
		return router.Decision{Selected: detailPipelines[len(detailPipelines)-1]}
	}
	return decision
}

// pendingAction accumulates the ids an action applies to across every
// rule that names it, keyed by Action.Key() so two rules adding the
// same label (or both trashing) flush once, deduplicated.
type pendingAction struct {
	action models.Action
	ids    map[string]struct{}
}

// Executor runs a set of rules against a provider.
type Executor struct {
	provider provider.Provider
	labels   *labels.Resolver
	cfg      Config
	log      *zap.Logger
	metrics  *metrics
}

// New constructs an Executor.
func New(p provider.Provider, resolver *labels.Resolver, cfg Config, log *zap.Logger) *Executor {
	return &Executor{
		provider: p,
		labels:   resolver,
		cfg:      cfg.withDefaults(),
		log:      log,
		metrics:  newMetrics(),
	}
}

// Run executes every enabled rule in rules, in order, against the
// provider, then flushes every matched action exactly once across the
// whole rule set, and returns the aggregated Run Summary. A rule's
// matched ids are accumulated into a single action-key bucket alongside
// every other rule naming the same action, rather than flushed
// per-rule, so two rules that both trash (or both add the same label)
// issue one deduplicated provider call instead of two overlapping ones.
// dryRun skips the flush step entirely: actions are recorded in the
// summary as planned, never sent to the provider. Cancellation is
// checked at three points per spec: before a detail fetch, before
// action aggregation, and before advancing to the next page; ctx.Err()
// is also checked between rules and before the final flush pass.
func (e *Executor) Run(ctx context.Context, rules []models.Rule, dryRun bool, onProgress ProgressFunc) (*models.RunSummary, error) {
	summary := models.NewRunSummary(dryRun)

	enabled := make([]models.Rule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}

	pending := map[string]*pendingAction{}
	var order []string
	matchedAny := map[string]struct{}{}

	for _, rule := range rules {
		if ctx.Err() != nil {
			return summary, errkind.Wrap(errkind.Cancelled, "Run", ctx.Err())
		}
		if !rule.Enabled {
			continue
		}

		e.metrics.rulesEvaluated.Inc()
		matchedIDs, err := e.scanRule(ctx, rule, summary)
		if err != nil {
			if errkind.Classify(err) == errkind.Cancelled {
				return summary, err
			}
			summary.Errors = append(summary.Errors, models.RunError{
				RuleID: rule.ID, ErrorType: errkind.Classify(err).String(), Details: err.Error(),
			})
			continue
		}

		summary.RulesAppliedCounts[rule.ID] = len(matchedIDs)
		for _, id := range matchedIDs {
			matchedAny[id] = struct{}{}
		}
		summary.EmailsMatchingAnyRule = len(matchedAny)

		if onProgress != nil {
			onProgress(indexOf(rule, enabled), len(enabled), rule)
		}

		if ctx.Err() != nil {
			return summary, errkind.Wrap(errkind.Cancelled, "Run", ctx.Err())
		}

		e.aggregateActions(rule, matchedIDs, pending, &order)
	}

	if ctx.Err() != nil {
		return summary, errkind.Wrap(errkind.Cancelled, "Run", ctx.Err())
	}

	if err := e.flushPending(ctx, pending, order, dryRun, summary); err != nil {
		return summary, err
	}

	return summary, nil
}

func indexOf(r models.Rule, rules []models.Rule) int {
	for i, candidate := range rules {
		if candidate.ID == r.ID {
			return i
		}
	}
	return 0
}

// scanRule pages through a rule's compiled query, evaluates its full
// condition list on every candidate, and returns the ids that matched.
func (e *Executor) scanRule(ctx context.Context, rule models.Rule, summary *models.RunSummary) ([]string, error) {
	compiled := compiler.Compile(rule)

	decision := choosePipeline(compiled.NeedsBody)
	summary.PipelineSelected = decision.Selected.Name

	format := models.FormatMetadata
	if decision.Selected.Name == "full" {
		format = models.FormatFull
	}

	var matched []string
	pageToken := ""
	for {
		if ctx.Err() != nil {
			return matched, errkind.Wrap(errkind.Cancelled, "scanRule", ctx.Err())
		}

		list, err := e.provider.ListMessages(ctx, compiled.ServerQuery, defaultMaxResults, pageToken)
		if err != nil {
			return matched, err
		}
		summary.TotalEmailsScanned += len(list.Messages)
		e.metrics.emailsScanned.Add(float64(len(list.Messages)))

		ids := make([]string, len(list.Messages))
		for i, m := range list.Messages {
			ids[i] = m.ID
		}

		if compiled.NeedsDetails {
			if ctx.Err() != nil {
				return matched, errkind.Wrap(errkind.Cancelled, "scanRule", ctx.Err())
			}
			results, err := runWorkerPool(ctx, ids, e.cfg.DetailFetchConcurrency, func(ctx context.Context, id string) (bool, error) {
				email, err := e.provider.GetMessage(ctx, id, format)
				if err != nil {
					return false, err
				}
				return compiler.Evaluate(rule, email), nil
			})
			if err != nil {
				return matched, err
			}
			for _, r := range results {
				if r.err != nil {
					summary.Errors = append(summary.Errors, models.RunError{
						RuleID: rule.ID, EmailID: r.id, ErrorType: errkind.Classify(r.err).String(), Details: r.err.Error(),
					})
					continue
				}
				if r.matched {
					matched = append(matched, r.id)
				}
			}
		} else {
			// Server query alone is authoritative: every returned id
			// already satisfies the rule.
			matched = append(matched, ids...)
		}

		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}

	return matched, nil
}

// aggregateActions buckets rule's matched ids into pending by action
// key, creating a bucket and recording its first-seen order the first
// time a key is named. Nothing is flushed here; that happens once, for
// every rule, after the whole rule loop completes.
func (e *Executor) aggregateActions(rule models.Rule, matchedIDs []string, pending map[string]*pendingAction, order *[]string) {
	if len(matchedIDs) == 0 {
		return
	}

	for _, action := range rule.Actions {
		if !action.Valid() {
			if e.log != nil {
				e.log.Warn("dropping invalid action", zap.String("rule_id", rule.ID), zap.String("action_type", string(action.Type)))
			}
			continue
		}
		if action.Type == models.ActionDeletePermanent && !e.cfg.AllowDeletePermanent {
			if e.log != nil {
				e.log.Warn("delete_permanent dropped: executor.allow_delete_permanent is false", zap.String("rule_id", rule.ID))
			}
			continue
		}

		key := action.Key()
		pa, ok := pending[key]
		if !ok {
			pa = &pendingAction{action: action, ids: map[string]struct{}{}}
			pending[key] = pa
			*order = append(*order, key)
		}
		for _, id := range matchedIDs {
			pa.ids[id] = struct{}{}
		}
	}
}

// flushPending deduplicates and sorts each pending action's id set, then
// flushes it to the provider in chunks of cfg.ChunkSize, in the order
// each action key was first named. In dry-run mode no provider calls
// are made; the summary records the action/id counts that would have
// been applied. A cancelled context aborts before the next action key;
// any other per-action error is recorded on the summary and the
// remaining action keys still flush.
func (e *Executor) flushPending(ctx context.Context, pending map[string]*pendingAction, order []string, dryRun bool, summary *models.RunSummary) error {
	for _, key := range order {
		if ctx.Err() != nil {
			return errkind.Wrap(errkind.Cancelled, "flushPending", ctx.Err())
		}

		pa := pending[key]
		ids := make([]string, 0, len(pa.ids))
		for id := range pa.ids {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		if dryRun {
			summary.ActionsPlannedOrTaken[key] = len(ids)
			continue
		}

		if err := e.flushAction(ctx, pa.action, ids); err != nil {
			if errkind.Classify(err) == errkind.Cancelled {
				return err
			}
			summary.Errors = append(summary.Errors, models.RunError{
				ErrorType: errkind.Classify(err).String(), Details: err.Error(),
			})
			continue
		}
		summary.ActionsPlannedOrTaken[key] = len(ids)
	}

	return nil
}

func (e *Executor) flushAction(ctx context.Context, action models.Action, ids []string) error {
	for start := 0; start < len(ids); start += e.cfg.ChunkSize {
		if ctx.Err() != nil {
			return errkind.Wrap(errkind.Cancelled, "flushAction", ctx.Err())
		}

		end := start + e.cfg.ChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		if err := e.applyOne(ctx, action, chunk); err != nil {
			return err
		}
		e.metrics.actionsFlushed.WithLabelValues(string(action.Type)).Add(float64(len(chunk)))
	}
	return nil
}

func (e *Executor) applyOne(ctx context.Context, action models.Action, ids []string) error {
	switch action.Type {
	case models.ActionTrash:
		_, err := e.provider.BatchTrash(ctx, ids)
		return err
	case models.ActionMarkRead:
		_, err := e.provider.BatchMarkRead(ctx, ids, true)
		return err
	case models.ActionMarkUnread:
		_, err := e.provider.BatchMarkRead(ctx, ids, false)
		return err
	case models.ActionAddLabel:
		labelID, err := e.labels.ResolveName(ctx, action.LabelName)
		if err != nil {
			return err
		}
		_, err = e.provider.BatchModifyLabels(ctx, ids, []string{labelID}, nil)
		return err
	case models.ActionRemoveLabel:
		labelID, err := e.labels.ResolveName(ctx, action.LabelName)
		if err != nil {
			return err
		}
		_, err = e.provider.BatchModifyLabels(ctx, ids, nil, []string{labelID})
		return err
	case models.ActionDeletePermanent:
		_, err := e.provider.BatchDelete(ctx, ids)
		return err
	default:
		return errkind.New(errkind.InvalidParameter, "applyOne", fmt.Sprintf("unknown action type %q", action.Type))
	}
}
