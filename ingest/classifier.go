package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/quail/db"
	"github.com/migadu/quail/helpers"
	"github.com/migadu/quail/logger"
	"github.com/migadu/quail/pkg/metrics"
)

// Classifier decides whether a message is delivered, quarantined or dropped
// by consulting the layered domain policy: domain mode first, then the
// ordered address rules, then the domain default action. Its only side
// effect is the lazy creation of a default policy row for a domain seen for
// the first time.
type Classifier struct {
	store    *db.Database
	patterns *PatternCache
}

// NewClassifier creates a classifier with its own pattern cache.
func NewClassifier(store *db.Database) *Classifier {
	return &Classifier{store: store, patterns: NewPatternCache()}
}

// Patterns exposes the pattern cache so tests can reset it between cases.
func (c *Classifier) Patterns() *PatternCache {
	return c.patterns
}

// Classify produces the ingest decision for one message. First matching rule
// wins, independent of ALLOW vs BLOCK semantics. Configuration anomalies
// (unknown modes, actions, rule types, invalid patterns) degrade to safe
// defaults and never abort classification.
func (c *Classifier) Classify(ctx context.Context, envelopeRcpt string, msg *ParsedMessage) (db.Decision, error) {
	start := time.Now()
	defer func() {
		metrics.ClassifyDuration.Observe(time.Since(start).Seconds())
	}()

	localpart, domain := helpers.SplitEmailAddress(envelopeRcpt)

	decision := db.Decision{
		Status: db.StatusInbox,
		Meta:   db.DecisionMeta{Timestamp: time.Now().UTC()},
	}

	policy, err := c.store.GetOrCreateDomainPolicy(ctx, domain)
	if err != nil {
		return db.Decision{}, fmt.Errorf("failed to load policy for domain %s: %w", domain, err)
	}

	mode := db.NormalizeDomainMode(string(policy.Mode))
	defaultAction := db.NormalizeStatus(string(policy.DefaultAction))

	if mode == db.ModePaused {
		status := db.StatusDrop
		if defaultAction == db.StatusQuarantine {
			status = db.StatusQuarantine
		}
		reason := fmt.Sprintf("Domain policy paused (%s)", status)
		decision.Status = status
		decision.QuarantineReason = &reason
		return decision, nil
	}

	rules, err := c.store.ListEnabledRules(ctx, domain)
	if err != nil {
		return db.Decision{}, fmt.Errorf("failed to load rules for domain %s: %w", domain, err)
	}

	for _, rule := range rules {
		matchField, ok := db.KnownMatchField(rule.MatchField)
		if !ok {
			continue
		}
		matchValue := c.matchValue(matchField, localpart, msg)

		compiled, err := c.patterns.Get(rule.Pattern)
		if err != nil {
			logger.Warn("invalid regex pattern in address rule, skipping",
				"rule_id", rule.ID, "pattern", rule.Pattern, "error", err)
			continue
		}
		if !compiled.MatchString(matchValue) {
			continue
		}

		ruleType, ok := db.NormalizeRuleType(rule.RuleType)
		if !ok {
			logger.Warn("unknown rule type, skipping rule", "rule_id", rule.ID, "rule_type", rule.RuleType)
			continue
		}

		action := db.NormalizeStatus(rule.Action)
		// A rule whose action still holds the schema default is unconfigured
		// and gets the rule-type default instead. The comparison is against
		// the column default, never the per-domain default action: a BLOCK
		// rule must block even on a domain whose default is not INBOX, and an
		// explicitly configured action is never rewritten.
		if action == db.DefaultRuleAction {
			if ruleType == db.RuleAllow {
				action = db.RuleAllowDefault
			} else {
				action = db.RuleBlockDefault
			}
		}

		ruleID := rule.ID
		matched := matchValue
		decision.Status = action
		decision.Meta.RuleID = &ruleID
		decision.Meta.RuleType = &ruleType
		decision.Meta.MatchField = &matchField
		decision.Meta.MatchedValue = &matched
		reason := fmt.Sprintf("Rule %d %s matched %s", rule.ID, ruleType, matchField)
		decision.QuarantineReason = &reason

		metrics.IngestRuleHitsTotal.WithLabelValues(string(ruleType), string(matchField)).Inc()
		return decision, nil
	}

	if mode == db.ModeRestricted {
		reason := "Restricted domain without allow rule"
		decision.Status = db.StatusQuarantine
		decision.QuarantineReason = &reason
		return decision, nil
	}

	decision.Status = defaultAction
	if defaultAction != db.StatusInbox {
		reason := fmt.Sprintf("Domain default action %s", defaultAction)
		decision.QuarantineReason = &reason
	}
	return decision, nil
}

func (c *Classifier) matchValue(field db.MatchField, localpart string, msg *ParsedMessage) string {
	switch field {
	case db.MatchRcptLocalpart:
		return localpart
	case db.MatchMailFrom:
		return msg.FromAddress()
	case db.MatchFromDomain:
		return msg.FromDomain()
	case db.MatchSubject:
		return msg.Subject
	default:
		return ""
	}
}
