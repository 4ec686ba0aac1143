package db

import (
	"time"

	"github.com/migadu/quail/logger"
)

// Status is the delivery disposition of a message.
type Status string

const (
	StatusInbox      Status = "INBOX"
	StatusQuarantine Status = "QUARANTINE"
	StatusDrop       Status = "DROP"
)

// DomainMode controls how a recipient domain accepts mail.
type DomainMode string

const (
	ModeOpen       DomainMode = "OPEN"       // default-permit
	ModeRestricted DomainMode = "RESTRICTED" // default-deny unless an ALLOW rule matches
	ModePaused     DomainMode = "PAUSED"     // intake disabled
)

// RuleType distinguishes allow and block address rules.
type RuleType string

const (
	RuleAllow RuleType = "ALLOW"
	RuleBlock RuleType = "BLOCK"
)

// MatchField selects the message value an address rule is matched against.
type MatchField string

const (
	MatchRcptLocalpart MatchField = "RCPT_LOCALPART"
	MatchMailFrom      MatchField = "MAIL_FROM"
	MatchFromDomain    MatchField = "FROM_DOMAIN"
	MatchSubject       MatchField = "SUBJECT"
)

const (
	DefaultDomainMode   = ModeOpen
	DefaultDomainAction = StatusInbox
	// DefaultRuleAction is the address_rule.action schema default. A rule
	// whose action still holds this value is treated as unconfigured.
	DefaultRuleAction = StatusInbox
	RuleAllowDefault  = StatusInbox
	RuleBlockDefault  = StatusQuarantine
)

// NormalizeStatus maps a stored action string onto a known Status. Unknown
// values degrade to INBOX with a warning; they must never abort
// classification of the current message.
func NormalizeStatus(raw string) Status {
	switch Status(raw) {
	case StatusInbox, StatusQuarantine, StatusDrop:
		return Status(raw)
	case "":
		return DefaultDomainAction
	default:
		logger.Warn("unknown action in policy or rule, defaulting to INBOX", "action", raw)
		return DefaultDomainAction
	}
}

// NormalizeDomainMode maps a stored mode string onto a known DomainMode,
// degrading to OPEN with a warning.
func NormalizeDomainMode(raw string) DomainMode {
	switch DomainMode(raw) {
	case ModeOpen, ModeRestricted, ModePaused:
		return DomainMode(raw)
	case "":
		return DefaultDomainMode
	default:
		logger.Warn("unknown domain policy mode, defaulting to OPEN", "mode", raw)
		return DefaultDomainMode
	}
}

// NormalizeRuleType maps a stored rule type onto a known RuleType. The
// second return value is false for unknown types; such rules are skipped.
func NormalizeRuleType(raw string) (RuleType, bool) {
	switch RuleType(raw) {
	case RuleAllow, RuleBlock:
		return RuleType(raw), true
	default:
		return "", false
	}
}

// KnownMatchField reports whether a stored match field is recognized.
func KnownMatchField(raw string) (MatchField, bool) {
	switch MatchField(raw) {
	case MatchRcptLocalpart, MatchMailFrom, MatchFromDomain, MatchSubject:
		return MatchField(raw), true
	default:
		return "", false
	}
}

// DomainPolicy is the per-domain intake policy. Exactly one row exists per
// domain; it is created lazily with defaults the first time a message for
// the domain is classified.
type DomainPolicy struct {
	ID                      int64
	Domain                  string
	Mode                    DomainMode
	DefaultAction           Status
	QuarantineRetentionDays *int // nil means use the global default
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// AddressRule is an ordered allow/block rule belonging to one domain. Rules
// are evaluated in (priority asc, id asc) order; the pattern is applied as an
// unanchored regular expression search.
type AddressRule struct {
	ID         int64
	Domain     string
	RuleType   string // normalized lazily; unknown types are skipped at evaluation
	MatchField string
	Pattern    string
	Priority   int
	Action     string
	Enabled    bool
	Note       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Message is one ingested email.
type Message struct {
	ID               int64
	ReceivedAt       time.Time
	EnvelopeRcpt     string
	FromAddr         string
	Subject          string
	Date             string
	MessageID        string
	SizeBytes        int64
	EmlPath          string
	Quarantined      bool
	Status           Status
	QuarantineReason *string
	DecisionMetaJSON *string
}

// Attachment belongs to exactly one message and is cascade-deleted with it.
type Attachment struct {
	ID          int64
	MessageID   int64
	Filename    string
	StoredPath  string
	ContentType string
	SizeBytes   int64
}

// DecisionMeta is the structured audit record of which rule or policy
// produced an ingest decision. It is serialized to JSON only at the storage
// boundary.
type DecisionMeta struct {
	RuleID       *int64     `json:"rule_id"`
	RuleType     *RuleType  `json:"rule_type"`
	MatchField   *MatchField `json:"match_field"`
	MatchedValue *string    `json:"matched_value"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Decision is the classification engine output, flattened into Message
// fields on insert.
type Decision struct {
	Status           Status
	QuarantineReason *string
	Meta             DecisionMeta
}

// AdminAction is one entry of the append-only admin audit log.
type AdminAction struct {
	ID          int64
	Action      string
	Actor       string
	Entity      string
	BeforeState *string
	AfterState  *string
	SourceIP    string
	PerformedAt time.Time
}
