// Package policy implements the Policy Gate: the single chokepoint every
// envelope passes through before it is admitted to a space, recalled, or
// acted on. Decisions combine attribute-based rules (ABAC), role bindings
// (RBAC), and the envelope's sensitivity Band into ALLOW, DENY, or
// ALLOW_WITH_OBLIGATIONS.
//
// Every decision is hashed for audit the way the teacher's constitutional
// kernel chains decision hashes (internal/governance/constitutional.go) —
// here the hash covers the subject, action, space, band, decision, and rule
// version rather than a Merkle parent chain, since the Policy Gate is not itself a
// sequential state machine.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/familyos/familyos/internal/envelope"
	"github.com/familyos/familyos/internal/ferrors"
	"github.com/familyos/familyos/internal/obs"
)

// Decision is the closed outcome of a policy evaluation.
type Decision string

const (
	Allow                Decision = "ALLOW"
	Deny                 Decision = "DENY"
	AllowWithObligations Decision = "ALLOW_WITH_OBLIGATIONS"
)

// Subject identifies the actor a request is evaluated for.
type Subject struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// Action is the closed catalog of operations the gate mediates.
type Action string

const (
	ActionPublish  Action = "publish"
	ActionRecall   Action = "recall"
	ActionDispatch Action = "dispatch_action"
	ActionSync     Action = "sync_replicate"
)

// Request is the input to one policy evaluation.
type Request struct {
	Subject  Subject
	Action   Action
	SpaceID  envelope.SpaceID
	Band     envelope.Band
	Envelope *envelope.Envelope // may be nil for non-envelope actions (e.g. raw recall query)
}

// Obligation is a condition attached to an ALLOW_WITH_OBLIGATIONS decision
// that the caller must satisfy before proceeding (e.g. redact a field,
// notify a guardian).
type Obligation string

const (
	ObligationRedactPII       Obligation = "redact_pii"
	ObligationNotifyGuardian  Obligation = "notify_guardian"
	ObligationRequireConfirm  Obligation = "require_confirm"
)

// Result is the outcome of evaluating a Request.
type Result struct {
	Decision     Decision     `json:"decision"`
	Obligations  []Obligation `json:"obligations,omitempty"`
	Reason       string       `json:"reason"`
	RuleVersion  uint64       `json:"rule_version"`
	DecisionHash string       `json:"decision_hash"`
	EvaluatedAt  time.Time    `json:"evaluated_at"`
}

// Rule is one ABAC/RBAC/band rule. Rules are evaluated in order; the first
// matching rule wins (teacher's checkParameterBounds short-circuit style).
type Rule struct {
	Name        string       `json:"name"`
	Actions     []Action     `json:"actions"`
	Bands       []envelope.Band `json:"bands"`
	SpaceKinds  []string     `json:"space_kinds"`  // "" matches any
	RequireRole string       `json:"require_role"` // "" means no role requirement
	Decision    Decision     `json:"decision"`
	Obligations []Obligation `json:"obligations,omitempty"`
}

// matches reports whether r applies to req.
func (r Rule) matches(req Request) bool {
	if !containsAction(r.Actions, req.Action) {
		return false
	}
	if len(r.Bands) > 0 && !containsBand(r.Bands, req.Band) {
		return false
	}
	if len(r.SpaceKinds) > 0 && !containsString(r.SpaceKinds, req.SpaceID.Kind()) {
		return false
	}
	if r.RequireRole != "" && !containsString(req.Subject.Roles, r.RequireRole) {
		return false
	}
	return true
}

func containsAction(xs []Action, x Action) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsBand(xs []envelope.Band, x envelope.Band) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsString(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// RuleSet is an ordered, versioned collection of Rules plus a default
// decision applied when nothing matches.
type RuleSet struct {
	Version Bandset
	Rules   []Rule
	Default Decision
}

// Bandset is the rule-set version counter. Whoever builds a RuleSet sets
// it (Reload does not change it); the decision cache keys on it, so
// entries are told apart by version rather than by content-hashing the
// whole set.
type Bandset = uint64

// Gate is the Policy Gate: it evaluates requests against the current
// RuleSet with a read-mostly decision cache.
type Gate struct {
	mu      sync.RWMutex
	rules   RuleSet
	cache   *lru.Cache[string, Result]
	log     *zap.Logger
	metrics *obs.Metrics
}

// New constructs a Gate with an initial RuleSet and a decision cache of the
// given capacity.
func New(rules RuleSet, cacheSize int, log *zap.Logger, metrics *obs.Metrics) (*Gate, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New[string, Result](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("policy.New: build cache: %w", err)
	}
	return &Gate{rules: rules, cache: cache, log: log, metrics: metrics}, nil
}

// Reload atomically swaps in a new RuleSet and purges the decision cache,
// since cached decisions were computed against the superseded version.
func (g *Gate) Reload(rules RuleSet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = rules
	g.cache.Purge()
	g.log.Info("policy: ruleset reloaded", zap.Uint64("version", rules.Version), zap.Int("rule_count", len(rules.Rules)))
}

// Evaluate decides a Request, consulting the decision cache first.
func (g *Gate) Evaluate(req Request) (Result, error) {
	key, err := cacheKey(req)
	if err != nil {
		return Result{}, ferrors.Wrap(ferrors.KindValidation, "policy.Evaluate", err, nil)
	}

	g.mu.RLock()
	rules := g.rules
	g.mu.RUnlock()

	versionedKey := fmt.Sprintf("%d_%s", rules.Version, key)
	if cached, ok := g.cache.Get(versionedKey); ok {
		if g.metrics != nil {
			g.metrics.PolicyCacheHitTotal.Inc()
		}
		return cached, nil
	}
	if g.metrics != nil {
		g.metrics.PolicyCacheMissTotal.Inc()
	}

	result := g.evaluateUncached(req, rules)
	g.cache.Add(versionedKey, result)
	if g.metrics != nil {
		g.metrics.PolicyDecisionsTotal.WithLabelValues(string(result.Decision)).Inc()
	}
	return result, nil
}

func (g *Gate) evaluateUncached(req Request, rules RuleSet) Result {
	now := time.Now().UTC()
	for _, r := range rules.Rules {
		if r.matches(req) {
			return Result{
				Decision:     r.Decision,
				Obligations:  r.Obligations,
				Reason:       "rule:" + r.Name,
				RuleVersion:  rules.Version,
				DecisionHash: decisionHash(req, r.Decision, rules.Version),
				EvaluatedAt:  now,
			}
		}
	}
	decision := rules.Default
	if decision == "" {
		decision = Deny
	}
	return Result{
		Decision:     decision,
		Reason:       "default",
		RuleVersion:  rules.Version,
		DecisionHash: decisionHash(req, decision, rules.Version),
		EvaluatedAt:  now,
	}
}

// cacheKey builds a deterministic cache key from the decision-relevant
// fields of req. The envelope payload itself never participates — only its
// band, space, action, and subject matter to the decision.
func cacheKey(req Request) (string, error) {
	type keyed struct {
		Subject string   `json:"subject"`
		Roles   []string `json:"roles"`
		Action  Action   `json:"action"`
		Space   string   `json:"space"`
		Band    string   `json:"band"`
	}
	raw, err := json.Marshal(keyed{
		Subject: req.Subject.ID,
		Roles:   req.Subject.Roles,
		Action:  req.Action,
		Space:   string(req.SpaceID),
		Band:    string(req.Band),
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// decisionHash is an audit-trail hash over the decision-relevant fields,
// mirroring the teacher's computeDecisionHash canonicalization approach.
func decisionHash(req Request, decision Decision, ruleVersion uint64) string {
	h := sha256.New()
	h.Write([]byte(req.Subject.ID))
	h.Write([]byte(req.Action))
	h.Write([]byte(req.SpaceID))
	h.Write([]byte(req.Band))
	h.Write([]byte(decision))
	_, _ = fmt.Fprintf(h, "%d", ruleVersion)
	return hex.EncodeToString(h.Sum(nil))
}

// DefaultRuleSet returns a conservative starting ruleset matching spec.md
// §4.C band semantics: BLACK is admin-only with total redaction, RED is
// guardian-only with mandatory audit and redaction, AMBER carries redaction
// obligations on every action (not just sync/dispatch), GREEN is minimally
// restricted, and the default is deny.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Version: 1,
		Rules: []Rule{
			{
				Name:     "deny_black_band_egress",
				Actions:  []Action{ActionSync, ActionDispatch},
				Bands:    []envelope.Band{envelope.BandBlack},
				Decision: Deny,
			},
			{
				Name:        "black_band_admin_only",
				Actions:     []Action{ActionPublish, ActionRecall},
				Bands:       []envelope.Band{envelope.BandBlack},
				RequireRole: "admin",
				Decision:    AllowWithObligations,
				Obligations: []Obligation{ObligationRedactPII},
			},
			{
				Name:        "red_band_requires_guardian",
				Actions:     []Action{ActionPublish, ActionRecall, ActionDispatch, ActionSync},
				Bands:       []envelope.Band{envelope.BandRed},
				RequireRole: "guardian",
				Decision:    AllowWithObligations,
				Obligations: []Obligation{ObligationRedactPII, ObligationNotifyGuardian},
			},
			{
				Name:        "amber_requires_redaction",
				Actions:     []Action{ActionPublish, ActionRecall, ActionDispatch, ActionSync},
				Bands:       []envelope.Band{envelope.BandAmber},
				Decision:    AllowWithObligations,
				Obligations: []Obligation{ObligationRedactPII},
			},
			{
				Name:     "green_household_allow",
				Actions:  []Action{ActionPublish, ActionRecall, ActionDispatch, ActionSync},
				Bands:    []envelope.Band{envelope.BandGreen},
				Decision: Allow,
			},
		},
		Default: Deny,
	}
}
