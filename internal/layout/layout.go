package layout

import (
	"encoding/json"
	"fmt"
	"time"

	"beaconkit/internal/beacon"
)

// ActionType selects the user-facing presentation of a BeaconAction.
type ActionType int

const (
	ActionURLMessage   ActionType = 1
	ActionVisitWebsite ActionType = 2
	ActionInApp        ActionType = 3
)

// BeaconAction is the user-facing payload delivered when a rule fires.
// RequestID is stamped by the resolution engine at fire time.
type BeaconAction struct {
	UUID      string          `json:"uuid"`
	Type      ActionType      `json:"type"`
	Subject   string          `json:"subject,omitempty"`
	Body      string          `json:"body,omitempty"`
	URL       string          `json:"url,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RuleUUID  string          `json:"-"`
	RequestID int64           `json:"-"`
}

// Validate checks the per-type required fields. An invalid action is
// excluded from firing but must not abort processing of sibling rules.
func (a BeaconAction) Validate() error {
	switch a.Type {
	case ActionURLMessage:
		if a.Subject == "" || a.Body == "" || a.URL == "" {
			return fmt.Errorf("url message action %s requires subject, body and url", a.UUID)
		}
	case ActionVisitWebsite, ActionInApp:
		if a.URL == "" {
			return fmt.Errorf("action %s of type %d requires url", a.UUID, a.Type)
		}
	default:
		return fmt.Errorf("action %s has unknown type %d", a.UUID, a.Type)
	}
	return nil
}

// Timeframe bounds when a rule may fire. A missing bound is unbounded on
// that side.
type Timeframe struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Contains reports whether t falls within the frame.
func (f Timeframe) Contains(t time.Time) bool {
	if f.Start != nil && t.Before(*f.Start) {
		return false
	}
	if f.End != nil && t.After(*f.End) {
		return false
	}
	return true
}

// Rule is one trigger→action entry from the layout: which beacons it applies
// to, on which transition, and the gating policy applied before its action
// fires.
type Rule struct {
	UUID               string           `json:"eventId"`
	Trigger            beacon.EventType `json:"trigger"`
	PIDs               map[string]int   `json:"-"` // beacon PID → weight
	DelaySeconds       int              `json:"delay"`
	SendOnlyOnce       bool             `json:"sendOnlyOnce"`
	SuppressionSeconds int              `json:"suppressionTime"`
	ReportImmediately  bool             `json:"reportImmediately"`
	Timeframes         []Timeframe      `json:"timeframes,omitempty"`
	Action             BeaconAction     `json:"action"`
}

// AppliesTo reports whether the rule matches a sighting of pid with the
// given event type. A trigger of EventEnterExit matches both Enter and Exit.
func (r Rule) AppliesTo(pid string, ev beacon.EventType) bool {
	if _, ok := r.PIDs[pid]; !ok {
		return false
	}
	return r.Trigger == ev || r.Trigger == beacon.EventEnterExit
}

// InsideTimeframes reports whether t is inside the rule's timeframe set.
// An empty set means always inside.
func (r Rule) InsideTimeframes(t time.Time) bool {
	if len(r.Timeframes) == 0 {
		return true
	}
	for _, f := range r.Timeframes {
		if f.Contains(t) {
			return true
		}
	}
	return false
}

// Layout is the server-provided ruleset. It is immutable once constructed;
// refreshes replace it wholesale. A zero ValidUntil means valid forever.
type Layout struct {
	AllowedID1s []string
	Rules       []Rule
	ValidUntil  time.Time
}

// Valid reports whether the layout is still fresh at the given instant.
func (l *Layout) Valid(now time.Time) bool {
	return l.ValidUntil.IsZero() || now.Before(l.ValidUntil)
}

// wire-format types for the layout JSON document

type layoutDoc struct {
	AccountProximityUUIDs []string  `json:"accountProximityUUIDs"`
	Actions               []ruleDoc `json:"actions"`
}

type ruleDoc struct {
	EventID           string      `json:"eventId"`
	Trigger           int         `json:"trigger"`
	Beacons           []string    `json:"beacons"`
	SuppressionTime   int         `json:"suppressionTime"`
	SendOnlyOnce      bool        `json:"sendOnlyOnce"`
	Delay             int         `json:"delay"`
	ReportImmediately bool        `json:"reportImmediately"`
	Timeframes        []Timeframe `json:"timeframes"`
	Action            actionDoc   `json:"action"`
}

type actionDoc struct {
	UUID    string          `json:"uuid"`
	Type    int             `json:"type"`
	Content json.RawMessage `json:"content"`
}

type actionContent struct {
	Subject string          `json:"subject"`
	Body    string          `json:"body"`
	URL     string          `json:"url"`
	Payload json.RawMessage `json:"payload"`
}

// Parse builds a Layout from the raw JSON document. A malformed document
// returns an error; rules whose actions fail validation are dropped
// individually (their names are returned for logging) without failing the
// whole layout.
func Parse(body []byte, validUntil time.Time) (*Layout, []string, error) {
	var doc layoutDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, nil, fmt.Errorf("decoding layout: %w", err)
	}

	l := &Layout{
		AllowedID1s: normalizeAllowed(doc.AccountProximityUUIDs),
		ValidUntil:  validUntil,
	}

	var dropped []string
	for _, rd := range doc.Actions {
		rule, err := parseRule(rd)
		if err != nil {
			dropped = append(dropped, fmt.Sprintf("%s: %v", rd.EventID, err))
			continue
		}
		l.Rules = append(l.Rules, rule)
	}

	return l, dropped, nil
}

func parseRule(rd ruleDoc) (Rule, error) {
	var content actionContent
	if len(rd.Action.Content) > 0 {
		if err := json.Unmarshal(rd.Action.Content, &content); err != nil {
			return Rule{}, fmt.Errorf("decoding action content: %w", err)
		}
	}

	action := BeaconAction{
		UUID:     rd.Action.UUID,
		Type:     ActionType(rd.Action.Type),
		Subject:  content.Subject,
		Body:     content.Body,
		URL:      content.URL,
		Payload:  content.Payload,
		RuleUUID: rd.EventID,
	}
	if err := action.Validate(); err != nil {
		return Rule{}, err
	}

	pids := make(map[string]int, len(rd.Beacons))
	for _, pid := range rd.Beacons {
		pids[pid] = 1
	}

	return Rule{
		UUID:               rd.EventID,
		Trigger:            beacon.EventType(rd.Trigger),
		PIDs:               pids,
		DelaySeconds:       rd.Delay,
		SendOnlyOnce:       rd.SendOnlyOnce,
		SuppressionSeconds: rd.SuppressionTime,
		ReportImmediately:  rd.ReportImmediately,
		Timeframes:         rd.Timeframes,
		Action:             action,
	}, nil
}

func normalizeAllowed(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if normalized, err := beacon.NormalizeID1(id); err == nil {
			out = append(out, normalized)
		}
	}
	return out
}

type ruleSnapshot struct {
	Rule
	Beacons []string `json:"beacons"`
}

// MarshalRule serializes a rule snapshot for durable delayed-action records.
func MarshalRule(r Rule) ([]byte, error) {
	pids := make([]string, 0, len(r.PIDs))
	for pid := range r.PIDs {
		pids = append(pids, pid)
	}
	return json.Marshal(ruleSnapshot{Rule: r, Beacons: pids})
}

// UnmarshalRule restores a rule snapshot written by MarshalRule.
func UnmarshalRule(data []byte) (Rule, error) {
	var snap ruleSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Rule{}, fmt.Errorf("decoding rule snapshot: %w", err)
	}
	r := snap.Rule
	r.PIDs = make(map[string]int, len(snap.Beacons))
	for _, pid := range snap.Beacons {
		r.PIDs[pid] = 1
	}
	r.Action.RuleUUID = r.UUID
	return r, nil
}
