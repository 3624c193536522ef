package rules

import "fmt"

// DefaultSegment is assigned when no clause matches or rules are malformed.
const DefaultSegment = "default"

// Clause is one "if When then Segment/Message" rule. Message, when set,
// replaces the campaign template; Variant picks one of the campaign messages.
type Clause struct {
	Name    string `json:"name,omitempty"`
	Segment string `json:"segment"`
	When    Expr   `json:"when"`
	Message string `json:"message,omitempty"`
	Variant *int   `json:"variant,omitempty"`
}

// RuleSet is an ordered clause list. The first matching clause wins.
type RuleSet []Clause

// Decision is the outcome of evaluating a lead against a campaign.
type Decision struct {
	Segment  string `json:"segment"`
	Template string `json:"template"`
	// Variant is the index of the campaign message used, or -1 when the
	// matching clause carries its own message.
	Variant int `json:"variant"`
	// Clause is the index of the matching clause, or -1 for the default.
	Clause int `json:"clause"`
}

// Validate checks every clause of the set.
func (rs RuleSet) Validate(messages int) error {
	for i, c := range rs {
		if err := Validate(c.When.Condition); err != nil {
			return fmt.Errorf("clause %d: %w", i, err)
		}
		if c.Variant != nil && (*c.Variant < 0 || *c.Variant >= messages) {
			return fmt.Errorf("clause %d: %w: variant %d out of range", i, ErrMalformed, *c.Variant)
		}
	}
	return nil
}

// Evaluate assigns a segment and message template to a lead.
//
// With clauses, the first match wins and a lead matching none falls into the
// default segment with the base message (messages[0]). Without clauses and
// with several messages, variants rotate by ordinal, the lead's position in
// resolution order plus the campaign's rotation cursor.
//
// On a malformed clause the default decision is returned together with the
// error, so callers can log it and carry on.
func Evaluate(vars Variables, rs RuleSet, messages []string, ordinal int) (Decision, error) {
	if len(rs) == 0 {
		if len(messages) > 1 {
			idx := ordinal % len(messages)
			if idx < 0 {
				idx += len(messages)
			}
			return Decision{Segment: DefaultSegment, Template: messages[idx], Variant: idx, Clause: -1}, nil
		}
		return defaultDecision(messages), nil
	}

	for i, c := range rs {
		ok, err := Match(c.When.Condition, vars)
		if err != nil {
			return defaultDecision(messages), fmt.Errorf("clause %d: %w", i, err)
		}
		if !ok {
			continue
		}
		d := Decision{Segment: c.Segment, Variant: 0, Clause: i}
		if d.Segment == "" {
			d.Segment = c.Name
		}
		if d.Segment == "" {
			d.Segment = fmt.Sprintf("clause_%d", i)
		}
		switch {
		case c.Message != "":
			d.Template = c.Message
			d.Variant = -1
		case c.Variant != nil:
			if *c.Variant < 0 || *c.Variant >= len(messages) {
				return defaultDecision(messages), fmt.Errorf("clause %d: %w: variant %d out of range", i, ErrMalformed, *c.Variant)
			}
			d.Variant = *c.Variant
			d.Template = messages[d.Variant]
		default:
			d.Template = base(messages)
		}
		return d, nil
	}
	return defaultDecision(messages), nil
}

func defaultDecision(messages []string) Decision {
	return Decision{Segment: DefaultSegment, Template: base(messages), Variant: 0, Clause: -1}
}

func base(messages []string) string {
	if len(messages) == 0 {
		return ""
	}
	return messages[0]
}
