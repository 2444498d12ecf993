package rules

// actionPrecedence orders action types from most to least conservative.
var actionPrecedence = []ActionType{
	ActionBlock,
	ActionEscalate,
	ActionFlag,
	ActionApprove,
}

// FinalAction is the single action resolved from a set of triggered actions
type FinalAction struct {
	Type ActionType `json:"type"`
	// Action is the first collected action of the winning type; it carries
	// the target group and priority to act on.
	Action Action `json:"action"`
	// Counts holds how many collected actions there were of each type.
	Counts map[ActionType]int `json:"counts"`
}

// Resolve picks exactly one action using the fixed precedence
// block > escalate_to_case > flag > approve. The result does not depend on
// the order of actions. Resolve returns nil when no recognized action was
// collected.
func Resolve(actions []Action) *FinalAction {
	if len(actions) == 0 {
		return nil
	}

	groups := make(map[ActionType][]Action, len(actionPrecedence))
	for _, a := range actions {
		t, err := ParseActionType(string(a.Type))
		if err != nil {
			continue
		}
		a.Type = t
		groups[t] = append(groups[t], a)
	}

	for _, t := range actionPrecedence {
		group, ok := groups[t]
		if !ok {
			continue
		}
		counts := make(map[ActionType]int, len(groups))
		for gt, g := range groups {
			counts[gt] = len(g)
		}
		return &FinalAction{
			Type:   t,
			Action: group[0],
			Counts: counts,
		}
	}
	return nil
}
