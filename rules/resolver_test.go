package rules

import (
	"math/rand"
	"testing"
)

func TestResolvePrecedence(t *testing.T) {
	tests := []struct {
		name    string
		actions []ActionType
		want    ActionType
	}{
		{"block wins", []ActionType{ActionFlag, ActionApprove, ActionBlock, ActionEscalate}, ActionBlock},
		{"escalate over flag", []ActionType{ActionFlag, ActionEscalate, ActionApprove}, ActionEscalate},
		{"flag over approve", []ActionType{ActionApprove, ActionFlag}, ActionFlag},
		{"approve alone", []ActionType{ActionApprove}, ActionApprove},
		{"escalate alias", []ActionType{ActionFlag, "escalate"}, ActionEscalate},
		{"unknown ignored", []ActionType{"notify", ActionFlag}, ActionFlag},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions := make([]Action, len(tt.actions))
			for i, a := range tt.actions {
				actions[i] = Action{Type: a}
			}
			got := Resolve(actions)
			if got == nil {
				t.Fatal("Resolve() returned nil")
			}
			if got.Type != tt.want {
				t.Errorf("Resolve() = %s, want %s", got.Type, tt.want)
			}
		})
	}
}

func TestResolveEmpty(t *testing.T) {
	if got := Resolve(nil); got != nil {
		t.Errorf("Resolve(nil) = %+v, want nil", got)
	}
	if got := Resolve([]Action{{Type: "notify"}}); got != nil {
		t.Errorf("Resolve(unknown only) = %+v, want nil", got)
	}
}

func TestResolveIsOrderIndependent(t *testing.T) {
	actions := make([]Action, 0, 11)
	for i := 0; i < 10; i++ {
		actions = append(actions, Action{Type: ActionFlag, TargetGroup: "fraud-ops"})
	}
	actions = append(actions, Action{Type: ActionBlock, TargetGroup: "blocking", Priority: "high"})

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 100; i++ {
		rng.Shuffle(len(actions), func(a, b int) { actions[a], actions[b] = actions[b], actions[a] })

		got := Resolve(actions)
		if got.Type != ActionBlock {
			t.Fatalf("permutation %d resolved to %s, want block", i, got.Type)
		}
		if got.Action.TargetGroup != "blocking" || got.Action.Priority != "high" {
			t.Fatalf("permutation %d lost the block action details: %+v", i, got.Action)
		}
		if got.Counts[ActionFlag] != 10 || got.Counts[ActionBlock] != 1 {
			t.Fatalf("permutation %d counts = %v", i, got.Counts)
		}
	}
}

func TestParseActionType(t *testing.T) {
	tests := []struct {
		in      string
		want    ActionType
		wantErr bool
	}{
		{"block", ActionBlock, false},
		{"ESCALATE", ActionEscalate, false},
		{"escalate_to_case", ActionEscalate, false},
		{" flag ", ActionFlag, false},
		{"approve", ActionApprove, false},
		{"delete", "", true},
	}
	for _, tt := range tests {
		got, err := ParseActionType(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseActionType(%q) = (%q, %v), want %q", tt.in, got, err, tt.want)
		}
	}
}
