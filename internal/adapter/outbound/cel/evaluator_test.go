package cel

import "testing"

func TestEvaluatorTrueFalse(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}

	cases := []struct {
		name string
		expr string
		ctx  map[string]any
		want bool
	}{
		{"equal match", `ctx["owner_id"] == ctx["user_id"]`, map[string]any{"owner_id": "u1", "user_id": "u1"}, true},
		{"equal mismatch", `ctx["owner_id"] == ctx["user_id"]`, map[string]any{"owner_id": "u1", "user_id": "u2"}, false},
		{"literal true", `true`, map[string]any{}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.Evaluate(tc.expr, tc.ctx)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestValidateExpressionRejectsOversizedAndDeeplyNested(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}

	if err := e.ValidateExpression(""); err == nil {
		t.Error("expected error for empty expression")
	}

	nested := ""
	for i := 0; i < maxNestingDepth+5; i++ {
		nested += "("
	}
	nested += "true"
	for i := 0; i < maxNestingDepth+5; i++ {
		nested += ")"
	}
	if err := e.ValidateExpression(nested); err == nil {
		t.Error("expected error for deeply nested expression")
	}
}

func TestEvaluateNonBooleanResultErrors(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	if _, err := e.Evaluate(`ctx["user_id"]`, map[string]any{"user_id": "u1"}); err == nil {
		t.Error("expected error for non-boolean expression result")
	}
}
