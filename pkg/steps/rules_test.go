package steps

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/dukex/formflow/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRules_Evaluate(t *testing.T) {
	rules := NewRules(log.Discard())

	rules.Register("has_vehicle", func(payload map[string]any) (bool, error) {
		platform, _ := payload["platform"].(map[string]any)

		return platform["vehicle"] != nil, nil
	})
	rules.Register("broken", func(map[string]any) (bool, error) {
		return true, errors.New("boom")
	})
	require.NoError(t, rules.RegisterExpr("sp_recent", `lead.state == "SP" && platform.year >= 2015`))

	payload := map[string]any{
		"lead":     map[string]any{"state": "SP"},
		"platform": map[string]any{"vehicle": "sedan", "year": 2018},
	}

	tests := []struct {
		rule string
		want bool
	}{
		{rule: "has_vehicle", want: true},
		{rule: "sp_recent", want: true},
		{rule: "broken", want: false},
		{rule: "unknown", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			assert.Equal(t, tt.want, rules.Evaluate(context.Background(), tt.rule, payload))
		})
	}

	old := map[string]any{
		"lead":     map[string]any{"state": "SP"},
		"platform": map[string]any{"year": 2009},
	}
	assert.False(t, rules.Evaluate(context.Background(), "sp_recent", old))
	assert.False(t, rules.Evaluate(context.Background(), "has_vehicle", old))
}

func TestRules_NilTable(t *testing.T) {
	var rules *Rules

	var buf bytes.Buffer

	ctx := log.ContextWithLogger(context.Background(), log.New(&buf, "warn", "text"))

	assert.False(t, rules.Evaluate(ctx, "anything", nil))
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "rule=anything")
}

func TestExprRule_CompileError(t *testing.T) {
	_, err := ExprRule("lead.state ==")
	require.Error(t, err)

	_, err = ExprRule(`"not a bool"`)
	require.Error(t, err)

	rules := NewRules(log.Discard())
	err = rules.RegisterExpr("bad", "1 +")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule bad")
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, Permanent(nil))

	base := errors.New("rejected")
	err := Permanent(base)

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "rejected", err.Error())
	assert.False(t, IsPermanent(base))
}
