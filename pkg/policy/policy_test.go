package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateNoRuleBlocks(t *testing.T) {
	e := NewEngine()
	v := e.Evaluate(context.Background(), Request{Class: ClassFile, Resource: "/etc/passwd"})
	assert.Equal(t, DecisionBlock, v.Decision)
	assert.Nil(t, v.Rule)
}

func TestEvaluatePriorityOrder(t *testing.T) {
	e := NewEngine()
	e.AddRule(Rule{Class: ClassFile, Priority: 10, Pattern: "/data/**", Decision: DecisionAllow})
	e.AddRule(Rule{Class: ClassFile, Priority: 1, Pattern: "/data/secret/**", Decision: DecisionBlock})

	v := e.Evaluate(context.Background(), Request{Class: ClassFile, Resource: "/data/secret/key.pem"})
	assert.Equal(t, DecisionBlock, v.Decision)

	v = e.Evaluate(context.Background(), Request{Class: ClassFile, Resource: "/data/public/x.txt"})
	assert.Equal(t, DecisionAllow, v.Decision)
}

func TestEvaluateApproveWithoutHandlerBlocks(t *testing.T) {
	e := NewEngine()
	e.AddRule(Rule{Class: ClassShell, Priority: 0, Pattern: "rm *", Decision: DecisionApprove})

	v := e.Evaluate(context.Background(), Request{Class: ClassShell, Resource: "rm -rf /tmp/x"})
	assert.Equal(t, DecisionBlock, v.Decision)
}

func TestEvaluateApproveHandlerApproves(t *testing.T) {
	e := NewEngine()
	e.AddRule(Rule{Class: ClassNetwork, Priority: 0, Pattern: "**", Decision: DecisionApprove})
	e.SetApprovalHandler(func(ctx context.Context, req Request, rule Rule) (bool, error) {
		return req.Resource == "api.example.com", nil
	}, time.Second)

	v := e.Evaluate(context.Background(), Request{Class: ClassNetwork, Resource: "api.example.com"})
	assert.Equal(t, DecisionAllow, v.Decision)

	v = e.Evaluate(context.Background(), Request{Class: ClassNetwork, Resource: "evil.com"})
	assert.Equal(t, DecisionBlock, v.Decision)
}

func TestEvaluateApproveHandlerErrorBlocks(t *testing.T) {
	e := NewEngine()
	e.AddRule(Rule{Class: ClassSecret, Priority: 0, Pattern: "**", Decision: DecisionApprove})
	e.SetApprovalHandler(func(ctx context.Context, req Request, rule Rule) (bool, error) {
		return false, errors.New("approval service unreachable")
	}, time.Second)

	v := e.Evaluate(context.Background(), Request{Class: ClassSecret, Resource: "db-password"})
	assert.Equal(t, DecisionBlock, v.Decision)
}
