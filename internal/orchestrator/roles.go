package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/caprun/caprun/internal/registry"
)

// RoleBinding maps one loop role onto a capability and the action to invoke
// on it.
type RoleBinding struct {
	Capability string `json:"capability" mapstructure:"capability"`
	Action     string `json:"action" mapstructure:"action"`
}

// Roles binds the three loop roles plus the optional interrupt poll.
type Roles struct {
	Observe   RoleBinding `json:"observe" mapstructure:"observe"`
	Decide    RoleBinding `json:"decide" mapstructure:"decide"`
	Act       RoleBinding `json:"act" mapstructure:"act"`
	Interrupt RoleBinding `json:"interrupt" mapstructure:"interrupt"`
}

// BindRoles wires a registry into Observer/Decider/Actor/InterruptSource
// adapters. Providers are resolved lazily per call, so a crashed provider is
// restarted transparently on the next iteration.
func BindRoles(reg *registry.Registry, r Roles) (Observer, Decider, Actor, InterruptSource) {
	obs := &observerRole{reg: reg, binding: r.Observe}
	dec := &deciderRole{reg: reg, binding: r.Decide}
	act := &actorRole{reg: reg, binding: r.Act}
	var intr InterruptSource
	if r.Interrupt.Capability != "" {
		intr = &interruptRole{reg: reg, binding: r.Interrupt}
	}
	return obs, dec, act, intr
}

type observerRole struct {
	reg     *registry.Registry
	binding RoleBinding
}

func (o *observerRole) Observe(ctx context.Context) (Observation, error) {
	inst, err := o.reg.Get(ctx, o.binding.Capability)
	if err != nil {
		return Observation{}, err
	}
	raw, err := inst.Client.Execute(ctx, o.binding.Action, nil)
	if err != nil {
		return Observation{}, err
	}
	obs := Observation{Raw: raw}
	// Providers return either a bare string reference or an object carrying
	// one; accept both.
	var ref string
	if json.Unmarshal(raw, &ref) == nil {
		obs.ScreenshotRef = ref
		return obs, nil
	}
	var wrapped struct {
		Screenshot string `json:"screenshot"`
		Path       string `json:"path"`
	}
	if json.Unmarshal(raw, &wrapped) == nil {
		if wrapped.Screenshot != "" {
			obs.ScreenshotRef = wrapped.Screenshot
		} else {
			obs.ScreenshotRef = wrapped.Path
		}
	}
	return obs, nil
}

type deciderRole struct {
	reg     *registry.Registry
	binding RoleBinding
}

func (d *deciderRole) Decide(ctx context.Context, in DecisionInput) (Decision, error) {
	inst, err := d.reg.Get(ctx, d.binding.Capability)
	if err != nil {
		return Decision{}, err
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return Decision{}, fmt.Errorf("encode decision input: %w", err)
	}
	raw, err := inst.Client.Execute(ctx, d.binding.Action, []any{json.RawMessage(payload)})
	if err != nil {
		return Decision{}, err
	}
	var dec Decision
	if err := json.Unmarshal(raw, &dec); err != nil {
		return Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	dec.Raw = raw
	return dec, nil
}

type actorRole struct {
	reg     *registry.Registry
	binding RoleBinding
}

func (a *actorRole) Act(ctx context.Context, action Action) (ActionResult, error) {
	inst, err := a.reg.Get(ctx, a.binding.Capability)
	if err != nil {
		return ActionResult{}, err
	}
	raw, err := inst.Client.Execute(ctx, action.Name, action.Args)
	if err != nil {
		return ActionResult{}, err
	}
	return ActionResult{Data: raw}, nil
}

type interruptRole struct {
	reg     *registry.Registry
	binding RoleBinding
}

// Poll asks the input capability whether the stop key or any other user
// activity was seen since the last poll. Stop wins over activity.
func (i *interruptRole) Poll(ctx context.Context) (Interrupt, error) {
	inst, err := i.reg.Get(ctx, i.binding.Capability)
	if err != nil {
		return InterruptNone, err
	}
	raw, err := inst.Client.Execute(ctx, i.binding.Action, nil)
	if err != nil {
		return InterruptNone, err
	}
	var flags struct {
		Abort    bool `json:"abort"`
		Activity bool `json:"activity"`
	}
	if err := json.Unmarshal(raw, &flags); err != nil {
		return InterruptNone, fmt.Errorf("decode interrupt flags: %w", err)
	}
	switch {
	case flags.Abort:
		return InterruptAbort, nil
	case flags.Activity:
		return InterruptActivity, nil
	}
	return InterruptNone, nil
}
