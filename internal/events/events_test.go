package events

import (
	"errors"
	"strings"
	"testing"

	"roverworld.ai/internal/persistence/store"
)

func TestResolve_MostSpecificWins(t *testing.T) {
	r := NewRegistry()
	var got []string
	r.SetDefault(ScopeMission, Class{
		MissionStarted: func(_ *store.Ctx, ev *Event) error { got = append(got, "default:"+ev.Discriminator); return nil },
		MissionDone:    func(_ *store.Ctx, ev *Event) error { got = append(got, "default-done"); return nil },
	})
	r.Register(ScopeMission, "MIS_TUTORIAL01", Class{
		MissionStarted: func(_ *store.Ctx, ev *Event) error { got = append(got, "tutorial"); return nil },
	})

	for _, ev := range []*Event{
		{Scope: ScopeMission, Discriminator: "MIS_TUTORIAL01", Name: MissionStarted},
		{Scope: ScopeMission, Discriminator: "MIS_OTHER", Name: MissionStarted},
		{Scope: ScopeMission, Discriminator: "MIS_TUTORIAL01", Name: MissionDone},
		{Scope: ScopeMission, Discriminator: "MIS_TUTORIAL01", Name: "NOBODY_LISTENS"},
		{Scope: ScopeMessage, Name: MessageDelivered},
	} {
		if err := r.Dispatch(nil, ev); err != nil {
			t.Fatalf("dispatch %s: %v", ev.Name, err)
		}
	}
	want := "tutorial,default:MIS_OTHER,default-done"
	if strings.Join(got, ",") != want {
		t.Fatalf("got %v want %s", got, want)
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(ScopeTarget, "X", Class{})
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	r.Register(ScopeTarget, "X", Class{})
}

func TestDispatchWrapsCallbackError(t *testing.T) {
	r := NewRegistry()
	veto := errors.New("veto")
	r.SetDefault(ScopeTarget, Class{ValidateNewTargetParams: func(*store.Ctx, *Event) error { return veto }})
	err := r.Dispatch(nil, &Event{Scope: ScopeTarget, Name: ValidateNewTargetParams})
	if !errors.Is(err, veto) {
		t.Fatalf("err=%v", err)
	}
	if !r.Has(ScopeTarget, "", ValidateNewTargetParams) || r.Has(ScopeTarget, "", TargetCreated) {
		t.Fatalf("Has disagrees with Resolve")
	}
}

func TestResultFlowsBack(t *testing.T) {
	r := NewRegistry()
	r.SetDefault(ScopeTarget, Class{TargetCanAbortUntil: func(_ *store.Ctx, ev *Event) error {
		ev.Result = int64(42)
		return nil
	}})
	ev := &Event{Scope: ScopeTarget, Name: TargetCanAbortUntil}
	if err := r.Dispatch(nil, ev); err != nil {
		t.Fatal(err)
	}
	if ev.Result != int64(42) {
		t.Fatalf("result=%v", ev.Result)
	}
}
