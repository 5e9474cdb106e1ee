package authz

import (
	"reflect"
	"testing"

	"github.com/promptgate/promptgate/pkg/config"
)

func group(id string, inherits []string, perms config.Permissions) *config.Group {
	return &config.Group{ID: id, Inherits: inherits, Permissions: perms}
}

func TestEffectiveMergesInheritedPermissions(t *testing.T) {
	r := NewResolver([]*config.Group{
		group("base", nil, config.Permissions{Apps: []string{"chat"}, Models: []string{"gpt-4o-mini"}}),
		group("power", []string{"base"}, config.Permissions{Apps: []string{"summarizer"}, Models: []string{"gpt-4o"}}),
	})

	perms := r.Effective([]string{"power"})
	wantApps := []string{"chat", "summarizer"}
	if !reflect.DeepEqual(perms.Apps, wantApps) {
		t.Errorf("apps = %v, want %v", perms.Apps, wantApps)
	}
	wantModels := []string{"gpt-4o", "gpt-4o-mini"}
	if !reflect.DeepEqual(perms.Models, wantModels) {
		t.Errorf("models = %v, want %v", perms.Models, wantModels)
	}
}

func TestWildcardDominatesUnion(t *testing.T) {
	r := NewResolver([]*config.Group{
		group("all-apps", nil, config.Permissions{Apps: []string{Wildcard}}),
		group("one-app", nil, config.Permissions{Apps: []string{"chat"}}),
	})

	perms := r.Effective([]string{"all-apps", "one-app"})
	if !reflect.DeepEqual(perms.Apps, []string{Wildcard}) {
		t.Errorf("apps = %v, want [*]", perms.Apps)
	}
}

func TestAdminAccessSurvivesMerge(t *testing.T) {
	r := NewResolver([]*config.Group{
		group("admins", nil, config.Permissions{AdminAccess: true}),
		group("users", nil, config.Permissions{Apps: []string{"chat"}}),
	})

	if !r.Effective([]string{"users", "admins"}).AdminAccess {
		t.Error("expected admin access to survive merging with a non-admin group")
	}
}

func TestInheritanceCycleTerminates(t *testing.T) {
	r := NewResolver([]*config.Group{
		group("a", []string{"b"}, config.Permissions{Apps: []string{"from-a"}}),
		group("b", []string{"c"}, config.Permissions{Apps: []string{"from-b"}}),
		group("c", []string{"a"}, config.Permissions{Apps: []string{"from-c"}}),
	})

	perms := r.Effective([]string{"a"})
	want := []string{"from-a", "from-b", "from-c"}
	if !reflect.DeepEqual(perms.Apps, want) {
		t.Errorf("apps = %v, want %v", perms.Apps, want)
	}
}

func TestSelfInheritanceTerminates(t *testing.T) {
	r := NewResolver([]*config.Group{
		group("loop", []string{"loop"}, config.Permissions{Apps: []string{"chat"}}),
	})

	perms := r.Effective([]string{"loop"})
	if !reflect.DeepEqual(perms.Apps, []string{"chat"}) {
		t.Errorf("apps = %v, want [chat]", perms.Apps)
	}
}

func TestDetectCyclesReportsEveryLoop(t *testing.T) {
	warnings := DetectCycles([]*config.Group{
		group("a", []string{"b"}, config.Permissions{}),
		group("b", []string{"a"}, config.Permissions{}),
		group("ok", nil, config.Permissions{}),
	})
	if len(warnings) == 0 {
		t.Fatal("expected at least one cycle warning")
	}
}

func TestMapExternalGroupsFallsBackToAnonymous(t *testing.T) {
	r := NewResolver([]*config.Group{
		{ID: "staff", Mappings: []string{"idp-staff"}},
	})

	got := r.MapExternalGroups([]string{"unknown-claim"}, "oidc", nil)
	if !reflect.DeepEqual(got, []string{AnonymousGroup}) {
		t.Errorf("groups = %v, want [anonymous]", got)
	}

	got = r.MapExternalGroups([]string{"idp-staff"}, "oidc", nil)
	if !reflect.DeepEqual(got, []string{"staff"}) {
		t.Errorf("groups = %v, want [staff]", got)
	}
}

func TestEffectiveUnknownGroupIsEmpty(t *testing.T) {
	r := NewResolver(nil)
	perms := r.Effective([]string{"ghost"})
	if len(perms.Apps) != 0 || perms.AdminAccess {
		t.Errorf("unexpected permissions for unknown group: %+v", perms)
	}
}

func TestAllowed(t *testing.T) {
	if !Allowed([]string{Wildcard}, "anything") {
		t.Error("wildcard should allow everything")
	}
	if !Allowed([]string{"chat"}, "chat") {
		t.Error("listed id should be allowed")
	}
	if Allowed([]string{"chat"}, "other") {
		t.Error("unlisted id should be denied")
	}
	if Allowed(nil, "chat") {
		t.Error("empty grant should deny")
	}
}

func TestFilterIDs(t *testing.T) {
	ids := []string{"a", "b", "c"}
	if got := FilterIDs([]string{Wildcard}, ids); !reflect.DeepEqual(got, ids) {
		t.Errorf("wildcard filter = %v, want %v", got, ids)
	}
	if got := FilterIDs([]string{"b"}, ids); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("filter = %v, want [b]", got)
	}
}
