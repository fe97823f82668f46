package rbac

import (
	"encoding/json"
	"testing"
)

func mustAliases(t *testing.T, entries map[string]string) AliasTable {
	t.Helper()
	table, err := NewAliasTable(1, entries)
	if err != nil {
		t.Fatalf("aliases: %v", err)
	}
	return table
}

func TestSuperBypassesEverything(t *testing.T) {
	ev := Evaluator{}
	u := User{ID: "root", IsSuper: true}
	for _, key := range []string{"requests_delete", "anything", ""} {
		if !ev.Can(u, key) {
			t.Fatalf("super denied %q", key)
		}
	}
	if !ev.CanAll(u, "a", "b") {
		t.Fatalf("super CanAll false")
	}
}

func TestPermissionFormats(t *testing.T) {
	ev := Evaluator{}
	cases := []struct {
		name string
		raw  string
		key  string
		want bool
	}{
		{"array", `["requests_publish","requests_view"]`, "requests_publish", true},
		{"array missing", `["requests_view"]`, "requests_publish", false},
		{"sparse true", `{"requests_assign":true,"requests_cancel":false}`, "requests_assign", true},
		{"sparse false", `{"requests_assign":true,"requests_cancel":false}`, "requests_cancel", false},
		{"sparse numeric", `{"requests_cancel":1,"requests_delete":0}`, "requests_delete", false},
		{"null", `null`, "requests_view", false},
		{"empty", `[]`, "requests_view", false},
	}
	for _, tc := range cases {
		var u User
		if err := json.Unmarshal([]byte(`{"id":"u1","permissions":`+tc.raw+`}`), &u); err != nil {
			t.Fatalf("%s: decode: %v", tc.name, err)
		}
		if got := ev.Can(u, tc.key); got != tc.want {
			t.Errorf("%s: Can(%s) = %v, want %v", tc.name, tc.key, got, tc.want)
		}
	}
}

func TestPermissionSetRejectsScalars(t *testing.T) {
	var p PermissionSet
	if err := json.Unmarshal([]byte(`"requests_view"`), &p); err == nil {
		t.Fatalf("expected error for scalar permissions")
	}
}

func TestAliasesNormalizeBothSides(t *testing.T) {
	ev := NewEvaluator(mustAliases(t, map[string]string{
		"missions_publish": "requests_publish",
		"publish":          "missions_publish",
	}))
	legacy := User{ID: "op", Permissions: NewPermissionSet("publish")}
	if !ev.Can(legacy, "requests_publish") {
		t.Fatalf("expected legacy grant to satisfy canonical key")
	}
	modern := User{ID: "op", Permissions: NewPermissionSet("requests_publish")}
	if !ev.Can(modern, "missions_publish") {
		t.Fatalf("expected canonical grant to satisfy aliased key")
	}
	if ev.Can(modern, "requests_assign") {
		t.Fatalf("unexpected grant")
	}
	if got := ev.Effective(legacy); len(got) != 1 || got[0] != "requests_publish" {
		t.Fatalf("effective = %v", got)
	}
}

func TestAliasTableRejectsCycles(t *testing.T) {
	if _, err := NewAliasTable(1, map[string]string{"a": "b", "b": "c", "c": "a"}); err == nil {
		t.Fatalf("expected cycle error")
	}
	if _, err := NewAliasTable(1, map[string]string{"a": "a"}); err == nil {
		t.Fatalf("expected self alias error")
	}
	if _, err := NewAliasTable(2, map[string]string{"a": "b", "c": "b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCombinators(t *testing.T) {
	ev := Evaluator{}
	u := User{ID: "a", Permissions: NewPermissionSet("requests_view", "requests_cancel")}
	if !ev.CanAny(u, "requests_delete", "requests_cancel") {
		t.Fatalf("CanAny false")
	}
	if ev.CanAll(u, "requests_view", "requests_delete") {
		t.Fatalf("CanAll true")
	}
	if !ev.CanAll(u) {
		t.Fatalf("empty CanAll should hold")
	}
	err := ev.Require(u, "requests_delete")
	if fe, ok := err.(ForbiddenError); !ok || fe.Permission != "requests_delete" {
		t.Fatalf("Require err = %v", err)
	}
}
