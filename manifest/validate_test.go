package manifest

import (
	"strings"
	"testing"
)

func mustParse(t *testing.T, doc string) *Entity {
	t.Helper()
	e, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return e
}

func TestValidateAcceptsWellFormedDocuments(t *testing.T) {
	for _, doc := range []string{validManifestJSON(), validBundleJSON()} {
		if err := Validate(mustParse(t, doc), DefaultLimits()); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	}
}

func TestValidateManifestRules(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		rule    string
	}{
		{"bad id", repl(`"id": "com.example.app"`, `"id": "UPPER.Case"`), "REG-VAL-100"},
		{"single label id", repl(`"id": "com.example.app"`, `"id": "justone"`), "REG-VAL-100"},
		{"missing name", repl(`"name": "Example App"`, `"name": ""`), "REG-VAL-101"},
		{"bad version", repl(`"version": "1.0.0"`, `"version": "one"`), "REG-VAL-102"},
		{"v-prefixed version", repl(`"version": "1.0.0"`, `"version": "v1.0.0"`), "REG-VAL-102"},
		{"empty chain", repl(`"chains": ["main"]`, `"chains": [""]`), "REG-VAL-103"},
		{"bad digest", repl(`"digest": "sha256:`+zeros64+`"`, `"digest": "sha256:short"`), "REG-VAL-112"},
		{"bad digest alg", repl(`"digest": "sha256:`+zeros64+`"`, `"digest": "md5:`+zeros64+`"`), "REG-VAL-112"},
		{"bad uri scheme", repl(`"uri": "https://example.com/app.wasm"`, `"uri": "ftp://example.com/app.wasm"`), "REG-VAL-113"},
		{"bad provides tag", repl(`"provides": ["x.y@1"]`, `"provides": ["x.y@one"]`), "REG-VAL-115"},
		{"provides missing version", repl(`"provides": ["x.y@1"]`, `"provides": ["x.y"]`), "REG-VAL-115"},
		{"bad dependency id", repl(`"id": "com.example.lib"`, `"id": "nodots"`), "REG-VAL-121"},
		{"bad dependency range", repl(`"range": "^1.0.0"`, `"range": "not a range"`), "REG-VAL-122"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(mustParse(t, tc.mutate(validManifestJSON())), DefaultLimits())
			if err == nil {
				t.Fatalf("expected validation failure")
			}
			if !IsKind(err, KindValidation) {
				t.Fatalf("expected Validation kind, got %v", err)
			}
			if got := RuleID(err); got != tc.rule {
				t.Fatalf("rule %s, want %s (%v)", got, tc.rule, err)
			}
		})
	}
}

func TestValidateBundleRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(string) string
		rule   string
	}{
		{"bad package", repl(`"package": "com.example.widget"`, `"package": "Widget"`), "REG-VAL-200"},
		{"bad appVersion", repl(`"appVersion": "2.1.0"`, `"appVersion": "2.1"`), "REG-VAL-201"},
		{"missing metadata name", repl(`"name": "Widget"`, `"name": ""`), "REG-VAL-202"},
		{"empty export", repl(`"exports": ["widget@1"]`, `"exports": [""]`), "REG-VAL-204"},
		{"missing wasm path", repl(`"path": "widget.wasm"`, `"path": ""`), "REG-VAL-210"},
		{"bad wasm hash", repl(`"hash": "sha256:`+zeros64+`"`, `"hash": "sha256:nothex"`), "REG-VAL-211"},
		{"zero wasm size", repl(`"size": 1024`, `"size": 0`), "REG-VAL-212"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(mustParse(t, tc.mutate(validBundleJSON())), DefaultLimits())
			if err == nil {
				t.Fatalf("expected validation failure")
			}
			if got := RuleID(err); got != tc.rule {
				t.Fatalf("rule %s, want %s (%v)", got, tc.rule, err)
			}
		})
	}
}

func TestValidateInterfaceCaps(t *testing.T) {
	var tags []string
	for i := 0; i < 17; i++ {
		tags = append(tags, `"cap`+string(rune('a'+i))+`@1"`)
	}
	doc := repl(`"provides": ["x.y@1"]`, `"provides": [`+strings.Join(tags, ",")+`]`)(validManifestJSON())
	err := Validate(mustParse(t, doc), DefaultLimits())
	if err == nil {
		t.Fatalf("expected cap violation")
	}
	if got := RuleID(err); got != "REG-VAL-114" {
		t.Fatalf("rule %s, want REG-VAL-114", got)
	}
}

func TestValidateDependencyCap(t *testing.T) {
	var deps []string
	for i := 0; i < 33; i++ {
		deps = append(deps, `{"id":"com.example.d`+string(rune('a'+i%26))+`","range":"^1.0.0"}`)
	}
	doc := repl(
		`"dependencies": [{"id": "com.example.lib", "range": "^1.0.0"}]`,
		`"dependencies": [`+strings.Join(deps, ",")+`]`,
	)(validManifestJSON())
	err := Validate(mustParse(t, doc), DefaultLimits())
	if err == nil {
		t.Fatalf("expected cap violation")
	}
	if got := RuleID(err); got != "REG-VAL-120" {
		t.Fatalf("rule %s, want REG-VAL-120", got)
	}
}

func TestValidateSignatureBlock(t *testing.T) {
	doc := repl(
		`"dependencies": [{"id": "com.example.lib", "range": "^1.0.0"}]`,
		`"dependencies": [], "signature": {"alg": "", "pubkey": "k", "sig": "s"}`,
	)(validManifestJSON())
	err := Validate(mustParse(t, doc), DefaultLimits())
	if err == nil || RuleID(err) != "REG-VAL-130" {
		t.Fatalf("expected REG-VAL-130, got %v", err)
	}
}

func repl(old, new string) func(string) string {
	return func(s string) string {
		out := strings.Replace(s, old, new, 1)
		if out == s {
			panic("test fixture does not contain: " + old)
		}
		return out
	}
}
