package serialize

import (
	"errors"
	"strings"
	"testing"
)

func TestStrategyValidate(t *testing.T) {
	if err := (Strategy{Mode: ModeShallow}).Validate(); err != nil {
		t.Fatalf("shallow: %v", err)
	}
	if err := (Strategy{Mode: ModeDeep, MaxDepth: 100}).Validate(); err != nil {
		t.Fatalf("deep with depth: %v", err)
	}
	if err := (Strategy{Mode: "clone"}).Validate(); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
	if err := (Strategy{Mode: ModeDeep, MaxDepth: -1}).Validate(); !errors.Is(err, ErrInvalidDepth) {
		t.Fatalf("expected ErrInvalidDepth, got %v", err)
	}
}

func TestBuildCodeCopyModes(t *testing.T) {
	cases := []struct {
		mode string
		want string
	}{
		{ModeReference, "_kp_dup = _kp_obj"},
		{ModeShallow, "_kp_copy.copy(_kp_obj)"},
		{ModeDeep, "_kp_copy.deepcopy(_kp_obj)"},
	}
	for _, tc := range cases {
		code, err := BuildCode("df", Strategy{Mode: tc.mode})
		if err != nil {
			t.Fatalf("%s: %v", tc.mode, err)
		}
		if !strings.Contains(code, tc.want) {
			t.Fatalf("%s: missing %q in:\n%s", tc.mode, tc.want, code)
		}
		if !strings.Contains(code, "del globals()[_kp_name]") {
			t.Fatalf("%s: temporaries not cleaned up", tc.mode)
		}
	}
}

func TestBuildCodeDeepDepthUsesBoundedCopier(t *testing.T) {
	code, err := BuildCode("tree", Strategy{Mode: ModeDeep, MaxDepth: 3})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(code, "_kp_dup = _kp_copy_bounded(_kp_obj, 3)") {
		t.Fatalf("depth bound not applied to the copy itself:\n%s", code)
	}
	// The interpreter recursion limit is global state and no proxy for copy
	// depth; touching it for small bounds aborts the snippet outright.
	if strings.Contains(code, "setrecursionlimit") {
		t.Fatalf("recursion limit manipulated:\n%s", code)
	}
	if !strings.Contains(code, `"_kp_copy_bounded"`) {
		t.Fatalf("bounded copier not cleaned up:\n%s", code)
	}
}

func TestBuildCodeOnlySafeStatementsOutsideTry(t *testing.T) {
	// Everything preceding the try: block must be unable to raise, so the
	// cleanup block always runs and no temporary binding outlives a failed
	// snippet.
	for _, strategy := range []Strategy{
		{Mode: ModeReference},
		{Mode: ModeShallow},
		{Mode: ModeDeep},
		{Mode: ModeDeep, MaxDepth: 1},
	} {
		code, err := BuildCode("tree", strategy)
		if err != nil {
			t.Fatalf("%+v: %v", strategy, err)
		}
		prefix, _, ok := strings.Cut(code, "try:\n")
		if !ok {
			t.Fatalf("%+v: no try block:\n%s", strategy, code)
		}
		for _, line := range strings.Split(prefix, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "import ") ||
				strings.HasPrefix(line, "def ") || strings.HasPrefix(line, "if ") ||
				strings.HasPrefix(line, "return ") || strings.HasPrefix(line, "{") {
				continue
			}
			t.Fatalf("%+v: statement outside try can raise: %q", strategy, line)
		}
	}
}

func TestBuildCodeRejectsBadInput(t *testing.T) {
	if _, err := BuildCode("  ", Strategy{Mode: ModeShallow}); err == nil {
		t.Fatal("empty expression accepted")
	}
	if _, err := BuildCode("df", Strategy{Mode: "bogus"}); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
}

func TestParseEnvelopeExclusivity(t *testing.T) {
	env, err := ParseEnvelope("banner noise\n" + `{"format": "pickle", "payload": "AAECAw==", "success": true}` + "\n")
	if err != nil {
		t.Fatalf("parse success envelope: %v", err)
	}
	if !env.Success || env.Payload != "AAECAw==" || env.Error != "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	env, err = ParseEnvelope(`{"format": "pickle", "payload": "AAECAw==", "success": false, "error": "boom"}`)
	if err != nil {
		t.Fatalf("parse failure envelope: %v", err)
	}
	if env.Success || env.Payload != "" || env.Format != "" || env.Error != "boom" {
		t.Fatalf("failure envelope kept payload fields: %+v", env)
	}

	if _, err := ParseEnvelope(`{"format": "pickle", "payload": "", "success": true}`); err == nil {
		t.Fatal("success envelope without payload accepted")
	}
	if _, err := ParseEnvelope("   \n  "); !errors.Is(err, ErrEmptyOutput) {
		t.Fatalf("expected ErrEmptyOutput, got %v", err)
	}
}

func TestFailureEnvelope(t *testing.T) {
	env := Failure("no route")
	if env.Success || env.Error != "no route" || env.Payload != "" {
		t.Fatalf("unexpected failure envelope: %+v", env)
	}
}
