package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetadata(t *testing.T) {
	err := New(
		"hub/api",
		CodeUpstream,
		WithHTTP(502),
		WithMessage("create subscription rejected"),
		WithRawCode("Bad Gateway"),
		WithRawMessage("upstream hiccup"),
		WithField("channel_id", "100"),
		WithField("topic", "stream.online"),
		WithCause(errors.New("helix http 502")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=hub/api") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=upstream_error") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=502") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	expectedMeta := "meta=channel_id=\"100\",topic=\"stream.online\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"helix http 502\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := New("ipc/client", CodeNetwork, WithCause(cause))

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the cause")
	}
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"direct", New("x", CodeAuth), CodeAuth},
		{"wrapped", fmt.Errorf("outer: %w", New("x", CodeCostExceeded)), CodeCostExceeded},
		{"plain", errors.New("plain"), Code("")},
		{"nil", nil, Code("")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeOf(tc.err); got != tc.want {
				t.Fatalf("CodeOf = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIsCodeMatchesWrappedEnvelope(t *testing.T) {
	err := fmt.Errorf("create subscription: %w", New("hub/api", CodeCostExceeded, WithHTTP(429)))

	if !IsCode(err, CodeCostExceeded) {
		t.Fatalf("expected IsCode to match wrapped envelope")
	}
	if IsCode(err, CodeAuth) {
		t.Fatalf("expected IsCode to reject non-matching code")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("nil error string = %q, want <nil>", got)
	}
}
