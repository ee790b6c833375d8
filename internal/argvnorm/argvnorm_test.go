package argvnorm

import (
	"os"
	"strings"
	"testing"
)

func TestIsShellC(t *testing.T) {
	cases := []struct {
		argv []string
		want bool
	}{
		{[]string{"bash", "-c", "echo hi"}, true},
		{[]string{"bash", "-ic", "echo hi"}, true},
		{[]string{"sh", "-c", "echo hi"}, true},
		{[]string{"echo", "hi"}, false},
		{[]string{"bash"}, false},
		{[]string{"bash", "--login"}, false},
	}
	for _, tc := range cases {
		if got := IsShellC(tc.argv); got != tc.want {
			t.Errorf("IsShellC(%v) = %v, want %v", tc.argv, got, tc.want)
		}
	}
}

func TestNormalizeShellCPassesThrough(t *testing.T) {
	argv := []string{"bash", "-c", "echo hi"}
	got, err := Normalize(argv, nil, false, false)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(got) != len(argv) || got[0] != "bash" {
		t.Fatalf("expected passthrough, got %v", got)
	}
}

func TestNormalizeSingleTokenWrapsAsSnippet(t *testing.T) {
	got, err := Normalize([]string{"cd x && make"}, nil, false, false)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(got) != 5 || got[len(got)-1] != "cd x && make" {
		t.Fatalf("unexpected wrapping: %v", got)
	}
}

func TestNormalizeMultiTokenJoinsAndQuotes(t *testing.T) {
	got, err := Normalize([]string{"echo", "hello world"}, nil, false, false)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	joined := got[len(got)-1]
	if !strings.Contains(joined, "echo") || !strings.Contains(joined, "'hello world'") {
		t.Fatalf("expected quoted join, got %q", joined)
	}
}

func TestNormalizeRejectsAmbiguousOperator(t *testing.T) {
	_, err := Normalize([]string{"echo", "hi", "&&", "echo", "bye"}, nil, false, false)
	if err == nil {
		t.Fatalf("expected error for ambiguous operator token")
	}
}

func TestRewriteLocalExpandedEnvTokens(t *testing.T) {
	os.Setenv("CUDA_VISIBLE_DEVICES", "0,1")
	defer os.Unsetenv("CUDA_VISIBLE_DEVICES")

	argv := []string{"echo", "0,1"}
	remoteEnv := map[string]string{"CUDA_VISIBLE_DEVICES": "2,3"}
	got := RewriteLocalExpandedEnvTokens(argv, remoteEnv)
	if got[1] != "$CUDA_VISIBLE_DEVICES" {
		t.Fatalf("expected rewrite to literal $VAR, got %v", got)
	}
}

func TestRewriteLocalExpandedEnvTokensAssignmentPrefix(t *testing.T) {
	os.Setenv("FOO", "localval")
	defer os.Unsetenv("FOO")

	argv := []string{"FOO=newval", "echo", "localval"}
	got := RewriteLocalExpandedEnvTokens(argv, map[string]string{"FOO": "ignored"})
	if got[2] != "newval" {
		t.Fatalf("expected token replaced with assignment RHS, got %v", got)
	}
}

func TestShellJoinTokensPreservesVarRefs(t *testing.T) {
	got := ShellJoinTokens([]string{"echo", "$HOME", "${PATH}", "hi there"})
	want := "echo $HOME ${PATH} 'hi there'"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestShellPreludeColorAliasesOnlyWhenTTY(t *testing.T) {
	os.Unsetenv("NO_COLOR")
	p := ShellPrelude(false, true)
	if !strings.Contains(p, "alias ls=") {
		t.Fatalf("expected color aliases when stdout is a tty, got %q", p)
	}
	p2 := ShellPrelude(false, false)
	if strings.Contains(p2, "alias ls=") {
		t.Fatalf("expected no color aliases when stdout is not a tty, got %q", p2)
	}
}
