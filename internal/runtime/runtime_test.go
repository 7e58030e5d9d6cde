package runtime

import (
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/wkaandemir/branch-nexus/internal/errors"
)

func TestLocal_ExecuteCapturesOutput(t *testing.T) {
	h := NewLocal(nil)
	res, err := h.Execute(context.Background(), Cmd("sh", "-c", "echo out; echo err >&2; exit 3"), Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Output() != "out" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "out\n")
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if res.Success() {
		t.Error("Success() = true for exit 3")
	}
}

func TestLocal_ExecuteHonorsDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	h := NewLocal(nil)
	res, err := h.Execute(context.Background(), Cmd("sh", "-c", `printf "%s|%s" "$PWD" "$BN_TEST_VALUE"`), Options{
		Dir: dir,
		Env: map[string]string{"BN_TEST_VALUE": "overlay"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	parts := strings.SplitN(res.Stdout, "|", 2)
	if len(parts) != 2 {
		t.Fatalf("unexpected output %q", res.Stdout)
	}
	gotDir, _ := filepath.EvalSymlinks(parts[0])
	wantDir, _ := filepath.EvalSymlinks(dir)
	if gotDir != wantDir {
		t.Errorf("working dir = %q, want %q", gotDir, wantDir)
	}
	if parts[1] != "overlay" {
		t.Errorf("env value = %q, want overlay", parts[1])
	}
}

func TestLocal_MissingBinaryIsExecutionError(t *testing.T) {
	h := NewLocal(nil)
	_, err := h.Execute(context.Background(), Cmd("branchnexus-definitely-missing-binary"), Options{})
	var execErr *errors.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Execute() error = %v, want *ExecutionError", err)
	}
	if !errors.Is(err, errors.ErrBinaryNotFound) {
		t.Error("error does not wrap ErrBinaryNotFound")
	}
	if !errors.IsFatal(err) {
		t.Error("launch failure must be fatal")
	}
}

func TestLocal_Timeout(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want errors.Kind
	}{
		{"idempotent timeout is recoverable", Cmd("sleep", "5"), errors.Recoverable},
		{"non-idempotent timeout is fatal", Mutating("sleep", "5"), errors.Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewLocal(nil)
			start := time.Now()
			_, err := h.Execute(context.Background(), tt.cmd, Options{Timeout: 50 * time.Millisecond})
			if err == nil {
				t.Fatal("Execute() = nil, want timeout error")
			}
			if time.Since(start) > 4*time.Second {
				t.Error("timeout was not enforced")
			}
			if got := errors.KindOf(err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
			if !errors.Is(err, errors.ErrCommandTimeout) {
				t.Error("error does not wrap ErrCommandTimeout")
			}
		})
	}
}

func TestLocal_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocal(nil).Execute(ctx, Cmd("sleep", "5"), Options{})
	if err == nil {
		t.Fatal("Execute() = nil, want error")
	}
	if errors.IsRecoverable(err) {
		t.Error("cancellation must not be recoverable")
	}
}

func TestWSL_RejectsUnknownDistribution(t *testing.T) {
	tests := []struct {
		name         string
		distribution string
	}{
		{"empty", ""},
		{"not discovered", "Fedora"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWSL(tt.distribution, []string{"Debian", "Ubuntu"}, nil)
			if !errors.IsConfiguration(err) {
				t.Fatalf("NewWSL() error = %v, want ConfigurationError", err)
			}
			if !errors.Is(err, errors.ErrUnknownDistribution) {
				t.Error("error does not wrap ErrUnknownDistribution")
			}
		})
	}
}

func TestWSL_Argv(t *testing.T) {
	w, err := NewWSL("Ubuntu", []string{"Ubuntu"}, nil)
	if err != nil {
		t.Fatalf("NewWSL() error = %v", err)
	}
	got := w.Argv(Cmd("git", "status"), Options{Dir: "/home/u/repo", Env: map[string]string{"B": "2", "A": "1"}})
	want := []string{"wsl.exe", "-d", "Ubuntu", "--cd", "/home/u/repo", "--", "env", "A=1", "B=2", "git", "status"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Argv() = %v, want %v", got, want)
	}
	if w.Kind() != KindWSL || w.String() != "wsl:Ubuntu" {
		t.Errorf("Kind/String = %v/%v", w.Kind(), w.String())
	}
}

func TestWSL_CheckReachable(t *testing.T) {
	w, _ := NewWSL("Ubuntu", []string{"Ubuntu"}, nil)
	tests := []struct {
		name    string
		res     Result
		wantNil bool
		kind    errors.Kind
	}{
		{"success", Result{}, true, errors.Fatal},
		{"ordinary failure is data", Result{ExitCode: 1, Stderr: "fatal: not a git repository"}, true, errors.Fatal},
		{"missing distro", Result{ExitCode: 1, Stderr: "There is no distribution with the supplied name."}, false, errors.Fatal},
		{"service race", Result{ExitCode: 1, Stderr: "Failed to connect to the WSL service"}, false, errors.Recoverable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := w.checkReachable(tt.res)
			if (err == nil) != tt.wantNil {
				t.Fatalf("checkReachable() = %v, wantNil %v", err, tt.wantNil)
			}
			if err != nil && errors.KindOf(err) != tt.kind {
				t.Errorf("KindOf() = %v, want %v", errors.KindOf(err), tt.kind)
			}
		})
	}
}

func TestContainer_Argv(t *testing.T) {
	c, err := NewContainer("", "dev-box", nil)
	if err != nil {
		t.Fatalf("NewContainer() error = %v", err)
	}
	got := c.Argv(Cmd("tmux", "attach"), Options{Dir: "/work", Env: map[string]string{"TERM": "xterm"}, Interactive: true})
	want := []string{"docker", "exec", "-it", "-w", "/work", "-e", "TERM=xterm", "dev-box", "tmux", "attach"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Argv() = %v, want %v", got, want)
	}
	if c.PaneEntry("/work/a b") != `cd '/work/a b' && exec "${SHELL:-bash}" -l` {
		t.Errorf("PaneEntry() = %q", c.PaneEntry("/work/a b"))
	}
}

func TestContainer_RequiresName(t *testing.T) {
	if _, err := NewContainer("podman", " ", nil); !errors.IsConfiguration(err) {
		t.Errorf("NewContainer() error = %v, want ConfigurationError", err)
	}
}

func TestContainer_UnreachableIsExecutionError(t *testing.T) {
	c, _ := NewContainer("docker", "gone", nil)
	err := c.checkReachable(Result{ExitCode: 1, Stderr: "Error response from daemon: No such container: gone"})
	var execErr *errors.ExecutionError
	if !errors.As(err, &execErr) {
		t.Errorf("checkReachable() = %v, want *ExecutionError", err)
	}
}

func TestDecodeConsole(t *testing.T) {
	utf16 := []byte{0xFF, 0xFE, 'U', 0, 'b', 0, 'u', 0, 'n', 0, 't', 0, 'u', 0, '\r', 0, '\n', 0, 'D', 0, 'e', 0, 'b', 0, 'i', 0, 'a', 0, 'n', 0, '\n', 0}
	got := parseDistributions(decodeConsole(utf16))
	want := []string{"Debian", "Ubuntu"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseDistributions(utf16) = %v, want %v", got, want)
	}

	plain := parseDistributions(decodeConsole([]byte("Ubuntu\nUbuntu\n\nAlpine\n")))
	if !reflect.DeepEqual(plain, []string{"Alpine", "Ubuntu"}) {
		t.Errorf("parseDistributions(plain) = %v", plain)
	}
}

func TestToWSLPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`C:\Users\dev\repo`, "/mnt/c/Users/dev/repo"},
		{`D:\`, "/mnt/d"},
		{"/home/dev", "/home/dev"},
	}
	for _, tt := range tests {
		if got := ToWSLPath(tt.in); got != tt.want {
			t.Errorf("ToWSLPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"local", "WSL", " container "} {
		if _, err := ParseKind(s); err != nil {
			t.Errorf("ParseKind(%q) error = %v", s, err)
		}
	}
	if _, err := ParseKind("vm"); err == nil {
		t.Error("ParseKind(vm) = nil error")
	}
}

func TestSelect(t *testing.T) {
	h, err := Select(context.Background(), Spec{Kind: KindLocal}, nil)
	if err != nil || h.Kind() != KindLocal {
		t.Fatalf("Select(local) = %v, %v", h, err)
	}
	h, err = Select(context.Background(), Spec{Kind: KindContainer, Container: "box"}, nil)
	if err != nil || h.Kind() != KindContainer {
		t.Fatalf("Select(container) = %v, %v", h, err)
	}
	if _, err := Select(context.Background(), Spec{Kind: "vm"}, nil); !errors.IsConfiguration(err) {
		t.Errorf("Select(vm) error = %v, want ConfigurationError", err)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "''"},
		{"/plain/path-1.2", "/plain/path-1.2"},
		{"it's", `'it'"'"'s'`},
		{"a b", "'a b'"},
	}
	for _, tt := range tests {
		if got := ShellQuote(tt.in); got != tt.want {
			t.Errorf("ShellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWhich(t *testing.T) {
	ok, err := Which(context.Background(), NewLocal(nil), "sh")
	if err != nil || !ok {
		t.Errorf("Which(sh) = %v, %v", ok, err)
	}
	ok, err = Which(context.Background(), NewLocal(nil), "branchnexus-missing-tool")
	if err != nil || ok {
		t.Errorf("Which(missing) = %v, %v", ok, err)
	}
}

func TestHomeDir(t *testing.T) {
	t.Setenv("HOME", "/home/dev")
	home, err := HomeDir(context.Background(), NewLocal(nil))
	if err != nil || home != "/home/dev" {
		t.Errorf("HomeDir() = %q, %v", home, err)
	}
}
