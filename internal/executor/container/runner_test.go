package container

import (
	"errors"
	"reflect"
	"testing"
)

func TestDetectRuntimePrefersDocker(t *testing.T) {
	lookups := map[string]string{
		"podman": "/bin/podman",
		"docker": "/bin/docker",
	}
	runtime, err := DetectRuntime(func(cmd string) (string, error) {
		if path, ok := lookups[cmd]; ok {
			return path, nil
		}
		return "", errors.New("not found")
	})
	if err != nil {
		t.Fatalf("expected runtime detection, got error %v", err)
	}
	if runtime != RuntimeDocker {
		t.Fatalf("expected docker runtime, got %s", runtime)
	}
}

func TestDetectRuntimeFallbackPodman(t *testing.T) {
	runtime, err := DetectRuntime(func(cmd string) (string, error) {
		if cmd == "podman" {
			return "/bin/podman", nil
		}
		return "", errors.New("missing")
	})
	if err != nil {
		t.Fatalf("expected detection, got %v", err)
	}
	if runtime != RuntimePodman {
		t.Fatalf("expected podman fallback, got %s", runtime)
	}
}

func TestDetectRuntimeError(t *testing.T) {
	_, err := DetectRuntime(func(cmd string) (string, error) {
		return "", errors.New("missing")
	})
	if err == nil {
		t.Fatalf("expected error when no runtime available")
	}
}

func TestParseRuntime(t *testing.T) {
	if rt, err := ParseRuntime(""); err != nil || rt != RuntimeDocker {
		t.Fatalf("expected docker default, got %s %v", rt, err)
	}
	if rt, err := ParseRuntime("Podman"); err != nil || rt != RuntimePodman {
		t.Fatalf("expected podman, got %s %v", rt, err)
	}
	if _, err := ParseRuntime("lxc"); err == nil {
		t.Fatalf("expected error for unsupported runtime")
	}
}

func TestResolveRuntime(t *testing.T) {
	orig := execLookPath
	t.Cleanup(func() { execLookPath = orig })
	execLookPath = func(file string) (string, error) {
		if file == "podman" {
			return "/usr/bin/podman", nil
		}
		return "", errors.New("not found")
	}

	if rt, err := ResolveRuntime("auto", true); err != nil || rt != RuntimePodman {
		t.Fatalf("expected detected podman, got %s %v", rt, err)
	}
	if rt, err := ResolveRuntime(" AUTO ", false); err != nil || rt != RuntimeDocker {
		t.Fatalf("expected docker for remote nodes, got %s %v", rt, err)
	}
	if rt, err := ResolveRuntime("podman", false); err != nil || rt != RuntimePodman {
		t.Fatalf("expected explicit podman, got %s %v", rt, err)
	}

	execLookPath = func(string) (string, error) { return "", errors.New("not found") }
	if _, err := ResolveRuntime("auto", true); err == nil {
		t.Fatalf("expected error without any runtime on the host")
	}
}

func TestBuildArgsRestartAndNetwork(t *testing.T) {
	args, err := BuildArgs(RunOptions{Runtime: RuntimeDocker, Image: "img", Name: "c", Restart: "always", NetworkMode: "none"})
	if err != nil {
		t.Fatalf("build args: %v", err)
	}
	want := "docker run --detach --name c --restart always --security-opt=no-new-privileges --label edgefleet.workload=true --network none img"
	if got := Shell(args); got != want {
		t.Fatalf("unexpected command:\n got %s\nwant %s", got, want)
	}
	for _, ok := range []string{"no", "on-failure", "on-failure:3"} {
		if err := ValidateRestart(ok); err != nil {
			t.Fatalf("%s: %v", ok, err)
		}
	}
	for _, bad := range []string{"sometimes", "on-failure:0", "on-failure:x"} {
		if err := ValidateRestart(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestBuildArgsWorkloadDefaults(t *testing.T) {
	opts := RunOptions{
		Runtime: RuntimeDocker,
		Image:   "example/storage:latest",
		Name:    "edgefleet-storage",
		CPUs:    1.5,
		Memory:  "2g",
		Env:     map[string]string{"B": "2", "A": "1"},
		Mounts:  []Mount{{Source: "/srv/storage", Destination: "/data"}},
	}
	args, err := BuildArgs(opts)
	if err != nil {
		t.Fatalf("build args: %v", err)
	}
	expect := []string{
		"docker", "run", "--detach", "--name", "edgefleet-storage",
		"--restart", "unless-stopped",
		"--security-opt=no-new-privileges",
		"--label", "edgefleet.workload=true",
		"--cpus", "1.5",
		"--memory", "2g",
		"--env", "A=1",
		"--env", "B=2",
		"--volume", "/srv/storage:/data:rw",
		"example/storage:latest",
	}
	if !reflect.DeepEqual(args, expect) {
		t.Fatalf("unexpected args:\n got %v\nwant %v", args, expect)
	}
}

func TestBuildArgsPublishesPortsAndGPU(t *testing.T) {
	args, err := BuildArgs(RunOptions{Runtime: RuntimePodman, Image: "img", Name: "c", Ports: []int{8080}, GPU: true, Command: []string{"serve"}})
	if err != nil {
		t.Fatalf("build args: %v", err)
	}
	got := Shell(args)
	want := "podman run --detach --name c --restart unless-stopped --security-opt=no-new-privileges --label edgefleet.workload=true --gpus all --publish 8080:8080 img serve"
	if got != want {
		t.Fatalf("unexpected command:\n got %s\nwant %s", got, want)
	}
}

func TestBuildArgsValidation(t *testing.T) {
	cases := []RunOptions{
		{Runtime: RuntimeDocker, Name: "c"},
		{Image: "img", Name: "c"},
		{Runtime: RuntimeDocker, Image: "img"},
		{Runtime: RuntimeDocker, Image: "img", Name: "c", Ports: []int{70000}},
		{Runtime: RuntimeDocker, Image: "img", Name: "c", Mounts: []Mount{{Source: "/a", Destination: "rel"}}},
	}
	for i, opts := range cases {
		if _, err := BuildArgs(opts); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestParseMount(t *testing.T) {
	m, err := ParseMount("/srv/data:/data:ro")
	if err != nil || !m.ReadOnly || m.Source != "/srv/data" || m.Destination != "/data" {
		t.Fatalf("unexpected mount %+v %v", m, err)
	}
	for _, bad := range []string{"/only", "/a:/b:xx", "/a:rel"} {
		if _, err := ParseMount(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestRemoveArgs(t *testing.T) {
	if got := Shell(RemoveArgs(RuntimePodman, "c")); got != "podman rm --force --ignore c" {
		t.Fatalf("unexpected podman remove: %s", got)
	}
	if got := Shell(RemoveArgs(RuntimeDocker, "c")); got != "docker rm --force c" {
		t.Fatalf("unexpected docker remove: %s", got)
	}
}

func TestParseNamesAndLimits(t *testing.T) {
	if names := ParseNames("edgefleet-storage\n\n  other \n"); !reflect.DeepEqual(names, []string{"edgefleet-storage", "other"}) {
		t.Fatalf("unexpected names %v", names)
	}
	limits, err := ParseLimits("/edgefleet-storage 1500000000 2147483648\n/noisy 0 0\n")
	if err != nil {
		t.Fatalf("parse limits: %v", err)
	}
	want := []Limits{{Name: "edgefleet-storage", NanoCPUs: 1500000000, MemoryBytes: 2147483648}, {Name: "noisy"}}
	if !reflect.DeepEqual(limits, want) {
		t.Fatalf("unexpected limits %+v", limits)
	}
	if _, err := ParseLimits("/x abc 1"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestQuote(t *testing.T) {
	cases := map[string]string{
		"plain":          "plain",
		"":               "''",
		"{{.Names}}":     "'{{.Names}}'",
		"it's":           `'it'\''s'`,
		"label=a.b=true": "label=a.b=true",
		"with space":     "'with space'",
	}
	for in, want := range cases {
		if got := Quote(in); got != want {
			t.Fatalf("Quote(%q) = %s, want %s", in, got, want)
		}
	}
}
