package runtime

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/alexos-labs/watchtower-agent/internal/faults"
)

func TestParseDaemonTime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"", time.Time{}},
		{"0001-01-01T00:00:00Z", time.Time{}},
		{"2026-08-25T12:00:00.5Z", time.Date(2026, 8, 25, 12, 0, 0, 500000000, time.UTC)},
		{"not a timestamp", time.Time{}},
	}
	for _, tc := range cases {
		if got := parseDaemonTime(tc.in); !got.Equal(tc.want) {
			t.Errorf("parseDaemonTime(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestListedName(t *testing.T) {
	cases := []struct {
		item container.Summary
		want string
	}{
		{container.Summary{Names: []string{"/web"}}, "web"},
		{container.Summary{Names: []string{"/web", "/alias"}}, "web"},
		{container.Summary{ID: "0123456789abcdef"}, "0123456789ab"},
		{container.Summary{ID: "short"}, "short"},
	}
	for _, tc := range cases {
		if got := listedName(tc.item); got != tc.want {
			t.Errorf("listedName(%+v) = %q, want %q", tc.item, got, tc.want)
		}
	}
}

func TestPullFaultClassification(t *testing.T) {
	if got := faults.KindOf(pullFault("nginx", context.DeadlineExceeded)); got != faults.Timeout {
		t.Errorf("deadline: kind = %s, want timeout", got)
	}
	if got := faults.KindOf(pullFault("nginx", context.Canceled)); got != faults.RegistryUnreachable {
		t.Errorf("generic: kind = %s, want registry_unreachable", got)
	}
}

func TestSpecPorts(t *testing.T) {
	exposed, bindings, err := specPorts(CreateSpec{
		Ports:        []PortMapping{{HostIP: "127.0.0.1", HostPort: "8080", ContainerPort: "80/tcp"}},
		ExposedPorts: []string{"9090/udp"},
	})
	if err != nil {
		t.Fatal(err)
	}
	web := network.MustParsePort("80/tcp")
	if _, ok := exposed[web]; !ok {
		t.Error("80/tcp not exposed")
	}
	if _, ok := exposed[network.MustParsePort("9090/udp")]; !ok {
		t.Error("9090/udp not exposed")
	}
	bound := bindings[web]
	if len(bound) != 1 || bound[0].HostPort != "8080" {
		t.Fatalf("bindings = %+v", bound)
	}
	if bound[0].HostIP != netip.MustParseAddr("127.0.0.1") {
		t.Errorf("host ip = %s", bound[0].HostIP)
	}
}

func TestSpecPortsInvalid(t *testing.T) {
	_, _, err := specPorts(CreateSpec{Ports: []PortMapping{{ContainerPort: "not-a-port"}}})
	if !faults.IsKind(err, faults.ConfigNotReplicable) {
		t.Errorf("bad port: err = %v", err)
	}
	_, _, err = specPorts(CreateSpec{Ports: []PortMapping{{ContainerPort: "80/tcp", HostIP: "localhost"}}})
	if !faults.IsKind(err, faults.ConfigNotReplicable) {
		t.Errorf("bad host ip: err = %v", err)
	}
}

func TestMappedPorts(t *testing.T) {
	port := network.MustParsePort("80/tcp")
	got := mappedPorts(network.PortMap{
		port: {
			{HostIP: netip.MustParseAddr("0.0.0.0"), HostPort: "8080"},
			{HostPort: "8081"},
		},
	})
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	for _, m := range got {
		if m.ContainerPort != "80/tcp" {
			t.Errorf("container port = %q", m.ContainerPort)
		}
	}
	if got[0].HostPort != "8080" || got[0].HostIP != "0.0.0.0" {
		t.Errorf("bound mapping = %+v", got[0])
	}
	// A binding without a host address stays empty rather than
	// rendering the zero netip.Addr.
	if got[1].HostIP != "" {
		t.Errorf("unbound host ip = %q", got[1].HostIP)
	}
}

func TestFakeLifecycle(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	id := f.Add(Details{
		Summary: Summary{Name: "web", ImageRef: "nginx:latest"},
		Running: true,
	})
	summaries, diags, err := f.List(ctx)
	if err != nil || len(diags) != 0 || len(summaries) != 1 {
		t.Fatalf("List = %v, %v, %v", summaries, diags, err)
	}

	if err := f.Stop(ctx, id, time.Second); err != nil {
		t.Fatal(err)
	}
	d, _ := f.Get(id)
	if d.Running || d.Status != "exited" {
		t.Errorf("after stop: %+v", d.Summary)
	}

	if err := f.Start(ctx, id); err != nil {
		t.Fatal(err)
	}
	d, _ = f.Get(id)
	if !d.Running {
		t.Error("not running after start")
	}

	if err := f.Remove(ctx, id, true); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Inspect(ctx, id); !faults.IsKind(err, faults.NotFound) {
		t.Errorf("inspect removed: err = %v", err)
	}
}

func TestFakePullErrQueue(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	f.SetDigest("nginx:latest", "sha256:new")
	f.QueuePullErr("nginx:latest", faults.New(faults.RegistryUnreachable, "dns"))

	if _, err := f.Pull(ctx, "nginx:latest"); err == nil {
		t.Fatal("queued error not returned")
	}
	digest, err := f.Pull(ctx, "nginx:latest")
	if err != nil || digest != "sha256:new" {
		t.Errorf("second pull = %q, %v", digest, err)
	}
}
