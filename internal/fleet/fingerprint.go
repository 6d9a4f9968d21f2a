package fleet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/alexos-labs/watchtower-agent/internal/runtime"
)

// ephemeralLabelPrefixes are label namespaces that change between
// otherwise identical containers and are excluded from the fingerprint.
var ephemeralLabelPrefixes = []string{
	"org.opencontainers.",
	"com.docker.compose.config-hash",
}

// Fingerprint hashes the replicable configuration of a container:
// environment, command, entrypoint, binds, ports, stable labels,
// network mode, and restart policy. The image reference is excluded so
// the fingerprint survives an image update. Two containers with equal
// fingerprints are externally indistinguishable.
func Fingerprint(d runtime.Details) string {
	h := sha256.New()

	writeList(h, "env", sortedCopy(d.Env))
	writeList(h, "cmd", d.Cmd)
	writeList(h, "entrypoint", d.Entrypoint)
	writeList(h, "binds", sortedCopy(d.Binds))

	ports := make([]string, 0, len(d.Ports))
	for _, p := range d.Ports {
		ports = append(ports, p.HostIP+":"+p.HostPort+":"+p.ContainerPort)
	}
	sort.Strings(ports)
	writeList(h, "ports", ports)
	writeList(h, "exposed", sortedCopy(d.ExposedPorts))

	labels := make([]string, 0, len(d.Labels))
	for k, v := range d.Labels {
		if ephemeralLabel(k) {
			continue
		}
		labels = append(labels, k+"="+v)
	}
	sort.Strings(labels)
	writeList(h, "labels", labels)

	writeList(h, "net", []string{d.NetworkMode})
	writeList(h, "restart", []string{d.RestartPolicy})

	return hex.EncodeToString(h.Sum(nil))
}

func ephemeralLabel(key string) bool {
	for _, prefix := range ephemeralLabelPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// writeList writes a length-prefixed section so adjacent sections
// cannot collide however their values are shaped.
func writeList(w io.Writer, section string, values []string) {
	fmt.Fprintf(w, "%s:%d\n", section, len(values))
	for _, v := range values {
		fmt.Fprintf(w, "%d:%s\n", len(v), v)
	}
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
