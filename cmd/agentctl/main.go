// agentctl is a small operator CLI for the watchtower agent's HTTP API.
//
// Usage:
//
//	agentctl [-addr http://localhost:8080] [-token TOKEN] <command> [arg]
//
// Commands:
//
//	status                 agent status
//	containers             list monitored containers
//	inspect <id|name>      full record for one container
//	update <id|name>       trigger a check-and-apply
//	dismiss <id|name>      drop a detected update
//	restart <id|name>      restart a container
//	stop <id|name>         stop a container
//	start <id|name>        start a container
//	updates                recent update history
//	check                  trigger a check sweep
//	config                 show mutable configuration
//	events                 recent events
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "agent base URL")
	token := flag.String("token", os.Getenv("WATCHTOWER_TOKEN"), "API token for mutations")
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)
	arg := flag.Arg(1)

	method, path, err := route(cmd, arg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	req, err := http.NewRequest(method, strings.TrimRight(*addr, "/")+path, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Println(indent(body))
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func route(cmd, arg string) (method, path string, err error) {
	needArg := func() error {
		if arg == "" {
			return fmt.Errorf("%s requires a container id or name", cmd)
		}
		return nil
	}
	switch cmd {
	case "status":
		return http.MethodGet, "/api/watchtower/status", nil
	case "containers":
		return http.MethodGet, "/api/watchtower/containers", nil
	case "inspect":
		return http.MethodGet, "/api/watchtower/containers/" + arg, needArg()
	case "update":
		return http.MethodPost, "/api/watchtower/containers/" + arg + "/update", needArg()
	case "dismiss":
		return http.MethodPost, "/api/watchtower/containers/" + arg + "/dismiss", needArg()
	case "restart":
		return http.MethodPost, "/api/watchtower/containers/" + arg + "/restart", needArg()
	case "stop":
		return http.MethodPost, "/api/watchtower/containers/" + arg + "/stop", needArg()
	case "start":
		return http.MethodPost, "/api/watchtower/containers/" + arg + "/start", needArg()
	case "updates":
		return http.MethodGet, "/api/watchtower/updates", nil
	case "check":
		return http.MethodPost, "/api/watchtower/check-updates", nil
	case "config":
		return http.MethodGet, "/api/watchtower/config", nil
	case "events":
		return http.MethodGet, "/api/watchtower/events", nil
	default:
		return "", "", fmt.Errorf("unknown command %q", cmd)
	}
}

// indent pretty-prints a JSON body, passing through anything else.
func indent(body []byte) string {
	var buf any
	if err := json.Unmarshal(body, &buf); err != nil {
		return string(body)
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return string(body)
	}
	return string(out)
}
