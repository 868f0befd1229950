// Package cli implements the hooktun command-line surface over the daemon
// socket. The CLI is a thin debugging front end; the menu-bar app talks to
// the same API through appclient.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"

	"hooktun/internal/api"
	"hooktun/internal/config"
)

type Runner struct {
	baseURL string
	client  *http.Client
	out     io.Writer
	errOut  io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewRunnerWithClient("http://unix", &http.Client{Transport: transport}, out, errOut)
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		out:     out,
		errOut:  errOut,
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" && r.baseURL == "http://unix" {
		*r = *NewRunner(socketPath, r.out, r.errOut)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "status":
		return r.runStatus(ctx)
	case "sessions":
		return r.runSessions(ctx, rest[1:])
	case "ensure":
		return r.runEnsure(ctx, rest[1:])
	case "send":
		return r.runSend(ctx, rest[1:])
	case "windows":
		return r.runWindows(ctx, rest[1:])
	case "heartbeat":
		return r.runHeartbeat(ctx, rest[1:])
	case "ports":
		return r.runPorts(ctx, rest[1:])
	case "events":
		return r.runEvents(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func (r *Runner) runStatus(ctx context.Context) int {
	body, err := r.request(ctx, http.MethodGet, "/v1/health", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	var resp api.HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "daemon %s (schema %s)\n", resp.Status, resp.SchemaVersion)
	return 0
}

func (r *Runner) runSessions(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	pos, rest := splitLeadingArgs(args)
	if err := fs.Parse(rest); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	pos = append(pos, fs.Args()...)
	if len(pos) == 1 {
		return r.runSessionShow(ctx, pos[0], *jsonOut)
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/sessions", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.SessionsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	for _, s := range env.Sessions {
		hb := "-"
		if s.LastHeartbeatAt != nil {
			hb = *s.LastHeartbeatAt
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%d\t%s\t%s\t%s\n", s.WindowHandle, s.Port, s.State, s.HookVersion, hb)
	}
	return 0
}

func (r *Runner) runSessionShow(ctx context.Context, handle string, jsonOut bool) int {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: hooktun sessions [<window-handle>]")
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(handle), nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.SessionEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	s := env.Session
	_, _ = fmt.Fprintf(r.out, "window:  %s\nstate:   %s\nport:    %d\n", s.WindowHandle, s.State, s.Port)
	if s.HookVersion != "" {
		_, _ = fmt.Fprintf(r.out, "hook:    %s\n", s.HookVersion)
	}
	if s.LastHeartbeatAt != nil {
		_, _ = fmt.Fprintf(r.out, "last-hb: %s\n", *s.LastHeartbeatAt)
	}
	if s.PendingCommands > 0 {
		_, _ = fmt.Fprintf(r.out, "pending: %d\n", s.PendingCommands)
	}
	if s.LastError != "" {
		_, _ = fmt.Fprintf(r.out, "error:   %s\n", s.LastError)
	}
	return 0
}

func (r *Runner) runEnsure(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("ensure", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	pos, rest := splitLeadingArgs(args)
	if err := fs.Parse(rest); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	pos = append(pos, fs.Args()...)
	var handle string
	if len(pos) > 0 {
		handle = strings.TrimSpace(pos[0])
	}
	if handle == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: hooktun ensure <window-handle>")
		return 2
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(handle)+"/ensure", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.SessionEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "%s\t%d\t%s\n", env.Session.WindowHandle, env.Session.Port, env.Session.State)
	if env.Session.State != "connected" {
		return 1
	}
	return 0
}

func (r *Runner) runSend(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	payload := fs.String("payload", "", "JSON payload for the command")
	jsonOut := fs.Bool("json", false, "output JSON")
	pos, rest := splitLeadingArgs(args)
	if err := fs.Parse(rest); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	pos = append(pos, fs.Args()...)
	var handle, cmdType string
	if len(pos) > 0 {
		handle = strings.TrimSpace(pos[0])
	}
	if len(pos) > 1 {
		cmdType = strings.TrimSpace(pos[1])
	}
	if handle == "" || cmdType == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: hooktun send <window-handle> <command-type> [--payload <json>]")
		return 2
	}
	req := api.CommandRequest{Type: cmdType}
	if *payload != "" {
		if !json.Valid([]byte(*payload)) {
			_, _ = fmt.Fprintln(r.errOut, "error: --payload must be valid JSON")
			return 2
		}
		req.Payload = json.RawMessage(*payload)
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(handle)+"/command", nil, req)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var resp api.CommandResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return r.handleErr(err)
	}
	if resp.Error != nil {
		_, _ = fmt.Fprintf(r.errOut, "hook error %s: %s\n", resp.Error.Code, resp.Error.Message)
		return 1
	}
	if len(resp.Result) > 0 {
		_, _ = r.out.Write(resp.Result)
		_, _ = fmt.Fprintln(r.out)
	}
	return 0
}

func (r *Runner) runWindows(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] != "sync" {
		_, _ = fmt.Fprintln(r.errOut, "usage: hooktun windows sync <handle>...")
		return 2
	}
	req := api.WindowsSyncRequest{Windows: args[1:]}
	if req.Windows == nil {
		req.Windows = []string{}
	}
	body, err := r.request(ctx, http.MethodPut, "/v1/windows", nil, req)
	if err != nil {
		return r.handleErr(err)
	}
	var resp api.WindowsSyncResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "synced %d window(s): %d added, %d removed\n", resp.Total, resp.Added, resp.Removed)
	return 0
}

func (r *Runner) runHeartbeat(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("heartbeat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	port := fs.Int("port", 0, "tunnel port the hook reports on")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if *port <= 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: hooktun heartbeat --port <port>")
		return 2
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/heartbeats", nil, api.HeartbeatRequest{Port: *port})
	if err != nil {
		return r.handleErr(err)
	}
	var resp api.HeartbeatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return r.handleErr(err)
	}
	if !resp.Accepted {
		_, _ = fmt.Fprintf(r.out, "dropped: no window assigned to port %d\n", *port)
		return 1
	}
	_, _ = fmt.Fprintf(r.out, "accepted for %s\n", resp.WindowHandle)
	return 0
}

func (r *Runner) runPorts(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("ports", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/ports", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.PortsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	for _, a := range env.Assignments {
		_, _ = fmt.Fprintf(r.out, "%d\t%s\t%s\n", a.Port, a.WindowHandle, a.UpdatedAt)
	}
	return 0
}

func (r *Runner) runEvents(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	pos, rest := splitLeadingArgs(args)
	if err := fs.Parse(rest); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	pos = append(pos, fs.Args()...)
	var handle string
	if len(pos) > 0 {
		handle = strings.TrimSpace(pos[0])
	}
	if handle == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: hooktun events <window-handle>")
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(handle)+"/events", nil, nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		_, _ = r.out.Write(body)
		_, _ = fmt.Fprintln(r.out)
		return 0
	}
	var env api.SessionEventsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	for _, ev := range env.Events {
		reason := ev.ReasonCode
		if reason == "" {
			reason = "-"
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%s -> %s\t%s\n", ev.OccurredAt, ev.FromState, ev.ToState, reason)
	}
	return 0
}

// splitLeadingArgs separates positional arguments that precede the first
// flag, so "send win-1 type --payload x" parses both ways around.
func splitLeadingArgs(args []string) (pos, rest []string) {
	rest = args
	for len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		pos = append(pos, rest[0])
		rest = rest[1:]
	}
	return pos, rest
}

func parseGlobalArgs(args []string) (string, []string, error) {
	socket := config.DefaultConfig().SocketPath
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return socket, rest, nil
}

func (r *Runner) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if unmarshalErr := json.Unmarshal(payload, &er); unmarshalErr == nil && er.Error.Code != "" {
			return nil, fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: hooktun [--socket <path>] <status|sessions|ensure|send|windows|heartbeat|ports|events> ...")
}
