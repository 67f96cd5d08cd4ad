// Command custodian is the CLI client for the custodian daemon.
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

	"github.com/GoCodeAlone/custodian/internal/version"
	"github.com/GoCodeAlone/custodian/update"
)

const defaultServer = "http://localhost:9090"

func main() {
	var (
		serverURL = flag.String("server", defaultServer, "custodian server URL")
		token     = flag.String("token", os.Getenv("CUSTODIAN_TOKEN"), "JWT auth token")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "login":
		err = cli.cmdLogin(rest)
	case "cycle":
		err = cli.cmdCycle(rest)
	case "tasks":
		err = cli.cmdTasks(rest)
	case "task":
		err = cli.cmdTask(rest)
	case "findings":
		err = cli.cmdFindings(rest)
	case "report":
		err = cli.cmdReport(rest)
	case "update":
		err = cmdUpdate(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `custodian - CLI for the custodian maintenance daemon

Usage:
  custodian [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:9090)
  --token   <token>  JWT auth token (or $CUSTODIAN_TOKEN)

Commands:
  version              print version
  status               show daemon status
  login <user>         obtain a token (prompts on stdin for the password)
  cycle                trigger a maintenance cycle now
  tasks [status]       list tasks, optionally filtered by status
  task <id>            show one task
  findings [--open]    list findings (--open: unconverted only)
  report               show the latest executive report
  update               self-update to the latest release
`)
}

// --- version ---

func cmdVersion(_ []string) error {
	fmt.Printf("custodian %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// post performs a POST and decodes JSON response into v (may be nil).
func (c *Client) post(path string, body io.Reader, v any) error {
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if v != nil && resp.ContentLength != 0 {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// --- status ---

func (c *Client) cmdStatus(_ []string) error {
	var result map[string]any
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Printf("status:        %s\n", strVal(result["status"]))
	fmt.Printf("version:       %s\n", strVal(result["version"]))
	fmt.Printf("uptime:        %s\n", strVal(result["uptime"]))
	fmt.Printf("pending tasks: %s\n", strVal(result["pending_tasks"]))
	return nil
}

// --- login ---

func (c *Client) cmdLogin(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: custodian login <user>")
	}
	fmt.Fprint(os.Stderr, "password: ")
	var password string
	if _, err := fmt.Scanln(&password); err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	body := fmt.Sprintf(`{"username":%q,"password":%q}`, args[0], password)
	var result map[string]string
	if err := c.post("/api/auth/login", strings.NewReader(body), &result); err != nil {
		return err
	}
	fmt.Println(result["token"])
	return nil
}

// --- cycle ---

func (c *Client) cmdCycle(_ []string) error {
	var result map[string]any
	if err := c.post("/api/cycle", nil, &result); err != nil {
		return err
	}
	fmt.Printf("success: %s\n", strVal(result["success"]))
	fmt.Printf("summary: %s\n", strVal(result["summary"]))
	return nil
}

// --- tasks ---

func (c *Client) cmdTasks(args []string) error {
	path := "/api/tasks"
	if len(args) > 0 {
		path += "?status=" + args[0]
	}
	var result struct {
		Tasks []map[string]any `json:"tasks"`
	}
	if err := c.get(path, &result); err != nil {
		return err
	}
	if len(result.Tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	fmt.Printf("%-36s %-22s %-30s %-12s %3s\n", "ID", "TYPE", "TITLE", "STATUS", "PRI")
	fmt.Println(strings.Repeat("-", 108))
	for _, t := range result.Tasks {
		fmt.Printf("%-36s %-22s %-30s %-12s %3s\n",
			strVal(t["id"]),
			strVal(t["type"]),
			truncate(strVal(t["title"]), 29),
			strVal(t["status"]),
			strVal(t["priority"]),
		)
	}
	return nil
}

func (c *Client) cmdTask(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: custodian task <id>")
	}
	var task map[string]any
	if err := c.get("/api/tasks/"+args[0], &task); err != nil {
		return err
	}
	out, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// --- findings ---

func (c *Client) cmdFindings(args []string) error {
	path := "/api/findings"
	if len(args) > 0 && args[0] == "--open" {
		path += "?unconverted=true"
	}
	var result struct {
		Findings []map[string]any `json:"findings"`
	}
	if err := c.get(path, &result); err != nil {
		return err
	}
	if len(result.Findings) == 0 {
		fmt.Println("no findings")
		return nil
	}
	fmt.Printf("%-36s %-14s %-10s %-30s\n", "ID", "TYPE", "SEVERITY", "TITLE")
	fmt.Println(strings.Repeat("-", 94))
	for _, f := range result.Findings {
		fmt.Printf("%-36s %-14s %-10s %-30s\n",
			strVal(f["id"]),
			strVal(f["finding_type"]),
			strVal(f["severity"]),
			truncate(strVal(f["title"]), 29),
		)
	}
	return nil
}

// --- report ---

func (c *Client) cmdReport(_ []string) error {
	var rep map[string]any
	if err := c.get("/api/reports/latest", &rep); err != nil {
		return err
	}
	fmt.Printf("generated: %s\n", strVal(rep["generated_at"]))
	fmt.Printf("window:    %s to %s\n", strVal(rep["window_start"]), strVal(rep["window_end"]))
	fmt.Printf("completed: %s  failed: %s  detected: %s  resolved: %s\n",
		strVal(rep["tasks_completed"]), strVal(rep["tasks_failed"]),
		strVal(rep["findings_detected"]), strVal(rep["findings_resolved"]))
	fmt.Println()
	fmt.Println(strVal(rep["executive_summary"]))
	return nil
}

// --- update ---

func cmdUpdate(_ []string) error {
	u := update.New(version.Version)
	rel, err := u.CheckForUpdate()
	if err != nil {
		return err
	}
	if rel == nil {
		fmt.Println("already up to date")
		return nil
	}
	fmt.Printf("updating to %s...\n", rel.Version)
	if err := u.ApplyUpdate(rel); err != nil {
		return err
	}
	fmt.Println("updated; restart to use the new version")
	return nil
}

// --- helpers ---

func strVal(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
