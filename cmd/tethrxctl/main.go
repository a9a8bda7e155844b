// tethrxctl is the remote CLI client for tethrxd.
//
// It connects to the tethrxd HTTP API and provides an interactive
// console for inspecting and driving the tethering offload control
// plane.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/psaab/tethrx/pkg/api"
	"github.com/psaab/tethrx/pkg/notify"
	"github.com/psaab/tethrx/pkg/offload"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:9909", "tethrxd API address")
	apiKey := flag.String("api-key", os.Getenv("TETHRX_API_KEY"), "API key for authentication")
	flag.Parse()

	base := strings.TrimRight(*addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	cl := &client{
		base:   base,
		apiKey: *apiKey,
		hc:     &http.Client{},
	}

	// Verify connectivity
	var st api.StatusResponse
	if err := cl.get("/api/v1/status", &st); err != nil {
		fmt.Fprintf(os.Stderr, "tethrxctl: cannot reach tethrxd at %s: %v\n", base, err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "tethrx"
	}
	username := os.Getenv("USER")
	if username == "" {
		username = "remote"
	}

	c := &ctl{
		client:   cl,
		hostname: hostname,
		username: username,
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.prompt(),
		HistoryFile:     "/tmp/tethrxctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    &completer{},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tethrxctl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()
	c.rl = rl

	fmt.Printf("tethrxctl connected to tethrxd at %s (engine %s, uptime %s)\n", base, st.Engine, st.Uptime)
	fmt.Println("Type '?' for help")
	fmt.Println()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.dispatch(line); err != nil {
			if err == errExit {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

var errExit = fmt.Errorf("exit")

type ctl struct {
	client   *client
	rl       *readline.Instance
	hostname string
	username string
}

func (c *ctl) prompt() string {
	return fmt.Sprintf("%s@%s> ", c.username, c.hostname)
}

func (c *ctl) dispatch(line string) error {
	if strings.HasSuffix(line, "?") {
		c.showContextHelp(strings.TrimSuffix(line, "?"))
		return nil
	}

	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "show":
		return c.handleShow(parts[1:])

	case "init", "start":
		if err := c.client.post("/api/v1/offload/init", nil, nil); err != nil {
			return err
		}
		fmt.Println("offload initialized")
		return nil

	case "teardown", "stop":
		if err := c.client.post("/api/v1/offload/teardown", nil, nil); err != nil {
			return err
		}
		fmt.Println("offload torn down")
		return nil

	case "set":
		return c.handleSet(parts[1:])

	case "add":
		return c.handleAdd(parts[1:])

	case "remove", "delete":
		return c.handleRemove(parts[1:])

	case "clear":
		return c.handleClear(parts[1:])

	case "read":
		return c.handleRead(parts[1:])

	case "monitor":
		return c.handleMonitor(parts[1:])

	case "quit", "exit":
		return errExit

	case "?", "help":
		c.showHelp()
		return nil

	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *ctl) handleShow(args []string) error {
	if len(args) == 0 {
		fmt.Println("show: specify what to show")
		fmt.Println("  status           Show daemon status")
		fmt.Println("  state            Show full control-plane state")
		fmt.Println("  upstream         Show the bound upstream")
		fmt.Println("  downstreams      Show forwarded downstream prefixes")
		fmt.Println("  local-prefixes   Show never-forwarded prefixes")
		fmt.Println("  quotas           Show active data limits")
		fmt.Println("  statistics       Show cumulative forwarded totals")
		fmt.Println("  events           Show recent offload events")
		return nil
	}

	switch args[0] {
	case "status":
		return c.showStatus()
	case "state":
		return c.showState()
	case "upstream":
		return c.showUpstream()
	case "downstreams":
		return c.showDownstreams()
	case "local-prefixes":
		return c.showLocalPrefixes()
	case "quotas":
		return c.showQuotas()
	case "statistics":
		return c.showStatistics()
	case "events":
		return c.showEvents(args[1:])
	default:
		return fmt.Errorf("unknown show target: %s", args[0])
	}
}

func (c *ctl) showStatus() error {
	var st api.StatusResponse
	if err := c.client.get("/api/v1/status", &st); err != nil {
		return err
	}
	fmt.Println("Offload status:")
	fmt.Printf("  %-18s %s\n", "State:", st.State)
	fmt.Printf("  %-18s %s\n", "Engine:", st.Engine)
	fmt.Printf("  %-18s %s\n", "Uptime:", st.Uptime)
	if st.Upstream != "" {
		fmt.Printf("  %-18s %s\n", "Upstream:", st.Upstream)
	}
	fmt.Printf("  %-18s %v\n", "Forwarding:", st.Forwarding)
	fmt.Printf("  %-18s %d\n", "Downstreams:", st.Downstreams)
	fmt.Printf("  %-18s %d\n", "Local prefixes:", st.LocalPrefixes)
	fmt.Printf("  %-18s %d\n", "Data limits:", st.Quotas)
	fmt.Printf("  %-18s %d\n", "Capacity:", st.Capacity)
	return nil
}

func (c *ctl) showState() error {
	var snap offload.Snapshot
	if err := c.client.get("/api/v1/state", &snap); err != nil {
		return err
	}

	fmt.Printf("State: %s\n", snap.State)
	if snap.Upstream != nil && snap.Upstream.Iface != "" {
		printUpstream(snap.Upstream)
	} else {
		fmt.Println("Upstream: none")
	}

	if len(snap.Downstreams) > 0 {
		fmt.Println("Downstreams:")
		for _, d := range snap.Downstreams {
			fmt.Printf("  %-16s %s\n", d.Iface, d.Prefix)
		}
	}
	if len(snap.LocalPrefixes) > 0 {
		fmt.Println("Local prefixes:")
		for _, p := range snap.LocalPrefixes {
			fmt.Printf("  %s\n", p)
		}
	}
	if len(snap.Quotas) > 0 {
		fmt.Println("Data limits:")
		printQuotas(snap.Quotas)
	}
	fmt.Printf("Capacity: %d downstream slots\n", snap.Capacity)
	return nil
}

func (c *ctl) showUpstream() error {
	var ub *offload.UpstreamBinding
	if err := c.client.get("/api/v1/upstream", &ub); err != nil {
		return err
	}
	if ub == nil || ub.Iface == "" {
		fmt.Println("No upstream bound")
		return nil
	}
	printUpstream(ub)
	return nil
}

func printUpstream(ub *offload.UpstreamBinding) {
	fmt.Printf("Upstream: %s\n", ub.Iface)
	if ub.V4 != nil {
		fmt.Printf("  IPv4: %s via %s\n", ub.V4.Addr, ub.V4.Gateway)
	}
	if len(ub.V6Gateways) > 0 {
		gws := make([]string, len(ub.V6Gateways))
		for i, gw := range ub.V6Gateways {
			gws[i] = gw.String()
		}
		fmt.Printf("  IPv6 gateways: %s\n", strings.Join(gws, ", "))
	}
	fmt.Printf("  Forwarding: %v\n", ub.Forwarding())
}

func (c *ctl) showDownstreams() error {
	var entries []offload.DownstreamEntry
	if err := c.client.get("/api/v1/downstreams", &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No downstreams configured")
		return nil
	}
	fmt.Printf("  %-16s %s\n", "Interface", "Prefix")
	for _, d := range entries {
		fmt.Printf("  %-16s %s\n", d.Iface, d.Prefix)
	}
	return nil
}

func (c *ctl) showLocalPrefixes() error {
	var prefixes []string
	if err := c.client.get("/api/v1/local-prefixes", &prefixes); err != nil {
		return err
	}
	if len(prefixes) == 0 {
		fmt.Println("No local prefixes configured")
		return nil
	}
	for _, p := range prefixes {
		fmt.Printf("  %s\n", p)
	}
	return nil
}

func (c *ctl) showQuotas() error {
	var quotas map[string]offload.QuotaLimit
	if err := c.client.get("/api/v1/quotas", &quotas); err != nil {
		return err
	}
	if len(quotas) == 0 {
		fmt.Println("No data limits configured")
		return nil
	}
	printQuotas(quotas)
	return nil
}

func printQuotas(quotas map[string]offload.QuotaLimit) {
	names := make([]string, 0, len(quotas))
	for name := range quotas {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("  %-16s %14s %14s %14s\n", "Upstream", "Limit", "Counted", "Remaining")
	for _, name := range names {
		q := quotas[name]
		remaining := uint64(0)
		if q.LimitBytes > q.CountedBytes {
			remaining = q.LimitBytes - q.CountedBytes
		}
		fmt.Printf("  %-16s %14d %14d %14d\n", name, q.LimitBytes, q.CountedBytes, remaining)
	}
}

func (c *ctl) showStatistics() error {
	var totals []api.TotalsEntry
	if err := c.client.get("/api/v1/statistics/totals", &totals); err != nil {
		return err
	}
	if len(totals) == 0 {
		fmt.Println("No forwarded traffic recorded")
		return nil
	}
	fmt.Printf("  %-16s %14s %14s\n", "Upstream", "RxBytes", "TxBytes")
	for _, t := range totals {
		fmt.Printf("  %-16s %14d %14d\n", t.Upstream, t.RxBytes, t.TxBytes)
	}
	return nil
}

func (c *ctl) showEvents(args []string) error {
	q := url.Values{}
	q.Set("limit", "50")
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "type":
			if i+1 < len(args) {
				i++
				q.Set("type", args[i])
			}
		case "upstream":
			if i+1 < len(args) {
				i++
				q.Set("upstream", args[i])
			}
		default:
			if _, err := strconv.Atoi(args[i]); err == nil {
				q.Set("limit", args[i])
			}
		}
	}

	var events []notify.Event
	if err := c.client.get("/api/v1/events?"+q.Encode(), &events); err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("no events recorded")
		return nil
	}
	for _, e := range events {
		printEvent(e)
	}
	fmt.Printf("(%d events shown)\n", len(events))
	return nil
}

func printEvent(e notify.Event) {
	line := fmt.Sprintf("%s %-22s", e.Time.Format(time.RFC3339), e.Type)
	if e.Upstream != "" {
		line += fmt.Sprintf(" upstream=%s", e.Upstream)
	}
	if e.Reason != "" {
		line += fmt.Sprintf(" reason=%q", e.Reason)
	}
	fmt.Println(line)
}

func (c *ctl) handleSet(args []string) error {
	if len(args) == 0 {
		fmt.Println("set:")
		fmt.Println("  upstream <iface> [v4 <addr> <gw>] [v6 <gw>...]")
		fmt.Println("  local-prefixes <prefix>...")
		fmt.Println("  data-limit <upstream> <bytes>")
		return nil
	}

	switch args[0] {
	case "upstream":
		return c.setUpstream(args[1:])

	case "local-prefixes":
		req := api.LocalPrefixesRequest{Prefixes: args[1:]}
		if err := c.client.post("/api/v1/local-prefixes", req, nil); err != nil {
			return err
		}
		fmt.Printf("%d local prefixes installed\n", len(req.Prefixes))
		return nil

	case "data-limit":
		if len(args) != 3 {
			return fmt.Errorf("usage: set data-limit <upstream> <bytes>")
		}
		limit, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid byte limit: %s", args[2])
		}
		req := api.DataLimitRequest{Upstream: args[1], LimitBytes: limit}
		if err := c.client.post("/api/v1/data-limit", req, nil); err != nil {
			return err
		}
		fmt.Printf("data limit of %d bytes set on %s\n", limit, args[1])
		return nil

	default:
		return fmt.Errorf("unknown set target: %s", args[0])
	}
}

func (c *ctl) setUpstream(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: set upstream <iface> [v4 <addr> <gw>] [v6 <gw>...]")
	}

	req := api.UpstreamRequest{Iface: args[0]}
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "v4":
			if i+2 >= len(args) {
				return fmt.Errorf("v4: need <addr> <gw>")
			}
			req.V4Addr = args[i+1]
			req.V4Gateway = args[i+2]
			i += 2
		case "v6":
			// Everything after v6 is a gateway list.
			req.V6Gateways = append(req.V6Gateways, args[i+1:]...)
			i = len(args)
		default:
			return fmt.Errorf("unexpected argument: %s", args[i])
		}
	}

	if err := c.client.post("/api/v1/upstream", req, nil); err != nil {
		return err
	}
	fmt.Printf("upstream bound to %s\n", req.Iface)
	return nil
}

func (c *ctl) handleAdd(args []string) error {
	if len(args) != 3 || args[0] != "downstream" {
		return fmt.Errorf("usage: add downstream <iface> <prefix>")
	}
	req := api.DownstreamRequest{Iface: args[1], Prefix: args[2]}
	if err := c.client.post("/api/v1/downstreams", req, nil); err != nil {
		return err
	}
	fmt.Printf("downstream %s %s added\n", req.Iface, req.Prefix)
	return nil
}

func (c *ctl) handleRemove(args []string) error {
	if len(args) != 3 || args[0] != "downstream" {
		return fmt.Errorf("usage: remove downstream <iface> <prefix>")
	}
	req := api.DownstreamRequest{Iface: args[1], Prefix: args[2]}
	if err := c.client.post("/api/v1/downstreams/remove", req, nil); err != nil {
		return err
	}
	fmt.Printf("downstream %s %s removed\n", req.Iface, req.Prefix)
	return nil
}

func (c *ctl) handleClear(args []string) error {
	if len(args) != 1 || args[0] != "upstream" {
		fmt.Println("clear:")
		fmt.Println("  upstream         Clear the upstream binding")
		return nil
	}
	if err := c.client.post("/api/v1/upstream/clear", nil, nil); err != nil {
		return err
	}
	fmt.Println("upstream binding cleared")
	return nil
}

func (c *ctl) handleRead(args []string) error {
	if len(args) != 2 || args[0] != "statistics" {
		return fmt.Errorf("usage: read statistics <upstream>")
	}
	req := api.StatsRequest{Upstream: args[1]}
	var stats api.StatsResponse
	if err := c.client.post("/api/v1/statistics/read", req, &stats); err != nil {
		return err
	}
	fmt.Printf("%s: %d rx bytes, %d tx bytes since last read (counters reset)\n",
		stats.Upstream, stats.RxBytes, stats.TxBytes)
	return nil
}

func (c *ctl) handleMonitor(args []string) error {
	if len(args) == 0 {
		fmt.Println("monitor:")
		fmt.Println("  events [type T] [upstream U]   Stream offload events")
		fmt.Println("  logs [severity]                Stream formatted log messages")
		return nil
	}

	switch args[0] {
	case "events":
		q := url.Values{}
		for i := 1; i < len(args); i++ {
			switch args[i] {
			case "type":
				if i+1 < len(args) {
					i++
					q.Set("type", args[i])
				}
			case "upstream":
				if i+1 < len(args) {
					i++
					q.Set("upstream", args[i])
				}
			}
		}
		return c.streamEvents("/api/v1/events/stream", q, func(payload []byte) {
			var ev notify.Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				return
			}
			printEvent(ev)
		})

	case "logs":
		q := url.Values{}
		if len(args) >= 2 {
			q.Set("severity", args[1])
		}
		return c.streamEvents("/api/v1/logs/stream", q, func(payload []byte) {
			var entry api.LogStreamEntry
			if err := json.Unmarshal(payload, &entry); err != nil {
				return
			}
			fmt.Printf("%s [%s] %s\n", entry.Time, entry.Severity, entry.Message)
		})

	default:
		return fmt.Errorf("unknown monitor target: %s", args[0])
	}
}

// streamEvents follows an SSE endpoint and hands each data payload to
// print, until Ctrl-C or the server closes the stream.
func (c *ctl) streamEvents(path string, q url.Values, print func([]byte)) error {
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.client.base+path, nil)
	if err != nil {
		return err
	}
	c.client.setAuth(req)

	resp, err := c.client.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream failed: %s", resp.Status)
	}

	fmt.Println("monitoring (Ctrl-C to stop)")
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		print([]byte(strings.TrimPrefix(line, "data: ")))
	}
	if ctx.Err() != nil {
		fmt.Println()
		return nil
	}
	return sc.Err()
}

// --- HTTP client ---

type client struct {
	base   string
	apiKey string
	hc     *http.Client
}

// envelope mirrors the API response wrapper with the payload left raw
// so callers can decode into their own types.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (cl *client) get(path string, out any) error {
	return cl.do(http.MethodGet, path, nil, out)
}

func (cl *client) post(path string, body, out any) error {
	return cl.do(http.MethodPost, path, body, out)
}

func (cl *client) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, cl.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl.setAuth(req)

	resp, err := cl.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s: %v", resp.Status, err)
	}
	if !env.Success {
		if env.Error != "" {
			return fmt.Errorf("%s", env.Error)
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (cl *client) setAuth(req *http.Request) {
	if cl.apiKey != "" {
		req.Header.Set("X-API-Key", cl.apiKey)
	}
}

// --- Tab completion ---

var commandTree = map[string][]string{
	"":        {"add", "clear", "exit", "help", "init", "monitor", "quit", "read", "remove", "set", "show", "teardown"},
	"show":    {"status", "state", "upstream", "downstreams", "local-prefixes", "quotas", "statistics", "events"},
	"set":     {"upstream", "local-prefixes", "data-limit"},
	"add":     {"downstream"},
	"remove":  {"downstream"},
	"clear":   {"upstream"},
	"read":    {"statistics"},
	"monitor": {"events", "logs"},
	"events":  {"type", "upstream"},
}

type completer struct{}

func (cc *completer) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])
	words := strings.Fields(text)
	trailingSpace := len(text) > 0 && text[len(text)-1] == ' '

	var partial, key string
	switch {
	case len(words) == 0:
		// Completing the first word.
	case trailingSpace:
		key = words[len(words)-1]
	case len(words) == 1:
		partial = words[0]
	default:
		partial = words[len(words)-1]
		key = words[len(words)-2]
	}

	cands, ok := commandTree[key]
	if !ok {
		return nil, 0
	}

	var result [][]rune
	for _, cand := range cands {
		if strings.HasPrefix(cand, partial) {
			result = append(result, []rune(cand[len(partial):]+" "))
		}
	}
	return result, len(partial)
}

// --- Context help ---

func (c *ctl) showContextHelp(prefix string) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		c.showHelp()
		return
	}

	words := strings.Fields(prefix)
	cands, ok := commandTree[words[len(words)-1]]
	if !ok || len(cands) == 0 {
		fmt.Println("  (no help available)")
		return
	}

	sorted := make([]string, len(cands))
	copy(sorted, cands)
	sort.Strings(sorted)
	for _, cand := range sorted {
		fmt.Printf("  %s\n", cand)
	}
}

// --- Help ---

func (c *ctl) showHelp() {
	fmt.Println("Commands:")
	fmt.Println("  show status                        Show daemon status")
	fmt.Println("  show state                         Show full control-plane state")
	fmt.Println("  show upstream                      Show the bound upstream")
	fmt.Println("  show downstreams                   Show forwarded downstream prefixes")
	fmt.Println("  show local-prefixes                Show never-forwarded prefixes")
	fmt.Println("  show quotas                        Show active data limits")
	fmt.Println("  show statistics                    Show cumulative forwarded totals")
	fmt.Println("  show events [N] [type T]           Show recent offload events")
	fmt.Println("  init                               Initialize offload")
	fmt.Println("  teardown                           Stop offload and drop all state")
	fmt.Println("  set upstream <iface> [v4 <addr> <gw>] [v6 <gw>...]")
	fmt.Println("                                     Bind or rebind the upstream")
	fmt.Println("  set local-prefixes <prefix>...     Replace the local prefix set")
	fmt.Println("  set data-limit <upstream> <bytes>  Install a byte quota")
	fmt.Println("  add downstream <iface> <prefix>    Start forwarding to a downstream")
	fmt.Println("  remove downstream <iface> <prefix> Stop forwarding to a downstream")
	fmt.Println("  clear upstream                     Clear the upstream binding")
	fmt.Println("  read statistics <upstream>         Read and reset forwarded counters")
	fmt.Println("  monitor events                     Stream events until Ctrl-C")
	fmt.Println("  monitor logs [severity]            Stream log messages until Ctrl-C")
	fmt.Println("  quit                               Exit CLI")
}
