package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8080", "segment-recorder API address")
	limit := flag.Int("limit", 20, "maximum rows for runs and evictions")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		fmt.Printf("recorder-ctl %s\n", version)
	case "status":
		cmdStatus(*addr)
	case "streams":
		cmdStreams(*addr)
	case "stream":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: recorder-ctl stream <name>")
			os.Exit(1)
		}
		cmdStream(*addr, args[1])
	case "runs":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: recorder-ctl runs <name>")
			os.Exit(1)
		}
		cmdRuns(*addr, args[1], *limit)
	case "evictions":
		cmdEvictions(*addr, *limit)
	case "sweep":
		cmdSweep(*addr)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `recorder-ctl - segment-recorder management CLI

Usage:
  recorder-ctl [flags] <command> [args]

Commands:
  status            Show overall status
  streams           List supervised streams
  stream <name>     Show one stream's supervisor state
  runs <name>       List recent pipeline runs of a stream
  evictions         List recent quota evictions
  sweep             Run a janitor sweep now
  version           Show version

Flags:
  -addr string   API address (default "http://localhost:8080")
  -limit int     Maximum rows for runs and evictions (default 20)`)
}

func get(addr, path string) *http.Response {
	resp, err := http.Get(addr + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	checkStatus(resp)
	return resp
}

func checkStatus(resp *http.Response) {
	if resp.StatusCode < 300 {
		return
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", resp.Status, body["error"])
	os.Exit(1)
}

func decode(resp *http.Response, v interface{}) {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}
}

func cmdStatus(addr string) {
	resp := get(addr, "/v1/status")
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdStreams(addr string) {
	var streams []map[string]interface{}
	decode(get(addr, "/v1/streams"), &streams)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tPID\tLAUNCHES\tFAILURES\tLAST_EXIT\tSINCE")
	for _, s := range streams {
		lastExit := "-"
		if v, ok := s["last_exit_code"]; ok {
			lastExit = fmt.Sprint(v)
		}
		pid := "-"
		if v, ok := s["pid"]; ok {
			pid = fmt.Sprint(v)
		}
		fmt.Fprintf(w, "%v\t%v\t%s\t%v\t%v\t%s\t%s\n",
			s["stream"], s["state"], pid, s["launches"], s["launch_failures"], lastExit, age(s["since"]))
	}
	w.Flush()
}

func cmdStream(addr, name string) {
	resp := get(addr, "/v1/streams/"+url.PathEscape(name))
	defer resp.Body.Close()
	printJSON(resp.Body)
}

func cmdRuns(addr, name string, limit int) {
	var runs []map[string]interface{}
	decode(get(addr, fmt.Sprintf("/v1/streams/%s/runs?limit=%d", url.PathEscape(name), limit)), &runs)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN_ID\tPID\tSTARTED\tEXIT\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n",
			r["run_id"], r["pid"], r["started_at"], r["exit_code"], r["launch_error"])
	}
	w.Flush()
}

func cmdEvictions(addr string, limit int) {
	var evs []map[string]interface{}
	decode(get(addr, fmt.Sprintf("/v1/evictions?limit=%d", limit)), &evs)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DELETED\tSIZE\tPATH")
	for _, e := range evs {
		fmt.Fprintf(w, "%v\t%s\t%v\n", e["deleted_at"], size(e["size"]), e["path"])
	}
	w.Flush()
}

func cmdSweep(addr string) {
	resp, err := http.Post(addr+"/v1/admin/sweep", "", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	checkStatus(resp)

	var res struct {
		Files      int   `json:"files"`
		TotalBytes int64 `json:"total_bytes"`
		LimitBytes int64 `json:"limit_bytes"`
		FreedBytes int64 `json:"freed_bytes"`
		Failures   int   `json:"failures"`
		Evicted    []struct {
			Path string `json:"path"`
			Size int64  `json:"size"`
		} `json:"evicted"`
	}
	decode(resp, &res)

	fmt.Printf("usage %s of %s in %d segments\n",
		units.BytesSize(float64(res.TotalBytes)), units.BytesSize(float64(res.LimitBytes)), res.Files)
	for _, e := range res.Evicted {
		fmt.Printf("deleted %s (%s)\n", e.Path, units.BytesSize(float64(e.Size)))
	}
	fmt.Printf("freed %s, %d failures\n", units.BytesSize(float64(res.FreedBytes)), res.Failures)
}

func size(v interface{}) string {
	n, ok := v.(float64)
	if !ok {
		return "-"
	}
	return units.BytesSize(n)
}

func age(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		return "-"
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return time.Since(t).Round(time.Second).String()
}

func printJSON(r io.Reader) {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
