package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/danshapiro/amp/internal/exec"
	"github.com/danshapiro/amp/internal/mem"
	"github.com/danshapiro/amp/internal/plan"
	"github.com/danshapiro/amp/internal/registry"
	"github.com/danshapiro/amp/internal/tools"
	"github.com/danshapiro/amp/internal/trace"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	case "spec":
		specCmd(os.Args[2:])
	case "replay":
		replayCmd(os.Args[2:])
	case "forget":
		forgetCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  ampctl run --plan <plan.json> [--tools <config>] [--input <input.json>] [--trace <out.ndjson>] [--workers <n>]")
	fmt.Fprintln(os.Stderr, "  ampctl validate --plan <plan.json>")
	fmt.Fprintln(os.Stderr, "  ampctl spec --tool <name> [--tools <config>]")
	fmt.Fprintln(os.Stderr, "  ampctl replay --trace <out.ndjson> [--pubkey <base64>]")
	fmt.Fprintln(os.Stderr, "  ampctl forget --key <key> [--tools <config>]")
}

func runCmd(args []string) {
	var planPath string
	var toolsPath string
	var inputPath string
	var tracePath string
	var workers int

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--plan":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--plan requires a value")
				os.Exit(1)
			}
			planPath = args[i]
		case "--tools":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--tools requires a value")
				os.Exit(1)
			}
			toolsPath = args[i]
		case "--input":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--input requires a value")
				os.Exit(1)
			}
			inputPath = args[i]
		case "--trace":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--trace requires a value")
				os.Exit(1)
			}
			tracePath = args[i]
		case "--workers":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--workers requires a value")
				os.Exit(1)
			}
			if _, err := fmt.Sscanf(args[i], "%d", &workers); err != nil {
				fmt.Fprintf(os.Stderr, "--workers %q is not a number\n", args[i])
				os.Exit(1)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if planPath == "" {
		usage()
		os.Exit(1)
	}

	src, err := os.ReadFile(planPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	p, err := plan.Parse(src)
	if err != nil {
		reportValidation(err)
		os.Exit(1)
	}

	var input map[string]any
	if inputPath != "" {
		b, err := os.ReadFile(inputPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := json.Unmarshal(b, &input); err != nil {
			fmt.Fprintf(os.Stderr, "parse input %s: %v\n", inputPath, err)
			os.Exit(1)
		}
	}

	snap, err := registry.Load(toolsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	client := tools.NewClient(0)
	cache := tools.NewCache(client)
	for _, b := range snap.Bindings {
		cache.Register(b.Name, b.URL)
	}

	if tracePath == "" {
		tracePath = traceDefaultPath(p, planPath)
	}
	traceFile, err := os.Create(tracePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer traceFile.Close()

	signer, err := trace.NewSigner()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	planID := p.ID
	if planID == "" {
		planID = filepath.Base(planPath)
	}
	tw := trace.NewWriter(traceFile, planID, signer)
	ec := exec.NewExecutionContext(p, cache, client, tw, input)

	// No deadline by default. The plan's latency budget is the ceiling that
	// matters; the tracker enforces it.
	ctx := context.Background()
	started := time.Now()
	res, err := (&exec.Scheduler{MaxConcurrency: workers}).Run(ctx, ec)
	if err != nil {
		reportValidation(err)
		os.Exit(1)
	}

	fmt.Printf("status=%s\n", res.Status)
	fmt.Printf("run_id=%s\n", ec.RunID)
	fmt.Printf("plan_id=%s\n", planID)
	fmt.Printf("trace=%s\n", tracePath)
	fmt.Printf("pubkey=%s\n", base64.StdEncoding.EncodeToString(signer.PublicKey()))
	fmt.Printf("cost_usd=%.6f\n", res.Totals.CostUSD)
	fmt.Printf("tokens_in=%d\n", res.Totals.TokensIn)
	fmt.Printf("tokens_out=%d\n", res.Totals.TokensOut)
	fmt.Printf("wall_ms=%d\n", time.Since(started).Milliseconds())
	if res.FailedNode != "" {
		fmt.Printf("failed_node=%s\n", res.FailedNode)
	}
	if res.HaltReason != "" {
		fmt.Printf("halt_reason=%s\n", res.HaltReason)
	}
	printNodeStates(res.NodeStates)

	if res.Status == exec.StatusCompleted {
		os.Exit(0)
	}
	os.Exit(1)
}

func traceDefaultPath(p *plan.Plan, planPath string) string {
	base := p.ID
	if base == "" {
		base = filepath.Base(planPath)
		base = base[:len(base)-len(filepath.Ext(base))]
	}
	return base + ".trace.ndjson"
}

func printNodeStates(states map[string]exec.NodeState) {
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("node.%s=%s\n", id, states[id])
	}
}

func validateCmd(args []string) {
	var planPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--plan":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--plan requires a value")
				os.Exit(1)
			}
			planPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if planPath == "" {
		usage()
		os.Exit(1)
	}
	src, err := os.ReadFile(planPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	p, err := plan.Parse(src)
	if err != nil {
		reportValidation(err)
		os.Exit(1)
	}
	fmt.Printf("ok: %s\n", filepath.Base(planPath))
	for _, d := range plan.Lint(p) {
		fmt.Printf("%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
	}
	os.Exit(0)
}

func reportValidation(err error) {
	if verr, ok := err.(*plan.ValidationError); ok {
		for _, d := range verr.Diagnostics {
			fmt.Fprintf(os.Stderr, "%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
		}
	}
	fmt.Fprintln(os.Stderr, err)
}

func specCmd(args []string) {
	var toolName string
	var toolsPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--tool":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--tool requires a value")
				os.Exit(1)
			}
			toolName = args[i]
		case "--tools":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--tools requires a value")
				os.Exit(1)
			}
			toolsPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if toolName == "" {
		usage()
		os.Exit(1)
	}
	snap, err := registry.Load(toolsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	url, ok := snap.URLFor(toolName)
	if !ok {
		fmt.Fprintf(os.Stderr, "tool %q not in registry\n", toolName)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	spec, err := tools.NewClient(0).GetSpec(ctx, url, toolName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	out, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(out))
	os.Exit(0)
}

func forgetCmd(args []string) {
	var key string
	var toolsPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--key":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--key requires a value")
				os.Exit(1)
			}
			key = args[i]
		case "--tools":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--tools requires a value")
				os.Exit(1)
			}
			toolsPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if key == "" {
		usage()
		os.Exit(1)
	}
	snap, err := registry.Load(toolsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	url, ok := snap.URLFor(exec.MemoryToolName)
	if !ok {
		fmt.Fprintf(os.Stderr, "memory tool %q not in registry\n", exec.MemoryToolName)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := mem.NewStore(url, 0).Forget(ctx, key); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("forgotten=%s\n", key)
	os.Exit(0)
}

func replayCmd(args []string) {
	var tracePath string
	var pubkeyB64 string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--trace":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--trace requires a value")
				os.Exit(1)
			}
			tracePath = args[i]
		case "--pubkey":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--pubkey requires a value")
				os.Exit(1)
			}
			pubkeyB64 = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if tracePath == "" {
		usage()
		os.Exit(1)
	}
	f, err := os.Open(tracePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()
	replay, err := trace.Load(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if pubkeyB64 != "" {
		pub, err := base64.StdEncoding.DecodeString(pubkeyB64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "decode pubkey: %v\n", err)
			os.Exit(1)
		}
		if err := trace.VerifyAll(replay.Events, pub); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("signatures=ok")
	}
	fmt.Printf("plan_id=%s\n", replay.PlanID)
	fmt.Printf("events=%d\n", len(replay.Events))
	fmt.Printf("cost_usd=%.6f\n", replay.TotalCost())
	outcomes := replay.NodeOutcomes()
	ids := make([]string, 0, len(outcomes))
	for id := range outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("node.%s=%s\n", id, outcomes[id])
	}
	os.Exit(0)
}
