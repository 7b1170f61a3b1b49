package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/nats-io/nats.go"
)

func sendIPC(natsURL, op string, payload any) (map[string]any, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	topic := fmt.Sprintf("foreman.ipc.%s", op)
	msg, err := conn.Request(topic, data, 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp map[string]any
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if errMsg, ok := resp["error"].(string); ok && errMsg != "" {
		return nil, fmt.Errorf("%s", errMsg)
	}
	return resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  forectl register --id "..." --name "..." [--type "..."] [--capabilities "api,db"]`)
	fmt.Fprintln(os.Stderr, `  forectl unregister --id "..."`)
	fmt.Fprintln(os.Stderr, `  forectl heartbeat --id "..."`)
	fmt.Fprintln(os.Stderr, `  forectl task create --description "..." [--priority N] [--deps "id,id"]`)
	fmt.Fprintln(os.Stderr, "  forectl task list")
	fmt.Fprintln(os.Stderr, `  forectl task complete --id "..." --agent "..." [--result "..."]`)
	fmt.Fprintln(os.Stderr, `  forectl lock --path "..." --agent "..." [--type read|write|exclusive]`)
	fmt.Fprintln(os.Stderr, `  forectl release --path "..." --agent "..."`)
	fmt.Fprintln(os.Stderr, `  forectl intent --agent "..." --intent "..." [--files "a,b"]`)
	fmt.Fprintln(os.Stderr, `  forectl send --from "..." --to "..." --type "..." [--text "..."]`)
	fmt.Fprintln(os.Stderr, `  forectl messages --agent "..."`)
	fmt.Fprintln(os.Stderr, `  forectl resolve --id "..." --strategy "..."`)
	fmt.Fprintln(os.Stderr, "  forectl state")
	fmt.Fprintln(os.Stderr, "  forectl backup -f <output.json.zst>")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	rest := os.Args[2:]

	switch command {
	case "register":
		runRegister(natsURL, parseArgs(rest))
	case "unregister":
		args := parseArgs(rest)
		if args["id"] == "" {
			fatal("--id is required")
		}
		mustIPC(natsURL, "unregister_agent", map[string]any{"agent_id": args["id"]})
		fmt.Println("Agent unregistered.")
	case "heartbeat":
		args := parseArgs(rest)
		if args["id"] == "" {
			fatal("--id is required")
		}
		mustIPC(natsURL, "heartbeat", map[string]any{"agent_id": args["id"]})
		fmt.Println("Heartbeat recorded.")
	case "task":
		if len(rest) < 1 {
			usage()
		}
		runTask(natsURL, rest[0], parseArgs(rest[1:]))
	case "lock":
		runLock(natsURL, parseArgs(rest))
	case "release":
		args := parseArgs(rest)
		if args["path"] == "" || args["agent"] == "" {
			fatal("--path and --agent are required")
		}
		mustIPC(natsURL, "release_lock", map[string]any{"path": args["path"], "agent_id": args["agent"]})
		fmt.Println("Lock released.")
	case "intent":
		args := parseArgs(rest)
		if args["agent"] == "" || args["intent"] == "" {
			fatal("--agent and --intent are required")
		}
		mustIPC(natsURL, "declare_intent", map[string]any{
			"agent_id":     args["agent"],
			"intent":       args["intent"],
			"target_files": splitList(args["files"]),
		})
		fmt.Println("Intent declared.")
	case "send":
		args := parseArgs(rest)
		if args["from"] == "" || args["to"] == "" || args["type"] == "" {
			fatal("--from, --to, and --type are required")
		}
		payload := map[string]any{}
		if args["text"] != "" {
			payload["text"] = args["text"]
		}
		mustIPC(natsURL, "send_message", map[string]any{
			"from": args["from"], "to": args["to"], "type": args["type"], "payload": payload,
		})
		fmt.Println("Message sent.")
	case "messages":
		runMessages(natsURL, parseArgs(rest))
	case "resolve":
		args := parseArgs(rest)
		if args["id"] == "" || args["strategy"] == "" {
			fatal("--id and --strategy are required")
		}
		resp := mustIPC(natsURL, "resolve_conflict", map[string]any{
			"conflict_id": args["id"], "strategy": args["strategy"],
		})
		if resp["resolved"] == true {
			fmt.Println("Conflict resolved.")
		} else {
			fmt.Println("Conflict still queued; the attempt was logged.")
		}
	case "state":
		resp := mustIPC(natsURL, "state", nil)
		out, err := json.MarshalIndent(resp["state"], "", "  ")
		if err != nil {
			fatal("%v", err)
		}
		fmt.Println(string(out))
	case "backup":
		if err := runBackup(natsURL, rest); err != nil {
			fatal("%v", err)
		}
	default:
		fatal("unknown command: %s", command)
	}
}

func mustIPC(natsURL, op string, payload any) map[string]any {
	resp, err := sendIPC(natsURL, op, payload)
	if err != nil {
		fatal("%v", err)
	}
	return resp
}

func runRegister(natsURL string, args map[string]string) {
	if args["name"] == "" {
		fatal("--name is required")
	}
	caps := make([]map[string]any, 0)
	for _, domain := range splitList(args["capabilities"]) {
		caps = append(caps, map[string]any{"domain": domain})
	}
	resp := mustIPC(natsURL, "register_agent", map[string]any{
		"id":           args["id"],
		"name":         args["name"],
		"type":         args["type"],
		"capabilities": caps,
	})
	agent := resp["agent"].(map[string]any)
	fmt.Printf("Agent registered: %s\n", agent["id"])
}

func runTask(natsURL, verb string, args map[string]string) {
	switch verb {
	case "create":
		if args["description"] == "" {
			fatal("--description is required")
		}
		payload := map[string]any{"description": args["description"]}
		if args["priority"] != "" {
			p, err := strconv.Atoi(args["priority"])
			if err != nil {
				fatal("invalid --priority: %v", err)
			}
			payload["priority"] = p
		}
		if deps := splitList(args["deps"]); len(deps) > 0 {
			payload["dependencies"] = deps
		}
		resp := mustIPC(natsURL, "create_task", payload)
		task := resp["task"].(map[string]any)
		fmt.Printf("Task created: %s (%s)\n", task["id"], task["status"])
	case "list":
		resp := mustIPC(natsURL, "state", nil)
		state := resp["state"].(map[string]any)
		tasks, _ := state["tasks"].([]any)
		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return
		}
		for _, raw := range tasks {
			t := raw.(map[string]any)
			agent, _ := t["assigned_agent_id"].(string)
			if agent == "" {
				agent = "-"
			}
			fmt.Printf("  %s  %-10s  %-12s  %s\n", t["id"], t["status"], agent, t["description"])
		}
	case "assign":
		if args["id"] == "" || args["agent"] == "" {
			fatal("--id and --agent are required")
		}
		resp := mustIPC(natsURL, "assign_task", map[string]any{
			"task_id": args["id"], "agent_id": args["agent"],
		})
		if resp["assigned"] == true {
			fmt.Println("Task assigned.")
		} else {
			fmt.Println("Task not assignable right now.")
		}
	case "complete":
		if args["id"] == "" || args["agent"] == "" {
			fatal("--id and --agent are required")
		}
		resp := mustIPC(natsURL, "complete_task", map[string]any{
			"task_id": args["id"], "agent_id": args["agent"], "result": args["result"],
		})
		if resp["completed"] == true {
			fmt.Println("Task completed.")
		} else {
			fmt.Println("Task is not assigned to that agent.")
		}
	default:
		usage()
	}
}

func runLock(natsURL string, args map[string]string) {
	if args["path"] == "" || args["agent"] == "" {
		fatal("--path and --agent are required")
	}
	lockType := args["type"]
	if lockType == "" {
		lockType = "write"
	}
	resp := mustIPC(natsURL, "request_lock", map[string]any{
		"path": args["path"], "agent_id": args["agent"], "type": lockType,
	})
	if resp["granted"] == true {
		fmt.Println("Lock granted.")
	} else {
		fmt.Println("Lock denied: resource is held.")
	}
}

func runMessages(natsURL string, args map[string]string) {
	if args["agent"] == "" {
		fatal("--agent is required")
	}
	resp := mustIPC(natsURL, "messages", map[string]any{"agent_id": args["agent"]})
	msgs, _ := resp["messages"].([]any)
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, raw := range msgs {
		m := raw.(map[string]any)
		fmt.Printf("  [%s] %s -> %s: %v\n", m["type"], m["from"], m["to"], m["payload"])
	}
}

// runBackup fetches the live state over NATS and writes it to disk as
// zstd-compressed JSON.
func runBackup(natsURL string, args []string) error {
	var outputPath string
	for i := 0; i < len(args); i++ {
		if args[i] == "-f" {
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: forectl backup -f <output.json.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	resp, err := sendIPC(natsURL, "state", nil)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(resp["state"], "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	fmt.Printf("Backup complete: %s (%d bytes raw)\n", outputPath, len(data))
	return nil
}
