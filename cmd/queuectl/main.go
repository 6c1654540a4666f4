// Command queuectl inspects a queue store and audit journal offline —
// it never runs alongside the server process against the same data
// directory (the queue store holds an exclusive flock while the server
// owns it; the audit journal takes no lock).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/technosupport/ts-vms/internal/audit"
	"github.com/technosupport/ts-vms/internal/queue"
)

func main() {
	dataDir := flag.String("data-dir", "./data", "data root containing queue/ and audit/ subdirectories")
	tailN := flag.Int("tail", 20, "number of trailing audit events to print")
	flag.Parse()

	switch flag.Arg(0) {
	case "queue":
		dumpQueue(*dataDir)
	case "audit":
		dumpAudit(*dataDir, *tailN)
	default:
		fmt.Fprintln(os.Stderr, "usage: queuectl [-data-dir path] [-tail n] <queue|audit>")
		os.Exit(2)
	}
}

func dumpQueue(dataDir string) {
	q, err := queue.Open(dataDir + "/queue/queue.store")
	if err != nil {
		fmt.Fprintln(os.Stderr, "queuectl: open queue:", err)
		os.Exit(1)
	}
	defer q.Close()

	items := q.Snapshot()
	fmt.Printf("%-6s %-36s %-10s %-8s %-28s %s\n", "SEQ", "DETECTION_ID", "STATUS", "ATTEMPTS", "NEXT_ATTEMPT", "LAST_ERROR")
	for _, it := range items {
		fmt.Printf("%-6d %-36s %-10s %-8d %-28s %s\n",
			it.Seq, it.DetectionID, it.Status, it.Attempts, it.NextAttemptAt.Format("2006-01-02T15:04:05Z07:00"), it.LastError)
	}
	fmt.Printf("\n%d live item(s)\n", len(items))
}

func dumpAudit(dataDir string, tailN int) {
	j, err := audit.Open(dataDir + "/audit/audit.journal")
	if err != nil {
		fmt.Fprintln(os.Stderr, "queuectl: open journal:", err)
		os.Exit(1)
	}
	defer j.Close()

	events, err := j.Tail(tailN)
	if err != nil {
		fmt.Fprintln(os.Stderr, "queuectl: tail journal:", err)
		os.Exit(1)
	}
	fmt.Printf("%-6s %-36s %-20s %-28s %s\n", "SEQ", "DETECTION_ID", "KIND", "TIMESTAMP", "PRINCIPAL")
	for _, ev := range events {
		fmt.Printf("%-6d %-36s %-20s %-28s %s\n",
			ev.Seq, ev.DetectionID, ev.Kind, ev.Timestamp.Format("2006-01-02T15:04:05Z07:00"), ev.Principal)
	}
}
