// Command replay inspects a stored event log: per-type counts, an aggregate's stream,
// breaker history and the operator audit trail.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/Rajchodisetti/trading-brain/internal/config"
	"github.com/Rajchodisetti/trading-brain/internal/eventlog"
	"github.com/Rajchodisetti/trading-brain/internal/ops"
	"github.com/Rajchodisetti/trading-brain/internal/storage"
)

func main() {
	log.SetFlags(0)
	var (
		cfgPath   string
		eventsArg string
		aggregate string
		typ       string
		limit     int
		audit     bool
	)
	flag.StringVar(&cfgPath, "config", "config/brain.yaml", "config path")
	flag.StringVar(&eventsArg, "events", "", "JSONL event file (overrides the configured event log)")
	flag.StringVar(&aggregate, "aggregate", "", "show one aggregate's stream, e.g. breaker or signal:abc")
	flag.StringVar(&typ, "type", "", "only events of this type")
	flag.IntVar(&limit, "limit", 50, "max rows in the event table (0 for all)")
	flag.BoolVar(&audit, "audit", false, "print the operator audit trail")
	flag.Parse()

	cfg, err := config.Load(cfgPath, "")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx := context.Background()

	if audit {
		printAudit(cfg.Ops.AuditPath, limit)
		return
	}

	l, err := openLog(ctx, cfg, eventsArg)
	if err != nil {
		log.Fatalf("event log: %v", err)
	}
	defer l.Close()

	var events []eventlog.Event
	if aggregate != "" {
		events, err = l.GetStream(ctx, aggregate)
	} else {
		err = l.Replay(ctx, func(e eventlog.Event) error {
			events = append(events, e)
			return nil
		})
	}
	if err != nil {
		log.Fatalf("read events: %v", err)
	}
	if typ != "" {
		filtered := events[:0]
		for _, e := range events {
			if e.Type == typ {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	printCounts(events)
	printEvents(events, limit)
	printBreakerHistory(events)
}

func openLog(ctx context.Context, cfg config.Root, path string) (*eventlog.Log, error) {
	if path == "" && cfg.EventLog.Backend == "postgres" {
		pool, err := storage.ConnectPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return eventlog.New(eventlog.NewPostgresStore(pool), eventlog.WithRetry(cfg.Retry)), nil
	}
	if path == "" {
		path = cfg.EventLog.Path
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	fs, err := eventlog.OpenFileStore(path)
	if err != nil {
		return nil, err
	}
	return eventlog.New(fs, eventlog.WithRetry(cfg.Retry)), nil
}

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	return t
}

func printCounts(events []eventlog.Event) {
	counts := map[string]int{}
	for _, e := range events {
		counts[e.Type]++
	}
	types := make([]string, 0, len(counts))
	for k := range counts {
		types = append(types, k)
	}
	sort.Strings(types)

	t := newTable("EVENTS BY TYPE")
	t.AppendHeader(table.Row{"Type", "Count"})
	for _, k := range types {
		t.AppendRow(table.Row{k, counts[k]})
	}
	t.AppendFooter(table.Row{"Total", len(events)})
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	t.Render()
	fmt.Println()
}

func printEvents(events []eventlog.Event, limit int) {
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	t := newTable("EVENTS")
	t.AppendHeader(table.Row{"Time", "Type", "Aggregate", "Ver", "Trace", "Payload"})
	for _, e := range events {
		t.AppendRow(table.Row{
			e.Metadata.Timestamp.UTC().Format(time.RFC3339),
			e.Type,
			e.AggregateID,
			e.Metadata.Version,
			e.Metadata.TraceID,
			clip(string(e.Payload), 80),
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 6, WidthMax: 80}})
	t.Render()
	fmt.Println()
}

type breakerRow struct {
	BreakerType string `json:"breaker_type"`
	Reason      string `json:"reason"`
	Source      string `json:"source"`
	OperatorID  string `json:"operator_id"`
	From        string `json:"from"`
	TripCount   int    `json:"trip_count"`
}

func printBreakerHistory(events []eventlog.Event) {
	t := newTable("BREAKER HISTORY")
	t.AppendHeader(table.Row{"Time", "Event", "Type", "By", "Trips", "Reason"})
	n := 0
	for _, e := range events {
		if e.Type != eventlog.TypeBreakerTripped && e.Type != eventlog.TypeBreakerReset {
			continue
		}
		var r breakerRow
		if err := e.Decode(&r); err != nil {
			continue
		}
		typ, by := r.BreakerType, r.Source
		if e.Type == eventlog.TypeBreakerReset {
			typ, by = r.From, r.OperatorID
		}
		t.AppendRow(table.Row{e.Metadata.Timestamp.UTC().Format(time.RFC3339), strings.TrimPrefix(e.Type, "breaker."), typ, by, r.TripCount, r.Reason})
		n++
	}
	if n == 0 {
		return
	}
	t.Render()
	fmt.Println()
}

func printAudit(path string, limit int) {
	entries, err := ops.ReadAuditFile(path)
	if err != nil {
		log.Fatalf("audit: %v", err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	t := newTable("OPERATOR AUDIT")
	t.AppendHeader(table.Row{"Time", "Operator", "Action", "Outcome", "Source", "Reason / Error"})
	for _, e := range entries {
		note := e.Reason
		if e.Error != "" {
			note = e.Error
		}
		t.AppendRow(table.Row{e.Timestamp.UTC().Format(time.RFC3339), e.OperatorID, e.Action, e.Outcome, e.Source, note})
	}
	t.Render()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
