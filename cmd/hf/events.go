package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/abelbrown/happyfeed/internal/app"
	"github.com/abelbrown/happyfeed/internal/audit"
)

type eventFilter struct {
	kind       string // prefix
	subject    string
	errorsOnly bool
}

func (f eventFilter) match(ev audit.Event) bool {
	if f.kind != "" && !strings.HasPrefix(string(ev.Kind), f.kind) {
		return false
	}
	if f.subject != "" && ev.Subject != f.subject {
		return false
	}
	if f.errorsOnly && ev.Err == "" {
		return false
	}
	return true
}

type parsedLine struct {
	ev  audit.Event
	raw []byte
}

func eventsCmd() *cobra.Command {
	var (
		tail    int
		follow  bool
		rawJSON bool
		filter  eventFilter
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := app.AuditPath(cfg)
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("no audit log at %s (run happyfeed or a mutating hf command first): %w", path, err)
			}
			defer f.Close()

			out := cmd.OutOrStdout()
			emit := func(l parsedLine) {
				if rawJSON {
					fmt.Fprintln(out, string(l.raw))
					return
				}
				fmt.Fprintln(out, formatEvent(l.ev))
			}

			for _, l := range readTailLines(f, tail, filter.match) {
				emit(l)
			}
			if !follow {
				return nil
			}

			ctx := cmd.Context()
			reader := bufio.NewReader(f)
			var pending []byte // a line still being written
			for {
				chunk, err := reader.ReadBytes('\n')
				pending = append(pending, chunk...)
				if err == io.EOF {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(200 * time.Millisecond):
					}
					continue
				}
				if err != nil {
					return err
				}
				line := trimLine(pending)
				pending = nil
				var ev audit.Event
				if len(line) == 0 || json.Unmarshal(line, &ev) != nil {
					continue
				}
				if filter.match(ev) {
					emit(parsedLine{ev: ev, raw: line})
				}
			}
		},
	}
	cmd.Flags().IntVarP(&tail, "tail", "n", 50, "number of recent events to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	cmd.Flags().BoolVar(&rawJSON, "json", false, "print raw JSON lines")
	cmd.Flags().StringVar(&filter.kind, "kind", "", "filter by kind prefix (e.g. policy)")
	cmd.Flags().StringVar(&filter.subject, "subject", "", "filter by subject (item id, group or keyword)")
	cmd.Flags().BoolVar(&filter.errorsOnly, "errors", false, "only events that carry an error")
	return cmd
}

func formatEvent(ev audit.Event) string {
	parts := []string{fmt.Sprintf("%s %-20s", ev.Time.Local().Format("2006-01-02 15:04:05"), ev.Kind)}
	if ev.Subject != "" {
		parts = append(parts, fmt.Sprintf("%q", ev.Subject))
	}
	if ev.Hidden != nil {
		if *ev.Hidden {
			parts = append(parts, "hidden")
		} else {
			parts = append(parts, "visible")
		}
	}
	if ev.Count > 0 {
		parts = append(parts, fmt.Sprintf("n=%d", ev.Count))
	}
	if ev.DurMs > 0 {
		parts = append(parts, fmt.Sprintf("(%.*fms)", durPrecision(ev.DurMs), ev.DurMs))
	}
	if len(ev.Extra) > 0 {
		keys := make([]string, 0, len(ev.Extra))
		for k := range ev.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, ev.Extra[k]))
		}
	}
	if ev.Err != "" {
		parts = append(parts, "err="+ev.Err)
	}
	return strings.Join(parts, " ")
}

// readTailLines returns the last n matching events in file order.
func readTailLines(r io.Reader, n int, match func(audit.Event) bool) []parsedLine {
	if n <= 0 {
		return nil
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

	ring := make([]parsedLine, 0, n)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev audit.Event
		if json.Unmarshal(raw, &ev) != nil || !match(ev) {
			continue
		}
		// scanner reuses its buffer
		rawCopy := make([]byte, len(raw))
		copy(rawCopy, raw)

		if len(ring) < n {
			ring = append(ring, parsedLine{ev: ev, raw: rawCopy})
		} else {
			copy(ring, ring[1:])
			ring[n-1] = parsedLine{ev: ev, raw: rawCopy}
		}
	}
	return ring
}

func trimLine(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func durPrecision(ms float64) int {
	if ms >= 100 {
		return 0
	}
	if ms >= 1 {
		return 1
	}
	return 2
}
