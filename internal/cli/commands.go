package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, sync state and pending operation count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(a.out, st)
			}
			rows := [][]string{
				{"Connectivity", onlineLabel(st.IsOnline)},
				{"Connection type", st.ConnectionType},
				{"Sync state", stateLabel(st.SyncState)},
				{"Pending operations", strconv.Itoa(st.PendingOperations)},
				{"Last sync", timeLabel(st.LastSyncTime)},
			}
			if st.LastError != "" {
				rows = append(rows, []string{"Last error", badColor.Sprint(st.LastError)})
			}
			return renderTable(a.out, []string{"Field", "Value"}, rows)
		},
	}
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache entry counts per category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(a.out, st)
			}
			kinds := make([]string, 0, len(st.PerKindCounts))
			for k := range st.PerKindCounts {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)
			rows := make([][]string, 0, len(kinds)+1)
			for _, k := range kinds {
				rows = append(rows, []string{k, strconv.Itoa(st.PerKindCounts[k])})
			}
			rows = append(rows, []string{"TOTAL", strconv.Itoa(st.TotalEntries)})
			if err := renderTable(a.out, []string{"Kind", "Entries"}, rows); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Approximate size: %s\n", humanBytes(st.TotalSizeBytes))
			return nil
		},
	}
}

func (a *app) getCmd() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "get <kind> <key>",
		Short: "Print a cached entry with its age annotations",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := a.client.Get(cmd.Context(), args[0], args[1], maxAge)
			if err != nil {
				return err
			}
			return printJSON(a.out, raw)
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "treat entries older than this as missing (default: server setting)")
	return cmd
}

func (a *app) putCmd() *cobra.Command {
	var meta []string
	cmd := &cobra.Command{
		Use:   "put <kind> <key> <json|@file>",
		Short: "Cache a JSON value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readJSONArg(args[2])
			if err != nil {
				return err
			}
			metadata, err := parsePairs(meta)
			if err != nil {
				return err
			}
			if err := a.client.Put(cmd.Context(), args[0], args[1], data, metadata); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s cached %s/%s\n", okColor.Sprint("✓"), args[0], args[1])
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata pair key=value (repeatable)")
	return cmd
}

func (a *app) rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <kind> <key>",
		Short: "Remove a cached entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.Remove(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s removed %s/%s\n", okColor.Sprint("✓"), args[0], args[1])
			return nil
		},
	}
}

func (a *app) clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache [kind]",
		Short: "Remove cached entries, all of them or one kind (the operation queue is kept)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				n, err := a.client.ClearKind(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s removed %d %s entries\n", okColor.Sprint("✓"), n, args[0])
				return nil
			}
			if err := a.client.ClearCache(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s cache cleared\n", okColor.Sprint("✓"))
			return nil
		},
	}
}

func (a *app) lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [kind]",
		Short: "List cached kinds, or the keys of one kind",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				names []string
				err   error
			)
			if len(args) == 1 {
				names, err = a.client.Keys(cmd.Context(), args[0])
			} else {
				names, err = a.client.Kinds(cmd.Context())
			}
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(a.out, names)
			}
			for _, n := range names {
				fmt.Fprintln(a.out, n)
			}
			return nil
		},
	}
}

func (a *app) queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage pending operations",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending operations in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ops, err := a.client.Queue(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(a.out, ops)
			}
			if len(ops) == 0 {
				fmt.Fprintln(a.out, "No pending operations.")
				return nil
			}
			rows := make([][]string, 0, len(ops))
			for _, op := range ops {
				lastErr := dimColor.Sprint("-")
				if op.LastError != nil {
					lastErr = warnColor.Sprint(*op.LastError)
				}
				rows = append(rows, []string{
					op.ID,
					op.Method,
					op.URL,
					strconv.Itoa(op.Attempts),
					op.EnqueuedAt.Local().Format(time.RFC3339),
					lastErr,
				})
			}
			return renderTable(a.out, []string{"ID", "Method", "URL", "Attempts", "Enqueued", "Last error"}, rows)
		},
	}

	var data string
	var headers []string
	add := &cobra.Command{
		Use:   "add <method> <url>",
		Short: "Queue an operation for replay",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			op := Operation{Method: args[0], URL: args[1]}
			if data != "" {
				raw, err := readJSONArg(data)
				if err != nil {
					return err
				}
				op.Data = raw
			}
			h, err := parsePairs(headers)
			if err != nil {
				return err
			}
			op.Headers = h
			id, err := a.client.Enqueue(cmd.Context(), op)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(a.out, map[string]string{"id": id})
			}
			fmt.Fprintf(a.out, "%s queued %s\n", okColor.Sprint("✓"), id)
			return nil
		},
	}
	add.Flags().StringVarP(&data, "data", "d", "", "JSON body, inline or @file")
	add.Flags().StringArrayVarP(&headers, "header", "H", nil, "header Name=value (repeatable)")

	clearAll := &cobra.Command{
		Use:   "clear",
		Short: "Drop every pending operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.client.ClearQueue(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s queue cleared\n", okColor.Sprint("✓"))
			return nil
		},
	}

	cmd.AddCommand(list, add, clearAll)
	return cmd
}

func (a *app) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a sync pass now and wait for it to finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.client.Sync(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(a.out, res)
			}
			o := res.Outcome
			if !o.Started {
				fmt.Fprintf(a.out, "Nothing to sync (state %s, %d pending, %s)\n",
					stateLabel(string(o.State)), res.Status.PendingOperations, onlineLabel(res.Status.IsOnline))
				return nil
			}
			rows := [][]string{
				{"Processed", strconv.Itoa(o.Processed)},
				{"Acked", okColor.Sprint(o.Acked)},
				{"Retained", warnColor.Sprint(o.Retained)},
				{"Dropped", badColor.Sprint(o.Dropped)},
				{"Stopped early", strconv.FormatBool(o.StoppedEarly)},
				{"Result", stateLabel(o.State)},
				{"Pending", strconv.Itoa(res.Status.PendingOperations)},
			}
			return renderTable(a.out, []string{"Sync pass", ""}, rows)
		},
	}
}

func (a *app) lifecycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "lifecycle <active|inactive|background>",
		Short:     "Report a host lifecycle transition to syncd",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"active", "inactive", "background"},
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := a.client.SetLifecycle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "lifecycle: %s\n", state)
			return nil
		},
	}
}

// readJSONArg accepts inline JSON or @path.
func readJSONArg(arg string) (json.RawMessage, error) {
	raw := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("value is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}
