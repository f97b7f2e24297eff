package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/and161185/cardsync/internal/client/repo"
	"github.com/and161185/cardsync/internal/convert"
	"github.com/and161185/cardsync/internal/model"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printEntities prints rows as a table of id, version and the given payload keys.
func printEntities(w io.Writer, rows []model.Entity, keys ...string) error {
	if jsonOut {
		out := make([]json.RawMessage, 0, len(rows))
		for _, e := range rows {
			b, err := convert.EntityToWire(e)
			if err != nil {
				return err
			}
			out = append(out, b)
		}
		return printJSON(w, out)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tVER\t%s\n", strings.ToUpper(strings.Join(keys, "\t")))
	for _, e := range rows {
		fields := payload(e)
		vals := make([]string, 0, len(keys))
		for _, k := range keys {
			vals = append(vals, fields[k])
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", e.ID, e.Version, strings.Join(vals, "\t"))
	}
	return tw.Flush()
}

func printResult(w io.Writer, res repo.Result) error {
	if jsonOut {
		b, err := convert.EntityToWire(res.Entity)
		if err != nil {
			return err
		}
		return printJSON(w, map[string]any{"result": res.Kind.String(), "entity": json.RawMessage(b)})
	}
	switch res.Kind {
	case repo.Optimistic:
		_, err := fmt.Fprintf(w, "%s queued (offline, will sync later)\n", res.Entity.ID)
		return err
	default:
		_, err := fmt.Fprintf(w, "%s saved at version %d\n", res.Entity.ID, res.Entity.Version)
		return err
	}
}

// payload flattens the top-level payload values to display strings.
func payload(e model.Entity) map[string]string {
	raw := map[string]json.RawMessage{}
	_ = json.Unmarshal(e.Data, &raw)
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if json.Unmarshal(v, &s) == nil {
			out[k] = s
			continue
		}
		out[k] = string(v)
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}
