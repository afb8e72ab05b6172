package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/nornicgraph/pkg/budget"
	"github.com/orneryd/nornicgraph/pkg/graphdb"
	"github.com/orneryd/nornicgraph/pkg/index"
	"github.com/orneryd/nornicgraph/pkg/model"
	"github.com/orneryd/nornicgraph/pkg/search"
	"github.com/orneryd/nornicgraph/pkg/storage"
)

func budgetFor(cmd *cobra.Command, db *graphdb.DB) (budget.Budget, error) {
	name, _ := cmd.Flags().GetString("preset")
	if name == "" {
		return db.DefaultBudget(), nil
	}
	return db.Preset(name)
}

func runQuery(cmd *cobra.Command, args []string) error {
	raw, _ := cmd.Flags().GetStringArray("param")
	params, err := parseParams(raw)
	if err != nil {
		return err
	}
	showStats, _ := cmd.Flags().GetBool("stats")

	return withDB(cmd, func(db *graphdb.DB) error {
		b, err := budgetFor(cmd, db)
		if err != nil {
			return err
		}
		start := time.Now()
		res, err := db.Run(cmd.Context(), args[0], params, b)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(res.Columns) > 0 {
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, strings.Join(res.Columns, "\t"))
			for _, row := range res.Rows {
				cells := make([]string, len(res.Columns))
				for i, c := range res.Columns {
					cells[i] = formatValue(row[c])
				}
				fmt.Fprintln(w, strings.Join(cells, "\t"))
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		if res.Truncated {
			fmt.Fprintf(out, "⚠️  result truncated: %s budget exhausted\n", res.Stats.Reason)
		}
		if res.Stats.ContainsUpdates() {
			fmt.Fprintf(out, "Created %d entities, %d relationships. Deleted %d entities, %d relationships. Set %d properties. Version %d.\n",
				res.Stats.EntitiesCreated, res.Stats.RelationshipsCreated,
				res.Stats.EntitiesDeleted, res.Stats.RelationshipsDeleted,
				res.Stats.PropertiesSet, res.Version)
		}
		if showStats {
			fmt.Fprintf(out, "%d rows, %d visited, depth %d, %v\n",
				len(res.Rows), res.Stats.Visited, res.Stats.Depth, time.Since(start).Round(time.Microsecond))
		}
		return nil
	})
}

func runExplain(cmd *cobra.Command, args []string) error {
	return withDB(cmd, func(db *graphdb.DB) error {
		plan, err := db.Explain(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), plan)
		return nil
	})
}

func runSearch(cmd *cobra.Command, args []string) error {
	text, _ := cmd.Flags().GetString("text")
	rawVector, _ := cmd.Flags().GetString("vector")
	anchors, _ := cmd.Flags().GetStringSlice("anchor")
	types, _ := cmd.Flags().GetStringSlice("type")
	limit, _ := cmd.Flags().GetInt("limit")

	vector, err := parseVector(rawVector)
	if err != nil {
		return err
	}
	req := search.Request{Text: text, Vector: vector, Anchors: anchors, Types: types, Limit: limit}

	return withDB(cmd, func(db *graphdb.DB) error {
		b, err := budgetFor(cmd, db)
		if err != nil {
			return err
		}
		resp, err := db.HybridSearch(cmd.Context(), nil, req, b)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSCORE\tKEYWORD\tSEMANTIC\tPROXIMITY\tHOPS")
		for _, h := range resp.Hits {
			hops := "-"
			if h.Distance >= 0 {
				hops = strconv.Itoa(h.Distance)
			}
			fmt.Fprintf(w, "%s\t%s\t%.4f\t%.4f\t%.4f\t%.4f\t%s\n",
				h.ID(), h.Entity.Type, h.Score, h.Keyword, h.Semantic, h.Proximity, hops)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if resp.Truncated {
			fmt.Fprintf(cmd.OutOrStdout(), "⚠️  search truncated: %s budget exhausted\n", resp.Stats.Reason)
		}
		return nil
	})
}

func runIndexCreate(cmd *cobra.Command, args []string) error {
	key, err := keyFromArgs(cmd, args[0])
	if err != nil {
		return err
	}
	return withDB(cmd, func(db *graphdb.DB) error {
		created, err := db.CreateIndex(key)
		if err != nil {
			return err
		}
		if !created {
			fmt.Fprintf(cmd.OutOrStdout(), "Index %s already exists\n", key)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Created index %s\n", key)
		return nil
	})
}

func runIndexDrop(cmd *cobra.Command, args []string) error {
	key, err := keyFromArgs(cmd, args[0])
	if err != nil {
		return err
	}
	return withDB(cmd, func(db *graphdb.DB) error {
		dropped, err := db.DropIndex(key)
		if err != nil {
			return err
		}
		if !dropped {
			fmt.Fprintf(cmd.OutOrStdout(), "Index %s does not exist\n", key)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Dropped index %s\n", key)
		return nil
	})
}

func runIndexList(cmd *cobra.Command, args []string) error {
	return withDB(cmd, func(db *graphdb.DB) error {
		out := cmd.OutOrStdout()
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tENTRIES\tVALUES")
		for _, st := range db.Stats().Indexes {
			fmt.Fprintf(w, "%s\t%d\t%d\n", st.Key, st.Entries, st.Buckets)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		for _, c := range db.Constraints() {
			fmt.Fprintf(out, "CONSTRAINT %s\n", c.Name())
		}
		return nil
	})
}

func runConstraintAdd(cmd *cobra.Command, args []string) error {
	c, err := constraintFromArgs(cmd, args)
	if err != nil {
		return err
	}
	return withDB(cmd, func(db *graphdb.DB) error {
		added, err := db.AddConstraint(c)
		if err != nil {
			return err
		}
		if !added {
			fmt.Fprintf(cmd.OutOrStdout(), "Constraint %s already exists\n", c.Name())
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Added constraint %s\n", c.Name())
		return nil
	})
}

func runConstraintDrop(cmd *cobra.Command, args []string) error {
	c, err := constraintFromArgs(cmd, args)
	if err != nil {
		return err
	}
	return withDB(cmd, func(db *graphdb.DB) error {
		dropped, err := db.DropConstraint(c)
		if err != nil {
			return err
		}
		if !dropped {
			fmt.Fprintf(cmd.OutOrStdout(), "Constraint %s does not exist\n", c.Name())
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Dropped constraint %s\n", c.Name())
		return nil
	})
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	return withDB(cmd, func(db *graphdb.DB) error {
		info, err := db.Checkpoint()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Checkpoint at version %d (WAL sequence %d, %d segments removed)\n",
			info.Version, info.Sequence, info.RemovedSegments)
		return nil
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withDB(cmd, func(db *graphdb.DB) error {
		st := db.Stats()
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "📊 Engine Statistics:")
		fmt.Fprintf(out, "  Version:          %d\n", st.Version)
		fmt.Fprintf(out, "  Indexes:          %d\n", len(st.Indexes))
		fmt.Fprintf(out, "  Constraints:      %d\n", len(db.Constraints()))
		fmt.Fprintf(out, "  WAL segments:     %d (sequence %d)\n", st.WAL.Segments, st.WAL.Sequence)
		fmt.Fprintf(out, "  Recovery:         %d applied, %d discarded in %v\n",
			st.Recovery.Applied, st.Recovery.Discarded, st.Recovery.Duration.Round(time.Microsecond))
		if st.StoreCache != nil {
			fmt.Fprintf(out, "  Store cache:      %d/%d entries\n", st.StoreCache.Size, st.StoreCache.MaxSize)
		}
		return nil
	})
}

func runWALVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dir := cfg.WALDir()
	report, err := storage.VerifyWAL(dir)
	if err != nil {
		return fmt.Errorf("verifying %s: %w", dir, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✅ WAL %s is consistent\n", dir)
	fmt.Fprintf(out, "  Segments: %d\n", report.Segments)
	fmt.Fprintf(out, "  Entries:  %d (sequence %d..%d)\n", report.Entries, report.FirstSeq, report.LastSeq)
	ops := make([]storage.WALOp, 0, len(report.Ops))
	for op := range report.Ops {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	for _, op := range ops {
		fmt.Fprintf(out, "    %-14s %d\n", op, report.Ops[op])
	}
	if report.TornTail {
		fmt.Fprintln(out, "⚠️  torn tail record will be discarded on recovery")
	}
	return nil
}

// parseParams parses name=value pairs. Values are YAML scalars or flow
// collections, so 42 is an integer and [1, 2] a list.
func parseParams(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		name = strings.TrimPrefix(strings.TrimSpace(name), "$")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected name=value", kv)
		}
		var v any
		if err := yaml.Unmarshal([]byte(value), &v); err != nil {
			return nil, fmt.Errorf("invalid parameter %q: %w", name, err)
		}
		params[name] = v
	}
	return params, nil
}

func parseVector(raw string) ([]float32, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

// parseKey parses "Type.property".
func parseKey(kind model.SubjectKind, s string) (index.Key, error) {
	typ, prop, ok := strings.Cut(s, ".")
	if !ok || typ == "" || prop == "" {
		return index.Key{}, fmt.Errorf("invalid index key %q: expected Type.property", s)
	}
	return index.Key{Kind: kind, Type: typ, Property: prop}, nil
}

func keyFromArgs(cmd *cobra.Command, s string) (index.Key, error) {
	kind := model.KindEntity
	if rel, _ := cmd.Flags().GetBool("relationship"); rel {
		kind = model.KindRelationship
	}
	return parseKey(kind, s)
}

func constraintFromArgs(cmd *cobra.Command, args []string) (index.Constraint, error) {
	kind, err := index.ParseConstraintKind(args[0])
	if err != nil {
		return index.Constraint{}, err
	}
	key, err := keyFromArgs(cmd, args[1])
	if err != nil {
		return index.Constraint{}, err
	}
	return index.Constraint{Key: key, Kind: kind}, nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(x)
	case *model.Entity:
		return fmt.Sprintf("(%s:%s %s)", x.ID, x.Type, formatProps(x.Properties))
	case *model.Relationship:
		return fmt.Sprintf("[%s:%s %s]", x.ID, x.Type, formatProps(x.Properties))
	case []any:
		parts := make([]string, len(x))
		for i, el := range x {
			parts[i] = formatValue(el)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		return formatProps(x)
	default:
		return fmt.Sprint(x)
	}
}

func formatProps(props map[string]any) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + formatValue(props[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
