package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lazypower/spiral/internal/engine"
	"github.com/lazypower/spiral/internal/scoring"
	"github.com/lazypower/spiral/internal/transcript"
)

const commandTimeout = 2 * time.Minute

// withEngine opens the engine for a one-shot command and closes it after fn.
func withEngine(fn func(ctx context.Context, e *engine.Engine) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	e, err := openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- store ---

var (
	storeType string
	storeTags []string
)

var storeCmd = &cobra.Command{
	Use:   "store [content]",
	Short: "Store a memory in the Focus tier",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var meta map[string]any
		if len(storeTags) > 0 {
			meta = map[string]any{"tags": storeTags}
		}
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			n, err := e.Store(ctx, strings.Join(args, " "), storeType, meta)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n.ID)
			return nil
		})
	},
}

// --- query ---

var (
	queryLimit  int
	queryBudget int
	queryLevels []string
	queryTags   []string
	queryJSON   bool
)

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Search memories across all tiers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := engine.QueryOptions{Limit: queryLimit, TokenBudget: queryBudget, Tags: queryTags}
		for _, s := range queryLevels {
			l, err := scoring.ParseLevel(s)
			if err != nil {
				return err
			}
			opts.Levels = append(opts.Levels, l)
		}

		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			res, err := e.Query(ctx, strings.Join(args, " "), opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if queryJSON {
				return printJSON(out, res)
			}
			if res.NodeCount == 0 {
				fmt.Fprintln(out, "No results found.")
				return nil
			}
			for _, p := range res.Partitions {
				if len(p.Items) == 0 {
					continue
				}
				fmt.Fprintf(out, "## %s\n", p.Name)
				for _, it := range p.Items {
					fmt.Fprintf(out, "  [%.3f] %s (%s)\n", it.Score, it.Node.ID, it.Node.Type)
					fmt.Fprintf(out, "    %s\n", strings.Join(strings.Fields(it.Text), " "))
				}
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "%d results, ~%d tokens\n", res.NodeCount, res.TokenEstimate)
			return nil
		})
	},
}

// --- status ---

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tier populations and store health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			st, err := e.Status(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if statusJSON {
				return printJSON(out, st)
			}

			fmt.Fprintf(out, "store:    %s (%s, schema v%d)\n", st.Path, humanize.Bytes(uint64(st.StorageBytes)), st.SchemaVersion)
			fmt.Fprintf(out, "nodes:    %s\n", humanize.Comma(int64(st.TotalNodes)))
			for _, lc := range st.Levels {
				fmt.Fprintf(out, "  %d %-13s %s\n", lc.Level, lc.Name, humanize.Comma(int64(lc.Count)))
			}
			fmt.Fprintf(out, "edges:    %s\n", humanize.Comma(int64(st.Edges)))
			fmt.Fprintf(out, "vectors:  %s (%d indexed, dim %d)\n", humanize.Comma(int64(st.Vectors)), st.IndexedNodes, st.Dimension)

			health := "ok"
			if !st.Embedder.Healthy {
				health = "unavailable"
				if st.Embedder.Error != "" {
					health += ": " + st.Embedder.Error
				}
			}
			fmt.Fprintf(out, "embedder: %s (%d dims) %s\n", st.Embedder.Model, st.Embedder.Dimensions, health)
			if st.LastEvolution != nil {
				fmt.Fprintf(out, "evolved:  %s\n", humanize.Time(st.LastEvolution.At))
			}
			return nil
		})
	},
}

// --- evolve / compact ---

var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Run one evolution pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			res, err := e.Evolve(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d: %d promoted, %d demoted, %d compressed, %d failed (%s)\n",
				res.Scanned, res.Promoted, res.Demoted, res.Compressed, res.Failed, res.Duration.Round(time.Millisecond))
			return nil
		})
	},
}

var compactAggressive bool

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Evolve the store, optionally pruning old deep-archive nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			res, err := e.Compact(ctx, compactAggressive)
			if err != nil {
				return err
			}
			ev := res.Evolution
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d: %d promoted, %d demoted, %d compressed, %d pruned\n",
				ev.Scanned, ev.Promoted, ev.Demoted, ev.Compressed, len(res.Pruned))
			return nil
		})
	},
}

// --- export ---

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write all nodes and edges as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			ex, err := e.ExportForVisualization(ctx)
			if err != nil {
				return err
			}
			if exportOut == "" || exportOut == "-" {
				return printJSON(cmd.OutOrStdout(), ex)
			}
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("create %s: %w", exportOut, err)
			}
			if err := printJSON(f, ex); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		})
	},
}

// --- save ---

var saveCondense bool

var saveCmd = &cobra.Command{
	Use:   "save [transcript.jsonl]",
	Short: "Save a conversation transcript as memories",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		turns, err := transcript.ParseFile(args[0])
		if err != nil {
			return err
		}
		if saveCondense {
			turns = transcript.Condense(turns)
		}
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			res, err := e.SaveState(ctx, turns)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %d turns (%d skipped), %d nodes demoted\n",
				res.Saved, res.Skipped, res.Evolution.Demoted)
			return nil
		})
	},
}

// --- link ---

var linkCmd = &cobra.Command{
	Use:   "link [from] [to] [rel]",
	Short: "Record a relation between two nodes",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine.Engine) error {
			return e.Link(ctx, args[0], args[1], args[2])
		})
	},
}

func init() {
	storeCmd.Flags().StringVarP(&storeType, "type", "t", "note", "node type")
	storeCmd.Flags().StringSliceVar(&storeTags, "tag", nil, "tag (repeatable)")

	queryCmd.Flags().IntVarP(&queryLimit, "limit", "n", engine.DefaultQueryLimit, "maximum number of results")
	queryCmd.Flags().IntVar(&queryBudget, "budget", 0, "token budget (0 for none)")
	queryCmd.Flags().StringSliceVar(&queryLevels, "level", nil, "restrict to tiers (number or name)")
	queryCmd.Flags().StringSliceVar(&queryTags, "tag", nil, "require a tag")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print the raw result")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw status")

	compactCmd.Flags().BoolVar(&compactAggressive, "aggressive", false, "prune deep-archive nodes beyond retention")

	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "output file (default stdout)")

	saveCmd.Flags().BoolVar(&saveCondense, "condense", false, "shorten assistant turns before saving")
}
