package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/mapdb-go/internal/apidb"
	"github.com/wegman-software/mapdb-go/internal/importer"
	"github.com/wegman-software/mapdb-go/internal/logger"
	"github.com/wegman-software/mapdb-go/internal/metrics"
	"github.com/wegman-software/mapdb-go/internal/tags"
)

var (
	importMap     string
	importUser    string
	importNewIDs  bool
	importQueue   int
	importComment string
)

var importCmd = &cobra.Command{
	Use:   "import <input.osm.pbf|input.osm>",
	Short: "Import an OSM file into a map",
	Long: `Import an OSM PBF or XML file into a map inside a single transaction.

The map is created when --map names one that does not exist yet. All
elements are attributed to one changeset owned by --user. With --new-ids
elements get fresh ids from the map's sequences and references are
rewritten; otherwise the file's ids are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVarP(&importMap, "map", "m", "", "Target map id or name (required)")
	importCmd.Flags().StringVar(&importUser, "user", "mapdb@localhost", "Email of the importing user, created if missing")
	importCmd.Flags().BoolVar(&importNewIDs, "new-ids", false, "Assign new element ids instead of keeping the file's")
	importCmd.Flags().IntVar(&importQueue, "queue", 4096, "Decoded objects buffered ahead of the writer")
	importCmd.Flags().StringVar(&importComment, "comment", "", "Changeset comment")
	_ = importCmd.MarkFlagRequired("map")
}

func runImport(cmd *cobra.Command, args []string) error {
	input := args[0]
	log := logger.Get()
	start := time.Now()

	return withSession(apidb.Open, func(ctx context.Context, s *apidb.Session) error {
		userID, err := s.GetOrCreateUser(ctx, importUser, importUser)
		if err != nil {
			return err
		}
		mapID, err := resolveMap(ctx, s, importMap, userID)
		if err != nil {
			return err
		}

		src, err := importer.Open(ctx, input)
		if err != nil {
			return err
		}
		defer src.Close()

		log.Info("Starting import",
			zap.String("input", input),
			zap.Int64("size_bytes", src.Size()),
			zap.Int64("map_id", mapID),
			zap.Bool("new_ids", importNewIDs),
			zap.Int("batch_size", cfg.BatchSize))

		csTags := tags.Tags{"created_by": "mapdb", "source": input}
		if importComment != "" {
			csTags["comment"] = importComment
		}
		im := importer.New(s, importer.Options{
			MapID:         mapID,
			UserID:        userID,
			CreateNewIDs:  importNewIDs,
			ChangesetTags: csTags,
			QueueSize:     importQueue,
		})

		collector := metrics.NewCollector(cfg.MetricsInterval, log.Named("metrics"))
		registerCounters(collector, s.Stats(), im.Stats())
		mctx, stopMetrics := context.WithCancel(ctx)
		metricsDone := make(chan struct{})
		go func() {
			collector.Start(mctx)
			close(metricsDone)
		}()

		stats, err := im.Run(ctx, src)
		stopMetrics()
		<-metricsDone
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}

		log.Info("Import finished",
			zap.Int64("map_id", mapID),
			zap.Int64("changeset_id", stats.ChangesetID),
			zap.Int64("rows_flushed", s.Stats().RowsFlushed.Load()),
			zap.Duration("total_time", time.Since(start).Round(time.Second)))
		printf(cmd, "%d\n", mapID)
		return nil
	})
}

// resolveMap accepts a map id or a display name. An unknown name creates
// the map.
func resolveMap(ctx context.Context, s *apidb.Session, ref string, userID int64) (int64, error) {
	if ids, err := parseIDs([]string{ref}); err == nil {
		ok, err := s.MapExists(ctx, ids[0])
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("map %d does not exist", ids[0])
		}
		return ids[0], nil
	}

	pattern := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(ref)
	ids, err := s.SelectMapIDs(ctx, pattern, userID)
	if err != nil {
		return 0, err
	}
	switch len(ids) {
	case 0:
	case 1:
		return ids[0], nil
	default:
		return 0, fmt.Errorf("map name %q is ambiguous: %d maps", ref, len(ids))
	}

	mapID, err := s.CreateMap(ctx, ref, userID, false)
	if err != nil {
		return 0, err
	}
	logger.Get().Info("Created map", zap.String("name", ref), zap.Int64("map_id", mapID))
	return mapID, nil
}

func registerCounters(c *metrics.Collector, ss *apidb.Stats, is *importer.Stats) {
	c.Register("nodes", is.Nodes.Load)
	c.Register("ways", is.Ways.Load)
	c.Register("relations", is.Relations.Load)
	c.Register("rows_flushed", ss.RowsFlushed.Load)
	c.Register("flushes", ss.Flushes.Load)
}
