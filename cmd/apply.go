package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/mapdb-go/internal/apidb"
	"github.com/wegman-software/mapdb-go/internal/logger"
	"github.com/wegman-software/mapdb-go/internal/osc"
	"github.com/wegman-software/mapdb-go/internal/tags"
)

var (
	applyUser    string
	applyComment string
)

var applyCmd = &cobra.Command{
	Use:   "apply <map-id> <changes.osc[.gz]>",
	Short: "Apply an OSM change file to a map",
	Long: `Apply the create, modify and delete blocks of an osmChange file to a map
in one transaction, attributed to a single changeset.

Elements created with negative ids get new ids from the map's sequences;
later references to those placeholders in the same file are rewritten.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args[:1])
		if err != nil {
			return err
		}
		mapID, input := ids[0], args[1]

		return withSession(apidb.Open, func(ctx context.Context, s *apidb.Session) error {
			ok, err := s.MapExists(ctx, mapID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("map %d does not exist", mapID)
			}
			userID, err := s.GetOrCreateUser(ctx, applyUser, applyUser)
			if err != nil {
				return err
			}

			csTags := tags.Tags{"created_by": "mapdb", "source": input}
			if applyComment != "" {
				csTags["comment"] = applyComment
			}
			stats, err := osc.NewApplier(s, osc.ApplyOptions{
				MapID:         mapID,
				UserID:        userID,
				ChangesetTags: csTags,
			}).ApplyFile(ctx, input)
			if err != nil {
				return fmt.Errorf("apply failed: %w", err)
			}

			logger.Get().Debug("Placeholder ids assigned", zap.Int("count", len(stats.IDs)))
			printf(cmd, "%d\n", stats.ChangesetID)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(applyCmd)

	applyCmd.Flags().StringVar(&applyUser, "user", "mapdb@localhost", "Email of the editing user, created if missing")
	applyCmd.Flags().StringVar(&applyComment, "comment", "", "Changeset comment")
}
