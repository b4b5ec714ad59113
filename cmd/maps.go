package cmd

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"text/tabwriter"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/mapdb-go/internal/apidb"
	"github.com/wegman-software/mapdb-go/internal/element"
	"github.com/wegman-software/mapdb-go/internal/logger"
)

var (
	createUser string
	mapPublic  bool
	listUser   string
	mapPattern string
	infoLoad   bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the registry tables in an empty database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(apidb.OpenEmpty, func(ctx context.Context, s *apidb.Session) error {
			if err := s.Provision(ctx); err != nil {
				return err
			}
			version, err := s.DBVersion(ctx)
			if err != nil {
				return err
			}
			logger.Get().Info("Database provisioned", zap.String("db", cfg.DBName), zap.String("schema_version", version))
			return nil
		})
	},
}

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Create, list and delete maps",
}

var mapCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register a new map and create its tables",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(apidb.Open, func(ctx context.Context, s *apidb.Session) error {
			userID, err := s.GetOrCreateUser(ctx, createUser, createUser)
			if err != nil {
				return err
			}
			mapID, err := s.CreateMap(ctx, args[0], userID, mapPublic)
			if err != nil {
				return err
			}
			if err := s.FinalizeIndexes(ctx); err != nil {
				return err
			}
			printf(cmd, "%d\n", mapID)
			return nil
		})
	},
}

var mapDeleteCmd = &cobra.Command{
	Use:   "delete <map-id>...",
	Short: "Drop maps and everything stored in them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		return withSession(apidb.Open, func(ctx context.Context, s *apidb.Session) error {
			for _, id := range ids {
				if err := s.DeleteMap(ctx, id); err != nil {
					return err
				}
				logger.Get().Info("Deleted map", zap.Int64("map_id", id))
			}
			return nil
		})
	},
}

var mapListCmd = &cobra.Command{
	Use:   "list",
	Short: "List maps",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(apidb.Open, func(ctx context.Context, s *apidb.Session) error {
			maps, err := s.ListMaps(ctx)
			if err != nil {
				return err
			}

			if listUser == "" && mapPattern != "" {
				return fmt.Errorf("--name requires --user")
			}
			if listUser != "" {
				userID, err := s.GetUserID(ctx, listUser)
				if err != nil {
					return err
				}
				pattern := mapPattern
				if pattern == "" {
					pattern = "%"
				}
				ids, err := s.SelectMapIDs(ctx, pattern, userID)
				if err != nil {
					return err
				}
				maps = filterMaps(maps, ids)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tUSER\tPUBLIC\tCREATED")
			for _, m := range maps {
				fmt.Fprintf(w, "%d\t%s\t%d\t%t\t%s\n", m.ID, m.DisplayName, m.UserID, m.Public, m.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		})
	},
}

var mapInfoCmd = &cobra.Command{
	Use:   "info <map-id>",
	Short: "Show element counts and the extent of a map",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		mapID := ids[0]
		return withSession(apidb.Open, func(ctx context.Context, s *apidb.Session) error {
			ok, err := s.MapExists(ctx, mapID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("map %d does not exist", mapID)
			}

			for _, k := range element.Kinds {
				n, err := s.NumElements(ctx, mapID, k)
				if err != nil {
					return err
				}
				printf(cmd, "%-10s %d\n", k.String()+"s", n)
			}

			env, err := s.CalculateEnvelope(ctx, mapID)
			if err != nil {
				return err
			}
			if env.IsNull() {
				printf(cmd, "%-10s empty\n", "extent")
			} else {
				printf(cmd, "%-10s %.7f,%.7f,%.7f,%.7f\n", "extent", env.MinLon(), env.MinLat(), env.MaxLon(), env.MaxLat())
			}
			if !infoLoad {
				return nil
			}

			m, err := s.LoadMap(ctx, mapID)
			if err != nil {
				return err
			}
			maxIDs := element.NewMaxIDVisitor()
			m.VisitAll(maxIDs)
			for _, k := range element.Kinds {
				if id := maxIDs.Max(k); id != math.MinInt64 {
					printf(cmd, "%-10s %d\n", "max "+k.String(), id)
				}
			}
			return nil
		})
	},
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete-user <email>",
	Short: "Delete a user together with all of their maps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(apidb.Open, func(ctx context.Context, s *apidb.Session) error {
			userID, err := s.GetUserID(ctx, args[0])
			if err != nil {
				return err
			}
			return s.DeleteUser(ctx, userID)
		})
	},
}

func init() {
	rootCmd.AddCommand(initCmd, mapCmd)
	mapCmd.AddCommand(mapCreateCmd, mapDeleteCmd, mapListCmd, mapInfoCmd, userDeleteCmd)

	mapCreateCmd.Flags().StringVar(&createUser, "user", "mapdb@localhost", "Email of the owning user, created if missing")
	mapCreateCmd.Flags().BoolVar(&mapPublic, "public", false, "Make the map visible to other users")
	mapListCmd.Flags().StringVar(&listUser, "user", "", "Only maps owned by this email")
	mapInfoCmd.Flags().BoolVar(&infoLoad, "load", false, "Load the whole map and report the highest id per kind")
	mapListCmd.Flags().StringVar(&mapPattern, "name", "", "Only maps whose name matches this LIKE pattern")
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid map id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func filterMaps(maps []apidb.MapInfo, ids []int64) []apidb.MapInfo {
	keep := mapset.NewThreadUnsafeSet(ids...)
	out := maps[:0]
	for _, m := range maps {
		if keep.Contains(m.ID) {
			out = append(out, m)
		}
	}
	return out
}
