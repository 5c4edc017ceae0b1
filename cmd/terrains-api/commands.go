package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/terrains/internal/config"
	"github.com/MarcoPoloResearchLab/terrains/internal/contributions"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newCollectCommand() *cobra.Command {
	var terrainFlag, dateFlag string
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect one terrain's contributions for a day (yesterday by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context(), appConfig)
			if err != nil {
				return err
			}
			defer rt.Close()

			terrainID, err := contributions.NewTerrainID(terrainFlag)
			if err != nil {
				return err
			}
			date := contributions.PreviousDay(time.Now(), rt.location)
			if strings.TrimSpace(dateFlag) != "" {
				if date, err = contributions.ParseDate(dateFlag); err != nil {
					return err
				}
			}

			result, err := rt.collector.Collect(cmd.Context(), terrainID, date)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: terrain %s on %s, %d cleared, %d written\n",
				result.RunID, result.TerrainID, result.Date, result.DeletedCount, result.WrittenCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&terrainFlag, "terrain", "", "Terrain id to collect")
	cmd.Flags().StringVar(&dateFlag, "date", "", "Day to collect (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("terrain")
	return cmd
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow live rankings; stdin lines select \"<terrainId> <date>\" or \"collect\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context(), appConfig)
			if err != nil {
				return err
			}
			defer rt.Close()

			tracker := contributions.NewTracker(rt.ranker)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for update := range tracker.Updates() {
					printRanking(cmd.OutOrStdout(), rt.logger, update)
				}
			}()

			err = runWatch(cmd.Context(), cmd.InOrStdin(), tracker, rt.collector, rt.logger)
			tracker.Close()
			<-done
			return err
		},
	}
}

type watchCollector interface {
	Collect(ctx context.Context, terrainID contributions.TerrainID, date contributions.Date) (contributions.CollectionResult, error)
}

// runWatch applies stdin commands to tracker until input ends or ctx is cancelled.
func runWatch(ctx context.Context, input io.Reader, tracker *contributions.Tracker, collector watchCollector, logger *zap.Logger) error {
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "collect" {
			terrainID, date, ok := tracker.Active()
			if !ok {
				logger.Warn("nothing selected to collect")
				continue
			}
			if _, err := collector.Collect(ctx, terrainID, date); err != nil {
				logger.Warn("watch collection failed", zap.String("terrain_id", terrainID.String()), zap.String("date", date.String()), zap.Error(err))
			}
			continue
		}
		terrainID, date, err := parseSelection(line)
		if err != nil {
			logger.Warn("ignoring selection", zap.String("line", line), zap.Error(err))
			continue
		}
		if err := tracker.Select(ctx, terrainID, date); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func parseSelection(line string) (contributions.TerrainID, contributions.Date, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("expected \"<terrainId> <date>\", got %q", line)
	}
	terrainID, err := contributions.NewTerrainID(fields[0])
	if err != nil {
		return "", "", err
	}
	date, err := contributions.ParseDate(fields[1])
	if err != nil {
		return "", "", err
	}
	return terrainID, date, nil
}

func printRanking(out io.Writer, logger *zap.Logger, update contributions.RankingUpdate) {
	if update.Err != nil {
		logger.Warn("ranking update failed", zap.Error(update.Err))
		return
	}
	ranking := update.Ranking
	if !ranking.Collected {
		fmt.Fprintf(out, "%s %s: not collected yet\n", ranking.TerrainID, ranking.Date)
		return
	}
	fmt.Fprintf(out, "%s %s: %d kingdoms, collected %s\n",
		ranking.TerrainID, ranking.Date, len(ranking.Entries), ranking.LastCollectedAt.Format(time.RFC3339))
	for _, entry := range ranking.Entries {
		fmt.Fprintf(out, "%4d  %-24s %-12s %.0f\n",
			entry.Position, entry.Record.KingdomName, entry.Record.KingdomID, entry.Record.ContributionAmount)
	}
}
