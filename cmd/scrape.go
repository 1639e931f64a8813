package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oda-t/manga-scraper/internal/app"
	"github.com/oda-t/manga-scraper/internal/manga"
	"github.com/oda-t/manga-scraper/internal/pipeline"
)

func newScrapeCmd() *cobra.Command {
	var (
		mangaID   string
		title     string
		chapterID string
		referer   string
	)

	cmd := &cobra.Command{
		Use:   "scrape [page URLs...]",
		Short: "Scrape one chapter and exit",
		Long: `Fetches the given page URLs through the resilience layer, stores
the unique images, and prints the chapter report as JSON.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Pipeline.RestoreSnapshot(ctx); err != nil {
				a.Logger.Warn("detector snapshot restore failed", zap.Error(err))
			}

			report, err := a.Pipeline.ScrapeChapter(ctx, pipeline.ChapterRequest{
				Manga:    manga.Manga{ID: mangaID, Title: title},
				Chapter:  manga.Chapter{ID: chapterID, MangaID: mangaID},
				PageURLs: args,
				Referer:  referer,
			})
			if err != nil {
				return fmt.Errorf("scrape chapter: %w", err)
			}

			if err := a.Pipeline.SaveSnapshot(ctx); err != nil {
				a.Logger.Warn("detector snapshot save failed", zap.Error(err))
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&mangaID, "manga-id", "", "series identifier")
	cmd.Flags().StringVar(&title, "title", "", "series title")
	cmd.Flags().StringVar(&chapterID, "chapter-id", "", "chapter identifier")
	cmd.Flags().StringVar(&referer, "referer", "", "referer header sent with each page request")
	_ = cmd.MarkFlagRequired("chapter-id")

	return cmd
}
