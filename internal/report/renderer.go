// Package report computes per-category spending summaries and renders them
// as xlsx artifacts.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/spendwise-app/spendwise/internal/cache"
	"github.com/spendwise-app/spendwise/internal/config"
	"github.com/spendwise-app/spendwise/internal/model"
)

// summaryTTL bounds how long a computed summary is served from cache; writes
// also invalidate through the user cache generation.
const summaryTTL = 5 * time.Minute

// Store is the persistence subset the renderer reads from.
type Store interface {
	SummarizeExpenses(ctx context.Context, userID string, from, to time.Time) ([]model.CategoryTotal, error)
}

// Renderer computes summaries (cached per user) and writes artifacts.
type Renderer struct {
	store     Store
	summaries *cache.UserCache[[]model.CategoryTotal]
	dir       string
}

// New creates a Renderer writing artifacts under cfg.ArtifactDir.
func New(st Store, cfg config.ReportConfig) *Renderer {
	return &Renderer{
		store:     st,
		summaries: cache.NewUserCache[[]model.CategoryTotal](summaryTTL),
		dir:       cfg.ArtifactDir,
	}
}

// Summaries exposes the cache for invalidation wiring.
func (r *Renderer) Summaries() *cache.UserCache[[]model.CategoryTotal] {
	return r.summaries
}

// Summarize returns per-category totals for the window, served from the user
// cache when fresh.
func (r *Renderer) Summarize(ctx context.Context, userID string, from, to time.Time) ([]model.CategoryTotal, error) {
	key := fmt.Sprintf("summary:%s:%s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	if totals, ok := r.summaries.Get(userID, key); ok {
		return totals, nil
	}

	totals, err := r.store.SummarizeExpenses(ctx, userID, from, to)
	if err != nil {
		return nil, eris.Wrap(err, "report: summarize expenses")
	}
	r.summaries.Set(userID, key, totals)
	return totals, nil
}

// WriteArtifact renders the totals as a single-sheet xlsx workbook and
// returns the artifact path.
func (r *Renderer) WriteArtifact(reportID string, userID string, from, to time.Time, totals []model.CategoryTotal) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", eris.Wrap(err, "report: create artifact dir")
	}

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Spending by Category")
	if err != nil {
		return "", eris.Wrap(err, "report: add sheet")
	}

	header := sheet.AddRow()
	for _, title := range []string{"Category", "Total", "Expenses"} {
		header.AddCell().SetString(title)
	}

	grandTotal := 0.0
	for _, ct := range totals {
		row := sheet.AddRow()
		row.AddCell().SetString(ct.CategoryName)
		row.AddCell().SetFloat(ct.Total)
		row.AddCell().SetInt(ct.Count)
		grandTotal += ct.Total
	}

	footer := sheet.AddRow()
	footer.AddCell().SetString("Total")
	footer.AddCell().SetFloat(grandTotal)

	meta := sheet.AddRow()
	meta.AddCell().SetString(fmt.Sprintf("User %s, %s to %s",
		userID, from.Format("2006-01-02"), to.Format("2006-01-02")))

	path := filepath.Join(r.dir, reportID+".xlsx")
	if err := f.Save(path); err != nil {
		return "", eris.Wrap(err, "report: save artifact")
	}

	zap.L().Info("report: artifact written",
		zap.String("report_id", reportID),
		zap.String("path", path),
		zap.Int("categories", len(totals)),
	)
	return path, nil
}
