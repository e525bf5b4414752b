package engine

import (
	"path/filepath"
	"strings"

	"github.com/roach88/helix/internal/model"
)

// DatePlaceholder is replaced with the run date in output patterns, context
// file paths and prompt text.
const DatePlaceholder = "{date}"

// Layout resolves the on-disk locations of unit outputs.
type Layout struct {
	// Root is the repository root.
	Root string

	// DataDir holds outputs, reports, publishing files and manifests.
	DataDir string
}

// NewLayout returns a layout rooted at root with the data directory under
// root/data.
func NewLayout(root string) Layout {
	return Layout{Root: root, DataDir: filepath.Join(root, "data")}
}

// SubstituteDate replaces every date placeholder in s.
func SubstituteDate(s, date string) string {
	return strings.ReplaceAll(s, DatePlaceholder, date)
}

// OutputPath returns where a unit of wave with the given expected-output
// pattern writes for date. It depends only on its arguments.
func (l Layout) OutputPath(wave model.Wave, pattern, date string) string {
	name := SubstituteDate(pattern, date)
	switch wave {
	case model.WaveSearch:
		return filepath.Join(l.DataDir, "outputs", "daily", date, name)
	case model.WaveAggregator:
		return filepath.Join(l.DataDir, "reports", name)
	case model.WaveTagger, model.WaveExport:
		return filepath.Join(l.DataDir, "publishing", name)
	case model.WaveRender:
		return filepath.Join(l.Root, "dashboards", name)
	default:
		return filepath.Join(l.DataDir, "outputs", name)
	}
}

// UnitOutputPath is OutputPath for p.
func (l Layout) UnitOutputPath(p model.UnitPolicy, date string) string {
	return l.OutputPath(p.Wave, p.ExpectedOutputs, date)
}

// ReportPath is the aggregator's dated daily report.
func (l Layout) ReportPath(date string) string {
	return filepath.Join(l.DataDir, "reports", "daily_report_"+date+".md")
}

// TagsPath is the tagger's dated tag file.
func (l Layout) TagsPath(date string) string {
	return filepath.Join(l.DataDir, "publishing", "tags_"+date+".json")
}

// ExportPath is the dated export file.
func (l Layout) ExportPath(date string) string {
	return filepath.Join(l.DataDir, "publishing", date+".json")
}

// Dependencies returns the input paths p reads for date. The list annotates
// ledger entries; it never gates execution. The result is never nil.
func (l Layout) Dependencies(p model.UnitPolicy, all []model.UnitPolicy, date string) []string {
	deps := []string{}
	switch p.Wave {
	case model.WaveAggregator:
		for _, u := range all {
			if u.Wave == model.WaveSearch {
				deps = append(deps, l.UnitOutputPath(u, date))
			}
		}
	case model.WaveTagger, model.WaveRender:
		deps = append(deps, l.ReportPath(date))
	case model.WaveExport:
		deps = append(deps, l.ReportPath(date), l.TagsPath(date))
	case model.WavePublish:
		deps = append(deps, l.ExportPath(date))
	}
	return deps
}

// ContextPath returns the absolute context file path for p, or "" when p
// declares none.
func (l Layout) ContextPath(p model.UnitPolicy, date string) string {
	if p.ContextFile == "" {
		return ""
	}
	path := SubstituteDate(p.ContextFile, date)
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.Root, path)
}
