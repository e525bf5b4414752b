package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/helix/internal/model"
)

func TestOutputPath(t *testing.T) {
	l := NewLayout("/repo")
	date := "2025-11-14"

	tests := []struct {
		wave    model.Wave
		pattern string
		want    string
	}{
		{model.WaveSearch, "news.md", "/repo/data/outputs/daily/2025-11-14/news.md"},
		{model.WaveSearch, "news_{date}.md", "/repo/data/outputs/daily/2025-11-14/news_2025-11-14.md"},
		{model.WaveAggregator, "daily_report_{date}.md", "/repo/data/reports/daily_report_2025-11-14.md"},
		{model.WaveTagger, "tags_{date}.json", "/repo/data/publishing/tags_2025-11-14.json"},
		{model.WaveRender, "dashboard_{date}.html", "/repo/dashboards/dashboard_2025-11-14.html"},
		{model.WaveExport, "{date}.json", "/repo/data/publishing/2025-11-14.json"},
		{model.WavePublish, "publish_{date}.log", "/repo/data/outputs/publish_2025-11-14.log"},
	}
	for _, tt := range tests {
		t.Run(string(tt.wave)+"/"+tt.pattern, func(t *testing.T) {
			assert.Equal(t, filepath.FromSlash(tt.want), l.OutputPath(tt.wave, tt.pattern, date))
		})
	}
}

func TestOutputPathIsPure(t *testing.T) {
	l := NewLayout("/repo")
	a := l.OutputPath(model.WaveAggregator, "r_{date}.md", "2025-11-14")
	b := l.OutputPath(model.WaveAggregator, "r_{date}.md", "2025-11-14")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, l.OutputPath(model.WaveAggregator, "r_{date}.md", "2025-11-15"))
}

func TestDependencies(t *testing.T) {
	l := NewLayout("/repo")
	date := "2025-11-14"
	all := []model.UnitPolicy{
		{ID: "news", Wave: model.WaveSearch, ExpectedOutputs: "news.md"},
		{ID: "markets", Wave: model.WaveSearch, ExpectedOutputs: "markets.md"},
		{ID: "report", Wave: model.WaveAggregator, ExpectedOutputs: "daily_report_{date}.md"},
		{ID: "tags", Wave: model.WaveTagger, ExpectedOutputs: "tags_{date}.json"},
		{ID: "dash", Wave: model.WaveRender, ExpectedOutputs: "d.html"},
		{ID: "export", Wave: model.WaveExport, ExpectedOutputs: "{date}.json"},
		{ID: "publish", Wave: model.WavePublish, ExpectedOutputs: "p.log"},
	}
	report := filepath.FromSlash("/repo/data/reports/daily_report_2025-11-14.md")

	assert.Equal(t, []string{}, l.Dependencies(all[0], all, date))
	assert.Equal(t, []string{
		filepath.FromSlash("/repo/data/outputs/daily/2025-11-14/news.md"),
		filepath.FromSlash("/repo/data/outputs/daily/2025-11-14/markets.md"),
	}, l.Dependencies(all[2], all, date))
	assert.Equal(t, []string{report}, l.Dependencies(all[3], all, date))
	assert.Equal(t, []string{report}, l.Dependencies(all[4], all, date))
	assert.Equal(t, []string{report, filepath.FromSlash("/repo/data/publishing/tags_2025-11-14.json")}, l.Dependencies(all[5], all, date))
	assert.Equal(t, []string{filepath.FromSlash("/repo/data/publishing/2025-11-14.json")}, l.Dependencies(all[6], all, date))
}

func TestContextPath(t *testing.T) {
	l := NewLayout("/repo")
	assert.Empty(t, l.ContextPath(model.UnitPolicy{}, "2025-11-14"))
	assert.Equal(t, filepath.FromSlash("/repo/ctx/2025-11-14.md"),
		l.ContextPath(model.UnitPolicy{ContextFile: "ctx/{date}.md"}, "2025-11-14"))
	assert.Equal(t, "/abs/ctx.md", l.ContextPath(model.UnitPolicy{ContextFile: "/abs/ctx.md"}, "2025-11-14"))
}

func TestParseForceTargets(t *testing.T) {
	units, waves := ParseForceTargets([]string{"news", "Search", "aggregator,markets", "news", " "})
	assert.Equal(t, []string{"news", "markets"}, units)
	assert.Equal(t, []model.Wave{model.WaveSearch, model.WaveAggregator}, waves)

	units, waves = ParseForceTargets(nil)
	assert.Nil(t, units)
	assert.Nil(t, waves)
}
