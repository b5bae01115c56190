package eval

import (
	"context"
	"encoding/json"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"github.com/wilhg/mcpbridge/pkg/journal"
)

// Fixture is one recorded-run evaluation case.
type Fixture struct {
	Name   string      `json:"name"`
	RunID  string      `json:"run_id"`
	Expect Expectation `json:"expect"`
}

type Expectation struct {
	AnswerContains    []string `json:"answer_contains,omitempty"`
	AnswerNotContains []string `json:"answer_not_contains,omitempty"`
	// ToolOrder, when set, must match the run's tool_call sequence exactly.
	ToolOrder []string `json:"tool_order,omitempty"`
	NoError   bool     `json:"no_error,omitempty"`
}

// EvaluateRunFixtures loads fixtures from an fs.FS directory (json files),
// replays each named run from the journal, and checks expectations.
// Returns score [0,1].
func EvaluateRunFixtures(ctx context.Context, j journal.Journal, fsys fs.FS, dir string) (score float64, total int, passed int, details []string, err error) {
	fixtures, err := loadFixtures(fsys, dir)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	total = len(fixtures)
	if total == 0 {
		return 1, 0, 0, nil, nil
	}
	for _, fx := range fixtures {
		out, rerr := LoadOutcome(ctx, j, fx.RunID)
		if rerr != nil {
			details = append(details, fx.Name+": replay error: "+rerr.Error())
			continue
		}
		ok := true
		for _, s := range fx.Expect.AnswerContains {
			if !strings.Contains(out.Answer, s) {
				ok = false
				details = append(details, fx.Name+": answer missing: "+s)
			}
		}
		for _, s := range fx.Expect.AnswerNotContains {
			if strings.Contains(out.Answer, s) {
				ok = false
				details = append(details, fx.Name+": answer unexpectedly contains: "+s)
			}
		}
		if len(fx.Expect.ToolOrder) > 0 && !slices.Equal(out.Tools, fx.Expect.ToolOrder) {
			ok = false
			details = append(details, fx.Name+": tool order "+strings.Join(out.Tools, ",")+" want "+strings.Join(fx.Expect.ToolOrder, ","))
		}
		if fx.Expect.NoError && out.Error != "" {
			ok = false
			details = append(details, fx.Name+": run error: "+out.Error)
		}
		if ok {
			passed++
		}
	}
	score = float64(passed) / float64(total)
	return score, total, passed, details, nil
}

func loadFixtures(fsys fs.FS, dir string) ([]Fixture, error) {
	var out []Fixture
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := fs.ReadFile(fsys, filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var fx Fixture
		if err := json.Unmarshal(b, &fx); err != nil {
			return nil, err
		}
		out = append(out, fx)
	}
	return out, nil
}
