package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/sseaky/seakylib/internal/controller"
	"github.com/sseaky/seakylib/internal/reconcile"
	"github.com/sseaky/seakylib/pkg/types"
)

var (
	headColor = color.New(color.FgCyan, color.Bold)
	okColor   = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
	missColor = color.New(color.FgYellow)
)

// printRunSummary 輸出 Summary 行；有失敗或 missing 時以紅色顯示
func printRunSummary(w io.Writer, stats controller.RunStatistics) {
	c := okColor
	if stats.Failed+stats.Missing > 0 {
		c = failColor
	}
	fmt.Fprintln(w, c.Sprint(stats.Summary()))
}

func printCounts(w io.Writer, stats controller.RunStatistics) {
	fmt.Fprintf(w, "Total: %d, Success: %s, Fail: %s, Miss: %s, Fixed by retry: %d\n",
		stats.Total,
		okColor.Sprint(stats.Succeeded),
		failColor.Sprint(stats.Failed),
		missColor.Sprint(stats.Missing),
		stats.RetriedFixed)
}

// printSlowest 依 order 列出前 n 個結果
func printSlowest(w io.Writer, outcomes []types.Outcome, order []int, n int) {
	if n <= 0 || len(order) == 0 {
		return
	}
	fmt.Fprintln(w, headColor.Sprint("slowest:"))
	for _, i := range order[:min(n, len(order))] {
		printOutcome(w, outcomes[i])
	}
}

// printOutcomes 列出失敗與 missing 的結果；all 為 true 時列出全部
func printOutcomes(w io.Writer, outcomes []types.Outcome, all bool) {
	var header bool
	for _, o := range outcomes {
		if o.Success && !all {
			continue
		}
		if !header {
			fmt.Fprintln(w, headColor.Sprint("outcomes:"))
			header = true
		}
		printOutcome(w, o)
	}
}

func printOutcome(w io.Writer, o types.Outcome) {
	var status string
	switch {
	case o.Missing:
		status = missColor.Sprint("MISS")
	case o.Success:
		status = okColor.Sprint("OK  ")
	default:
		status = failColor.Sprint("FAIL")
	}
	retry := ""
	if o.RetryCount > 0 {
		retry = fmt.Sprintf(" retry=%d", o.RetryCount)
	}
	fmt.Fprintf(w, "  %s #%d %6.2fs%s %v => %v\n", status, o.InputOrder, o.Elapsed, retry, o.Args, o.Result)
}

func printApplyStats(w io.Writer, s reconcile.ApplyStats) {
	title := "reconcile:"
	if s.DryRun {
		title = "reconcile (dry run):"
	}
	fmt.Fprintln(w, headColor.Sprint(title))
	fmt.Fprintf(w, "  input %d, exist %d, skip %d\n", s.Input, s.Existing, s.Skipped)
	fmt.Fprintf(w, "  unchanged %d, changed %s, new %s, inserted %s\n",
		s.Unchanged, missColor.Sprint(s.Changed), okColor.Sprint(s.New), okColor.Sprint(s.Inserted))
	fmt.Fprintf(w, "  missing %d, deleted or marked %s, statements %d\n",
		s.Missing, failColor.Sprint(s.DeletedOrMarked), s.Statements)
}
