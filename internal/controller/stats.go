package controller

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sseaky/seakylib/pkg/types"
)

// RunStatistics 一次 Run 的彙總統計，每次 Run 結束時重新計算
type RunStatistics struct {
	Total        int `json:"total"`
	Succeeded    int `json:"success"`
	Failed       int `json:"fail"`
	Missing      int `json:"miss"`
	RetriedFixed int `json:"retried_fixed"` // 經重試後成功的數量

	Elapsed        time.Duration   `json:"elapsed"`
	RetryDurations []time.Duration `json:"retry_durations,omitempty"`
	Workers        int             `json:"workers"`
	Timeout        time.Duration   `json:"timeout"`
	Inline         bool            `json:"inline"`

	// 依耗時由大到小排列的結果索引（0-based，對應回傳的 outcomes）
	Slowest          []int `json:"top"`
	SlowestSucceeded []int `json:"top_success"`
	SlowestFailed    []int `json:"top_fail"`
	SlowestMissing   []int `json:"top_miss"`
}

// ComputeStatistics 由結果列表計算計數與耗時排行
// 只填入由 outcomes 推得的欄位；耗時與設定相關欄位由呼叫端補上
func ComputeStatistics(outcomes []types.Outcome) RunStatistics {
	stats := RunStatistics{Total: len(outcomes)}

	for _, o := range outcomes {
		switch {
		case o.Missing:
			stats.Missing++
		case o.Success:
			stats.Succeeded++
			if o.RetryCount > 0 {
				stats.RetriedFixed++
			}
		default:
			stats.Failed++
		}
	}

	order := make([]int, len(outcomes))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(outcomes[b].Elapsed, outcomes[a].Elapsed)
	})

	stats.Slowest = order
	stats.SlowestSucceeded = make([]int, 0)
	stats.SlowestFailed = make([]int, 0)
	stats.SlowestMissing = make([]int, 0)
	for _, i := range order {
		o := outcomes[i]
		switch {
		case o.Missing:
			stats.SlowestMissing = append(stats.SlowestMissing, i)
		case o.Success:
			stats.SlowestSucceeded = append(stats.SlowestSucceeded, i)
		default:
			stats.SlowestFailed = append(stats.SlowestFailed, i)
		}
	}

	return stats
}

// Summary 回傳單行摘要，例如：
//
//	Total: 5, Success: 4, Fail: 1, Miss: 0. Duration: 1.2s, Workers: 3, Timeout: 0s, Inline: false, including retry1: 0.31s.
func (s RunStatistics) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Total: %d, Success: %d, Fail: %d, Miss: %d. ", s.Total, s.Succeeded, s.Failed, s.Missing)
	fmt.Fprintf(&b, "Duration: %s, Workers: %d, Timeout: %s, Inline: %t",
		formatSeconds(s.Elapsed), s.Workers, s.Timeout, s.Inline)

	if len(s.RetryDurations) > 0 {
		parts := make([]string, len(s.RetryDurations))
		for i, d := range s.RetryDurations {
			parts[i] = fmt.Sprintf("retry%d: %s", i+1, formatSeconds(d))
		}
		b.WriteString(", including ")
		b.WriteString(strings.Join(parts, ", "))
	}
	b.WriteString(".")
	return b.String()
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}
