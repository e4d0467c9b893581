package cli

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/sseaky/seakylib/internal/worker"
	"github.com/sseaky/seakylib/pkg/types"
)

// 內建任務的預設值
const (
	defaultDialTimeout = 3 * time.Second
	defaultTCPPort      = "22"
)

// builtinJobs 可由 --job 選擇的內建工作函式
var builtinJobs = map[string]worker.JobFunc{
	"tcping": tcpingJob,
	"http":   httpJob,
	"sleep":  sleepJob,
}

func lookupJob(name string) (worker.JobFunc, error) {
	job, ok := builtinJobs[name]
	if !ok {
		return nil, fmt.Errorf("unknown job %q, choose one of %v", name, jobNames())
	}
	return job, nil
}

func jobNames() []string {
	names := lo.Keys(builtinJobs)
	slices.Sort(names)
	return names
}

// tcpingJob 連線 host:port 並回報耗時
//
// 參數：host（必填）、port（預設 22）、timeout（秒，預設 3）
func tcpingJob(ctx context.Context, args types.Args) (bool, any) {
	host := argString(args, "host", "")
	if host == "" {
		return false, "host is required"
	}
	port := argString(args, "port", defaultTCPPort)

	dialer := net.Dialer{Timeout: argDuration(args, "timeout", defaultDialTimeout)}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return false, err.Error()
	}
	conn.Close()
	return true, fmt.Sprintf("%s:%s open in %dms", host, port, time.Since(start).Milliseconds())
}

// httpJob 對 url 發出 GET，狀態碼等於 expect（預設 200）時成功
func httpJob(ctx context.Context, args types.Args) (bool, any) {
	url := argString(args, "url", "")
	if url == "" {
		return false, "url is required"
	}
	expect, err := strconv.Atoi(argString(args, "expect", "200"))
	if err != nil {
		return false, fmt.Sprintf("bad expect: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, argDuration(args, "timeout", defaultDialTimeout))
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	resp.Body.Close()

	if resp.StatusCode != expect {
		return false, fmt.Sprintf("status %d, expect %d", resp.StatusCode, expect)
	}
	return true, resp.StatusCode
}

// sleepJob 等待 seconds 秒；fail 為 true 時回報失敗
func sleepJob(ctx context.Context, args types.Args) (bool, any) {
	d := argDuration(args, "seconds", 0)
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return false, ctx.Err().Error()
	}
	if fail, _ := strconv.ParseBool(argString(args, "fail", "false")); fail {
		return false, fmt.Sprintf("slept %s then failed", d)
	}
	return true, fmt.Sprintf("slept %s", d)
}

func argString(args types.Args, name, def string) string {
	v, ok := args[name]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// argDuration 以秒為單位讀取參數
func argDuration(args types.Args, name string, def time.Duration) time.Duration {
	s := argString(args, name, "")
	if s == "" {
		return def
	}
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil || sec < 0 {
		return def
	}
	return time.Duration(sec * float64(time.Second))
}
