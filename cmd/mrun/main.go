package main

// ============================================================================
// 職責說明：
// 1. mrun 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/sseaky/seakylib/internal/cli"
)

/*
# 編譯
go build -o bin/mrun ./cmd/mrun

# 執行
./bin/mrun run --job tcping -t hosts.json --workers 100 --retry 1
./bin/mrun show -f temp/tcping_mrun_result.json

# 編譯時注入版本
go build -ldflags "-X main.version=1.0.0" -o bin/mrun ./cmd/mrun
*/

var version = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if version != "dev" {
		rootCmd.Version = version
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}
