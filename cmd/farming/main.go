package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 建立並執行根命令，錯誤時以非零狀態結束
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/block-farming/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
