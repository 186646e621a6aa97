package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 執行 CLI 命令並以 controller 的結果作為結束碼
// 3. 處理頂層 panic
// ============================================================================

import (
	"context"
	"fmt"
	"os"

	"github.com/ChuLiYu/oss-sim/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	os.Exit(cli.Execute(context.Background(), os.Args[1:]))
}
