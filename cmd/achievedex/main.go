// Command achievedex はゲーム実績集約サービスのAPIサーバー・ワーカー・マイグレーションを起動する。
//
// 使い方:
//
//	achievedex [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/achievedex/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "achievedex: %v\n", err)
		os.Exit(1)
	}
}
