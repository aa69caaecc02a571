// Command tagscout はInstagramのハッシュタグページを定期取得するオーケストレーター。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hitoshi/tagscout/internal/app"
)

func main() {
	// SIGINTまたはSIGTERMでコンテキストをキャンセルし、実行中のバッチやサーバーを停止する
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := app.Run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
