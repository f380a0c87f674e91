package app

import (
	"fmt"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はWebサーバー（ページとJSON API）を起動する。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッション・トークンのクリーンアップを日次で実行する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var commands = []Command{CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck}

// Usage はサブコマンドの一覧を返す。
func Usage() string {
	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = string(c)
	}
	return "usage: kokoro [" + strings.Join(names, "|") + "]"
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。2番目以降の引数は無視する。
// サポート外のコマンドはエラーにする（タイプミスでサーバーが起動するのを防ぐ）。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	for _, c := range commands {
		if args[0] == string(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown command %q\n%s", args[0], Usage())
}
