package app

import (
	"fmt"
	"strconv"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーを起動する。引数なしの場合もこれになる。
	CommandServe Command = "serve"
	// CommandWorker はキャッシュ更新と掃除を行うワーカーを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はスキーマのマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は稼働中プロセスの /health を叩く。distrolessのHEALTHCHECK用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand は先頭の引数をサブコマンドとして解釈し、残りの引数と共に返す。
func ParseCommand(args []string) (Command, []string, error) {
	if len(args) == 0 {
		return CommandServe, nil, nil
	}
	switch cmd := Command(args[0]); cmd {
	case CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck:
		return cmd, args[1:], nil
	default:
		return "", nil, fmt.Errorf("unknown command %q (want serve, worker, migrate or healthcheck)", args[0])
	}
}

type migrateAction string

const (
	migrateUp      migrateAction = "up"
	migrateDown    migrateAction = "down"
	migrateVersion migrateAction = "version"
)

// parseMigrateArgs は "migrate [up | down [N] | version]" を解釈する。
// downの件数は省略時1。
func parseMigrateArgs(args []string) (migrateAction, int, error) {
	if len(args) == 0 {
		return migrateUp, 0, nil
	}
	switch action := migrateAction(args[0]); action {
	case migrateUp, migrateVersion:
		if len(args) > 1 {
			return "", 0, fmt.Errorf("migrate %s takes no arguments", action)
		}
		return action, 0, nil
	case migrateDown:
		if len(args) == 1 {
			return migrateDown, 1, nil
		}
		steps, err := strconv.Atoi(args[1])
		if err != nil || steps <= 0 || len(args) > 2 {
			return "", 0, fmt.Errorf("migrate down expects a positive step count, got %v", args[1:])
		}
		return migrateDown, steps, nil
	default:
		return "", 0, fmt.Errorf("unknown migrate action %q", args[0])
	}
}
