package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は管理APIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandProbe は疎通確認を行い、決定される稼働モードを出力して終了することを示す。
	CommandProbe Command = "probe"
	// CommandReconcile はドキュメントストアの再構築を1回実行して終了することを示す。
	CommandReconcile Command = "reconcile"
	// CommandHealthcheck は稼働中のサーバーの/healthを確認することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空、フラグで始まる、またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "probe":
		return CommandProbe
	case "reconcile":
		return CommandReconcile
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// commandArgs はサブコマンド名を除いたフラグ部分を返す。
func commandArgs(args []string) []string {
	if len(args) == 0 {
		return nil
	}
	if ParseCommand(args[:1]) == CommandServe && args[0] != string(CommandServe) {
		// サブコマンド名が省略されている
		return args
	}
	return args[1:]
}
