package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/tagscout/internal/model"
	"github.com/hitoshi/tagscout/internal/report"
	"github.com/hitoshi/tagscout/internal/targets"
	"github.com/hitoshi/tagscout/internal/worker/batch"
)

// NewRootCommand はサブコマンドを登録したルートコマンドを返す。
// 表やレポートはoutに、ログはlogOutに出力する。
func NewRootCommand(out, logOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "tagscout",
		Short:         "Instagramのハッシュタグページを定期取得するオーケストレーター",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	c := &commands{out: out, logOut: logOut}
	root.AddCommand(
		c.login(),
		c.logout(),
		c.status(),
		c.fetch(),
		c.batch(),
		c.schedule(),
		c.next(),
		c.runJob(),
		c.show(),
		c.files(),
		c.prune(),
		c.migrate(),
		c.healthcheck(),
	)
	return root
}

type commands struct {
	out    io.Writer
	logOut io.Writer
}

// withApp は設定を読み込んでAppを組み立て、fnの終了後に後始末する。
func (c *commands) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *App) error) error {
	cfg, log, err := Init(c.logOut)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	log.Info("starting command", slog.String("command", cmd.Name()))

	ctx := cmd.Context()
	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (c *commands) login() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "ブラウザでログインし、Cookieを保存する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				token, err := a.sessions.EstablishInteractive(ctx)
				if err != nil {
					if errors.Is(err, model.ErrAuthAbandoned) {
						fmt.Fprintln(c.out, "ログインを中断しました。")
					}
					return err
				}
				fmt.Fprintf(c.out, "ログインしました。Cookie %d件を %s に保存しました。\n", len(token.Cookies), a.cfg.CookiesFile)
				return nil
			})
		},
	}
}

func (c *commands) logout() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "保存済みのCookieを削除する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				if err := a.sessions.Invalidate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(c.out, "ログアウトしました。")
				return nil
			})
		},
	}
}

func (c *commands) status() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "保存済みセッションの状態を表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				st, err := a.sessions.Status(ctx)
				if err != nil {
					return err
				}
				if !st.HasToken {
					fmt.Fprintln(c.out, "保存済みのセッションはありません。")
					printGuidance(c.out, model.AuthRequiredGuidance())
					return nil
				}
				fmt.Fprintf(c.out, "保存日時: %s\n", st.SavedAt.In(a.cfg.Location).Format("2006-01-02 15:04:05"))
				if st.Expired {
					fmt.Fprintln(c.out, "保存から有効期間を過ぎています。")
					printGuidance(c.out, model.AuthRequiredGuidance())
					return nil
				}
				fmt.Fprintln(c.out, "セッションは有効期間内です。")
				return nil
			})
		},
	}
}

func (c *commands) fetch() *cobra.Command {
	var headless bool
	cmd := &cobra.Command{
		Use:   "fetch <hashtag>...",
		Short: "指定したハッシュタグを取得して表示する",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				var list []model.FetchTarget
				for _, arg := range args {
					if t := model.NewFetchTarget(arg); t.Hashtag != "" {
						list = append(list, t)
					}
				}
				if len(list) == 0 {
					return errors.New("no valid hashtag given")
				}

				opts := a.BatchOptions(a.cfg.Headless)
				if cmd.Flags().Changed("headless") {
					opts.Headless = headless
				}
				opts.OnProgress = progressPrinter(c.out)

				run := a.batches.Run(ctx, "fetch_"+time.Now().In(a.cfg.Location).Format("20060102_150405"), list, opts)
				for _, rec := range run.Records() {
					report.Record(c.out, rec)
				}
				report.Tally(c.out, run)
				return haltError(run)
			})
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", true, "ブラウザを表示せずに実行する")
	return cmd
}

func (c *commands) batch() *cobra.Command {
	var (
		file     string
		name     string
		headless bool
	)
	cmd := &cobra.Command{
		Use:   "batch --file <tags.csv>",
		Short: "ハッシュタグ一覧ファイルの全件を順に取得する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := targets.LoadFile(file)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				return fmt.Errorf("%s: no hashtags", file)
			}
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				opts := a.BatchOptions(a.cfg.Headless)
				if cmd.Flags().Changed("headless") {
					opts.Headless = headless
				}
				opts.OnProgress = progressPrinter(c.out)

				run := a.batches.Run(ctx, batchName(name, file, time.Now().In(a.cfg.Location)), list, opts)
				report.Batch(c.out, run)
				return haltError(run)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "ハッシュタグ一覧CSV")
	cmd.Flags().StringVar(&name, "name", "", "バッチ名（省略時はファイル名）")
	cmd.Flags().BoolVar(&headless, "headless", true, "ブラウザを表示せずに実行する")
	cmd.MarkFlagRequired("file")
	return cmd
}

func (c *commands) schedule() *cobra.Command {
	return &cobra.Command{
		Use:     "schedule",
		Aliases: []string{"serve"},
		Short:   "スケジューラとHTTP APIを起動する",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				return a.Serve(ctx)
			})
		},
	}
}

func (c *commands) next() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "有効なジョブの次回実行時刻を表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				s, err := a.Scheduler()
				if err != nil {
					return err
				}
				s.Plan(time.Now())
				report.Schedules(c.out, s.Upcoming())
				return nil
			})
		},
	}
}

func (c *commands) runJob() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job>",
		Short: "スケジュール定義のジョブを今すぐ1回実行する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				s, err := a.Scheduler()
				if err != nil {
					return err
				}
				run, err := s.RunNow(ctx, args[0])
				if err != nil {
					return err
				}
				if run == nil {
					fmt.Fprintln(c.out, "取得対象がありません。")
					return nil
				}
				report.Batch(c.out, run)
				return haltError(run)
			})
		},
	}
}

func (c *commands) show() *cobra.Command {
	return &cobra.Command{
		Use:   "show <hashtag>",
		Short: "データベースに保存された最新のレコードを表示する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				if a.records == nil {
					return errors.New("DATABASE_URL is required for show")
				}
				tag := model.NormalizeHashtag(args[0])
				rec, err := a.records.LatestByHashtag(ctx, tag)
				if err != nil {
					return err
				}
				if rec == nil {
					fmt.Fprintf(c.out, "#%s の記録はありません。\n", tag)
					return nil
				}
				report.Record(c.out, rec)
				return nil
			})
		},
	}
}

func (c *commands) files() *cobra.Command {
	var month string
	cmd := &cobra.Command{
		Use:   "files",
		Short: "月別ディレクトリに保存したCSV・JSONファイルを一覧表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				if month == "" {
					month = time.Now().In(a.cfg.Location).Format("2006-01")
				}
				files, err := a.files.ListFiles(month)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s (%s)\n", month, filepath.Join(a.files.BaseDir(), month))
				fmt.Fprintf(c.out, "CSV: %d件\n", len(files.CSV))
				for _, f := range files.CSV {
					fmt.Fprintf(c.out, "  %s\n", f)
				}
				fmt.Fprintf(c.out, "JSON: %d件\n", len(files.JSON))
				for _, f := range files.JSON {
					fmt.Fprintf(c.out, "  %s\n", f)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "対象月（YYYY-MM、省略時は今月）")
	return cmd
}

func (c *commands) prune() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "保持期間を過ぎたデータを削除する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *App) error {
				res, err := a.CleanupJob().Run(ctx)
				fmt.Fprintf(c.out, "削除: レコード %d件, バッチ %d件, 月別ディレクトリ %d件\n", res.Records, res.Batches, res.Months)
				return err
			})
		},
	}
}

func (c *commands) migrate() *cobra.Command {
	var (
		down        int
		showVersion bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "データベースマイグレーションを適用する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := Init(c.logOut)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			return runMigrate(c.out, cfg.DatabaseURL, down, showVersion)
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "指定した数だけロールバックする")
	cmd.Flags().BoolVar(&showVersion, "version", false, "現在のバージョンを表示する")
	return cmd
}

func (c *commands) healthcheck() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "起動中のサーバーの/healthを確認する（Dockerヘルスチェック用）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHealthcheck(healthcheckPort())
		},
	}
}

// progressPrinter は1対象ごとの進捗を1行で出力する。
func progressPrinter(w io.Writer) func(batch.Progress) {
	return func(p batch.Progress) {
		line := fmt.Sprintf("[%d/%d] #%s: %s", p.Index+1, p.Total, p.Target.Hashtag, p.Result.Kind)
		if p.Result.OK() && p.Result.Record != nil {
			line += fmt.Sprintf(" (投稿数 %s)", report.FormatCount(p.Result.Record.PostCount))
		}
		fmt.Fprintln(w, line)
	}
}

// batchName はバッチ名を決める。省略時はタグファイル名を使う。
func batchName(name, file string, now time.Time) string {
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}
	return fmt.Sprintf("%s_%s", name, now.Format("20060102_150405"))
}

func printGuidance(w io.Writer, g model.Guidance) {
	fmt.Fprintln(w, g.Message)
	if g.Action != "" {
		fmt.Fprintln(w, g.Action)
	}
}
