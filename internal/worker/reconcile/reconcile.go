// Package reconcile はリレーショナルストアの内容でドキュメントストアを再構築するジョブを提供する。
// 二重書き込みの途中でドキュメントストアへの書き込みだけが失敗した場合、
// 両ストアの内容は食い違ったままになる。このジョブで基準ストアの内容に揃える。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/iamcore/internal/metrics"
	"github.com/hitoshi/iamcore/internal/model"
	"github.com/hitoshi/iamcore/internal/repository"
)

// ErrReadOnly は読み取り専用モードでジョブを実行しようとしたことを示す。
var ErrReadOnly = errors.New("reconcile requires the relational store")

// IdentitySource はIdentityの全件取得元。
type IdentitySource interface {
	Search(ctx context.Context, criteria model.IdentityCriteria) ([]*model.Identity, error)
}

// CredentialSource はCredentialの全件取得元。
type CredentialSource interface {
	Search(ctx context.Context, criteria model.CredentialCriteria) ([]*model.Credential, error)
}

// ModeChecker は稼働モードの参照に使用する。
type ModeChecker interface {
	IsReadOnly() bool
}

// Job はドキュメントストアの再構築ジョブ。
type Job struct {
	identities  IdentitySource
	credentials CredentialSource
	identityDoc repository.IdentityReplacer
	credDoc     repository.CredentialReplacer
	mode        ModeChecker
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
}

// Result は1回の実行結果。
type Result struct {
	RunID       string
	Identities  int
	Credentials int
	Duration    time.Duration
}

// NewJob は新しいJobを生成する。
func NewJob(
	identities IdentitySource,
	credentials CredentialSource,
	identityDoc repository.IdentityReplacer,
	credDoc repository.CredentialReplacer,
	mode ModeChecker,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Job {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Job{
		identities:  identities,
		credentials: credentials,
		identityDoc: identityDoc,
		credDoc:     credDoc,
		mode:        mode,
		metrics:     collector,
		logger:      logger,
	}
}

// Run はリレーショナルストアの全件を読み込み、ドキュメントストアを置き換える。
// 読み取り専用モードではErrReadOnlyを返す。
// 読み込みに失敗した場合はドキュメントストアに触れない。
func (j *Job) Run(ctx context.Context) (*Result, error) {
	runID := uuid.NewString()
	logger := j.logger.With(slog.String("run_id", runID))

	if j.mode.IsReadOnly() {
		logger.Warn("reconcile skipped in read-only mode")
		j.metrics.RecordReconcile(ErrReadOnly)
		return nil, ErrReadOnly
	}

	start := time.Now()
	result, err := j.run(ctx)
	j.metrics.RecordReconcile(err)
	if err != nil {
		logger.Error("reconcile failed", slog.String("error", err.Error()))
		return nil, err
	}

	result.RunID = runID
	result.Duration = time.Since(start)
	logger.Info("reconcile completed",
		slog.Int("identities", result.Identities),
		slog.Int("credentials", result.Credentials),
		slog.Float64("duration_ms", float64(result.Duration.Milliseconds())),
	)
	return result, nil
}

func (j *Job) run(ctx context.Context) (*Result, error) {
	var (
		identities  []*model.Identity
		credentials []*model.Credential
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		identities, err = j.identities.Search(gctx, model.IdentityCriteria{})
		if err != nil {
			return fmt.Errorf("failed to read identities: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		credentials, err = j.credentials.Search(gctx, model.CredentialCriteria{})
		if err != nil {
			return fmt.Errorf("failed to read credentials: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	err := metrics.Observe(j.metrics, metrics.StoreDocument, "identity", "replace_all", func() error {
		return j.identityDoc.ReplaceAll(ctx, identities)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replace identity document: %w", err)
	}

	err = metrics.Observe(j.metrics, metrics.StoreDocument, "credential", "replace_all", func() error {
		return j.credDoc.ReplaceAll(ctx, credentials)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replace credential document: %w", err)
	}

	return &Result{Identities: len(identities), Credentials: len(credentials)}, nil
}

// Start はintervalごとにジョブを実行する。intervalが0以下の場合は何もしない。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("reconcile scheduler started", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("reconcile scheduler stopped")
			return
		case <-ticker.C:
			// エラーはRun内でログ出力済み
			_, _ = j.Run(ctx)
		}
	}
}
