// Package health は起動時に一度だけ実行するストアの疎通確認を提供する。
package health

import (
	"context"
	"errors"
	"log/slog"
)

// Pinger はリレーショナルストアへの接続確認を行う。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DocumentChecker はドキュメントストアのパース確認を行う。
type DocumentChecker interface {
	Check(ctx context.Context) error
}

// Documents はドキュメントストアを構成する複数のドキュメントをまとめて確認する。
// すべてのドキュメントを一度ずつ確認し、いずれかが失敗した場合はそれらのエラーを結合して返す。
type Documents []DocumentChecker

// Check はDocumentCheckerを実装する。
func (d Documents) Check(ctx context.Context) error {
	var errs []error
	for _, c := range d {
		if err := c.Check(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Result は各ストアの疎通確認結果。
type Result struct {
	Relational bool
	Document   bool
}

// Prober は両ストアの疎通確認を行う。
type Prober struct {
	db     Pinger
	doc    DocumentChecker
	logger *slog.Logger
}

// NewProber はProberを生成する。dbまたはdocがnilの場合、そのストアは不健全として扱う。
func NewProber(db Pinger, doc DocumentChecker, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{db: db, doc: doc, logger: logger}
}

// Probe は各ストアに一度ずつ接続・パースを試行する。リトライは行わない。
// 失敗はエラーとして返さず、falseとして結果に反映する。
func (p *Prober) Probe(ctx context.Context) Result {
	var result Result

	if p.db != nil {
		if err := p.db.PingContext(ctx); err != nil {
			p.logger.Warn("relational store probe failed", slog.String("error", err.Error()))
		} else {
			result.Relational = true
		}
	}

	if p.doc != nil {
		if err := p.doc.Check(ctx); err != nil {
			p.logger.Warn("document store probe failed", slog.String("error", err.Error()))
		} else {
			result.Document = true
		}
	}

	p.logger.Info("store probe completed",
		slog.Bool("relational", result.Relational),
		slog.Bool("document", result.Document),
	)
	return result
}
