// Package mode は起動時の疎通確認結果から稼働モードを決定する。
package mode

import (
	"errors"

	"github.com/hitoshi/iamcore/internal/health"
)

// ErrNoViableMode は両ストアとも利用できず、起動できないことを示す。
var ErrNoViableMode = errors.New("no viable mode: both relational and document stores are unavailable")

// Source は読み取りの基準となるストア。
type Source string

const (
	SourceRelational Source = "relational"
	SourceDocument   Source = "document"
)

// Controller は起動時に一度だけ決定される稼働モード。
// 生成後は変更されないため、複数のゴルーチンから参照してよい。
type Controller struct {
	readOnly          bool
	relationalHealthy bool
	documentHealthy   bool
}

// Decide は疎通確認結果から稼働モードを決定する。
//
//	relational | document | モード
//	-----------+----------+-------------------------------------------
//	true       | true     | 読み書き可、読み取りはリレーショナル
//	true       | false    | 読み書き可、ドキュメントへの書き込みは行わない
//	false      | true     | 読み取り専用、読み取りはドキュメント
//	false      | false    | ErrNoViableMode
func Decide(r health.Result) (*Controller, error) {
	if !r.Relational && !r.Document {
		return nil, ErrNoViableMode
	}
	return &Controller{
		readOnly:          !r.Relational,
		relationalHealthy: r.Relational,
		documentHealthy:   r.Document,
	}, nil
}

// IsReadOnly は読み取り専用モードかを返す。
func (c *Controller) IsReadOnly() bool {
	return c.readOnly
}

// PrimaryReadSource は読み取りの基準となるストアを返す。
func (c *Controller) PrimaryReadSource() Source {
	if c.relationalHealthy {
		return SourceRelational
	}
	return SourceDocument
}

// RelationalHealthy は起動時にリレーショナルストアが利用可能だったかを返す。
func (c *Controller) RelationalHealthy() bool {
	return c.relationalHealthy
}

// DocumentHealthy は起動時にドキュメントストアが利用可能だったかを返す。
func (c *Controller) DocumentHealthy() bool {
	return c.documentHealthy
}

// DocumentWritable はドキュメントストアへ書き込むべきかを返す。
// 読み書き可能モードでもドキュメントストアが不健全な場合はfalse。
func (c *Controller) DocumentWritable() bool {
	return !c.readOnly && c.documentHealthy
}

// String はログ出力用の文字列表現を返す。
func (c *Controller) String() string {
	if c.readOnly {
		return "read-only (primary=" + string(c.PrimaryReadSource()) + ")"
	}
	return "read-write (primary=" + string(c.PrimaryReadSource()) + ")"
}
