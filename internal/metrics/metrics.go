// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ストア名・結果ラベルの値。
const (
	StoreRelational = "relational"
	StoreDocument   = "document"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// コーディネーターやワーカーから利用する。
type MetricsCollector interface {
	// RecordStoreOperation はアダプター呼び出しの結果と所要時間を記録する。
	RecordStoreOperation(store, entity, operation string, err error, duration time.Duration)
	// RecordDivergence はリレーショナルストアへの書き込み成功後にドキュメントストアへの書き込みが失敗したことを記録する。
	RecordDivergence(entity string)
	RecordLogin(authenticated bool)
	SetReadOnly(readOnly bool)
	RecordReconcile(err error)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	storeOps     *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec
	divergence   *prometheus.CounterVec
	logins       *prometheus.CounterVec
	readOnly     prometheus.Gauge
	reconciles   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iamcore_store_operations_total",
			Help: "ストア別・エンティティ別・操作別のアダプター呼び出し数",
		}, []string{"store", "entity", "operation", "result"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iamcore_store_operation_seconds",
			Help:    "アダプター呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"store"}),
		divergence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iamcore_divergence_total",
			Help: "ストア間で内容が食い違った書き込みの数",
		}, []string{"entity"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iamcore_login_attempts_total",
			Help: "結果別のログイン試行数",
		}, []string{"result"}),
		readOnly: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iamcore_read_only",
			Help: "読み取り専用モードで稼働している場合は1",
		}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iamcore_reconcile_runs_total",
			Help: "結果別のリコンサイル実行数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.storeOps,
		c.storeLatency,
		c.divergence,
		c.logins,
		c.readOnly,
		c.reconciles,
	)

	return c
}

// RecordStoreOperation はアダプター呼び出しを記録する。
func (c *Collector) RecordStoreOperation(store, entity, operation string, err error, duration time.Duration) {
	c.storeOps.WithLabelValues(store, entity, operation, result(err == nil)).Inc()
	c.storeLatency.WithLabelValues(store).Observe(duration.Seconds())
}

// RecordDivergence はストア間の食い違いを記録する。
func (c *Collector) RecordDivergence(entity string) {
	c.divergence.WithLabelValues(entity).Inc()
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(authenticated bool) {
	c.logins.WithLabelValues(result(authenticated)).Inc()
}

// SetReadOnly は稼働モードを記録する。
func (c *Collector) SetReadOnly(readOnly bool) {
	if readOnly {
		c.readOnly.Set(1)
		return
	}
	c.readOnly.Set(0)
}

// RecordReconcile はリコンサイルの結果を記録する。
func (c *Collector) RecordReconcile(err error) {
	c.reconciles.WithLabelValues(result(err == nil)).Inc()
}

func result(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordStoreOperation(string, string, string, error, time.Duration) {}
func (Nop) RecordDivergence(string)                                           {}
func (Nop) RecordLogin(bool)                                                  {}
func (Nop) SetReadOnly(bool)                                                  {}
func (Nop) RecordReconcile(error)                                             {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Observe はfnを実行し、その結果と所要時間をアダプター呼び出しとして記録する。
func Observe(c MetricsCollector, store, entity, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	c.RecordStoreOperation(store, entity, operation, err, time.Since(start))
	return err
}
