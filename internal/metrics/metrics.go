// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordInvitationCreated()
	RecordInvitationsExpired(count int)
	RecordSessionCreated()
	RecordSessionSubmitted()
	RecordTrustScore(score int)
	RecordNotificationDelivery(outcome string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	invitationsCreated prometheus.Counter
	invitationsExpired prometheus.Counter
	sessionsCreated    prometheus.Counter
	sessionsSubmitted  prometheus.Counter
	trustScore         prometheus.Histogram
	notificationResult *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		invitationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "examgate_invitations_created_total",
			Help: "作成された招待の合計数",
		}),
		invitationsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "examgate_invitations_expired_total",
			Help: "期限切れスイープでEXPIREDに遷移した招待の合計数",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "examgate_sessions_created_total",
			Help: "作成された候補者セッションの合計数",
		}),
		sessionsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "examgate_sessions_submitted_total",
			Help: "提出が完了したセッションの合計数",
		}),
		trustScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "examgate_trust_score",
			Help:    "算出された信頼スコアの分布",
			Buckets: []float64{0, 20, 40, 60, 80, 90, 100},
		}),
		notificationResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examgate_notification_delivery_total",
			Help: "通知配信の結果別合計数",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.invitationsCreated,
		c.invitationsExpired,
		c.sessionsCreated,
		c.sessionsSubmitted,
		c.trustScore,
		c.notificationResult,
	)

	return c
}

// RecordInvitationCreated は招待作成を記録する。
func (c *Collector) RecordInvitationCreated() {
	c.invitationsCreated.Inc()
}

// RecordInvitationsExpired は期限切れスイープの影響行数を記録する。
func (c *Collector) RecordInvitationsExpired(count int) {
	c.invitationsExpired.Add(float64(count))
}

// RecordSessionCreated はセッション作成を記録する。
func (c *Collector) RecordSessionCreated() {
	c.sessionsCreated.Inc()
}

// RecordSessionSubmitted は提出完了を記録する。
func (c *Collector) RecordSessionSubmitted() {
	c.sessionsSubmitted.Inc()
}

// RecordTrustScore は信頼スコアの算出結果を記録する。
func (c *Collector) RecordTrustScore(score int) {
	c.trustScore.Observe(float64(score))
}

// RecordNotificationDelivery は通知配信の結果（sent / failed）を記録する。
func (c *Collector) RecordNotificationDelivery(outcome string) {
	c.notificationResult.WithLabelValues(outcome).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
