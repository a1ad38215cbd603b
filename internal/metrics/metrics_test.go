package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// counterValue はレジストリから指定名のカウンタ値を取得するテストヘルパー。
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() == name {
			if len(mf.GetMetric()) != 1 {
				t.Fatalf("expected 1 metric for %s, got %d", name, len(mf.GetMetric()))
			}
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("%s metric not found", name)
	return 0
}

// TestRecordInvitationCreated_IncrementsCounter は招待作成カウンタが増加することを検証する。
func TestRecordInvitationCreated_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordInvitationCreated()
	c.RecordInvitationCreated()

	if got := counterValue(t, reg, "examgate_invitations_created_total"); got != 2 {
		t.Errorf("invitations_created_total = %v, want 2", got)
	}
}

// TestRecordInvitationsExpired_AddsCount はスイープの影響行数が加算されることを検証する。
func TestRecordInvitationsExpired_AddsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordInvitationsExpired(3)
	c.RecordInvitationsExpired(2)

	if got := counterValue(t, reg, "examgate_invitations_expired_total"); got != 5 {
		t.Errorf("invitations_expired_total = %v, want 5", got)
	}
}

// TestRecordTrustScore_ObservesHistogram は信頼スコアがヒストグラムに記録されることを検証する。
func TestRecordTrustScore_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTrustScore(70)
	c.RecordTrustScore(100)

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range metrics {
		if mf.GetName() == "examgate_trust_score" {
			found = true
			h := mf.GetMetric()[0].GetHistogram()
			if h.GetSampleCount() != 2 {
				t.Errorf("sample count = %d, want 2", h.GetSampleCount())
			}
			if h.GetSampleSum() != 170 {
				t.Errorf("sample sum = %v, want 170", h.GetSampleSum())
			}
		}
	}
	if !found {
		t.Error("examgate_trust_score metric not found")
	}
}

// TestRecordNotificationDelivery_CountsByOutcome は配信結果がラベル別に
// 集計されることを検証する。
func TestRecordNotificationDelivery_CountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordNotificationDelivery("sent")
	c.RecordNotificationDelivery("sent")
	c.RecordNotificationDelivery("failed")

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	counts := map[string]float64{}
	for _, mf := range metrics {
		if mf.GetName() == "examgate_notification_delivery_total" {
			for _, m := range mf.GetMetric() {
				for _, label := range m.GetLabel() {
					if label.GetName() == "outcome" {
						counts[label.GetValue()] = m.GetCounter().GetValue()
					}
				}
			}
		}
	}

	if counts["sent"] != 2 {
		t.Errorf("sent = %v, want 2", counts["sent"])
	}
	if counts["failed"] != 1 {
		t.Errorf("failed = %v, want 1", counts["failed"])
	}
}
