package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/examgate/internal/metrics"
	"github.com/hitoshi/examgate/internal/model"
)

// queueCapacity はイベントキューの容量。
// 満杯時のEmitはブロックせずイベントを破棄する。
const queueCapacity = 256

// maxDrainBytes はWebhookレスポンスボディの最大読み捨てサイズ。
const maxDrainBytes = 1 << 20

// Dispatcher はイベントキューを消費してWebhookへ配信する。
// Emitは非ブロッキングで、配信はRunを実行しているゴルーチンが行う。
type Dispatcher struct {
	endpoint string
	client   *http.Client
	queue    chan Event
	recorder DeliveryRecorder
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

var _ Emitter = (*Dispatcher)(nil)

// NewDispatcher は新しいDispatcherを生成する。
// clientにはSSRF防止機能付きのHTTPクライアントを渡すこと。
// endpointが空の場合は配信をスキップし、引き渡し完了として扱う。
func NewDispatcher(
	endpoint string,
	client *http.Client,
	recorder DeliveryRecorder,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		endpoint: endpoint,
		client:   client,
		queue:    make(chan Event, queueCapacity),
		recorder: recorder,
		metrics:  collector,
		logger:   logger,
	}
}

// Emit はイベントをキューへ投入する。
// キューが満杯の場合はブロックせずにイベントを破棄し、
// 配信状態をFAILEDとして書き戻す対象にする。
func (d *Dispatcher) Emit(ev Event) {
	select {
	case d.queue <- ev:
	default:
		d.logger.Warn("通知キューが満杯のためイベントを破棄しました",
			slog.String("event", ev.Name),
			slog.String("invitation_id", ev.InvitationID),
		)
		if d.metrics != nil {
			d.metrics.RecordNotificationDelivery("dropped")
		}
		d.recordStatus(context.Background(), ev, model.EmailDeliveryFailed)
	}
}

// Run はキューを消費し続ける。ctxのキャンセルで停止する。
// serveモードとworkerモードの両方で実行される。
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

// deliver は1件のイベントを配信し、結果を招待へ書き戻す。
func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	status := model.EmailDeliverySent
	outcome := "sent"

	if err := d.post(ctx, ev); err != nil {
		d.logger.Error("通知の配信に失敗しました",
			slog.String("event", ev.Name),
			slog.String("invitation_id", ev.InvitationID),
			slog.String("error", err.Error()),
		)
		status = model.EmailDeliveryFailed
		outcome = "failed"
	}

	if d.metrics != nil {
		d.metrics.RecordNotificationDelivery(outcome)
	}
	d.recordStatus(ctx, ev, status)
}

// post はイベントをWebhookエンドポイントへPOSTする。
func (d *Dispatcher) post(ctx context.Context, ev Event) error {
	if d.endpoint == "" {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("通知ペイロードのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("通知リクエストの生成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("通知リクエストの送信に失敗しました: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("通知エンドポイントがエラーを返しました: status=%d", resp.StatusCode)
	}

	return nil
}

// recordStatus は配信結果をベストエフォートで書き戻す。
// 書き戻し失敗はログに記録するのみで、配信結果自体には影響しない。
func (d *Dispatcher) recordStatus(ctx context.Context, ev Event, status model.EmailDeliveryStatus) {
	if d.recorder == nil || ev.InvitationID == "" {
		return
	}
	if err := d.recorder.UpdateEmailDeliveryStatus(ctx, ev.InvitationID, status); err != nil {
		d.logger.Error("メール配信状態の更新に失敗しました",
			slog.String("invitation_id", ev.InvitationID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}
