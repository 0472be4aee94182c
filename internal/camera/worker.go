package camera

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"grabfleet/internal/frame"
	"grabfleet/internal/hardware"
	"grabfleet/internal/result"
)

// ErrSubscriberExists は同じIDで2回購読しようとした場合のエラー
var ErrSubscriberExists = errors.New("subscriber id already exists")

// Capture は購読者へ配信するフレーム
// Buffer は購読者専用のコピーで、不要になったら購読者がReleaseする
type Capture struct {
	Camera    string
	Seq       uint64
	Timestamp time.Time
	Buffer    *frame.Buffer
}

// Worker は取得中の全カメラから連続してフレームを取り込む
// 各ラウンドでカメラごとに並行してGrabし、新しいフレームを購読者へ配信する
// 購読者のチャンネルが詰まっている場合はそのフレームを捨てる
type Worker struct {
	fleet    *Fleet
	option   hardware.TriggerOption
	interval time.Duration

	mu          sync.RWMutex
	subscribers map[string]subscription
	seq         uint64
}

// subscription は購読者1件分の配信先
// camera が空なら全カメラのフレームを受け取る
type subscription struct {
	camera string
	ch     chan<- Capture
}

// NewWorker は新しいWorkerを作成する
// interval は取得中のカメラが無い時や失敗後に待つ時間
func NewWorker(fleet *Fleet, option hardware.TriggerOption, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Worker{
		fleet:       fleet,
		option:      option,
		interval:    interval,
		subscribers: make(map[string]subscription),
	}
}

// Subscribe はフレームを受け取るチャンネルを登録する
// camera にユーザー識別子を指定するとそのカメラのフレームだけを受け取る。空なら全カメラ
func (w *Worker) Subscribe(id, camera string, ch chan<- Capture) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.subscribers[id]; ok {
		return ErrSubscriberExists
	}
	w.subscribers[id] = subscription{camera: camera, ch: ch}
	return nil
}

// Unsubscribe は購読を解除する
func (w *Worker) Unsubscribe(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.subscribers, id)
}

// Run はctxがキャンセルされるまで取り込みを繰り返す
func (w *Worker) Run(ctx context.Context) error {
	log.WithField("trigger", w.option.String()).Info("grab worker started")
	defer log.Info("grab worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		grabbed, err := w.Round(ctx)
		if err != nil && ctx.Err() == nil {
			grabErrors.WithLabelValues(result.CodeOf(err).String()).Inc()
			log.WithError(err).Warn("grab round failed")
		}
		if grabbed > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.interval):
		}
	}
}

// Round は取得中の全カメラで1回ずつGrabし、新しいフレームを配信する
// 戻り値はGrabを試みたカメラ数
func (w *Worker) Round(ctx context.Context) (int, error) {
	var targets []*Device
	for _, dev := range w.fleet.Devices() {
		if dev.IsAcquiring() {
			targets = append(targets, dev)
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	before := make([]*frame.Buffer, len(targets))
	for i, dev := range targets {
		before[i] = dev.Frame()
	}

	var group errgroup.Group
	for _, dev := range targets {
		dev := dev
		group.Go(func() error {
			err := dev.Grab(ctx, w.option)
			// 停止と競合した場合は次のラウンドで対象外になる
			if result.CodeOf(err) == result.DeviceNotStarted {
				return nil
			}
			return err
		})
	}
	err := group.Wait()

	for i, dev := range targets {
		if fb := dev.Frame(); fb != nil && fb != before[i] {
			w.publish(dev.UserID(), fb)
		}
	}
	return len(targets), err
}

// publish はフレームのコピーを対象の購読者へ送る。詰まっている購読者には送らない
func (w *Worker) publish(camera string, fb *frame.Buffer) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.subscribers) == 0 {
		return
	}
	w.seq++

	for id, sub := range w.subscribers {
		if sub.camera != "" && sub.camera != camera {
			continue
		}
		c, err := frame.New(fb.Width(), fb.Height(), fb.Format(), fb.Raw())
		if err != nil {
			// 解放済み
			return
		}
		select {
		case sub.ch <- Capture{Camera: camera, Seq: w.seq, Timestamp: time.Now(), Buffer: c}:
		default:
			c.Release()
			framesDropped.WithLabelValues(id).Inc()
		}
	}
}
