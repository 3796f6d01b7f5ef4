// Package events はジョブの状態変化を Kafka トピックへ送信します。
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/compress"
	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/jobs"
)

// EventRemoved はジョブが一覧から削除されたときのイベント種別です。
const EventRemoved = "job.removed"

// Event はトピックに送るメッセージ本体です。
type Event struct {
	Type       string          `json:"type"`
	JobID      string          `json:"jobId"`
	Status     jobs.Status     `json:"status,omitempty"`
	Filename   string          `json:"filename,omitempty"`
	Percent    float64         `json:"percent"`
	Stage      string          `json:"stage,omitempty"`
	Error      *jobs.ErrorInfo `json:"error,omitempty"`
	Stats      *compress.Stats `json:"stats,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher は jobs.Sink の Kafka 実装です。
type Publisher struct {
	writer messageWriter
	now    func() time.Time
}

// NewPublisher は brokers に接続する Publisher を作成します。
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           50 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Record はジョブのスナップショットをイベントとして送信します。
// キーにジョブIDを使うため、同じジョブのイベントは同じパーティションに順番に入ります。
func (p *Publisher) Record(ctx context.Context, job jobs.Job) error {
	ev := Event{
		Type:       "job." + string(job.Status),
		JobID:      job.ID,
		Status:     job.Status,
		Filename:   job.Input.Filename,
		Percent:    job.Progress.Percent,
		Stage:      job.Progress.Stage,
		Error:      job.Error,
		OccurredAt: p.now(),
	}
	if job.Output != nil {
		stats := job.Output.Stats
		ev.Stats = &stats
	}
	return p.publish(ctx, ev)
}

// Forget は削除イベントを送信します。
func (p *Publisher) Forget(ctx context.Context, jobID string) error {
	return p.publish(ctx, Event{Type: EventRemoved, JobID: jobID, OccurredAt: p.now()})
}

// Close は Writer を閉じます。
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func (p *Publisher) publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.JobID),
		Value: body,
	})
}
