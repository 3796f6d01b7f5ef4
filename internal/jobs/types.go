package jobs

import (
	"errors"
	"time"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/compress"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal は終了状態かどうかを返します。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// 失敗時のエラーコード
const (
	CodeEncodeFailed       = "ENCODE_FAILED"
	CodeEncoderUnavailable = "ENCODER_UNAVAILABLE"
	CodeInterrupted        = "INTERRUPTED"
	CodeInternal           = "INTERNAL_ERROR"
)

var (
	// ErrNotFound は指定IDのジョブが存在しない場合に返されます。
	ErrNotFound = errors.New("job not found")
	// ErrQueueFull はキューの上限に達した場合に返されます。
	ErrQueueFull = errors.New("job queue is full")
	// ErrJobActive は実行中のジョブを削除しようとした場合に返されます。
	ErrJobActive = errors.New("job is still active")
	// ErrShuttingDown は停止処理中に投入された場合に返されます。
	ErrShuttingDown = errors.New("job manager is shutting down")
)

// CancelOutcome はキャンセル要求の結果です。
type CancelOutcome string

const (
	CancelOutcomeCancelled       CancelOutcome = "cancelled"
	CancelOutcomeCancelling      CancelOutcome = "cancelling"
	CancelOutcomeAlreadyFinished CancelOutcome = "already_finished"
)

// ProgressInfo は進捗を表します。
type ProgressInfo struct {
	Percent float64 `json:"percent"`
	Stage   string  `json:"stage,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InputInfo は入力ファイルの情報です。
type InputInfo struct {
	Path            string  `json:"path"`
	Filename        string  `json:"filename"`
	Size            int64   `json:"size"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

// OutputInfo は完了時の出力情報です。
type OutputInfo struct {
	Path     string         `json:"path"`
	Filename string         `json:"filename"`
	Size     int64          `json:"size"`
	Stats    compress.Stats `json:"stats"`
}

// Job はジョブのスナップショットです。
// ポインタとスライスのフィールドは差し替えのみで、既存の値をその場で書き換えることはありません。
type Job struct {
	ID               string            `json:"id"`
	Input            InputInfo         `json:"input"`
	Settings         compress.Settings `json:"settings"`
	Mode             compress.Mode     `json:"mode,omitempty"`
	PlannedVideoKbps int               `json:"plannedVideoKbps,omitempty"`
	Status           Status            `json:"status"`
	Progress         ProgressInfo      `json:"progress"`
	Error            *ErrorInfo        `json:"error,omitempty"`
	StderrTail       []string          `json:"stderrTail,omitempty"`
	Output           *OutputInfo       `json:"output,omitempty"`
	Destination      string            `json:"destination,omitempty"` // 書き込み予定のパス。成果物の情報は完了時に Output へ入る
	Ephemeral        bool              `json:"ephemeral,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	FinishedAt       *time.Time        `json:"finishedAt,omitempty"`
}

// SubmitRequest はジョブ投入時の入力です。
type SubmitRequest struct {
	InputPath    string
	OriginalName string // 表示用のファイル名（空なら InputPath のベース名）
	OutputPath   string // 空なら出力ディレクトリに "<id>_compressed_<name>" で作成
	Settings     compress.Settings
	Ephemeral    bool // true なら削除時に入力と出力も消す
}
