// Package storage はアップロードされた動画のローカル保存を扱います。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/haamood19341/Video-Compressor-High-Quality-Video-Compression-Tool/internal/compress"
)

const (
	CodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	CodeLimitExceeded     = "LIMIT_EXCEEDED"
	CodeInvalidInput      = "INVALID_INPUT"

	sniffBytes = 3072
)

// Error はアップロードを受け付けられない理由を表します。
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StoredFile は保存済みのアップロードです。
type StoredFile struct {
	ID           string
	Path         string
	OriginalName string
	Size         int64
	MIME         string
}

// Local はアップロードを Dir 配下に "<id>_<ファイル名>" で保存します。
type Local struct {
	Dir     string
	MaxSize int64
}

// NewLocal は保存先ディレクトリを作成して Local を返します。
func NewLocal(dir string, maxSize int64) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("アップロード先を作成できません: %w", err)
	}
	return &Local{Dir: dir, MaxSize: maxSize}, nil
}

// SaveMultipart は拡張子と内容を確認してからアップロードを保存します。
func (l *Local) SaveMultipart(ctx context.Context, fh *multipart.FileHeader) (*StoredFile, error) {
	if fh == nil {
		return nil, &Error{Code: CodeInvalidInput, Message: "動画ファイルを選択してください。"}
	}
	if !compress.IsVideoFile(fh.Filename) {
		return nil, &Error{
			Code:    CodeUnsupportedFormat,
			Message: fmt.Sprintf("対応していない形式です。対応形式: %s", strings.Join(compress.VideoExtensions, ", ")),
		}
	}
	if l.MaxSize > 0 && fh.Size > l.MaxSize {
		return nil, &Error{Code: CodeLimitExceeded, Message: "ファイルサイズが上限を超えています。"}
	}

	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("アップロードを開けません: %w", err)
	}
	defer src.Close()

	return l.Save(ctx, fh.Filename, src)
}

// Save は r の内容を保存します。先頭を読み取り、動画でなければ拒否します。
func (l *Local) Save(ctx context.Context, originalName string, r io.Reader) (*StoredFile, error) {
	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("アップロードの読み込みに失敗しました: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return nil, &Error{Code: CodeInvalidInput, Message: "空のファイルはアップロードできません。"}
	}

	mt := mimetype.Detect(head)
	if !isVideo(mt) {
		return nil, &Error{
			Code:    CodeUnsupportedFormat,
			Message: fmt.Sprintf("動画ファイルではありません (%s)。", mt.String()),
		}
	}

	id := uuid.NewString()
	name := sanitizeFilename(originalName)
	path := filepath.Join(l.Dir, id+"_"+name)

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("保存先を作成できません: %w", err)
	}

	limit := l.MaxSize
	var body io.Reader = io.MultiReader(strings.NewReader(string(head)), r)
	if limit > 0 {
		body = io.LimitReader(body, limit+1)
	}
	size, copyErr := io.Copy(dst, &ctxReader{ctx: ctx, r: body})
	closeErr := dst.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("アップロードの保存に失敗しました: %w", copyErr)
	}
	if limit > 0 && size > limit {
		_ = os.Remove(path)
		return nil, &Error{Code: CodeLimitExceeded, Message: "ファイルサイズが上限を超えています。"}
	}

	return &StoredFile{
		ID:           id,
		Path:         path,
		OriginalName: name,
		Size:         size,
		MIME:         mt.String(),
	}, nil
}

// Remove は保存済みファイルを削除します。存在しない場合は何もしません。
func (l *Local) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func isVideo(mt *mimetype.MIME) bool {
	for m := mt; m != nil; m = m.Parent() {
		if strings.HasPrefix(m.String(), "video/") {
			return true
		}
	}
	return false
}

// sanitizeFilename はパス区切りや制御文字を取り除きます。
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	cleaned := b.String()
	ext := filepath.Ext(cleaned)
	base := strings.TrimLeft(strings.TrimSuffix(cleaned, ext), ".")
	if base == "" {
		base = "video"
	}
	return base + ext
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
