// Package compress は動画圧縮のビットレート計画、エンコーダ引数の生成、進捗解析、圧縮統計を提供します。
package compress

import (
	"errors"
	"fmt"
)

const (
	// CodeInvalidInput は入力値や設定値が不正な場合のエラーコードです。
	CodeInvalidInput = "INVALID_INPUT"
)

// Error は利用者へそのまま返せるコードとメッセージを持つエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap は内包するエラーを返します。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func invalidInput(format string, args ...any) *Error {
	return newError(CodeInvalidInput, fmt.Sprintf(format, args...), nil)
}

// InvalidInput は INVALID_INPUT コードのエラーを作成します。
func InvalidInput(format string, args ...any) *Error {
	return invalidInput(format, args...)
}

// IsInvalidInput は err が入力不正のエラーかどうかを判定します。
func IsInvalidInput(err error) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.Code == CodeInvalidInput
}
