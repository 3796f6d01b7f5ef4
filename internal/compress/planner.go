package compress

import "math"

const (
	// bitsPerMiB は 1MiB をビットに換算した値です。
	bitsPerMiB = 8 * 1024 * 1024

	// containerReserve はコンテナのオーバーヘッド分として予算から差し引く割合です。
	containerReserve = 0.02

	// MinVideoBitrateKbps は計画ビットレートの下限です。
	MinVideoBitrateKbps = 100
)

// Mode はエンコードのレート制御方式を表します。
type Mode string

const (
	// ModeTargetSize は目標サイズから算出したビットレート上限付きで CRF エンコードします。
	ModeTargetSize Mode = "target_size"
	// ModeQuality は再生時間が取得できなかった場合の CRF のみのエンコードです。
	ModeQuality Mode = "quality"
)

// Plan は目標ファイルサイズと再生時間から映像ビットレート (kbps) を求めます。
//
// 予算 = targetSizeMB × 8,388,608 × 0.98 ビット。映像ビットレートは
// 予算 / 再生時間 − 音声ビットレートで、MinVideoBitrateKbps を下回る場合は下限値を返します。
func Plan(targetSizeMB, durationSeconds float64, audioBitrateKbps int) (int, error) {
	if targetSizeMB <= 0 || math.IsNaN(targetSizeMB) || math.IsInf(targetSizeMB, 0) {
		return 0, invalidInput("目標サイズは正の値で指定してください")
	}
	if durationSeconds <= 0 || math.IsNaN(durationSeconds) || math.IsInf(durationSeconds, 0) {
		return 0, invalidInput("再生時間が不正です")
	}
	if audioBitrateKbps < 0 {
		return 0, invalidInput("音声ビットレートが不正です")
	}

	budgetBits := targetSizeMB * bitsPerMiB * (1 - containerReserve)
	videoBps := budgetBits/durationSeconds - float64(audioBitrateKbps)*1000
	kbps := int(math.Floor(videoBps / 1000))
	if kbps < MinVideoBitrateKbps {
		kbps = MinVideoBitrateKbps
	}
	return kbps, nil
}
