package compress

// Stats は圧縮前後のサイズ比較です。
type Stats struct {
	OriginalSize     int64   `json:"originalSize"`
	CompressedSize   int64   `json:"compressedSize"`
	SavedBytes       int64   `json:"savedBytes"`
	Ratio            float64 `json:"ratio"`
	PercentReduction float64 `json:"percentReduction"`
}

// ComputeStats は圧縮率と削減率を計算します。
func ComputeStats(originalBytes, compressedBytes int64) (Stats, error) {
	if compressedBytes <= 0 {
		return Stats{}, invalidInput("圧縮後のサイズが 0 以下です")
	}
	if originalBytes <= 0 {
		return Stats{}, invalidInput("元ファイルのサイズが 0 以下です")
	}
	return Stats{
		OriginalSize:     originalBytes,
		CompressedSize:   compressedBytes,
		SavedBytes:       originalBytes - compressedBytes,
		Ratio:            float64(originalBytes) / float64(compressedBytes),
		PercentReduction: 100 * (1 - float64(compressedBytes)/float64(originalBytes)),
	}, nil
}
