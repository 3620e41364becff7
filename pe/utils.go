package pe

import (
	"math"
	"strings"

	"github.com/h2non/filetype"
)

type EntropyCalculator struct {
	size        int
	frequencies [256]uint64
}

func (e *EntropyCalculator) Write(p []byte) (n int, err error) {
	e.size += len(p)
	for _, v := range p {
		e.frequencies[v]++
	}
	return len(p), err
}

func (e *EntropyCalculator) Sum() (entropy float64) {
	if e.size == 0 {
		return
	}

	for _, p := range e.frequencies {
		if p > 0 {
			freq := float64(p) / float64(e.size)
			entropy += freq * math.Log2(freq)
		}
	}
	return -entropy
}

// Entropy returns the Shannon entropy of data in bits per byte.
func Entropy(data []byte) float64 {
	var e EntropyCalculator
	_, _ = e.Write(data)
	return e.Sum()
}

// FileType returns the MIME type detected from the leading bytes of data, or
// "Data" when the content is not recognised.
func FileType(data []byte) string {
	kind, _ := filetype.Match(data)
	if kind == filetype.Unknown {
		return "Data"
	}
	return kind.MIME.Value
}

func Max(x, y uint32) uint32 {
	if x < y {
		return y
	}
	return x
}

func IsValidDosFilename(filename string) bool {
	alphabet := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	numerals := "0123456789"
	special := "!#$%&'()-@^_`{}~+,.;=[]\\/"
	charset := alphabet + numerals + special
	for _, c := range filename {
		if !strings.ContainsRune(charset, c) {
			return false
		}
	}
	return true
}
