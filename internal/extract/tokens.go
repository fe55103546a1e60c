package extract

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	tokenEncoder *tiktoken.Tiktoken
	encoderOnce  sync.Once
	encoderErr   error
)

func initTokenEncoder() error {
	encoderOnce.Do(func() {
		tokenEncoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoderErr
}

// CountTokens estimates how many tokens the backend will spend on text.
// Uses the cl100k_base encoding when available, otherwise the rough
// chars/4 heuristic.
func CountTokens(text string) int {
	if err := initTokenEncoder(); err != nil {
		return len(text) / 4
	}
	return len(tokenEncoder.Encode(text, nil, nil))
}
