package recovery

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"github.com/mailio/go-mailio-keyshare/sss"
	"github.com/tyler-smith/go-bip39/wordlists"
)

// MaxPhraseBytes bounds the secret length a phrase can carry
const MaxPhraseBytes = 128

var (
	wordIndexOnce sync.Once
	wordIndex     map[string]int
)

func words() []string {
	return wordlists.English
}

func indexOf(w string) (int, bool) {
	wordIndexOnce.Do(func() {
		wordIndex = make(map[string]int, len(wordlists.English))
		for i, w := range wordlists.English {
			wordIndex[w] = i
		}
	})
	i, ok := wordIndex[w]
	return i, ok
}

func checksumBits(n int) int {
	return n / 4
}

func phraseBits(n int) int {
	return n*8 + checksumBits(n)
}

func wordCount(n int) int {
	return (phraseBits(n) + 10) / 11
}

// lengthForWords returns the largest byte length whose bits fit into w words
func lengthForWords(w int) int {
	for n := (11 * w) / 8; n > 0; n-- {
		if phraseBits(n) <= 11*w {
			return n
		}
	}
	return 0
}

// PhraseLengthSupported reports whether n bytes decode unambiguously from their word count
func PhraseLengthSupported(n int) bool {
	return n > 0 && n <= MaxPhraseBytes && lengthForWords(wordCount(n)) == n
}

func bitAt(b []byte, i int) int {
	return int(b[i/8]>>(7-uint(i%8))) & 1
}

// EncodePhrase encodes data as a checksummed word sequence
func EncodePhrase(data []byte) (string, error) {
	n := len(data)
	if !PhraseLengthSupported(n) {
		return "", fmt.Errorf("%d bytes: %w", n, ErrUnsupportedLength)
	}
	sum := sha256.Sum256(data)
	cs := checksumBits(n)
	w := wordCount(n)

	bits := make([]int, 11*w)
	for i := 0; i < n*8; i++ {
		bits[i] = bitAt(data, i)
	}
	for i := 0; i < cs; i++ {
		bits[n*8+i] = bitAt(sum[:], i)
	}
	// remaining bits stay zero (padding)

	list := words()
	out := make([]string, w)
	for i := 0; i < w; i++ {
		idx := 0
		for j := 0; j < 11; j++ {
			idx = idx<<1 | bits[i*11+j]
		}
		out[i] = list[idx]
	}
	return strings.Join(out, " "), nil
}

// DecodePhrase reverses EncodePhrase, verifying the checksum and the zero padding
func DecodePhrase(phrase string) ([]byte, error) {
	ws := strings.Fields(strings.ToLower(phrase))
	if len(ws) == 0 {
		return nil, fmt.Errorf("empty phrase: %w", ErrUnsupportedLength)
	}
	n := lengthForWords(len(ws))
	if n == 0 || wordCount(n) != len(ws) || n > MaxPhraseBytes {
		return nil, fmt.Errorf("%d words: %w", len(ws), ErrUnsupportedLength)
	}

	bits := make([]int, 0, 11*len(ws))
	for pos, w := range ws {
		idx, ok := indexOf(w)
		if !ok {
			return nil, fmt.Errorf("word %d %q: %w", pos+1, w, ErrUnknownWord)
		}
		for j := 10; j >= 0; j-- {
			bits = append(bits, (idx>>uint(j))&1)
		}
	}

	data := make([]byte, n)
	for i := 0; i < n*8; i++ {
		data[i/8] |= byte(bits[i] << (7 - uint(i%8)))
	}
	sum := sha256.Sum256(data)
	cs := checksumBits(n)
	for i := 0; i < cs; i++ {
		if bits[n*8+i] != bitAt(sum[:], i) {
			return nil, ErrChecksumMismatch
		}
	}
	for i := n*8 + cs; i < len(bits); i++ {
		if bits[i] != 0 {
			return nil, ErrChecksumMismatch
		}
	}
	return data, nil
}

// ShareToPhrase encodes a recovery share as a recovery phrase
func ShareToPhrase(share sss.Share) (string, error) {
	if err := share.Validate(); err != nil {
		return "", err
	}
	return EncodePhrase(share)
}

// PhraseToShare decodes a recovery phrase back into the recovery share
func PhraseToShare(phrase string) (sss.Share, error) {
	data, err := DecodePhrase(phrase)
	if err != nil {
		return nil, err
	}
	share := sss.Share(data)
	if err := share.Validate(); err != nil {
		return nil, err
	}
	return share, nil
}

// ValidatePhrase checks words and checksum without returning the share
func ValidatePhrase(phrase string) error {
	data, err := DecodePhrase(phrase)
	wipe(data)
	return err
}
