package referral

import (
	"math/bits"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

const (
	// CodeLength длина реферального кода
	CodeLength = 8
	// MinCodeLength коды короче считаются некорректными
	MinCodeLength = 3

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	radix    = uint64(len(alphabet))

	// codeSpace = 36^8, число различных кодов
	codeSpace = uint64(2821109907456)

	// multiplier взаимно прост с 36, поэтому умножение по модулю codeSpace биективно
	multiplier = uint64(2654435761)
	offset     = uint64(1000003)
	// сдвиг алфавита на каждой позиции
	step = 7

	codePrefix = "ref_"
)

// GenerateCode детерминированно строит код из 8 символов A-Z0-9.
// Для 0 <= seed < 36^8 разные seed дают разные коды. Остальные значения сворачиваются через xxhash.
// Код не является секретом и служит только для учета приглашений.
func GenerateCode(seed int64) string {
	s := fold(seed)

	hi, lo := bits.Mul64(s, multiplier)
	v := (bits.Rem64(hi, lo, codeSpace) + offset) % codeSpace

	var b strings.Builder
	b.Grow(CodeLength)
	for i := 0; i < CodeLength; i++ {
		digit := (v%radix + uint64(i*step)) % radix
		b.WriteByte(alphabet[digit])
		v /= radix
	}
	return b.String()
}

func fold(seed int64) uint64 {
	if seed >= 0 && uint64(seed) < codeSpace {
		return uint64(seed)
	}
	return xxhash.Sum64String(strconv.FormatInt(seed, 10)) % codeSpace
}

// NormalizeCode приводит введенный текст к виду кода: без пробелов и префикса ref_, в верхнем регистре, не длиннее 8 символов
func NormalizeCode(text string) string {
	code := strings.TrimSpace(text)
	if len(code) >= len(codePrefix) && strings.EqualFold(code[:len(codePrefix)], codePrefix) {
		code = code[len(codePrefix):]
	}
	code = strings.ToUpper(strings.TrimSpace(code))

	if utf8.RuneCountInString(code) > CodeLength {
		code = string([]rune(code)[:CodeLength])
	}
	return code
}

// ValidCode проверяет минимальную длину кода
func ValidCode(code string) bool {
	return utf8.RuneCountInString(code) >= MinCodeLength
}
