// Package base62 提供短碼使用的 Base62 編碼
//
// 字符集：0-9, A-Z, a-z（共 62 個字符），不含 URL 需要轉義的 + 和 /。
//
// 容量：
//
//	6 位：62^6 = 56,800,235,584（約 568 億）
//	7 位：62^7 = 3,521,614,606,208（約 3.5 兆）
package base62

import "errors"

// Alphabet 保持 0-9, A-Z, a-z 的順序，方便除錯時對照數值
const Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const base = 62

// maxWidth 是 uint64 能完整表示 62^n 的最大 n
const maxWidth = 10

// ErrValueTooLarge 數值無法放進指定寬度
var ErrValueTooLarge = errors.New("value does not fit in requested width")

// decodeTable 字符到數值的查找表，-1 表示非法字符
var decodeTable [256]int8

func init() {
	for i := range decodeTable {
		decodeTable[i] = -1
	}
	for i := 0; i < len(Alphabet); i++ {
		decodeTable[Alphabet[i]] = int8(i)
	}
}

// EncodePadded 編碼為固定寬度（左側補 '0'）
//
// 短碼長度固定，避免 "1" 與 "000001" 這類不同寬度的值混用。
func EncodePadded(num uint64, width int) (string, error) {
	if width <= 0 || width > maxWidth {
		return "", ErrValueTooLarge
	}
	if num >= Space(width) {
		return "", ErrValueTooLarge
	}

	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = Alphabet[num%base]
		num /= base
	}
	return string(buf), nil
}

// IsValid 檢查字串是否只含 Base62 字符（空字串不合法）
func IsValid(str string) bool {
	if str == "" {
		return false
	}
	for i := 0; i < len(str); i++ {
		if decodeTable[str[i]] < 0 {
			return false
		}
	}
	return true
}

// Space 回傳指定寬度的編碼空間大小（62^width）
//
// width 超過 10 時回傳 0，呼叫方應視為不支援。
func Space(width int) uint64 {
	if width < 0 || width > maxWidth {
		return 0
	}
	n := uint64(1)
	for i := 0; i < width; i++ {
		n *= base
	}
	return n
}
