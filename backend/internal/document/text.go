package document

import "unicode/utf16"

// 块文本按 UTF-16 码元寻址，与浏览器编辑器（Draft.js）的偏移量一致。
// 从代理对中间切开时，解码出的半个字符会变成 U+FFFD。

// TextLen 返回文本的 UTF-16 长度
func TextLen(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

func encode(s string) []uint16 { return utf16.Encode([]rune(s)) }

func decode(u []uint16) string { return string(utf16.Decode(u)) }

// clamp 把 pos 限制在 [0, n]
func clamp(pos, n int) int {
	if pos < 0 {
		return 0
	}
	if pos > n {
		return n
	}
	return pos
}

// SplitText 在 pos 处把文本切成两段，pos 超出范围时截到边界
func SplitText(s string, pos int) (string, string) {
	u := encode(s)
	pos = clamp(pos, len(u))
	return decode(u[:pos]), decode(u[pos:])
}

// InsertText 在 pos 处插入 text
func InsertText(s string, pos int, text string) string {
	left, right := SplitText(s, pos)
	return left + text + right
}

// DeleteText 从 pos 开始删除 length 个码元，超出末尾的部分忽略
func DeleteText(s string, pos, length int) string {
	u := encode(s)
	start := clamp(pos, len(u))
	end := clamp(start+length, len(u))
	if length < 0 {
		end = start
	}
	out := make([]uint16, 0, len(u)-(end-start))
	out = append(out, u[:start]...)
	out = append(out, u[end:]...)
	return decode(out)
}

// TextFrom 返回从 pos 开始的剩余文本
func TextFrom(s string, pos int) string {
	_, right := SplitText(s, pos)
	return right
}
