package rank

import "errors"

// 排序键：以 'a' 为 0 的 26 进制数，最低位在最右边
// 目前块顺序仍使用整数 index，这里为后续的分数排序预留

var ErrInvalidRank = errors.New("invalid rank")

const (
	digitBase = 26
	minChar   = '!' // 兼容旧键里 'a' 以下的可见 ASCII，比如 "hzztxk:"
	maxChar   = 'z'
)

// Validate 检查 rank 是否为合法的排序键
func Validate(rank string) error {
	if rank == "" {
		return ErrInvalidRank
	}
	for i := 0; i < len(rank); i++ {
		if rank[i] < minChar || rank[i] > maxChar {
			return ErrInvalidRank
		}
	}
	return nil
}

// IncrementRank 返回 rank 之后第 step 个键，结果按字典序严格大于 rank。
// 进位从右往左传递；最高位也溢出时，在溢出后的数字前补上进位（最少为 "a"），
// 再整体加上 "z"*len(rank) 前缀，这样变长后的键依然排在所有同长度键之后。
func IncrementRank(rank string, step int) (string, error) {
	if step < 1 {
		return "", ErrInvalidRank
	}
	if err := Validate(rank); err != nil {
		return "", err
	}

	digits := make([]int, len(rank))
	for i := 0; i < len(rank); i++ {
		digits[i] = int(rank[i]) - 'a'
	}

	carry := step
	for i := len(digits) - 1; i >= 0 && carry > 0; i-- {
		v := digits[i] + carry
		if v < digitBase {
			// 'a' 以下的字符是负数位，加上后仍可能小于 0，原样保留
			digits[i] = v
			carry = 0
			break
		}
		digits[i] = v % digitBase
		carry = v / digitBase
	}

	if carry == 0 {
		out := make([]byte, len(digits))
		for i, d := range digits {
			out[i] = byte('a' + d)
		}
		return string(out), nil
	}

	// 最高位溢出：carry >= 1
	out := make([]byte, 0, 2*len(rank)+1)
	for range rank {
		out = append(out, maxChar)
	}
	out = append(out, encode(carry-1)...)
	for _, d := range digits {
		out = append(out, byte('a'+d))
	}
	return string(out), nil
}

// encode 把非负整数编码为最短的 26 进制字母串
func encode(n int) []byte {
	if n == 0 {
		return []byte{'a'}
	}
	var rev []byte
	for n > 0 {
		rev = append(rev, byte('a'+n%digitBase))
		n /= digitBase
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}
