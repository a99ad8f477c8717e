package domain

import (
	"fmt"
	"math/big"
)

// ParseBig 解析十进制大整数字符串（持久化恢复用）
func ParseBig(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid big integer %q", s)
	}
	return v, nil
}
