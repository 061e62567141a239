package merge

import (
	"fmt"
	"strings"

	xerrors "ARC-Router/internal/errors"
)

// Strategy 选择把多个响应归并为一个的算法。取值集合是封闭的。
type Strategy int

const (
	HighestConfidence Strategy = iota
	Consensus
	WeightedAverage
	Concatenation
	StructuredEnsemble
	FirstSuccess
)

var strategyNames = [...]string{
	HighestConfidence:  "highest-confidence",
	Consensus:          "consensus",
	WeightedAverage:    "weighted-average",
	Concatenation:      "concatenation",
	StructuredEnsemble: "structured-ensemble",
	FirstSuccess:       "first-success",
}

// Strategies 按定义顺序返回全部策略。
func Strategies() []Strategy {
	return []Strategy{HighestConfidence, Consensus, WeightedAverage, Concatenation, StructuredEnsemble, FirstSuccess}
}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("strategy(%d)", int(s))
	}
	return strategyNames[s]
}

// Valid 判断策略是否为已定义的取值。
func (s Strategy) Valid() bool {
	return s >= 0 && int(s) < len(strategyNames)
}

// ParseStrategy 解析策略名称，大小写不敏感，下划线与连字符等价。
func ParseStrategy(name string) (Strategy, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
	for i, candidate := range strategyNames {
		if candidate == normalized {
			return Strategy(i), nil
		}
	}
	return 0, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的合并策略: %q", name))
}

// MarshalText 实现 encoding.TextMarshaler。
func (s Strategy) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的合并策略: %d", int(s)))
	}
	return []byte(s.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
