package merge

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// 字符数低于 shortTextLimit 的文本只做大小写不敏感的精确比较。
	shortTextLimit = 50
	// contradictionThreshold 以下的相似度视为矛盾。
	contradictionThreshold = 0.3
)

// normalize 返回输出的规范化序列化：字符串折叠空白，其他值编码为 JSON 后折叠空白。
func normalize(output any) string {
	var text string
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		text = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprint(v)
		} else {
			text = string(encoded)
		}
	}
	return strings.Join(strings.Fields(text), " ")
}

// Similarity 计算两个规范化输出的相似度，取值 [0,1]。
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if utf8.RuneCountInString(a) < shortTextLimit || utf8.RuneCountInString(b) < shortTextLimit {
		if strings.EqualFold(a, b) {
			return 1
		}
		return 0
	}
	return jaccard(a, b)
}

func jaccard(a, b string) float64 {
	left := tokenSet(a)
	right := tokenSet(b)
	if len(left) == 0 && len(right) == 0 {
		return 1
	}
	shared := 0
	for token := range left {
		if _, ok := right[token]; ok {
			shared++
		}
	}
	union := len(left) + len(right) - shared
	return float64(shared) / float64(union)
}

func tokenSet(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

type pair struct {
	left, right int
	similarity  float64
}

// pairwise 返回所有 i<j 组合的相似度。
func pairwise(keys []string) []pair {
	pairs := make([]pair, 0, len(keys)*(len(keys)-1)/2)
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			pairs = append(pairs, pair{left: i, right: j, similarity: Similarity(keys[i], keys[j])})
		}
	}
	return pairs
}

// Contradiction 描述合格响应之间的强烈分歧。
type Contradiction struct {
	Detected          bool     `json:"detected"`
	ConflictingPairs  []string `json:"conflicting_pairs"`
	MinSimilarity     float64  `json:"min_similarity"`
	AverageSimilarity float64  `json:"average_similarity"`
	Description       string   `json:"description"`
}

func detectContradictions(labels []string, pairs []pair) *Contradiction {
	if len(pairs) == 0 {
		return nil
	}
	c := &Contradiction{MinSimilarity: 1, ConflictingPairs: []string{}}
	var total float64
	for _, p := range pairs {
		total += p.similarity
		if p.similarity < c.MinSimilarity {
			c.MinSimilarity = p.similarity
		}
		if p.similarity < contradictionThreshold {
			c.ConflictingPairs = append(c.ConflictingPairs, labels[p.left]+" vs "+labels[p.right])
		}
	}
	c.AverageSimilarity = total / float64(len(pairs))
	c.Detected = c.MinSimilarity < contradictionThreshold
	if c.Detected {
		c.Description = fmt.Sprintf("%d of %d source pairs disagree (minimum similarity %.2f, average %.2f)",
			len(c.ConflictingPairs), len(pairs), c.MinSimilarity, c.AverageSimilarity)
	} else {
		c.Description = fmt.Sprintf("no contradictions across %d source pairs (minimum similarity %.2f)",
			len(pairs), c.MinSimilarity)
	}
	return c
}
