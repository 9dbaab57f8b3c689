package relay

import "strings"

// wildcard はパターン内で任意の1セグメントに一致するトークン。
const wildcard = "*"

// separator はチャンネル名のセグメント区切り文字。
const separator = ":"

// pattern は購読時に一度だけコンパイルされたチャンネルパターン。
// ディスパッチごとの再解析を避けるため、セグメント分割済みの形で保持する。
type pattern struct {
	// raw は購読時に指定された元のパターン文字列。
	raw string
	// segments は区切り文字で分割されたセグメント列。
	segments []string
}

// compilePattern はパターン文字列をコンパイルする。
func compilePattern(raw string) *pattern {
	return &pattern{
		raw:      raw,
		segments: strings.Split(raw, separator),
	}
}

// isPattern は文字列がワイルドカードセグメントを含むパターンかを返す。
func isPattern(channelOrPattern string) bool {
	for _, seg := range strings.Split(channelOrPattern, separator) {
		if seg == wildcard {
			return true
		}
	}
	return false
}

// match はチャンネル名がこのパターンに構造的に一致するかを返す。
// セグメント数が同じで、各セグメントがリテラル一致するか、
// ワイルドカードが空でないトークンに一致する場合にtrueを返す。
func (p *pattern) match(channel string) bool {
	segments := strings.Split(channel, separator)
	if len(segments) != len(p.segments) {
		return false
	}
	for i, want := range p.segments {
		if want == wildcard {
			if segments[i] == "" {
				return false
			}
			continue
		}
		if segments[i] != want {
			return false
		}
	}
	return true
}
