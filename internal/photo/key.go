// Package photo はプロフィール写真のアップロード・カメラ撮影・外部画像の取り込みを行う。
package photo

import (
	"strconv"
	"strings"
	"time"
)

// KeyPrefix はプロフィール写真のオブジェクトキーの接頭辞。
const KeyPrefix = "user-photos/"

// ObjectKey は識別子と時刻からオブジェクトキーを生成する。
// "@"は"_at_"、英数字・"-"・"_"以外の文字（"."を含む）は"_"に置き換える。
// 同じ識別子でも時刻（ミリ秒）が異なれば衝突しない。
func ObjectKey(identifier string, t time.Time) string {
	return KeyPrefix + sanitizeIdentifier(identifier) + "_" + strconv.FormatInt(t.UnixMilli(), 10)
}

func sanitizeIdentifier(identifier string) string {
	var b strings.Builder
	b.Grow(len(identifier) + 3)
	for _, r := range identifier {
		switch {
		case r == '@':
			b.WriteString("_at_")
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
