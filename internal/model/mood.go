package model

import "time"

// 気分スコアの範囲。
const (
	MoodMin = 1
	MoodMax = 10
)

// MoodEntry はユーザーが自己申告した1件の気分記録。
// 書き込み後は変更されない。
type MoodEntry struct {
	ID        string
	Mood      int
	Date      string // YYYY-MM-DD
	Timestamp time.Time
}

var moodLabels = [MoodMax]string{
	"Terrible", "Bad", "Poor", "Fair", "Okay",
	"Good", "Great", "Amazing", "Fantastic", "Perfect",
}

var moodEmojis = [MoodMax]string{
	"😢", "😟", "😐", "🙂", "😊",
	"😄", "🤩", "🥳", "😍", "🌟",
}

// ValidMood はスコアが1〜10の範囲内かを返す。
func ValidMood(mood int) bool {
	return mood >= MoodMin && mood <= MoodMax
}

// MoodLabel はスコアに対応する表示ラベルを返す。範囲外は空文字列。
func MoodLabel(mood int) string {
	if !ValidMood(mood) {
		return ""
	}
	return moodLabels[mood-1]
}

// MoodEmoji はスコアに対応する絵文字を返す。範囲外は空文字列。
func MoodEmoji(mood int) string {
	if !ValidMood(mood) {
		return ""
	}
	return moodEmojis[mood-1]
}
