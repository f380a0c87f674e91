package handler

import (
	"strconv"
	"strings"

	"github.com/hitoshi/kokoro/internal/model"
)

// 推移グラフの描画領域。
const (
	chartWidth   = 600
	chartHeight  = 200
	chartPadding = 10
)

// trendChart は気分の推移を描くSVGのpolyline。
type trendChart struct {
	Width  int
	Height int
	Points string
}

// newTrendChart は古い順の履歴から折れ線の座標を計算する。
// 縦軸は1〜10の固定範囲。
func newTrendChart(history []model.MoodEntry) trendChart {
	c := trendChart{Width: chartWidth, Height: chartHeight}
	if len(history) == 0 {
		return c
	}

	plotW := float64(chartWidth - 2*chartPadding)
	plotH := float64(chartHeight - 2*chartPadding)
	span := float64(model.MoodMax - model.MoodMin)

	points := make([]string, len(history))
	for i, e := range history {
		x := float64(chartPadding)
		if len(history) > 1 {
			x += plotW * float64(i) / float64(len(history)-1)
		} else {
			x += plotW / 2
		}
		y := float64(chartPadding) + plotH*(1-float64(e.Mood-model.MoodMin)/span)
		points[i] = strconv.FormatFloat(x, 'f', 1, 64) + "," + strconv.FormatFloat(y, 'f', 1, 64)
	}
	c.Points = strings.Join(points, " ")
	return c
}
