package photo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/hitoshi/kokoro/internal/model"
)

// 撮影の既定値。
const (
	DefaultCaptureDelay = 3 * time.Second
	captureQuality      = 80
	maxFrameSize        = 10 << 20
)

// Capturer はカメラのMJPEGストリームから静止画を1枚撮影する。
type Capturer struct {
	client    *http.Client
	streamURL string
	delay     time.Duration
}

// NewCapturer はCapturerを生成する。delayが0以下の場合は既定値になる。
// streamURLが空の場合、Captureは常にnilを返す。
func NewCapturer(client *http.Client, streamURL string, delay time.Duration) *Capturer {
	if delay <= 0 {
		delay = DefaultCaptureDelay
	}
	if client == nil {
		client = &http.Client{Timeout: delay + 10*time.Second}
	}
	return &Capturer{client: client, streamURL: streamURL, delay: delay}
}

// Enabled はカメラが設定されているかを返す。
func (c *Capturer) Enabled() bool {
	return c.streamURL != ""
}

// Capture はストリームに接続してdelay経過後の最新フレームを
// JPEG（品質80）に再エンコードして返す。
// カメラに接続できない、アクセスが拒否された、デコードできないなど
// いずれの失敗でもnilを返す。
func (c *Capturer) Capture(ctx context.Context) *Blob {
	if !c.Enabled() {
		return nil
	}

	frame, err := c.grab(ctx)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodePermissionDenied {
			slog.Warn("camera access denied", slog.String("url", c.streamURL))
		} else {
			slog.Warn("failed to capture photo", slog.String("error", err.Error()))
		}
		return nil
	}

	img, err := imaging.Decode(bytes.NewReader(frame))
	if err != nil {
		slog.Warn("failed to decode camera frame", slog.String("error", err.Error()))
		return nil
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(captureQuality)); err != nil {
		slog.Warn("failed to encode camera frame", slog.String("error", err.Error()))
		return nil
	}
	return &Blob{Data: buf.Bytes(), ContentType: "image/jpeg"}
}

// grab は接続からdelay経過後に届いている最新のフレームを返す。
func (c *Capturer) grab(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create camera request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to camera: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, model.NewPermissionDeniedError()
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("camera returned status %d", resp.StatusCode)
	}

	deadline := time.Now().Add(c.delay)

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("invalid camera content type: %w", err)
	}

	if !strings.HasPrefix(mediaType, "multipart/") {
		// 単一画像を返すスナップショットURLの場合も撮影までの待ち時間は同じにする
		if err := sleepUntil(ctx, deadline); err != nil {
			return nil, err
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
	}

	boundary := strings.TrimPrefix(params["boundary"], "--")
	frames := make(chan []byte)
	errc := make(chan error, 1)
	go readFrames(ctx, multipart.NewReader(resp.Body, boundary), frames, errc)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	expired := false
	var latest []byte
	for {
		select {
		case frame := <-frames:
			latest = frame
			if expired {
				return latest, nil
			}
		case err := <-errc:
			if latest != nil {
				return latest, nil
			}
			return nil, fmt.Errorf("failed to read camera frame: %w", err)
		case <-timer.C:
			if latest != nil {
				return latest, nil
			}
			// 最初のフレームがまだ届いていなければ届くまで待つ
			expired = true
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// readFrames はストリームのパートを順に読み、完成したフレームをframesに送る。
// ctxが終了するとレスポンスボディが閉じられ、読み込みエラーで終了する。
func readFrames(ctx context.Context, mr *multipart.Reader, frames chan<- []byte, errc chan<- error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			errc <- err
			return
		}
		frame, err := io.ReadAll(io.LimitReader(part, maxFrameSize))
		part.Close()
		if err != nil {
			errc <- err
			return
		}
		if len(frame) == 0 {
			continue
		}
		select {
		case frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}

func sleepUntil(ctx context.Context, deadline time.Time) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
