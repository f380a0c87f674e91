package account

// Level は通知の種類。
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
)

// Notification は画面に一時表示する通知。
type Notification struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}
