package account

import (
	"net/mail"
	"strings"
	"unicode"

	"github.com/hitoshi/kokoro/internal/model"
)

// 年齢の入力範囲。
const (
	MinAge = 13
	MaxAge = 100
)

// SignupForm はサインアップフォームの入力値。
type SignupForm struct {
	FullName        string
	Email           string
	Phone           string
	Age             *int
	Interests       string
	About           string
	Password        string
	ConfirmPassword string
	AcceptTerms     bool
}

// FieldErrors はフィールド名ごとの入力エラーメッセージ。
type FieldErrors map[string]string

// Validate はフォームを検証し、エラーのあるフィールドを返す。
// エラーがない場合は空のマップを返す。
func (f SignupForm) Validate() FieldErrors {
	errs := FieldErrors{}

	name := strings.TrimSpace(f.FullName)
	switch {
	case name == "":
		errs["fullName"] = "Full name is required"
	case len([]rune(name)) < 2:
		errs["fullName"] = "Name must be at least 2 characters"
	}

	if msg := validateEmail(f.Email); msg != "" {
		errs["email"] = msg
	}

	if f.Age != nil {
		switch {
		case *f.Age < MinAge:
			errs["age"] = "Must be at least 13 years old"
		case *f.Age > MaxAge:
			errs["age"] = "Invalid age"
		}
	}

	if msg := validatePassword(f.Password); msg != "" {
		errs["password"] = msg
	}

	switch {
	case f.ConfirmPassword == "":
		errs["confirmPassword"] = "Confirm password is required"
	case f.ConfirmPassword != f.Password:
		errs["confirmPassword"] = "Passwords must match"
	}

	if !f.AcceptTerms {
		errs["acceptTerms"] = "You must accept the terms and privacy policy"
	}
	return errs
}

// Fields はプロフィールの初期値を返す。
func (f SignupForm) Fields(photoURL string) model.ProfileFields {
	return model.ProfileFields{
		DisplayName: strings.TrimSpace(f.FullName),
		PhotoURL:    photoURL,
		Phone:       strings.TrimSpace(f.Phone),
		Age:         f.Age,
		Interests:   strings.TrimSpace(f.Interests),
		About:       strings.TrimSpace(f.About),
	}
}

// LoginForm はログインフォームの入力値。
type LoginForm struct {
	Email    string
	Password string
}

// Validate はフォームを検証し、エラーのあるフィールドを返す。
func (f LoginForm) Validate() FieldErrors {
	errs := FieldErrors{}
	if msg := validateEmail(f.Email); msg != "" {
		errs["email"] = msg
	}
	if f.Password == "" {
		errs["password"] = "Password is required"
	}
	return errs
}

// PasswordResetForm はパスワード再設定フォームの入力値。
type PasswordResetForm struct {
	Password        string
	ConfirmPassword string
}

// Validate はフォームを検証する。パスワードの条件はサインアップと同じ。
func (f PasswordResetForm) Validate() FieldErrors {
	errs := FieldErrors{}
	if msg := validatePassword(f.Password); msg != "" {
		errs["password"] = msg
	}
	switch {
	case f.ConfirmPassword == "":
		errs["confirmPassword"] = "Confirm password is required"
	case f.ConfirmPassword != f.Password:
		errs["confirmPassword"] = "Passwords must match"
	}
	return errs
}

func validateEmail(email string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return "Email is required"
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "Invalid email"
	}
	return ""
}

func validatePassword(password string) string {
	if password == "" {
		return "Password is required"
	}
	if len(password) < 8 {
		return "Password must be at least 8 characters"
	}
	lower, upper, digit := passwordClasses(password)
	if !lower || !upper || !digit {
		return "Password must contain uppercase, lowercase and number"
	}
	return ""
}

func passwordClasses(password string) (lower, upper, digit bool) {
	for _, r := range password {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case unicode.IsDigit(r) && r < unicode.MaxASCII:
			digit = true
		}
	}
	return lower, upper, digit
}

// PasswordStrength はパスワード強度メーターの値を0〜100の25刻みで返す。
// 8文字以上・小文字・大文字・数字のそれぞれで25加算する。
func PasswordStrength(password string) int {
	strength := 0
	if len(password) >= 8 {
		strength += 25
	}
	lower, upper, digit := passwordClasses(password)
	for _, ok := range []bool{lower, upper, digit} {
		if ok {
			strength += 25
		}
	}
	return strength
}

// StrengthLabel は強度メーターの表示ラベルを返す。
func StrengthLabel(strength int) string {
	switch {
	case strength >= 100:
		return "Strong"
	case strength >= 75:
		return "Good"
	case strength >= 50:
		return "Fair"
	default:
		return "Weak"
	}
}
