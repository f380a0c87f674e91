package handler

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/kokoro/internal/model"
	"github.com/hitoshi/kokoro/internal/photo"
)

func seededProfile() *model.Profile {
	age := 16
	return &model.Profile{
		UID:           "user-1",
		Email:         "aki@example.com",
		DisplayName:   "Aki",
		Phone:         "090-1234-5678",
		Age:           &age,
		Interests:     "music",
		About:         "Hello!",
		EmailVerified: true,
	}
}

func TestDashboard_ShowsProfileAndStats(t *testing.T) {
	env := newTestEnv(t, verifiedUser(), withProfile(seededProfile()))
	ctx := context.Background()
	for _, m := range []int{6, 8} {
		if _, err := env.moods.Submit(ctx, "user-1", m, ""); err != nil {
			t.Fatalf("Submit returned error: %v", err)
		}
	}

	resp := env.get("/dashboard")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want %q", got, "no-store")
	}
	body := readBody(t, resp)
	for _, want := range []string{
		"Welcome back, Aki!",
		"<strong>7.0</strong>",
		"<strong>2</strong>",
		"<polyline",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("dashboard missing %q", want)
		}
	}
}

func TestDashboard_EmptyState(t *testing.T) {
	env := newTestEnv(t, verifiedUser())

	body := readBody(t, env.get("/dashboard"))
	if !strings.Contains(body, "Welcome back, there!") {
		t.Error("expected fallback welcome name")
	}
	if !strings.Contains(body, "Start tracking your mood to see trends!") {
		t.Error("expected empty trend message")
	}
	if !strings.Contains(body, `value="5"`) {
		t.Error("slider should start at 5")
	}
}

func TestSubmitMood(t *testing.T) {
	env := newTestEnv(t, verifiedUser())

	resp := env.postForm("/dashboard/mood", url.Values{"mood": {"7"}})
	assertRedirect(t, resp, http.StatusSeeOther, "/dashboard")

	history, err := env.moods.History(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(history) != 1 || history[0].Mood != 7 {
		t.Fatalf("history = %+v, want one entry with mood 7", history)
	}

	body := readBody(t, env.get("/dashboard"))
	if !strings.Contains(body, `value="7"`) {
		t.Error("slider should show the latest mood")
	}
}

func TestSubmitMood_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"not a number", "great", "Mood must be between 1 and 10."},
		{"out of range", "11", "Mood must be between 1 and 10, got 11."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, verifiedUser())

			resp := env.postForm("/dashboard/mood", url.Values{"mood": {tt.value}})
			assertRedirect(t, resp, http.StatusSeeOther, "/dashboard")

			history, err := env.moods.History(context.Background(), "user-1")
			if err != nil {
				t.Fatalf("History returned error: %v", err)
			}
			if len(history) != 0 {
				t.Errorf("len(history) = %d, want 0", len(history))
			}
			if body := readBody(t, env.get("/dashboard")); !strings.Contains(body, tt.want) {
				t.Errorf("dashboard missing notice %q", tt.want)
			}
		})
	}
}

func TestUpdateProfile_PartialUpdate(t *testing.T) {
	env := newTestEnv(t, verifiedUser(), withProfile(seededProfile()))

	resp := env.postForm("/dashboard/profile", url.Values{
		"displayName": {"  Aki T  "},
		"age":         {"15"},
	})
	assertRedirect(t, resp, http.StatusSeeOther, "/dashboard")

	profile, err := env.profiles.Get(context.Background(), "user-1")
	if err != nil || profile == nil {
		t.Fatalf("Get = %v, %v", profile, err)
	}
	if profile.DisplayName != "Aki T" {
		t.Errorf("DisplayName = %q, want %q", profile.DisplayName, "Aki T")
	}
	if profile.Age == nil || *profile.Age != 15 {
		t.Errorf("Age = %v, want 15", profile.Age)
	}
	if profile.Phone != "090-1234-5678" || profile.About != "Hello!" {
		t.Errorf("fields not in the form must be kept, got phone=%q about=%q", profile.Phone, profile.About)
	}

	body := readBody(t, env.get("/dashboard"))
	if !strings.Contains(body, "Profile updated successfully!") {
		t.Error("expected profile updated notification")
	}
	if !strings.Contains(body, "Welcome back, Aki T!") {
		t.Error("cached profile should reflect the update")
	}
}

func TestUpdateProfile_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		values url.Values
		want   string
	}{
		{"short name", url.Values{"displayName": {"A"}}, "Name must be at least 2 characters."},
		{"age not a number", url.Values{"age": {"old"}}, "Age must be a number."},
		{"age too young", url.Values{"age": {"12"}}, "Age must be between 13 and 100."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, verifiedUser(), withProfile(seededProfile()))

			resp := env.postForm("/dashboard/profile", tt.values)
			assertRedirect(t, resp, http.StatusSeeOther, "/dashboard")

			profile, err := env.profiles.Get(context.Background(), "user-1")
			if err != nil || profile == nil {
				t.Fatalf("Get = %v, %v", profile, err)
			}
			if profile.DisplayName != "Aki" || profile.Age == nil || *profile.Age != 16 {
				t.Errorf("profile changed: %+v", profile)
			}
			if body := readBody(t, env.get("/dashboard")); !strings.Contains(body, tt.want) {
				t.Errorf("dashboard missing notice %q", tt.want)
			}
		})
	}
}

func TestUpdateProfile_PhotoFile(t *testing.T) {
	env := newTestEnv(t, verifiedUser(), withProfile(seededProfile()))

	resp := env.postMultipart("/dashboard/profile", map[string]string{}, "photo", jpegBytes(t, 2048, 1024))
	assertRedirect(t, resp, http.StatusSeeOther, "/dashboard")

	profile, err := env.profiles.Get(context.Background(), "user-1")
	if err != nil || profile == nil {
		t.Fatalf("Get = %v, %v", profile, err)
	}
	if !strings.HasPrefix(profile.PhotoURL, testCDN+"/"+photo.KeyPrefix) {
		t.Fatalf("PhotoURL = %q, want stored object URL", profile.PhotoURL)
	}
	if profile.DisplayName != "Aki" {
		t.Errorf("DisplayName = %q, want unchanged", profile.DisplayName)
	}
}

func TestUpdateProfile_PhotoURL(t *testing.T) {
	env := newTestEnv(t, verifiedUser(), withProfile(seededProfile()))
	var imported string
	env.importer.importFn = func(_ context.Context, rawURL string) (*photo.Blob, error) {
		imported = rawURL
		return &photo.Blob{Data: jpegBytes(t, 16, 16), ContentType: "image/jpeg"}, nil
	}

	resp := env.postForm("/dashboard/profile", url.Values{"photoURL": {"https://images.example.com/me.jpg"}})
	assertRedirect(t, resp, http.StatusSeeOther, "/dashboard")

	if imported != "https://images.example.com/me.jpg" {
		t.Errorf("imported = %q, want the submitted URL", imported)
	}
	profile, err := env.profiles.Get(context.Background(), "user-1")
	if err != nil || profile == nil {
		t.Fatalf("Get = %v, %v", profile, err)
	}
	if !strings.HasPrefix(profile.PhotoURL, testCDN+"/") {
		t.Errorf("PhotoURL = %q, want re-hosted URL", profile.PhotoURL)
	}
}

func TestUpdateProfile_PhotoURLRejected(t *testing.T) {
	env := newTestEnv(t, verifiedUser(), withProfile(seededProfile()))
	env.importer.importFn = func(context.Context, string) (*photo.Blob, error) {
		return nil, model.NewInvalidPhotoError("the photo URL is not allowed")
	}

	resp := env.postForm("/dashboard/profile", url.Values{
		"displayName": {"Aki T"},
		"photoURL":    {"http://169.254.169.254/latest/meta-data"},
	})
	assertRedirect(t, resp, http.StatusSeeOther, "/dashboard")

	profile, err := env.profiles.Get(context.Background(), "user-1")
	if err != nil || profile == nil {
		t.Fatalf("Get = %v, %v", profile, err)
	}
	if profile.DisplayName != "Aki" || profile.PhotoURL != "" {
		t.Errorf("profile should be unchanged, got %+v", profile)
	}
}

func TestStoreProfilePhoto_NothingToStore(t *testing.T) {
	got, err := storeProfilePhoto(context.Background(), nil, nil, nil, "", "aki@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("photoURL = %q, want empty", got)
	}
}

func TestStoreProfilePhoto_NoImporter(t *testing.T) {
	_, err := storeProfilePhoto(context.Background(), nil, nil, nil, "https://images.example.com/me.jpg", "aki@example.com")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidPhoto {
		t.Errorf("err = %v, want INVALID_PHOTO", err)
	}
}

func TestWelcomeName(t *testing.T) {
	tests := []struct {
		name    string
		profile *model.Profile
		want    string
	}{
		{"no profile", nil, "there"},
		{"blank name", &model.Profile{DisplayName: "  "}, "there"},
		{"display name", &model.Profile{DisplayName: "Aki"}, "Aki"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := welcomeName(tt.profile); got != tt.want {
				t.Errorf("welcomeName() = %q, want %q", got, tt.want)
			}
		})
	}
}
