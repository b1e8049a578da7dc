package account

import (
	"testing"
	"time"
)

func TestIsExpired_Buffer(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{name: "inside buffer", expires: now.Add(200 * time.Second), want: true},
		{name: "outside buffer", expires: now.Add(400 * time.Second), want: false},
		{name: "already expired", expires: now.Add(-time.Minute), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Credential{ExpiresAt: tt.expires}
			if got := c.IsExpired(now); got != tt.want {
				t.Fatalf("IsExpired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMerge_PreservesRefreshToken(t *testing.T) {
	existing := &Credential{
		Provider:     "google",
		AccountType:  "primary",
		AccessToken:  "old-access",
		RefreshToken: "keep-me",
		Email:        "fam@example.com",
	}
	update := &Credential{
		Provider:    "google",
		AccountType: "primary",
		AccessToken: "new-access",
		ExpiresAt:   time.Now().Add(time.Hour),
		IsActive:    true,
	}

	merged := Merge(existing, update)
	if merged.RefreshToken != "keep-me" {
		t.Fatalf("refresh token lost in merge: %q", merged.RefreshToken)
	}
	if merged.AccessToken != "new-access" {
		t.Fatalf("access token not updated: %q", merged.AccessToken)
	}
	if merged.Email != "fam@example.com" {
		t.Fatalf("email lost in merge: %q", merged.Email)
	}
}

func TestMerge_NilExisting(t *testing.T) {
	update := &Credential{Provider: "google", AccountType: "primary-tv", AccessToken: "a"}
	merged := Merge(nil, update)
	if merged.AccountType != "primary-tv" {
		t.Fatalf("unexpected account type %q", merged.AccountType)
	}
}

func TestClientClass_Default(t *testing.T) {
	c := &Credential{}
	if got := c.ClientClass(); got != ClientClassWeb {
		t.Fatalf("default client class = %q, want %q", got, ClientClassWeb)
	}
	c.ProviderInfo = map[string]string{ProviderInfoClientClass: ClientClassDevice}
	if got := c.ClientClass(); got != ClientClassDevice {
		t.Fatalf("client class = %q, want %q", got, ClientClassDevice)
	}
}

func TestComplete(t *testing.T) {
	c := &Credential{AccessToken: "a"}
	if c.Complete() {
		t.Fatal("record without refresh token reported complete")
	}
	c.RefreshToken = "r"
	if !c.Complete() {
		t.Fatal("full record reported incomplete")
	}
}
