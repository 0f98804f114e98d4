package models

import (
	"math"
	"testing"
	"time"
)

func TestAlertValidate(t *testing.T) {
	valid := func() Alert {
		return Alert{
			ID:             "alert-1",
			UserID:         "user-1",
			BaseCurrency:   "USD",
			TargetCurrency: "EUR",
			Condition:      Above,
			TargetPrice:    0.9,
			CreatedAt:      time.Now(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(a *Alert)
		wantErr bool
	}{
		{name: "valid alert", mutate: func(a *Alert) {}, wantErr: false},
		{name: "empty ID", mutate: func(a *Alert) { a.ID = "" }, wantErr: true},
		{name: "empty user", mutate: func(a *Alert) { a.UserID = "" }, wantErr: true},
		{name: "bad base", mutate: func(a *Alert) { a.BaseCurrency = "US" }, wantErr: true},
		{name: "bad target", mutate: func(a *Alert) { a.TargetCurrency = "EU1" }, wantErr: true},
		{name: "unknown condition", mutate: func(a *Alert) { a.Condition = "sideways" }, wantErr: true},
		{name: "zero price", mutate: func(a *Alert) { a.TargetPrice = 0 }, wantErr: true},
		{name: "negative price", mutate: func(a *Alert) { a.TargetPrice = -1 }, wantErr: true},
		{name: "NaN price", mutate: func(a *Alert) { a.TargetPrice = math.NaN() }, wantErr: true},
		{name: "infinite price", mutate: func(a *Alert) { a.TargetPrice = math.Inf(1) }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := valid()
			tt.mutate(&a)
			err := a.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Alert.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseCondition(t *testing.T) {
	tests := []struct {
		in      string
		want    Condition
		wantErr bool
	}{
		{"above", Above, false},
		{"BELOW", Below, false},
		{" Above ", Above, false},
		{"", "", true},
		{"rises above", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCondition(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCondition(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseCondition(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRateSnapshot_CopiesInput(t *testing.T) {
	rates := map[string]float64{"eur": 0.95}
	s := NewRateSnapshot("usd", "2025-01-02", time.Now(), rates)

	rates["EUR"] = 2.0
	rates["GBP"] = 0.8

	if s.Base != "USD" {
		t.Errorf("base = %q, want USD", s.Base)
	}
	if got, ok := s.Rate("EUR"); !ok || got != 0.95 {
		t.Errorf("Rate(EUR) = %v, %v; want 0.95, true", got, ok)
	}
	if _, ok := s.Rate("GBP"); ok {
		t.Error("snapshot picked up a currency added after construction")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestContactReachable(t *testing.T) {
	if (Contact{UserID: "u"}).Reachable() {
		t.Error("contact without token reported reachable")
	}
	if (Contact{UserID: "u", DeliveryToken: "  "}).Reachable() {
		t.Error("blank token reported reachable")
	}
	if !(Contact{UserID: "u", DeliveryToken: "123"}).Reachable() {
		t.Error("contact with token reported unreachable")
	}
}
